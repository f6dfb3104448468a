package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"shellstate/internal/registry"
)

const writeTimeout = 10 * time.Second

// wsConn wraps a websocket connection with its write mutex
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) send(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

func (s *Server) track(c *wsConn) {
	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Server) untrack(c *wsConn) {
	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()
}

func (s *Server) closeWebsockets() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for c := range s.conns {
		c.conn.Close()
	}
}

// handleWebsocket greets the client, streams every service's snapshot as
// it changes and answers command frames until the client goes away.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	c := &wsConn{conn: conn}
	s.track(c)
	defer s.untrack(c)
	defer conn.Close()

	session := uuid.NewString()
	logger := s.logger.With(zap.String("session", session))
	logger.Info("Bridge client connected", zap.String("remote_addr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		logger.Info("Bridge client disconnected")
	}()

	if err := c.send(Message{Type: TypeHello, Session: session}); err != nil {
		logger.Warn("Failed to send hello", zap.Error(err))
		return
	}

	for _, svc := range s.registry.Services() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.streamSnapshots(ctx, c, svc, logger)
		}()
	}

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("Websocket read ended", zap.Error(err))
			}
			return
		}
		if msg.Type != TypeCommand {
			logger.Debug("Ignoring websocket frame", zap.String("type", msg.Type))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.answerCommand(ctx, c, msg, logger)
		}()
	}
}

func (s *Server) streamSnapshots(ctx context.Context, c *wsConn, svc registry.Service, logger *zap.Logger) {
	id := string(svc.ID())
	for v := range svc.Snapshot().Changes(ctx) {
		data, err := json.Marshal(v)
		if err != nil {
			logger.Error("Failed to encode snapshot", zap.String("service", id), zap.Error(err))
			continue
		}
		if err := c.send(Message{Type: TypeSnapshot, Service: id, Data: data}); err != nil {
			logger.Debug("Failed to send snapshot", zap.String("service", id), zap.Error(err))
			c.conn.Close()
			return
		}
	}
}

func (s *Server) answerCommand(ctx context.Context, c *wsConn, msg Message, logger *zap.Logger) {
	var err error
	svc, lookupErr := s.registry.Service(registry.ServiceID(msg.Service))
	if lookupErr != nil {
		err = lookupErr
	} else {
		err = s.dispatch(ctx, svc, msg.Command, msg.Args)
	}

	success := err == nil
	result := Message{Type: TypeResult, ID: msg.ID, Success: &success}
	if err != nil {
		result.Error = err.Error()
		logger.Warn("Command failed",
			zap.String("service", msg.Service),
			zap.String("command", msg.Command),
			zap.Error(err))
	}
	if sendErr := c.send(result); sendErr != nil {
		logger.Debug("Failed to send command result", zap.Error(fmt.Errorf("id %d: %w", msg.ID, sendErr)))
	}
}
