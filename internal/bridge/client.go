// Package bridge is the client side of the bridge transport. It is used by
// shellctl and by the end-to-end tests.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"shellstate/internal/api"
)

// ErrDisconnected is returned for requests on a closed connection.
var ErrDisconnected = errors.New("bridge disconnected")

// SnapshotHandler receives a service's snapshot as raw JSON.
type SnapshotHandler func(service string, data json.RawMessage)

// Subscription is returned by SubscribeSnapshots.
type Subscription interface {
	Unsubscribe()
}

type subscriberEntry struct {
	subID   int
	handler SnapshotHandler
}

// Client talks to a running daemon over HTTP and the websocket.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger

	conn      *websocket.Conn
	session   string
	connected bool
	connMu    sync.RWMutex
	writeMu   sync.Mutex
	done      chan struct{}

	msgID     int
	pending   map[int]chan api.Message
	pendingMu sync.Mutex

	subscribers map[string][]subscriberEntry
	latest      map[string]json.RawMessage
	nextSubID   int
	subsMu      sync.Mutex
}

// NewClient creates a client for the daemon at addr, e.g. "127.0.0.1:7725"
// or "http://127.0.0.1:7725".
func NewClient(addr string, logger *zap.Logger) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL:     strings.TrimSuffix(addr, "/"),
		http:        &http.Client{},
		logger:      logger,
		pending:     make(map[int]chan api.Message),
		subscribers: make(map[string][]subscriberEntry),
		latest:      make(map[string]json.RawMessage),
		done:        make(chan struct{}),
	}
}

func (c *Client) wsURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Connect opens the websocket and waits for the hello frame. A client
// connects once; create a new one after Done is closed.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.connected {
		return fmt.Errorf("already connected")
	}
	select {
	case <-c.done:
		return ErrDisconnected
	default:
	}

	wsURL, err := c.wsURL()
	if err != nil {
		return fmt.Errorf("invalid bridge address: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to bridge: %w", err)
	}

	var hello api.Message
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return fmt.Errorf("failed to read hello: %w", err)
	}
	if hello.Type != api.TypeHello {
		conn.Close()
		return fmt.Errorf("expected hello, got %s", hello.Type)
	}

	c.conn = conn
	c.session = hello.Session
	c.connected = true
	c.logger.Debug("Connected to bridge", zap.String("session", hello.Session))

	go c.receiveMessages(conn)
	return nil
}

// Session is the id the server assigned to this connection.
func (c *Client) Session() string {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.session
}

// Done is closed when the websocket connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the websocket connection
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.connected {
		return nil
	}
	c.connected = false

	c.writeMu.Lock()
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Client) receiveMessages(conn *websocket.Conn) {
	defer c.handleDisconnect()
	for {
		var msg api.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.logger.Debug("Bridge read ended", zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case api.TypeSnapshot:
			c.handleSnapshot(msg)
		case api.TypeResult:
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				select {
				case ch <- msg:
				default:
					c.logger.Warn("Response channel full", zap.Int("msg_id", msg.ID))
				}
			}
			c.pendingMu.Unlock()
		}
	}
}

func (c *Client) handleSnapshot(msg api.Message) {
	c.subsMu.Lock()
	c.latest[msg.Service] = msg.Data
	entries := append([]subscriberEntry(nil), c.subscribers[msg.Service]...)
	entries = append(entries, c.subscribers[""]...)
	c.subsMu.Unlock()

	for _, entry := range entries {
		entry.handler(msg.Service, msg.Data)
	}
}

func (c *Client) handleDisconnect() {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()
	close(c.done)
}

// SubscribeSnapshots calls handler with every snapshot of service, or of
// every service when service is empty. The latest snapshot already
// received is replayed immediately.
func (c *Client) SubscribeSnapshots(service string, handler SnapshotHandler) Subscription {
	c.subsMu.Lock()
	c.nextSubID++
	subID := c.nextSubID
	c.subscribers[service] = append(c.subscribers[service], subscriberEntry{subID: subID, handler: handler})

	replay := make(map[string]json.RawMessage)
	for name, data := range c.latest {
		if service == "" || name == service {
			replay[name] = data
		}
	}
	c.subsMu.Unlock()

	for name, data := range replay {
		handler(name, data)
	}
	return &subscription{client: c, service: service, subID: subID}
}

type subscription struct {
	client  *Client
	service string
	subID   int
}

// Unsubscribe removes only this subscription's handler
func (s *subscription) Unsubscribe() {
	c := s.client
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	entries := c.subscribers[s.service]
	for i, entry := range entries {
		if entry.subID == s.subID {
			c.subscribers[s.service] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(c.subscribers[s.service]) == 0 {
		delete(c.subscribers, s.service)
	}
}

// Command runs a command over the websocket and waits for its result.
func (c *Client) Command(ctx context.Context, service, name string, args map[string]any) error {
	c.connMu.RLock()
	connected := c.connected
	conn := c.conn
	c.connMu.RUnlock()
	if !connected {
		return ErrDisconnected
	}

	c.pendingMu.Lock()
	c.msgID++
	id := c.msgID
	respChan := make(chan api.Message, 1)
	c.pending[id] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(api.Message{Type: api.TypeCommand, ID: id, Service: service, Command: name, Args: args})
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send command: %w", err)
	}

	select {
	case resp := <-respChan:
		if resp.Success == nil || !*resp.Success {
			return fmt.Errorf("%s %s: %s", service, name, resp.Error)
		}
		return nil
	case <-c.done:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// get fetches path over HTTP and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach bridge: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("GET %s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Health returns the daemon's per-service status.
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var h api.HealthResponse
	err := c.get(ctx, "/health", &h)
	return h, err
}

// Services lists the running services.
func (c *Client) Services(ctx context.Context) ([]api.ServiceInfo, error) {
	var infos []api.ServiceInfo
	err := c.get(ctx, "/api/services", &infos)
	return infos, err
}

// State returns every snapshot keyed by service id.
func (c *Client) State(ctx context.Context) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	err := c.get(ctx, "/api/state", &all)
	return all, err
}

// ServiceState returns one service's snapshot.
func (c *Client) ServiceState(ctx context.Context, service string) (json.RawMessage, error) {
	var data json.RawMessage
	err := c.get(ctx, "/api/state/"+url.PathEscape(service), &data)
	return data, err
}
