package testutil

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// MockHyprland serves the Hyprland command and event sockets from dir.
type MockHyprland struct {
	dir      string
	commands net.Listener
	events   net.Listener
	streams  *streamSet

	mu         sync.Mutex
	replies    map[string]string
	dispatched []string
	wg         sync.WaitGroup
}

// NewMockHyprland starts a server in dir. Use dir as the instance socket
// directory when constructing a client.
func NewMockHyprland(dir string) (*MockHyprland, error) {
	commands, err := net.Listen("unix", filepath.Join(dir, ".socket.sock"))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on command socket: %w", err)
	}
	events, err := net.Listen("unix", filepath.Join(dir, ".socket2.sock"))
	if err != nil {
		commands.Close()
		return nil, fmt.Errorf("failed to listen on event socket: %w", err)
	}

	s := &MockHyprland{
		dir:      dir,
		commands: commands,
		events:   events,
		streams:  newStreamSet(),
		replies:  make(map[string]string),
	}
	s.wg.Add(2)
	go s.serveCommands()
	go s.serveEvents()
	return s, nil
}

// Dir returns the socket directory.
func (s *MockHyprland) Dir() string {
	return s.dir
}

// SetReply sets the raw reply for an exact request string.
func (s *MockHyprland) SetReply(request, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[request] = reply
}

// SetJSON sets the reply for the "j/<what>" query.
func (s *MockHyprland) SetJSON(what string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	s.SetReply("j/"+what, string(data))
}

// Dispatched returns every non-query request received, in order.
func (s *MockHyprland) Dispatched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.dispatched...)
}

// Emit sends one "EVENT>>DATA" line to every event listener.
func (s *MockHyprland) Emit(event, data string) {
	s.streams.broadcast(event + ">>" + data)
}

// WaitForListeners blocks until n event connections are open.
func (s *MockHyprland) WaitForListeners(n int, timeout time.Duration) bool {
	return s.streams.wait(n, timeout)
}

// DropListeners closes all event connections.
func (s *MockHyprland) DropListeners() {
	s.streams.drop()
}

// Close stops both listeners and closes open event streams.
func (s *MockHyprland) Close() {
	s.commands.Close()
	s.events.Close()
	s.streams.drop()
	s.wg.Wait()
}

func (s *MockHyprland) serveCommands() {
	defer s.wg.Done()
	for {
		conn, err := s.commands.Accept()
		if err != nil {
			return
		}
		go s.handleCommand(conn)
	}
}

func (s *MockHyprland) handleCommand(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 8192)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		return
	}
	request := string(buf[:n])

	s.mu.Lock()
	reply, ok := s.replies[request]
	if !strings.HasPrefix(request, "j/") {
		s.dispatched = append(s.dispatched, request)
		if !ok {
			reply, ok = "ok", true
		}
	}
	s.mu.Unlock()

	if !ok {
		reply = "unknown request"
	}
	io.WriteString(conn, reply)
}

func (s *MockHyprland) serveEvents() {
	defer s.wg.Done()
	for {
		conn, err := s.events.Accept()
		if err != nil {
			return
		}
		s.streams.add(bufio.NewWriter(conn), conn)
	}
}
