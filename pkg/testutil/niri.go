package testutil

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"
)

// MockNiri serves the niri JSON socket. Every EventStream connection is
// sent the configured initial events and then follows Emit.
type MockNiri struct {
	path     string
	listener net.Listener
	streams  *streamSet

	mu      sync.Mutex
	initial []string
	actions []string
	failure string
	wg      sync.WaitGroup
}

// NewMockNiri starts a server on dir/niri.sock.
func NewMockNiri(dir string) (*MockNiri, error) {
	path := filepath.Join(dir, "niri.sock")
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on niri socket: %w", err)
	}
	s := &MockNiri{path: path, listener: l, streams: newStreamSet()}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Path returns the socket path.
func (s *MockNiri) Path() string {
	return s.path
}

// SetInitial sets the events each new stream starts with. Each event is
// marshalled as a single-key object {name: payload}.
func (s *MockNiri) SetInitial(events ...map[string]any) {
	lines := make([]string, 0, len(events))
	for _, ev := range events {
		lines = append(lines, mustJSON(ev))
	}
	s.mu.Lock()
	s.initial = lines
	s.mu.Unlock()
}

// FailActions makes every action fail with msg. An empty msg restores
// success.
func (s *MockNiri) FailActions(msg string) {
	s.mu.Lock()
	s.failure = msg
	s.mu.Unlock()
}

// Actions returns the JSON of each received action, in order.
func (s *MockNiri) Actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.actions...)
}

// Emit sends one event to every open stream.
func (s *MockNiri) Emit(name string, payload any) {
	s.streams.broadcast(mustJSON(map[string]any{name: payload}))
}

// WaitForListeners blocks until n streams have been opened.
func (s *MockNiri) WaitForListeners(n int, timeout time.Duration) bool {
	return s.streams.wait(n, timeout)
}

// DropListeners closes all event streams.
func (s *MockNiri) DropListeners() {
	s.streams.drop()
}

// Close stops the listener and closes open streams.
func (s *MockNiri) Close() {
	s.listener.Close()
	s.streams.drop()
	s.wg.Wait()
}

func (s *MockNiri) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *MockNiri) handle(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(time.Second))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	var request any
	if err := json.Unmarshal(line, &request); err != nil {
		writeLine(conn, `{"Err":"malformed request"}`)
		conn.Close()
		return
	}

	switch req := request.(type) {
	case string:
		if req != "EventStream" {
			writeLine(conn, `{"Err":"unsupported request"}`)
			conn.Close()
			return
		}
		s.mu.Lock()
		initial := append([]string(nil), s.initial...)
		s.mu.Unlock()

		w := bufio.NewWriter(conn)
		w.WriteString(`{"Ok":"Handled"}` + "\n")
		for _, l := range initial {
			w.WriteString(l + "\n")
		}
		w.Flush()
		s.streams.add(w, conn)

	case map[string]any:
		action, ok := req["Action"]
		if !ok {
			writeLine(conn, `{"Err":"unsupported request"}`)
			conn.Close()
			return
		}
		s.mu.Lock()
		s.actions = append(s.actions, mustJSON(action))
		failure := s.failure
		s.mu.Unlock()

		if failure != "" {
			writeLine(conn, mustJSON(map[string]string{"Err": failure}))
		} else {
			writeLine(conn, `{"Ok":"Handled"}`)
		}
		conn.Close()

	default:
		writeLine(conn, `{"Err":"unsupported request"}`)
		conn.Close()
	}
}

func writeLine(conn net.Conn, line string) {
	conn.Write([]byte(line + "\n"))
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}
