// Package niri is the compositor backend for niri. Its socket speaks JSON
// lines: one request per connection, answered by {"Ok":...} or {"Err":...}.
// An EventStream request turns the connection into a stream of events
// that begins with a burst describing the current state.
package niri

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// Environment variables that advertise the socket path.
const (
	EnvSocket     = "NIRI_SOCKET"
	EnvSocketPath = "NIRI_SOCKET_PATH"
)

// ErrNoInstance is returned when no niri socket is advertised.
var ErrNoInstance = errors.New("NIRI_SOCKET or NIRI_SOCKET_PATH is not set")

// SocketPath returns the advertised socket path.
func SocketPath(getenv func(string) string) (string, error) {
	if p := getenv(EnvSocket); p != "" {
		return p, nil
	}
	if p := getenv(EnvSocketPath); p != "" {
		return p, nil
	}
	return "", ErrNoInstance
}

type reply struct {
	Ok  json.RawMessage `json:"Ok"`
	Err *string         `json:"Err"`
}

// Client talks to one niri instance.
type Client struct {
	path string
}

// NewClient creates a client for the socket at path.
func NewClient(path string) *Client {
	return &Client{path: path}
}

// open connects, sends request and checks the reply. The returned reader
// continues after the reply line.
func (c *Client) open(ctx context.Context, request any) (net.Conn, *bufio.Reader, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to niri socket: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	data, err := json.Marshal(request)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to send request: %w", err)
	}

	r := bufio.NewReader(conn)
	line, err := r.ReadBytes('\n')
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to read reply: %w", err)
	}
	var rep reply
	if err := json.Unmarshal(line, &rep); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to decode reply: %w", err)
	}
	if rep.Err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("niri error: %s", *rep.Err)
	}
	return conn, r, nil
}

// Action sends one action and waits for niri to accept it.
func (c *Client) Action(ctx context.Context, action map[string]any) error {
	conn, _, err := c.open(ctx, map[string]any{"Action": action})
	if err != nil {
		return err
	}
	return conn.Close()
}

// EventStream requests the event stream. The caller owns the connection.
func (c *Client) EventStream(ctx context.Context) (net.Conn, *bufio.Reader, error) {
	conn, r, err := c.open(ctx, "EventStream")
	if err != nil {
		return nil, nil, err
	}
	// The stream outlives the dial context's deadline.
	conn.SetDeadline(time.Time{})
	return conn, r, nil
}
