// Package hyprland is the compositor backend for Hyprland. Requests go over
// the command socket; the event socket streams "EVENT>>DATA" lines that are
// reconciled into the snapshot one patch at a time.
package hyprland

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// EnvSignature names the running Hyprland instance.
const EnvSignature = "HYPRLAND_INSTANCE_SIGNATURE"

const (
	commandSocket = ".socket.sock"
	eventSocket   = ".socket2.sock"
)

// ErrNoInstance is returned when no Hyprland instance is advertised.
var ErrNoInstance = errors.New("HYPRLAND_INSTANCE_SIGNATURE is not set")

// SocketDir locates the instance's socket directory. Newer releases use
// $XDG_RUNTIME_DIR/hypr, older ones /tmp/hypr.
func SocketDir(getenv func(string) string) (string, error) {
	sig := getenv(EnvSignature)
	if sig == "" {
		return "", ErrNoInstance
	}
	if runtime := getenv("XDG_RUNTIME_DIR"); runtime != "" {
		dir := filepath.Join(runtime, "hypr", sig)
		if _, err := os.Stat(filepath.Join(dir, commandSocket)); err == nil {
			return dir, nil
		}
	}
	return filepath.Join("/tmp/hypr", sig), nil
}

// Client talks to one Hyprland instance.
type Client struct {
	dir string
}

// NewClient creates a client for the sockets in dir.
func NewClient(dir string) *Client {
	return &Client{dir: dir}
}

// Request sends one command on a fresh command-socket connection and
// returns the whole reply.
func (c *Client) Request(ctx context.Context, cmd string) ([]byte, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", filepath.Join(c.dir, commandSocket))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to command socket: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if _, err := io.WriteString(conn, cmd); err != nil {
		return nil, fmt.Errorf("failed to send %q: %w", cmd, err)
	}
	reply, err := io.ReadAll(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read reply to %q: %w", cmd, err)
	}
	return reply, nil
}

// Dispatch runs a command whose success reply is "ok".
func (c *Client) Dispatch(ctx context.Context, cmd string) error {
	reply, err := c.Request(ctx, cmd)
	if err != nil {
		return err
	}
	if r := strings.TrimSpace(string(reply)); r != "ok" {
		return fmt.Errorf("hyprland rejected %q: %s", cmd, r)
	}
	return nil
}

// Events connects to the event socket.
func (c *Client) Events(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", filepath.Join(c.dir, eventSocket))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event socket: %w", err)
	}
	return conn, nil
}
