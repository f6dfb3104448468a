package niri

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"go.uber.org/zap"

	"shellstate/internal/command"
	"shellstate/internal/compositor"
	"shellstate/internal/snapshot"
)

// burstWindow bounds how long FetchFull waits for the initial event burst.
const burstWindow = 500 * time.Millisecond

// Backend implements compositor.Backend over the niri socket.
type Backend struct {
	client *Client
	logger *zap.Logger
}

// New creates a backend for the instance advertised in the environment.
func New(getenv func(string) string, logger *zap.Logger) (*Backend, error) {
	path, err := SocketPath(getenv)
	if err != nil {
		return nil, err
	}
	return NewBackend(NewClient(path), logger), nil
}

// NewBackend wraps an existing client.
func NewBackend(client *Client, logger *zap.Logger) *Backend {
	return &Backend{client: client, logger: logger.Named("niri")}
}

func (b *Backend) Name() string { return "Niri" }

// FetchFull opens a throwaway event stream and folds its initial burst.
func (b *Backend) FetchFull(ctx context.Context) (compositor.State, error) {
	conn, r, err := b.client.EventStream(ctx)
	if err != nil {
		return compositor.State{}, err
	}
	defer conn.Close()

	deadline := time.Now().Add(burstWindow)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	tracker := NewTracker()
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			if _, applyErr := tracker.ApplyLine(line); applyErr != nil {
				b.logger.Debug("Skipping malformed event", zap.Error(applyErr))
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, io.EOF) {
			return tracker.State(), nil
		}
		return compositor.State{}, fmt.Errorf("failed to read event burst: %w", err)
	}
}

// Listen reads the event stream until ctx ends or the socket closes.
func (b *Backend) Listen(ctx context.Context, cell *snapshot.Cell[compositor.State]) error {
	conn, r, err := b.client.EventStream(ctx)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	b.logger.Info("Listening for compositor events")
	tracker := NewTracker()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		changed, err := tracker.ApplyLine(scanner.Bytes())
		if err != nil {
			b.logger.Warn("Failed to apply event", zap.Error(err))
			continue
		}
		if !changed {
			continue
		}
		st := tracker.State()
		cell.Update(func(cur *compositor.State) bool {
			// Submap is a Hyprland concept; keep whatever was there.
			st.Submap = cur.Submap
			if reflect.DeepEqual(*cur, st) {
				return false
			}
			*cur = st
			return true
		})
	}

	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("event socket read failed: %w", err)
	}
	return errors.New("event socket closed")
}

// Dispatch maps a command to a niri action.
func (b *Backend) Dispatch(ctx context.Context, cmd compositor.Command) error {
	action, err := actionFor(cmd)
	if err != nil {
		return err
	}
	return b.client.Action(ctx, action)
}

func actionFor(cmd compositor.Command) (map[string]any, error) {
	switch c := cmd.(type) {
	case compositor.FocusWorkspace:
		if c.ID < 0 {
			return nil, fmt.Errorf("%w: workspace id must not be negative", command.ErrInvalidArgs)
		}
		return map[string]any{
			"FocusWorkspace": map[string]any{"reference": map[string]any{"Id": c.ID}},
		}, nil
	case compositor.ScrollWorkspace:
		if c.Direction > 0 {
			return map[string]any{"FocusWorkspaceUp": map[string]any{}}, nil
		}
		return map[string]any{"FocusWorkspaceDown": map[string]any{}}, nil
	case compositor.NextKeyboardLayout:
		return map[string]any{"SwitchLayout": map[string]any{"layout": "Next"}}, nil
	case compositor.Custom:
		if c.Dispatcher != "spawn" {
			return nil, fmt.Errorf("%w: niri has no dispatcher %q", command.ErrNotImplemented, c.Dispatcher)
		}
		argv := strings.Fields(c.Args)
		if len(argv) == 0 {
			return nil, fmt.Errorf("%w: spawn needs a command", command.ErrInvalidArgs)
		}
		return map[string]any{"Spawn": map[string]any{"command": argv}}, nil
	case compositor.FocusSpecialWorkspace, compositor.ToggleSpecialWorkspace:
		return nil, fmt.Errorf("%w: niri has no special workspaces", command.ErrNotImplemented)
	case compositor.FocusMonitor:
		return nil, fmt.Errorf("%w: niri focuses outputs by name", command.ErrNotImplemented)
	default:
		return nil, fmt.Errorf("unsupported command %T", cmd)
	}
}
