package hyprland

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"shellstate/internal/command"
	"shellstate/internal/compositor"
	"shellstate/internal/snapshot"
)

// Backend implements compositor.Backend over the Hyprland sockets.
type Backend struct {
	client *Client
	logger *zap.Logger
}

// New creates a backend for the instance advertised in the environment.
func New(getenv func(string) string, logger *zap.Logger) (*Backend, error) {
	dir, err := SocketDir(getenv)
	if err != nil {
		return nil, err
	}
	return NewBackend(NewClient(dir), logger), nil
}

// NewBackend wraps an existing client.
func NewBackend(client *Client, logger *zap.Logger) *Backend {
	return &Backend{client: client, logger: logger.Named("hyprland")}
}

func (b *Backend) Name() string { return "Hyprland" }

func (b *Backend) FetchFull(ctx context.Context) (compositor.State, error) {
	return FetchFull(ctx, b.client)
}

// Listen reads the event socket until ctx ends or the socket closes.
func (b *Backend) Listen(ctx context.Context, cell *snapshot.Cell[compositor.State]) error {
	conn, err := b.client.Events(ctx)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	b.logger.Info("Listening for compositor events")
	reconciler := NewReconciler(cell, b.client, b.logger)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		ev, ok := ParseEvent(scanner.Text())
		if !ok {
			continue
		}
		if err := reconciler.Apply(ctx, ev); err != nil {
			b.logger.Warn("Failed to apply event",
				zap.String("event", ev.Name),
				zap.Error(err))
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("event socket read failed: %w", err)
	}
	return errors.New("event socket closed")
}

// Dispatch maps a command to a hyprctl request.
func (b *Backend) Dispatch(ctx context.Context, cmd compositor.Command) error {
	req, err := request(cmd)
	if err != nil {
		return err
	}
	return b.client.Dispatch(ctx, req)
}

func request(cmd compositor.Command) (string, error) {
	switch c := cmd.(type) {
	case compositor.FocusWorkspace:
		return "dispatch workspace " + strconv.Itoa(c.ID), nil
	case compositor.FocusSpecialWorkspace:
		return "dispatch workspace special:" + c.Name, nil
	case compositor.FocusMonitor:
		return "dispatch focusmonitor " + strconv.Itoa(c.ID), nil
	case compositor.ToggleSpecialWorkspace:
		if c.Name == "" {
			return "dispatch togglespecialworkspace", nil
		}
		return "dispatch togglespecialworkspace " + c.Name, nil
	case compositor.ScrollWorkspace:
		if c.Direction > 0 {
			return "dispatch workspace +1", nil
		}
		return "dispatch workspace -1", nil
	case compositor.NextKeyboardLayout:
		return "switchxkblayout all next", nil
	case compositor.Custom:
		if c.Dispatcher == "" {
			return "", fmt.Errorf("%w: custom command needs a dispatcher", command.ErrInvalidArgs)
		}
		if c.Args == "" {
			return "dispatch " + c.Dispatcher, nil
		}
		return "dispatch " + c.Dispatcher + " " + c.Args, nil
	default:
		return "", fmt.Errorf("unsupported command %T", cmd)
	}
}
