// Package detect picks the compositor backend for the running session.
package detect

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"shellstate/internal/compositor"
	"shellstate/internal/compositor/hyprland"
	"shellstate/internal/compositor/niri"
	"shellstate/internal/registry"
)

// ErrNoBackend is returned when no supported compositor is advertised.
var ErrNoBackend = errors.New("no supported compositor found")

// Detect returns the backend named by want ("auto", "hyprland" or "niri").
// In auto mode Hyprland is tried before niri.
func Detect(getenv func(string) string, want string, logger *zap.Logger) (compositor.Backend, error) {
	switch want {
	case "hyprland":
		b, err := hyprland.New(getenv, logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoBackend, err)
		}
		return b, nil
	case "niri":
		b, err := niri.New(getenv, logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoBackend, err)
		}
		return b, nil
	case "", "auto":
	default:
		return nil, fmt.Errorf("unknown compositor backend %q", want)
	}

	if getenv(hyprland.EnvSignature) != "" {
		b, err := hyprland.New(getenv, logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoBackend, err)
		}
		logger.Info("Detected compositor", zap.String("backend", b.Name()))
		return b, nil
	}
	if b, err := niri.New(getenv, logger); err == nil {
		logger.Info("Detected compositor", zap.String("backend", b.Name()))
		return b, nil
	}
	return nil, ErrNoBackend
}

// Factory builds the compositor service for the registry.
func Factory(ctx context.Context, sc *registry.Context) (registry.Service, error) {
	backend, err := Detect(sc.Getenv, sc.Config.Compositor.Backend, sc.Logger)
	if err != nil {
		return nil, err
	}
	return compositor.New(ctx, backend, sc.Logger, sc.Config.CommandTimeout.D())
}
