// Package registry constructs the daemon's services in a fixed order and
// hands them out by typed ID. Services receive their dependencies through
// Context; nothing is reachable through package globals.
package registry

import (
	"context"
	"os"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"shellstate/internal/bus"
	"shellstate/internal/clock"
	"shellstate/internal/config"
	"shellstate/internal/poll"
	"shellstate/internal/snapshot"
	"shellstate/internal/status"
)

// ServiceID identifies a service.
type ServiceID string

const (
	Compositor ServiceID = "compositor"
	UPower     ServiceID = "upower"
	Brightness ServiceID = "brightness"
	Audio      ServiceID = "audio"
	SysInfo    ServiceID = "sysinfo"
	MPRIS      ServiceID = "mpris"
	Privacy    ServiceID = "privacy"
	Bluetooth  ServiceID = "bluetooth"
	Network    ServiceID = "network"
)

// Service is a running state service.
type Service interface {
	// ID returns the service's registry key.
	ID() ServiceID

	// Snapshot returns a type-erased view of the service's snapshot cell.
	Snapshot() snapshot.Source

	// Status reports whether the snapshot is being kept fresh.
	Status() status.Status

	// Close stops the service's listeners and releases its connections.
	Close() error
}

// Commander is implemented by services that accept commands.
type Commander interface {
	// Commands lists the accepted command names.
	Commands() []string

	// Command decodes args for the named command and dispatches it.
	Command(ctx context.Context, name string, args map[string]any) error
}

// BusOpener hands out message bus connections.
type BusOpener interface {
	Open(kind bus.Kind) (*dbus.Conn, error)
}

// Context provides dependencies to service factories.
type Context struct {
	// Logger is the root logger. Services should use Logger.Named(id).
	Logger *zap.Logger

	// Config is read at construction only.
	Config *config.Config

	// Clock drives debounce windows and poll intervals.
	Clock clock.Clock

	// Buses opens private system and session bus connections.
	Buses BusOpener

	// Executor runs external command-line tools.
	Executor poll.Executor

	// Getenv reads the environment; used for compositor detection.
	Getenv func(string) string
}

// NewContext creates a context backed by the real environment.
func NewContext(logger *zap.Logger, cfg *config.Config, clk clock.Clock, buses BusOpener, executor poll.Executor) *Context {
	return &Context{
		Logger:   logger,
		Config:   cfg,
		Clock:    clk,
		Buses:    buses,
		Executor: executor,
		Getenv:   os.Getenv,
	}
}

// Factory constructs a service. It performs the initial blocking fetch;
// ctx bounds the lifetime of any listeners the service starts.
type Factory func(ctx context.Context, sc *Context) (Service, error)

// unavailable stands in for an optional service whose factory failed.
type unavailable struct {
	id     ServiceID
	status status.Status
	cell   *snapshot.Cell[any]
}

func newUnavailable(id ServiceID, err error) *unavailable {
	return &unavailable{
		id:     id,
		status: status.NewUnavailable(err.Error()),
		cell:   snapshot.New[any](nil),
	}
}

func (u *unavailable) ID() ServiceID             { return u.id }
func (u *unavailable) Snapshot() snapshot.Source { return u.cell.Erase() }
func (u *unavailable) Status() status.Status     { return u.status }
func (u *unavailable) Close() error              { return nil }
