// Package service holds the parts every state service shares: its snapshot
// cell, the status derived from its listeners, and the worker that owns
// both the listeners and the command path.
package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"shellstate/internal/snapshot"
	"shellstate/internal/status"
	"shellstate/internal/worker"
)

// ErrStreamEnded is the status error for a listener that returned nil
// while the service was still running.
var ErrStreamEnded = errors.New("event stream ended")

// Base is embedded by services. T is the service's snapshot type.
type Base[T any] struct {
	cell    *snapshot.Cell[T]
	status  *snapshot.Cell[status.Status]
	worker  *worker.Worker
	logger  *zap.Logger
	timeout time.Duration

	mu        sync.Mutex
	listeners map[string]status.Status
	override  *status.Status
}

// NewBase creates the cell with initial and starts the worker. ctx bounds
// the lifetime of every listener started with Listen.
func NewBase[T any](ctx context.Context, name string, initial T, logger *zap.Logger, timeout time.Duration) *Base[T] {
	return &Base[T]{
		cell:      snapshot.New(initial),
		status:    snapshot.New(status.Status{}),
		worker:    worker.New(ctx, name, logger),
		logger:    logger,
		timeout:   timeout,
		listeners: make(map[string]status.Status),
	}
}

// Cell is the service's snapshot. Only the owning service writes to it.
func (b *Base[T]) Cell() *snapshot.Cell[T] { return b.cell }

// Get returns the current snapshot.
func (b *Base[T]) Get() T { return b.cell.Get() }

// Subscribe observes snapshot changes.
func (b *Base[T]) Subscribe() *snapshot.Subscription[T] { return b.cell.Subscribe() }

func (b *Base[T]) Snapshot() snapshot.Source { return b.cell.Erase() }

func (b *Base[T]) Status() status.Status { return b.status.Get() }

// StatusCell exposes status changes to subscribers.
func (b *Base[T]) StatusCell() *snapshot.Cell[status.Status] { return b.status }

// Logger returns the service logger.
func (b *Base[T]) Logger() *zap.Logger { return b.logger }

// SetUnavailable pins the status to Unavailable regardless of listeners.
func (b *Base[T]) SetUnavailable(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := status.NewUnavailable(msg)
	b.override = &s
	b.status.SetIfChanged(s)
}

// Available reports whether the service has a source behind it.
func (b *Base[T]) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.override == nil
}

func (b *Base[T]) setListener(name string, s status.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[name] = s
	if b.override != nil {
		return
	}
	names := make([]string, 0, len(b.listeners))
	for n := range b.listeners {
		names = append(names, n)
	}
	sort.Strings(names)
	all := make([]status.Status, 0, len(names))
	for _, n := range names {
		all = append(all, b.listeners[n])
	}
	b.status.SetIfChanged(status.Combine(all...))
}

// Listen runs fn on the worker. The listener counts as active while fn
// runs; if it returns before the service closes, the service status
// becomes Error and the snapshot is left as last seen.
func (b *Base[T]) Listen(name string, fn func(ctx context.Context) error) {
	b.setListener(name, status.Status{})
	b.worker.Go(name, func(ctx context.Context) error {
		b.setListener(name, status.NewActive())
		err := fn(ctx)
		if ctx.Err() == nil {
			if err == nil {
				err = ErrStreamEnded
			}
			b.setListener(name, status.NewError(err))
		}
		return err
	})
}

// Do runs fn on the worker bounded by the command timeout.
func (b *Base[T]) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	return b.worker.Do(ctx, fn)
}

// Close stops all listeners.
func (b *Base[T]) Close() error {
	b.worker.Close()
	return nil
}
