// Package worker provides an isolated execution context per service.
//
// A Worker owns one request loop pinned to an OS thread. Bus clients and
// other stateful adapters are driven through Do so their traffic is
// serialized and isolated from other services. Long-running blocking
// listeners are started with Go and also run on their own locked threads.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

// ErrClosed is returned by Do after Close.
var ErrClosed = errors.New("worker closed")

type job struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Worker serializes requests onto a dedicated goroutine.
type Worker struct {
	name   string
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	wg     sync.WaitGroup
}

// New starts a worker whose lifetime is bounded by parent.
func New(parent context.Context, name string, logger *zap.Logger) *Worker {
	ctx, cancel := context.WithCancel(parent)
	w := &Worker{
		name:   name,
		logger: logger.Named(name),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan job),
	}

	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *Worker) loop() {
	defer w.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case <-w.ctx.Done():
			return
		case j := <-w.jobs:
			j.done <- w.run(j.ctx, j.fn)
		}
	}
}

func (w *Worker) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %s: panic: %v", w.name, r)
			w.logger.Error("Recovered from panic in worker job", zap.Any("panic", r))
		}
	}()
	return fn(ctx)
}

// Do runs fn on the worker goroutine and waits for its result.
func (w *Worker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	select {
	case w.jobs <- job{ctx: ctx, fn: fn, done: done}:
	case <-w.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Go starts a long-running listener on its own locked OS thread. The
// listener's terminal error is logged; a nil return after the worker
// context is cancelled is a normal shutdown.
func (w *Worker) Go(name string, fn func(ctx context.Context) error) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		err := w.run(w.ctx, fn)
		switch {
		case w.ctx.Err() != nil:
			w.logger.Debug("Listener stopped", zap.String("listener", name))
		case err != nil:
			w.logger.Error("Listener terminated", zap.String("listener", name), zap.Error(err))
		default:
			w.logger.Warn("Listener stream ended", zap.String("listener", name))
		}
	}()
}

// Context is cancelled when the worker closes.
func (w *Worker) Context() context.Context {
	return w.ctx
}

// Close stops the worker and waits for all listeners to return.
func (w *Worker) Close() {
	w.cancel()
	w.wg.Wait()
}
