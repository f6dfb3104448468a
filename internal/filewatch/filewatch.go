// Package filewatch turns writes to a file into debounced change signals.
package filewatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"shellstate/internal/clock"
	"shellstate/internal/debounce"
)

// ErrClosed is returned by Run when the underlying watcher shuts down
// while the context is still live.
var ErrClosed = errors.New("file watcher closed")

// Watcher watches a single path.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger
	ops     fsnotify.Op
}

// New starts watching path for writes and creations.
func New(path string, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}
	return &Watcher{
		path:    path,
		watcher: fw,
		logger:  logger.With(zap.String("path", path)),
		ops:     fsnotify.Write | fsnotify.Create,
	}, nil
}

// Run calls onChange once per burst of events, where a burst is every
// event that arrives within window of the first. It returns nil when ctx
// ends and ErrClosed if the watcher stops on its own.
func (w *Watcher) Run(ctx context.Context, clk clock.Clock, window time.Duration, onChange func()) error {
	stop := context.AfterFunc(ctx, func() { w.watcher.Close() })
	defer stop()

	events := make(chan fsnotify.Event, 16)
	go func() {
		defer close(events)
		for {
			select {
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if ev.Op&w.ops == 0 {
					continue
				}
				w.logger.Debug("File event", zap.Stringer("op", ev.Op))
				events <- ev
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("Watcher error", zap.Error(err))
			}
		}
	}()

	cancelled := debounce.Run(ctx, clk, window, events, nil, func(batch debounce.Batch[fsnotify.Event]) {
		w.logger.Debug("File changed", zap.Int("events", len(batch.Events)))
		onChange()
	})
	w.watcher.Close()
	// Drain so the forwarder can exit.
	for range events {
	}
	if cancelled || ctx.Err() != nil {
		return nil
	}
	return ErrClosed
}
