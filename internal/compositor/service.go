package compositor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"

	"shellstate/internal/command"
	"shellstate/internal/registry"
	"shellstate/internal/snapshot"
	"shellstate/internal/status"
	"shellstate/internal/worker"
)

// Backend is one compositor IPC protocol.
type Backend interface {
	// Name is a human-readable backend name.
	Name() string

	// FetchFull reads the complete state once.
	FetchFull(ctx context.Context) (State, error)

	// Listen keeps cell in sync with the compositor's event stream. It
	// returns nil when ctx ends and an error when the stream is lost.
	Listen(ctx context.Context, cell *snapshot.Cell[State]) error

	// Dispatch performs one command. Focus commands are confirmed by the
	// event stream, not by patching the snapshot.
	Dispatch(ctx context.Context, cmd Command) error
}

// Service owns the compositor snapshot.
type Service struct {
	backend Backend
	logger  *zap.Logger
	timeout time.Duration

	cell   *snapshot.Cell[State]
	status *snapshot.Cell[status.Status]
	worker *worker.Worker
}

// New fetches the initial state and starts the event listener. A backend
// that cannot fetch state at all (command.ErrNotImplemented) yields an
// empty, unavailable service with no listener.
func New(ctx context.Context, backend Backend, logger *zap.Logger, timeout time.Duration) (*Service, error) {
	logger = logger.Named("compositor").With(zap.String("backend", backend.Name()))
	s := &Service{
		backend: backend,
		logger:  logger,
		timeout: timeout,
		status:  snapshot.New(status.Status{}),
	}

	initial, err := backend.FetchFull(ctx)
	switch {
	case errors.Is(err, command.ErrNotImplemented):
		logger.Warn("Backend cannot report state", zap.Error(err))
		s.cell = snapshot.New(State{KeyboardLayout: UnknownLayout})
		s.status.Set(status.NewUnavailable(fmt.Sprintf("%s backend does not report state", backend.Name())))
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to fetch %s state: %w", backend.Name(), err)
	}

	s.cell = snapshot.New(initial)
	s.worker = worker.New(ctx, "compositor", logger)
	s.worker.Go("events", func(ctx context.Context) error {
		s.status.Set(status.NewActive())
		err := backend.Listen(ctx, s.cell)
		if ctx.Err() == nil {
			if err == nil {
				err = errors.New("event stream ended")
			}
			s.status.Set(status.NewError(err))
		}
		return err
	})

	logger.Info("Compositor service started",
		zap.Int("workspaces", len(initial.Workspaces)),
		zap.Int("monitors", len(initial.Monitors)))
	return s, nil
}

func (s *Service) ID() registry.ServiceID { return registry.Compositor }

// Get returns the current state.
func (s *Service) Get() State { return s.cell.Get() }

// Subscribe observes state changes.
func (s *Service) Subscribe() *snapshot.Subscription[State] { return s.cell.Subscribe() }

func (s *Service) Snapshot() snapshot.Source { return s.cell.Erase() }

func (s *Service) Status() status.Status { return s.status.Get() }

// Backend returns the detected backend's name.
func (s *Service) Backend() string { return s.backend.Name() }

// Dispatch sends cmd to the backend.
func (s *Service) Dispatch(ctx context.Context, cmd Command) error {
	if _, ok := cmd.(Refresh); ok {
		return s.Refresh(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.logger.Debug("Dispatching command", zap.String("command", fmt.Sprintf("%T", cmd)))
	if err := s.backend.Dispatch(ctx, cmd); err != nil {
		return fmt.Errorf("failed to dispatch %T: %w", cmd, err)
	}
	return nil
}

// Refresh replaces the snapshot with a full fetch. The keybind submap is
// not queryable and is carried over. Event patches applied while the fetch
// is in flight win over it.
func (s *Service) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := snapshot.Refetch(ctx, s.cell, s.backend.FetchFull, func(st *State, fresh State) bool {
		fresh.Submap = st.Submap
		if reflect.DeepEqual(*st, fresh) {
			return false
		}
		*st = fresh
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to refresh compositor state: %w", err)
	}
	return nil
}

func (s *Service) Commands() []string { return Commands.Names() }

func (s *Service) Command(ctx context.Context, name string, args map[string]any) error {
	cmd, err := Commands.Decode(name, args)
	if err != nil {
		return err
	}
	return s.Dispatch(ctx, cmd)
}

// Close stops the event listener.
func (s *Service) Close() error {
	if s.worker != nil {
		s.worker.Close()
	}
	return nil
}
