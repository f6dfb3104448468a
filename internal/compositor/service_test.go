package compositor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"shellstate/internal/command"
	"shellstate/internal/snapshot"
	"shellstate/internal/status"
)

type fakeBackend struct {
	mu         sync.Mutex
	state      State
	fetchErr   error
	dispatched []Command
	listening  chan *snapshot.Cell[State]
	stop       chan error
	fetched    chan struct{}
	release    chan struct{}
}

func newFakeBackend(st State) *fakeBackend {
	return &fakeBackend{
		state:     st,
		listening: make(chan *snapshot.Cell[State], 1),
		stop:      make(chan error, 1),
	}
}

func (f *fakeBackend) Name() string { return "Fake" }

func (f *fakeBackend) FetchFull(ctx context.Context) (State, error) {
	f.mu.Lock()
	if f.fetchErr != nil {
		f.mu.Unlock()
		return State{}, f.fetchErr
	}
	st := f.state.Clone()
	fetched, release := f.fetched, f.release
	f.fetched, f.release = nil, nil
	f.mu.Unlock()

	if release != nil {
		fetched <- struct{}{}
		<-release
	}
	return st, nil
}

// holdNextFetch makes the next FetchFull pause after reading the state
// until release is closed.
func (f *fakeBackend) holdNextFetch() (fetched <-chan struct{}, release chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = make(chan struct{}, 1)
	f.release = make(chan struct{})
	return f.fetched, f.release
}

func (f *fakeBackend) Listen(ctx context.Context, cell *snapshot.Cell[State]) error {
	f.listening <- cell
	select {
	case <-ctx.Done():
		return nil
	case err := <-f.stop:
		return err
	}
}

func (f *fakeBackend) Dispatch(ctx context.Context, cmd Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := cmd.(FocusMonitor); ok {
		return command.ErrNotImplemented
	}
	f.dispatched = append(f.dispatched, cmd)
	return nil
}

func (f *fakeBackend) setState(st State) {
	f.mu.Lock()
	f.state = st
	f.mu.Unlock()
}

func initialState() State {
	return State{
		Workspaces:        []Workspace{{ID: 1, Name: "1", Monitor: "DP-1"}},
		Monitors:          []Monitor{{ID: 0, Name: "DP-1", ActiveWorkspaceID: 1}},
		ActiveWorkspaceID: Ptr(1),
		FocusedMonitor:    "DP-1",
		KeyboardLayout:    "English (US)",
	}
}

func startService(t *testing.T, backend *fakeBackend) *Service {
	t.Helper()
	s, err := New(context.Background(), backend, zap.NewNop(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestServiceStart(t *testing.T) {
	backend := newFakeBackend(initialState())
	s := startService(t, backend)

	assert.Equal(t, initialState(), s.Get())
	assert.Equal(t, "Fake", s.Backend())

	<-backend.listening
	require.Eventually(t, func() bool {
		return s.Status().Kind == status.Active
	}, time.Second, 5*time.Millisecond)
}

func TestServiceStreamLoss(t *testing.T) {
	backend := newFakeBackend(initialState())
	s := startService(t, backend)
	<-backend.listening

	backend.stop <- errors.New("event socket closed")
	require.Eventually(t, func() bool {
		return s.Status().Kind == status.Error
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, s.Status().Message, "event socket closed")
	assert.Equal(t, initialState(), s.Get(), "last known state is kept")
}

func TestServiceDegradesWithoutState(t *testing.T) {
	backend := newFakeBackend(State{})
	backend.fetchErr = command.ErrNotImplemented

	s := startService(t, backend)
	assert.Equal(t, status.Unavailable, s.Status().Kind)
	assert.Equal(t, UnknownLayout, s.Get().KeyboardLayout)
	assert.Empty(t, s.Get().Workspaces)
}

func TestServiceFetchFailure(t *testing.T) {
	backend := newFakeBackend(State{})
	backend.fetchErr = errors.New("connection refused")

	_, err := New(context.Background(), backend, zap.NewNop(), time.Second)
	assert.Error(t, err)
}

func TestServiceRefresh(t *testing.T) {
	backend := newFakeBackend(initialState())
	s := startService(t, backend)
	cell := <-backend.listening
	cell.Mutate(func(st *State) { st.Submap = Ptr("resize") })

	version := cell.Version()
	require.NoError(t, s.Command(context.Background(), "refresh", nil))
	assert.Equal(t, version, cell.Version(), "identical refetch does not publish")

	next := initialState()
	next.Workspaces = append(next.Workspaces, Workspace{ID: 2, Name: "2", Monitor: "DP-1", Windows: 4})
	backend.setState(next)

	require.NoError(t, s.Dispatch(context.Background(), Refresh{}))
	got := s.Get()
	assert.Len(t, got.Workspaces, 2)
	assert.Equal(t, Ptr("resize"), got.Submap, "submap survives a refetch")
}

func TestServiceRefreshKeepsNewerPatches(t *testing.T) {
	backend := newFakeBackend(initialState())
	s := startService(t, backend)
	cell := <-backend.listening

	fetched, release := backend.holdNextFetch()
	done := make(chan error, 1)
	go func() { done <- s.Refresh(context.Background()) }()
	<-fetched

	// A layout event is patched in while the refresh holds the old state.
	cell.Mutate(func(st *State) { st.KeyboardLayout = "German" })
	next := initialState()
	next.KeyboardLayout = "German"
	backend.setState(next)
	close(release)

	require.NoError(t, <-done)
	assert.Equal(t, "German", s.Get().KeyboardLayout)
}

func TestServiceCommand(t *testing.T) {
	backend := newFakeBackend(initialState())
	s := startService(t, backend)
	ctx := context.Background()

	require.NoError(t, s.Command(ctx, "focus_workspace", map[string]any{"id": "3"}))
	require.NoError(t, s.Command(ctx, "scroll_workspace", map[string]any{"direction": -1}))
	require.NoError(t, s.Command(ctx, "custom", map[string]any{"dispatcher": "exec", "args": "foot"}))
	assert.Equal(t, []Command{
		FocusWorkspace{ID: 3},
		ScrollWorkspace{Direction: -1},
		Custom{Dispatcher: "exec", Args: "foot"},
	}, backend.dispatched)

	err := s.Command(ctx, "focus_monitor", map[string]any{"id": 1})
	assert.ErrorIs(t, err, command.ErrNotImplemented)

	err = s.Command(ctx, "focus_workspace", map[string]any{"id": 1, "bogus": true})
	assert.ErrorIs(t, err, command.ErrInvalidArgs)

	err = s.Command(ctx, "launch_rockets", nil)
	assert.ErrorIs(t, err, command.ErrUnknown)

	assert.Contains(t, s.Commands(), "next_keyboard_layout")
}
