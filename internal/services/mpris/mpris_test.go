package mpris

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"shellstate/internal/clock"
	"shellstate/internal/command"
	"shellstate/internal/status"
)

const (
	spotify = "org.mpris.MediaPlayer2.spotify"
	vlc     = "org.mpris.MediaPlayer2.vlc"
)

type fakeWatch struct {
	services []string
	ch       chan Event
	mu       sync.Mutex
	closed   bool
}

func (w *fakeWatch) C() <-chan Event { return w.ch }

func (w *fakeWatch) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *fakeWatch) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

type fakeSource struct {
	mu       sync.Mutex
	data     Data
	fetchErr error
	fetches  int
	calls    []string
	volumes  map[string]float64
	watches  chan *fakeWatch
	// afterFetch runs once, after the next Fetch has read data.
	afterFetch func()
}

func newFakeSource(d Data) *fakeSource {
	return &fakeSource{
		data:    d,
		volumes: make(map[string]float64),
		watches: make(chan *fakeWatch, 8),
	}
}

func (f *fakeSource) Fetch(ctx context.Context) (Data, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	d, err := f.data.Clone(), f.fetchErr
	hook := f.afterFetch
	f.afterFetch = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	f.mu.Lock()
	return d, err
}

func (f *fakeSource) Watch(ctx context.Context, services []string) (Watch, error) {
	w := &fakeWatch{services: services, ch: make(chan Event, 16)}
	f.watches <- w
	return w, nil
}

func (f *fakeSource) Call(ctx context.Context, service, method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, service+" "+method)
	if method == "PlayPause" {
		for i := range f.data.Players {
			if f.data.Players[i].Service == service {
				f.data.Players[i].State = Playing
			}
		}
	}
	return nil
}

func (f *fakeSource) SetVolume(ctx context.Context, service string, volume float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[service] = volume
	return nil
}

func (f *fakeSource) update(fn func(*Data)) {
	f.mu.Lock()
	fn(&f.data)
	f.mu.Unlock()
}

func (f *fakeSource) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func nextWatch(t *testing.T, f *fakeSource) *fakeWatch {
	t.Helper()
	select {
	case w := <-f.watches:
		return w
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription was made")
		return nil
	}
}

func onePlayer() Data {
	return Data{Players: []Player{{
		Service:    spotify,
		Metadata:   &Metadata{Artists: []string{"Boards of Canada"}, Title: "Roygbiv"},
		State:      Paused,
		CanControl: true,
	}}}
}

func TestMetadataString(t *testing.T) {
	assert.Equal(t, "A, B - T", Metadata{Artists: []string{"A", "B"}, Title: "T"}.String())
	assert.Equal(t, "T", Metadata{Title: "T"}.String())
	assert.Equal(t, "A", Metadata{Artists: []string{"A"}}.String())
	assert.Equal(t, Stopped, ParsePlaybackStatus("Buffering"))
}

func TestBurstIsCoalesced(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newFakeSource(onePlayer())
	clk := clock.NewMockClock(time.Unix(0, 0))
	s := New(ctx, src, clk, 200*time.Millisecond, zap.NewNop(), time.Second)
	defer s.Close()

	w := nextWatch(t, src)
	assert.Equal(t, []string{spotify}, w.services)

	src.update(func(d *Data) { d.Players[0].Metadata.Title = "Olson" })
	for range 3 {
		w.ch <- Event{Service: spotify}
	}

	clk.WaitForTimers(1)
	assert.Equal(t, 1, src.fetchCount(), "nothing is fetched inside the window")
	clk.Advance(200 * time.Millisecond)

	require.Eventually(t, func() bool {
		return s.Get().Players[0].Metadata.Title == "Olson"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, src.fetchCount(), "one refetch for the whole burst")

	next := nextWatch(t, src)
	assert.Eventually(t, w.isClosed, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{spotify}, next.services)
	assert.Equal(t, status.Active, s.Status().Kind)
}

func TestChangesDuringRefetchAreNotLost(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newFakeSource(onePlayer())
	clk := clock.NewMockClock(time.Unix(0, 0))
	s := New(ctx, src, clk, 200*time.Millisecond, zap.NewNop(), time.Second)
	defer s.Close()

	w := nextWatch(t, src)
	src.mu.Lock()
	src.afterFetch = func() {
		// The player changes after the refetch read it and before the
		// next subscription exists.
		src.update(func(d *Data) { d.Players[0].Metadata.Title = "Olson" })
		w.ch <- Event{Service: spotify}
	}
	src.mu.Unlock()
	w.ch <- Event{Service: spotify, Topology: true}

	nextWatch(t, src)
	clk.WaitForTimers(1)
	clk.Advance(200 * time.Millisecond)

	require.Eventually(t, func() bool {
		return s.Get().Players[0].Metadata.Title == "Olson"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, src.fetchCount())
	assert.True(t, w.isClosed())
}

func TestTopologyResubscribes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newFakeSource(onePlayer())
	clk := clock.NewMockClock(time.Unix(0, 0))
	s := New(ctx, src, clk, 200*time.Millisecond, zap.NewNop(), time.Second)
	defer s.Close()

	w := nextWatch(t, src)
	src.update(func(d *Data) {
		d.Players = append(d.Players, Player{Service: vlc, State: Playing})
	})
	w.ch <- Event{Service: vlc, Topology: true}

	next := nextWatch(t, src)
	assert.Equal(t, []string{spotify, vlc}, next.services)
	assert.Len(t, s.Get().Players, 2)
	assert.Zero(t, clk.PendingCount(), "a topology event does not wait for the window")
}

func TestConnectionLost(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newFakeSource(onePlayer())
	s := New(ctx, src, clock.NewMockClock(time.Unix(0, 0)), 200*time.Millisecond, zap.NewNop(), time.Second)
	defer s.Close()

	w := nextWatch(t, src)
	close(w.ch)

	require.Eventually(t, func() bool {
		return s.Status().Kind == status.Error
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, onePlayer(), s.Get(), "last snapshot is kept")
}

func TestCommands(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newFakeSource(onePlayer())
	s := New(ctx, src, clock.NewMockClock(time.Unix(0, 0)), 200*time.Millisecond, zap.NewNop(), time.Second)
	defer s.Close()

	require.NoError(t, s.Command(ctx, "player", map[string]any{"service": spotify, "action": "play_pause"}))
	assert.Equal(t, Playing, s.Get().Players[0].State, "state is re-derived after the call")

	require.NoError(t, s.Command(ctx, "player", map[string]any{"service": spotify, "action": "next"}))
	require.NoError(t, s.Command(ctx, "volume", map[string]any{"service": spotify, "percent": 150}))
	require.NoError(t, s.Dispatch(ctx, Volume{Service: vlc, Percent: 35}))

	src.mu.Lock()
	assert.Equal(t, []string{spotify + " PlayPause", spotify + " Next"}, src.calls)
	assert.Equal(t, 1.0, src.volumes[spotify])
	assert.InDelta(t, 0.35, src.volumes[vlc], 1e-9)
	src.mu.Unlock()

	err := s.Command(ctx, "player", map[string]any{"service": spotify, "action": "rewind"})
	assert.ErrorIs(t, err, command.ErrInvalidArgs)
	err = s.Command(ctx, "shuffle", nil)
	assert.ErrorIs(t, err, command.ErrUnknown)
	assert.Equal(t, []string{"player", "volume"}, s.Commands())
}

func TestUnavailable(t *testing.T) {
	src := newFakeSource(Data{})
	src.fetchErr = errors.New("no session bus")

	s := New(context.Background(), src, clock.NewMockClock(time.Unix(0, 0)), 200*time.Millisecond, zap.NewNop(), time.Second)
	defer s.Close()

	assert.Equal(t, status.Unavailable, s.Status().Kind)
	assert.ErrorIs(t, s.Dispatch(context.Background(), PlayerAction{Service: spotify, Action: ActionNext}), command.ErrUnavailable)
	assert.Empty(t, src.watches)
}
