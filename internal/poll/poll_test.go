package poll

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
	"shellstate/internal/snapshot"
)

type scriptedSource struct {
	mu      sync.Mutex
	outputs []string
	calls   int
}

func (s *scriptedSource) fetch(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.outputs[s.calls%len(s.outputs)]
	s.calls++
	if out == "error" {
		return "", errors.New("tool failed")
	}
	return out, nil
}

func TestOnceIdenticalOutputDoesNotBroadcast(t *testing.T) {
	cell := snapshot.New("")
	src := &scriptedSource{outputs: []string{"Volume: 0.42", "Volume: 0.42"}}

	changed, err := Once(context.Background(), cell, src.fetch)
	require.NoError(t, err)
	assert.True(t, changed)
	version := cell.Version()

	changed, err = Once(context.Background(), cell, src.fetch)
	require.NoError(t, err)
	assert.False(t, changed, "second identical poll must be suppressed")
	assert.Equal(t, version, cell.Version())
}

func TestOnceErrorKeepsSnapshot(t *testing.T) {
	cell := snapshot.New("last good")
	src := &scriptedSource{outputs: []string{"error"}}

	changed, err := Once(context.Background(), cell, src.fetch)
	assert.Error(t, err)
	assert.False(t, changed)
	assert.Equal(t, "last good", cell.Get())
}

func TestOnceDropsResultThatRacedAWrite(t *testing.T) {
	cell := snapshot.New("Volume: 0.40")

	fetch := func(context.Context) (string, error) {
		// An optimistic command patch lands while the tool runs.
		cell.Set("Volume: 0.55")
		return "Volume: 0.40", nil
	}

	changed, err := Once(context.Background(), cell, fetch)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "Volume: 0.55", cell.Get())
}

func TestPatchOwnsOneField(t *testing.T) {
	type state struct {
		Count int
		Names string
	}
	cell := snapshot.New(state{Count: 2})
	src := &scriptedSource{outputs: []string{"mic", "mic"}}
	apply := func(cur *state, names string) bool {
		if cur.Names == names {
			return false
		}
		cur.Names = names
		return true
	}

	changed, err := Patch(context.Background(), cell, src.fetch, apply)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, state{Count: 2, Names: "mic"}, cell.Get(), "fields the source does not own are kept")

	changed, err = Patch(context.Background(), cell, src.fetch, apply)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestLoop(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	cell := snapshot.New("")
	src := &scriptedSource{outputs: []string{"a", "a", "error", "b"}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Loop(ctx, clk, time.Second, zap.NewNop(), cell, src.fetch)
	}()

	// The loop arms its next timer only after publishing, so waiting for
	// that timer means the previous poll has been fully applied.
	clk.WaitForTimers(1)
	tick := func() {
		clk.Advance(time.Second)
		clk.WaitForTimers(1)
	}

	tick()
	assert.Equal(t, "a", cell.Get())
	v := cell.Version()

	tick()
	assert.Equal(t, v, cell.Version(), "identical output is not published")

	tick()
	assert.Equal(t, "a", cell.Get(), "errors keep the last value")

	tick()
	assert.Equal(t, "b", cell.Get())
	assert.Equal(t, v+1, cell.Version())

	cancel()
	require.NoError(t, <-done)
}
