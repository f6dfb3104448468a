package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"shellstate/internal/api"
	"shellstate/internal/command"
	"shellstate/internal/config"
	"shellstate/internal/registry"
	"shellstate/internal/snapshot"
	"shellstate/internal/status"
)

type volume struct {
	Percent int `json:"percent"`
}

type fakeAudio struct {
	cell *snapshot.Cell[volume]
}

func (f *fakeAudio) ID() registry.ServiceID    { return registry.Audio }
func (f *fakeAudio) Snapshot() snapshot.Source { return f.cell.Erase() }
func (f *fakeAudio) Status() status.Status     { return status.NewActive() }
func (f *fakeAudio) Close() error              { return nil }
func (f *fakeAudio) Commands() []string        { return []string{"set"} }

func (f *fakeAudio) Command(ctx context.Context, name string, args map[string]any) error {
	if name != "set" {
		return fmt.Errorf("%w %q", command.ErrUnknown, name)
	}
	v, err := command.Decode[volume](args)
	if err != nil {
		return err
	}
	f.cell.Set(v)
	return nil
}

func startServer(t *testing.T) (*api.Server, *fakeAudio) {
	t.Helper()
	audio := &fakeAudio{cell: snapshot.New(volume{Percent: 30})}

	reg := registry.NewRegistry(zap.NewNop())
	require.NoError(t, reg.Register(registry.Entry{ID: registry.Audio,
		Factory: func(context.Context, *registry.Context) (registry.Service, error) { return audio, nil }}))
	require.NoError(t, reg.Start(context.Background(), &registry.Context{Logger: zap.NewNop(), Config: config.Default()}))

	s := api.NewServer(reg, zap.NewNop(), "127.0.0.1:0")
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return s, audio
}

func connect(t *testing.T, s *api.Server) *Client {
	t.Helper()
	c := NewClient(s.Addr(), zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { c.Close() })
	return c
}

func receive(t *testing.T, ch <-chan int) int {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot received")
		return 0
	}
}

func TestSnapshotsAndCommands(t *testing.T) {
	s, _ := startServer(t)
	c := connect(t, s)
	assert.Len(t, c.Session(), 36)

	updates := make(chan int, 8)
	sub := c.SubscribeSnapshots("audio", func(service string, data json.RawMessage) {
		var v volume
		if json.Unmarshal(data, &v) == nil {
			updates <- v.Percent
		}
	})
	assert.Equal(t, 30, receive(t, updates))

	ctx := context.Background()
	require.NoError(t, c.Command(ctx, "audio", "set", map[string]any{"percent": 65}))
	assert.Equal(t, 65, receive(t, updates))

	err := c.Command(ctx, "audio", "mute", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")

	err = c.Command(ctx, "audio", "set", map[string]any{"percent": "loud"})
	assert.Error(t, err)

	sub.Unsubscribe()
	require.NoError(t, c.Command(ctx, "audio", "set", map[string]any{"percent": 10}))
	select {
	case v := <-updates:
		t.Fatalf("unsubscribed handler received %d", v)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHTTPHelpers(t *testing.T) {
	s, _ := startServer(t)
	c := NewClient("http://"+s.Addr()+"/", zap.NewNop())
	ctx := context.Background()

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, status.Active, health.Services["audio"].Kind)

	services, err := c.Services(ctx)
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, []string{"set"}, services[0].Commands)

	all, err := c.State(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"percent":30}`, string(all["audio"]))

	one, err := c.ServiceState(ctx, "audio")
	require.NoError(t, err)
	assert.JSONEq(t, `{"percent":30}`, string(one))

	_, err = c.ServiceState(ctx, "wifi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestDisconnect(t *testing.T) {
	s, _ := startServer(t)
	c := connect(t, s)

	require.NoError(t, s.Stop())
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the server going away")
	}
	assert.ErrorIs(t, c.Command(context.Background(), "audio", "set", nil), ErrDisconnected)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrDisconnected)
}
