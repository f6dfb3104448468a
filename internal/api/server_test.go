package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"shellstate/internal/command"
	"shellstate/internal/config"
	"shellstate/internal/registry"
	"shellstate/internal/snapshot"
	"shellstate/internal/status"
)

type level struct {
	Value int `json:"value"`
}

type fakeService struct {
	id   registry.ServiceID
	cell *snapshot.Cell[level]

	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeService) ID() registry.ServiceID    { return f.id }
func (f *fakeService) Snapshot() snapshot.Source { return f.cell.Erase() }
func (f *fakeService) Status() status.Status     { return status.NewActive() }
func (f *fakeService) Close() error              { return nil }
func (f *fakeService) Commands() []string        { return []string{"set"} }

func (f *fakeService) Command(ctx context.Context, name string, args map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name != "set" {
		return fmt.Errorf("%w %q", command.ErrUnknown, name)
	}
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, fmt.Sprint(args["value"]))
	return nil
}

// readOnly accepts no commands.
type readOnly struct {
	cell *snapshot.Cell[level]
}

func (r *readOnly) ID() registry.ServiceID    { return registry.SysInfo }
func (r *readOnly) Snapshot() snapshot.Source { return r.cell.Erase() }
func (r *readOnly) Status() status.Status     { return status.NewErrorMessage("stream ended") }
func (r *readOnly) Close() error              { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *fakeService, *readOnly) {
	t.Helper()
	brightness := &fakeService{id: registry.Brightness, cell: snapshot.New(level{Value: 40})}
	sysinfo := &readOnly{cell: snapshot.New(level{Value: 7})}

	reg := registry.NewRegistry(zap.NewNop())
	require.NoError(t, reg.Register(registry.Entry{ID: registry.Brightness, Order: 10,
		Factory: func(context.Context, *registry.Context) (registry.Service, error) { return brightness, nil }}))
	require.NoError(t, reg.Register(registry.Entry{ID: registry.SysInfo, Order: 20,
		Factory: func(context.Context, *registry.Context) (registry.Service, error) { return sysinfo, nil }}))
	require.NoError(t, reg.Start(context.Background(), &registry.Context{Logger: zap.NewNop(), Config: config.Default()}))

	s := NewServer(reg, zap.NewNop(), "127.0.0.1:0")
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return ts, brightness, sysinfo
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postCommand(t *testing.T, url, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	ts, _, _ := newTestServer(t)

	var health HealthResponse
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/health", &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, status.NewActive(), health.Services["brightness"])
	assert.Equal(t, status.Error, health.Services["sysinfo"].Kind)
}

func TestServices(t *testing.T) {
	ts, _, _ := newTestServer(t)

	var infos []ServiceInfo
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/services", &infos))
	require.Len(t, infos, 2)
	assert.Equal(t, "brightness", infos[0].ID)
	assert.Equal(t, []string{"set"}, infos[0].Commands)
	assert.Equal(t, "sysinfo", infos[1].ID)
	assert.Empty(t, infos[1].Commands)
}

func TestGetState(t *testing.T) {
	ts, brightness, _ := newTestServer(t)

	var all map[string]level
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/state", &all))
	assert.Equal(t, map[string]level{"brightness": {40}, "sysinfo": {7}}, all)

	brightness.cell.Set(level{Value: 55})
	var one level
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/state/brightness", &one))
	assert.Equal(t, 55, one.Value)

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/state/wifi", nil))
}

func TestCommand(t *testing.T) {
	ts, brightness, _ := newTestServer(t)
	url := ts.URL + "/api/command/brightness"

	code, body := postCommand(t, url, `{"command":"set","args":{"value":120}}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
	brightness.mu.Lock()
	assert.Equal(t, []string{"120"}, brightness.calls)
	brightness.mu.Unlock()

	tests := []struct {
		name string
		url  string
		body string
		err  error
		want int
	}{
		{"unknown service", ts.URL + "/api/command/wifi", `{"command":"set"}`, nil, http.StatusNotFound},
		{"bad body", url, `{"command":`, nil, http.StatusBadRequest},
		{"unknown command", url, `{"command":"dim"}`, nil, http.StatusBadRequest},
		{"read-only service", ts.URL + "/api/command/sysinfo", `{"command":"set"}`, nil, http.StatusBadRequest},
		{"invalid args", url, `{"command":"set"}`, command.ErrInvalidArgs, http.StatusBadRequest},
		{"not implemented", url, `{"command":"set"}`, command.ErrNotImplemented, http.StatusNotImplemented},
		{"unavailable", url, `{"command":"set"}`, command.ErrUnavailable, http.StatusServiceUnavailable},
		{"mutation failed", url, `{"command":"set"}`, errors.New("logind said no"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			brightness.mu.Lock()
			brightness.err = tt.err
			brightness.mu.Unlock()

			code, body := postCommand(t, tt.url, tt.body)
			assert.Equal(t, tt.want, code)
			assert.Equal(t, false, body["ok"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestSitemap(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebsocket(t *testing.T) {
	ts, brightness, _ := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	hello := readMessage(t, conn)
	assert.Equal(t, TypeHello, hello.Type)
	assert.Len(t, hello.Session, 36)

	initial := make(map[string]level)
	for range 2 {
		msg := readMessage(t, conn)
		require.Equal(t, TypeSnapshot, msg.Type)
		var l level
		require.NoError(t, json.Unmarshal(msg.Data, &l))
		initial[msg.Service] = l
	}
	assert.Equal(t, map[string]level{"brightness": {40}, "sysinfo": {7}}, initial)

	brightness.cell.Set(level{Value: 90})
	msg := readMessage(t, conn)
	assert.Equal(t, TypeSnapshot, msg.Type)
	assert.Equal(t, "brightness", msg.Service)
	assert.JSONEq(t, `{"value":90}`, string(msg.Data))

	require.NoError(t, conn.WriteJSON(Message{Type: TypeCommand, ID: 7, Service: "brightness", Command: "set", Args: map[string]any{"value": 3}}))
	result := readMessage(t, conn)
	assert.Equal(t, TypeResult, result.Type)
	assert.Equal(t, 7, result.ID)
	require.NotNil(t, result.Success)
	assert.True(t, *result.Success)

	require.NoError(t, conn.WriteJSON(Message{Type: TypeCommand, ID: 8, Service: "wifi", Command: "scan"}))
	result = readMessage(t, conn)
	assert.Equal(t, 8, result.ID)
	assert.False(t, *result.Success)
	assert.Contains(t, result.Error, "unknown service")
}
