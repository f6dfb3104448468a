package hyprland

import (
	"context"
	"fmt"
	"math/rand"
	"slices"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"shellstate/internal/compositor"
	"shellstate/internal/snapshot"
)

// world is an in-memory compositor. Operations mutate it and return the
// events Hyprland would emit for the same transition; its Fetcher methods
// answer like the command socket would.
type world struct {
	workspaces []compositor.Workspace
	monitors   []compositor.Monitor
	focused    string
	active     int
	window     *compositor.ActiveWindow
	layout     string
	nextID     int
	nextAddr   int
	fetches    int
}

func newWorld() *world {
	return &world{
		workspaces: []compositor.Workspace{
			{ID: 1, Index: 1, Name: "1", Monitor: "DP-1", MonitorID: compositor.Ptr(0)},
			{ID: 2, Index: 2, Name: "2", Monitor: "HDMI-A-1", MonitorID: compositor.Ptr(1)},
		},
		monitors: []compositor.Monitor{
			{ID: 0, Name: "DP-1", ActiveWorkspaceID: 1, Width: 2560, Height: 1440, Scale: 1},
			{ID: 1, Name: "HDMI-A-1", ActiveWorkspaceID: 2, Width: 1920, Height: 1080, X: 2560, Scale: 1},
		},
		focused: "DP-1",
		active:  1,
		layout:  "English (US)",
		nextID:  3,
	}
}

func (w *world) Workspaces(context.Context) ([]compositor.Workspace, error) {
	w.fetches++
	return compositor.State{Workspaces: w.workspaces}.Clone().Workspaces, nil
}

func (w *world) Monitors(context.Context) ([]compositor.Monitor, string, error) {
	w.fetches++
	return slices.Clone(w.monitors), w.focused, nil
}

func (w *world) ActiveWorkspace(context.Context) (*int, error) {
	return compositor.Ptr(w.active), nil
}

func (w *world) ActiveWindow(context.Context) (*compositor.ActiveWindow, error) {
	if w.window == nil {
		return nil, nil
	}
	c := *w.window
	return &c, nil
}

func (w *world) KeyboardLayout(context.Context) (string, error) {
	return w.layout, nil
}

func (w *world) monitorByName(name string) *compositor.Monitor {
	for i := range w.monitors {
		if w.monitors[i].Name == name {
			return &w.monitors[i]
		}
	}
	return nil
}

func (w *world) isShown(id int) bool {
	for _, m := range w.monitors {
		if m.ActiveWorkspaceID == id {
			return true
		}
	}
	return false
}

func (w *world) pick(r *rand.Rand, keep func(compositor.Workspace) bool) (int, bool) {
	var idx []int
	for i, ws := range w.workspaces {
		if keep(ws) {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return 0, false
	}
	return idx[r.Intn(len(idx))], true
}

func (w *world) step(r *rand.Rand) []string {
	switch r.Intn(8) {
	case 0: // create on the focused monitor
		id := w.nextID
		w.nextID++
		mon := w.monitorByName(w.focused)
		w.workspaces = append(w.workspaces, compositor.Workspace{
			ID: id, Index: id, Name: strconv.Itoa(id), Monitor: mon.Name, MonitorID: compositor.Ptr(mon.ID),
		})
		compositor.SortWorkspaces(w.workspaces)
		return []string{fmt.Sprintf("createworkspacev2>>%d,%d", id, id)}

	case 1: // destroy an empty hidden workspace
		i, ok := w.pick(r, func(ws compositor.Workspace) bool { return ws.Windows == 0 && !w.isShown(ws.ID) })
		if !ok {
			return nil
		}
		ws := w.workspaces[i]
		w.workspaces = slices.Delete(w.workspaces, i, i+1)
		return []string{fmt.Sprintf("destroyworkspacev2>>%d,%s", ws.ID, ws.Name)}

	case 2: // move a hidden workspace to another monitor
		i, ok := w.pick(r, func(ws compositor.Workspace) bool { return !w.isShown(ws.ID) })
		if !ok {
			return nil
		}
		target := w.monitors[r.Intn(len(w.monitors))]
		w.workspaces[i].Monitor = target.Name
		w.workspaces[i].MonitorID = compositor.Ptr(target.ID)
		ws := w.workspaces[i]
		return []string{fmt.Sprintf("moveworkspacev2>>%d,%s,%s", ws.ID, ws.Name, target.Name)}

	case 3: // focus a workspace
		i, _ := w.pick(r, func(compositor.Workspace) bool { return true })
		ws := w.workspaces[i]
		mon := w.monitorByName(ws.Monitor)
		mon.ActiveWorkspaceID = ws.ID
		w.active = ws.ID
		var events []string
		if mon.Name != w.focused {
			w.focused = mon.Name
			events = append(events, fmt.Sprintf("focusedmon>>%s,%s", mon.Name, ws.Name))
		}
		return append(events, fmt.Sprintf("workspacev2>>%d,%s", ws.ID, ws.Name))

	case 4: // open a window, which takes focus
		i, _ := w.pick(r, func(compositor.Workspace) bool { return true })
		w.workspaces[i].Windows++
		w.nextAddr++
		addr := fmt.Sprintf("%x", 0x55aa00+w.nextAddr)
		class := []string{"kitty", "firefox", "mpv"}[r.Intn(3)]
		title := fmt.Sprintf("%s, window %d", class, w.nextAddr)
		w.window = &compositor.ActiveWindow{Class: class, Title: title, Address: "0x" + addr}
		return []string{
			fmt.Sprintf("openwindow>>%s,%s,%s,%s", addr, w.workspaces[i].Name, class, title),
			fmt.Sprintf("activewindow>>%s,%s", class, title),
			"activewindowv2>>" + addr,
		}

	case 5: // close a window
		i, ok := w.pick(r, func(ws compositor.Workspace) bool { return ws.Windows > 0 })
		if !ok {
			return nil
		}
		w.workspaces[i].Windows--
		return []string{"closewindow>>55aa00"}

	case 6: // move a window between workspaces
		from, ok := w.pick(r, func(ws compositor.Workspace) bool { return ws.Windows > 0 })
		if !ok {
			return nil
		}
		to, _ := w.pick(r, func(ws compositor.Workspace) bool { return ws.ID != w.workspaces[from].ID })
		w.workspaces[from].Windows--
		w.workspaces[to].Windows++
		return []string{fmt.Sprintf("movewindowv2>>55aa00,%d,%s", w.workspaces[to].ID, w.workspaces[to].Name)}

	default: // switch layout
		w.layout = []string{"English (US)", "German", "French (AZERTY)"}[r.Intn(3)]
		return []string{"activelayout>>at-translated-set-2-keyboard," + w.layout}
	}
}

func applyAll(t *testing.T, r *Reconciler, lines []string) {
	t.Helper()
	for _, line := range lines {
		ev, ok := ParseEvent(line)
		require.True(t, ok, line)
		require.NoError(t, r.Apply(context.Background(), ev), line)
	}
}

func TestIncrementalMatchesFullRefetch(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			r := rand.New(rand.NewSource(seed))
			w := newWorld()

			initial, err := FetchFull(context.Background(), w)
			require.NoError(t, err)
			cell := snapshot.New(initial)
			rec := NewReconciler(cell, w, zap.NewNop())

			for step := 0; step < 150; step++ {
				applyAll(t, rec, w.step(r))

				want, err := FetchFull(context.Background(), w)
				require.NoError(t, err)
				if !assert.Equal(t, want, cell.Get(), "diverged at step %d", step) {
					return
				}
			}
		})
	}
}

func TestFullRefetchIsIdempotent(t *testing.T) {
	w := newWorld()
	a, err := FetchFull(context.Background(), w)
	require.NoError(t, err)
	b, err := FetchFull(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestWorkspaceScenario(t *testing.T) {
	w := &world{
		workspaces: []compositor.Workspace{{ID: 1, Index: 1, Name: "1", Monitor: "DP-1", MonitorID: compositor.Ptr(0)}},
		monitors:   []compositor.Monitor{{ID: 0, Name: "DP-1", ActiveWorkspaceID: 1}},
		focused:    "DP-1",
		active:     1,
		layout:     "English (US)",
	}
	initial, err := FetchFull(context.Background(), w)
	require.NoError(t, err)
	cell := snapshot.New(initial)
	rec := NewReconciler(cell, w, zap.NewNop())
	w.fetches = 0

	applyAll(t, rec, []string{"openwindow>>abc123,1,kitty,shell"})
	st := cell.Get()
	require.Len(t, st.Workspaces, 1)
	assert.Equal(t, 1, st.Workspaces[0].Windows)
	assert.Zero(t, w.fetches, "window-opened is patched without a refetch")

	applyAll(t, rec, []string{"createworkspacev2>>2,2"})
	st = cell.Get()
	require.Len(t, st.Workspaces, 2)
	assert.Equal(t, 1, st.Workspaces[0].ID)
	assert.Equal(t, 2, st.Workspaces[1].ID)

	applyAll(t, rec, []string{"destroyworkspacev2>>1,1"})
	st = cell.Get()
	require.Len(t, st.Workspaces, 1)
	assert.Equal(t, 2, st.Workspaces[0].ID)
	assert.Zero(t, w.fetches)
}

func TestReconcilerPatches(t *testing.T) {
	w := newWorld()
	initial, err := FetchFull(context.Background(), w)
	require.NoError(t, err)
	cell := snapshot.New(initial)
	rec := NewReconciler(cell, w, zap.NewNop())

	t.Run("submap set and cleared", func(t *testing.T) {
		applyAll(t, rec, []string{"submap>>resize"})
		require.NotNil(t, cell.Get().Submap)
		assert.Equal(t, "resize", *cell.Get().Submap)

		applyAll(t, rec, []string{"submap>>"})
		assert.Nil(t, cell.Get().Submap)
	})

	t.Run("empty active window clears it", func(t *testing.T) {
		applyAll(t, rec, []string{"activewindow>>kitty,shell", "activewindowv2>>beef"})
		assert.Equal(t, &compositor.ActiveWindow{Class: "kitty", Title: "shell", Address: "0xbeef"}, cell.Get().ActiveWindow)

		applyAll(t, rec, []string{"activewindow>>,", "activewindowv2>>"})
		assert.Nil(t, cell.Get().ActiveWindow)
	})

	t.Run("special workspace refetch", func(t *testing.T) {
		w.monitors[1].SpecialWorkspaceID = -98
		applyAll(t, rec, []string{"activespecial>>special:scratch,HDMI-A-1"})
		assert.Equal(t, -98, cell.Get().Monitors[1].SpecialWorkspaceID)
	})

	t.Run("monitor added refetches but keeps submap", func(t *testing.T) {
		applyAll(t, rec, []string{"submap>>resize"})
		w.monitors = append(w.monitors, compositor.Monitor{ID: 2, Name: "DP-2", ActiveWorkspaceID: 1})
		applyAll(t, rec, []string{"monitoraddedv2>>2,DP-2,Dell"})
		st := cell.Get()
		assert.Len(t, st.Monitors, 3)
		require.NotNil(t, st.Submap)
		assert.Equal(t, "resize", *st.Submap)
	})

	t.Run("ignored events do not broadcast", func(t *testing.T) {
		v := cell.Version()
		applyAll(t, rec, []string{"workspace>>1", "fullscreen>>1", "activespecialv2>>,,DP-1"})
		assert.Equal(t, v, cell.Version())
	})

	t.Run("malformed data is reported", func(t *testing.T) {
		err := rec.Apply(context.Background(), Event{Name: "workspacev2", Data: "x,y"})
		assert.Error(t, err)
		err = rec.Apply(context.Background(), Event{Name: "openwindow", Data: "abc"})
		assert.Error(t, err)
	})
}
