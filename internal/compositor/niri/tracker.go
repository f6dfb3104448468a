package niri

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"shellstate/internal/compositor"
)

type workspace struct {
	ID        int     `json:"id"`
	Idx       int     `json:"idx"`
	Name      *string `json:"name"`
	Output    *string `json:"output"`
	IsActive  bool    `json:"is_active"`
	IsFocused bool    `json:"is_focused"`
}

type window struct {
	ID          int     `json:"id"`
	Title       *string `json:"title"`
	AppID       *string `json:"app_id"`
	WorkspaceID *int    `json:"workspace_id"`
	IsFocused   bool    `json:"is_focused"`
}

type keyboardLayouts struct {
	Names      []string `json:"names"`
	CurrentIdx int      `json:"current_idx"`
}

// Tracker folds the event stream into niri's view of the world.
type Tracker struct {
	workspaces map[int]workspace
	windows    map[int]window
	layouts    *keyboardLayouts
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		workspaces: make(map[int]workspace),
		windows:    make(map[int]window),
	}
}

// ApplyLine decodes one event line. It reports false for events the
// tracker does not follow; niri's IPC is not versioned, so unknown events
// are expected.
func (t *Tracker) ApplyLine(line []byte) (bool, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(line, &envelope); err != nil {
		return false, fmt.Errorf("failed to decode event: %w", err)
	}
	for name, payload := range envelope {
		return t.Apply(name, payload)
	}
	return false, nil
}

// Apply folds one event into the tracker.
func (t *Tracker) Apply(name string, payload json.RawMessage) (bool, error) {
	switch name {
	case "WorkspacesChanged":
		var ev struct {
			Workspaces []workspace `json:"workspaces"`
		}
		if err := json.Unmarshal(payload, &ev); err != nil {
			return false, fmt.Errorf("failed to decode %s: %w", name, err)
		}
		t.workspaces = make(map[int]workspace, len(ev.Workspaces))
		for _, ws := range ev.Workspaces {
			t.workspaces[ws.ID] = ws
		}

	case "WorkspaceActivated":
		var ev struct {
			ID      int  `json:"id"`
			Focused bool `json:"focused"`
		}
		if err := json.Unmarshal(payload, &ev); err != nil {
			return false, fmt.Errorf("failed to decode %s: %w", name, err)
		}
		activated, ok := t.workspaces[ev.ID]
		if !ok {
			return true, nil
		}
		for id, ws := range t.workspaces {
			if sameOutput(ws.Output, activated.Output) {
				ws.IsActive = id == ev.ID
			}
			if ev.Focused {
				ws.IsFocused = id == ev.ID
			}
			t.workspaces[id] = ws
		}

	case "WindowsChanged":
		var ev struct {
			Windows []window `json:"windows"`
		}
		if err := json.Unmarshal(payload, &ev); err != nil {
			return false, fmt.Errorf("failed to decode %s: %w", name, err)
		}
		t.windows = make(map[int]window, len(ev.Windows))
		for _, w := range ev.Windows {
			t.windows[w.ID] = w
		}

	case "WindowOpenedOrChanged":
		var ev struct {
			Window window `json:"window"`
		}
		if err := json.Unmarshal(payload, &ev); err != nil {
			return false, fmt.Errorf("failed to decode %s: %w", name, err)
		}
		if ev.Window.IsFocused {
			for id, w := range t.windows {
				w.IsFocused = false
				t.windows[id] = w
			}
		}
		t.windows[ev.Window.ID] = ev.Window

	case "WindowClosed":
		var ev struct {
			ID int `json:"id"`
		}
		if err := json.Unmarshal(payload, &ev); err != nil {
			return false, fmt.Errorf("failed to decode %s: %w", name, err)
		}
		delete(t.windows, ev.ID)

	case "WindowFocusChanged":
		var ev struct {
			ID *int `json:"id"`
		}
		if err := json.Unmarshal(payload, &ev); err != nil {
			return false, fmt.Errorf("failed to decode %s: %w", name, err)
		}
		for id, w := range t.windows {
			w.IsFocused = ev.ID != nil && *ev.ID == id
			t.windows[id] = w
		}

	case "KeyboardLayoutsChanged":
		var ev struct {
			KeyboardLayouts keyboardLayouts `json:"keyboard_layouts"`
		}
		if err := json.Unmarshal(payload, &ev); err != nil {
			return false, fmt.Errorf("failed to decode %s: %w", name, err)
		}
		t.layouts = &ev.KeyboardLayouts

	case "KeyboardLayoutSwitched":
		var ev struct {
			Idx int `json:"idx"`
		}
		if err := json.Unmarshal(payload, &ev); err != nil {
			return false, fmt.Errorf("failed to decode %s: %w", name, err)
		}
		if t.layouts != nil {
			t.layouts.CurrentIdx = ev.Idx
		}

	default:
		return false, nil
	}
	return true, nil
}

func sameOutput(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// State maps the tracker onto the shared compositor state. Monitors are
// the outputs that have an active workspace, numbered in name order.
func (t *Tracker) State() compositor.State {
	activeByOutput := make(map[string]int)
	for _, ws := range t.workspaces {
		if ws.Output != nil && ws.IsActive {
			activeByOutput[*ws.Output] = ws.ID
		}
	}
	outputs := make([]string, 0, len(activeByOutput))
	for name := range activeByOutput {
		outputs = append(outputs, name)
	}
	sort.Strings(outputs)
	outputID := func(name string) int {
		i := sort.SearchStrings(outputs, name)
		if i < len(outputs) && outputs[i] == name {
			return i
		}
		return -1
	}

	raw := make([]workspace, 0, len(t.workspaces))
	for _, ws := range t.workspaces {
		raw = append(raw, ws)
	}
	sort.Slice(raw, func(i, j int) bool {
		a, b := raw[i], raw[j]
		if a.Idx != b.Idx {
			return a.Idx < b.Idx
		}
		if ao, bo := deref(a.Output), deref(b.Output); ao != bo {
			return ao < bo
		}
		return a.ID < b.ID
	})

	st := compositor.State{
		Workspaces:     make([]compositor.Workspace, 0, len(raw)),
		Monitors:       make([]compositor.Monitor, 0, len(outputs)),
		KeyboardLayout: compositor.UnknownLayout,
	}
	position := make(map[int]int, len(raw))
	for _, ws := range raw {
		out := compositor.Workspace{
			ID:      ws.ID,
			Index:   ws.Idx,
			Name:    strconv.Itoa(ws.Idx),
			Monitor: deref(ws.Output),
		}
		if ws.Name != nil {
			out.Name = *ws.Name
		}
		if ws.Output != nil {
			out.MonitorID = compositor.Ptr(outputID(*ws.Output))
		}
		if ws.IsFocused {
			st.ActiveWorkspaceID = compositor.Ptr(ws.ID)
			st.FocusedMonitor = deref(ws.Output)
		}
		position[ws.ID] = len(st.Workspaces)
		st.Workspaces = append(st.Workspaces, out)
	}

	for _, w := range t.windows {
		if w.WorkspaceID == nil {
			continue
		}
		if i, ok := position[*w.WorkspaceID]; ok {
			st.Workspaces[i].Windows++
		}
		if w.IsFocused {
			st.ActiveWindow = &compositor.ActiveWindow{
				Title:   deref(w.Title),
				Class:   deref(w.AppID),
				Address: strconv.Itoa(w.ID),
			}
		}
	}
	for _, w := range t.windows {
		if w.WorkspaceID == nil && w.IsFocused {
			st.ActiveWindow = &compositor.ActiveWindow{
				Title:   deref(w.Title),
				Class:   deref(w.AppID),
				Address: strconv.Itoa(w.ID),
			}
		}
	}

	for i, name := range outputs {
		st.Monitors = append(st.Monitors, compositor.Monitor{
			ID:                 i,
			Name:               name,
			ActiveWorkspaceID:  activeByOutput[name],
			SpecialWorkspaceID: -1,
		})
	}

	if l := t.layouts; l != nil && l.CurrentIdx >= 0 && l.CurrentIdx < len(l.Names) {
		st.KeyboardLayout = l.Names[l.CurrentIdx]
	}
	return st
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
