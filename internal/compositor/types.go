// Package compositor keeps one canonical CompositorState for the running
// Wayland compositor and routes commands to its backend. The backend is
// chosen once at startup and never changes.
package compositor

import "slices"

// Workspace is one compositor workspace.
type Workspace struct {
	ID    int    `json:"id"`
	Index int    `json:"index"`
	Name  string `json:"name"`
	// Monitor is the name of the output the workspace lives on.
	Monitor   string `json:"monitor"`
	MonitorID *int   `json:"monitorId,omitempty"`
	Windows   int    `json:"windows"`
	IsSpecial bool   `json:"isSpecial"`
}

// Monitor is one output.
type Monitor struct {
	ID                 int     `json:"id"`
	Name               string  `json:"name"`
	ActiveWorkspaceID  int     `json:"activeWorkspaceId"`
	SpecialWorkspaceID int     `json:"specialWorkspaceId"`
	Width              int     `json:"width"`
	Height             int     `json:"height"`
	X                  int     `json:"x"`
	Y                  int     `json:"y"`
	Scale              float64 `json:"scale"`
}

// ActiveWindow is the focused window.
type ActiveWindow struct {
	Title   string `json:"title"`
	Class   string `json:"class"`
	Address string `json:"address"`
}

// State is the full compositor snapshot. Workspace order is set by the
// backend: Hyprland sorts by ID, niri by index then output.
type State struct {
	Workspaces        []Workspace   `json:"workspaces"`
	Monitors          []Monitor     `json:"monitors"`
	ActiveWorkspaceID *int          `json:"activeWorkspaceId,omitempty"`
	FocusedMonitor    string        `json:"focusedMonitor,omitempty"`
	ActiveWindow      *ActiveWindow `json:"activeWindow,omitempty"`
	KeyboardLayout    string        `json:"keyboardLayout"`
	Submap            *string       `json:"submap,omitempty"`
}

// UnknownLayout is reported when no keyboard reports an active keymap.
const UnknownLayout = "Unknown"

// Clone returns a deep copy.
func (s State) Clone() State {
	out := s
	out.Workspaces = slices.Clone(s.Workspaces)
	for i := range out.Workspaces {
		out.Workspaces[i].MonitorID = clonePtr(s.Workspaces[i].MonitorID)
	}
	out.Monitors = slices.Clone(s.Monitors)
	out.ActiveWorkspaceID = clonePtr(s.ActiveWorkspaceID)
	out.ActiveWindow = clonePtr(s.ActiveWindow)
	out.Submap = clonePtr(s.Submap)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// ActiveWorkspace returns the focused workspace, if it is known.
func (s State) ActiveWorkspace() (Workspace, bool) {
	if s.ActiveWorkspaceID == nil {
		return Workspace{}, false
	}
	return s.WorkspaceByID(*s.ActiveWorkspaceID)
}

func (s State) WorkspaceByID(id int) (Workspace, bool) {
	i := s.workspaceIndex(id)
	if i < 0 {
		return Workspace{}, false
	}
	return s.Workspaces[i], true
}

func (s State) workspaceIndex(id int) int {
	return slices.IndexFunc(s.Workspaces, func(w Workspace) bool { return w.ID == id })
}

func (s State) workspaceIndexByName(name string) int {
	return slices.IndexFunc(s.Workspaces, func(w Workspace) bool { return w.Name == name })
}

func (s State) monitorIndex(name string) int {
	return slices.IndexFunc(s.Monitors, func(m Monitor) bool { return m.Name == name })
}

// WorkspacesForMonitor returns the regular workspaces on the named monitor.
func (s State) WorkspacesForMonitor(name string) []Workspace {
	var out []Workspace
	for _, w := range s.Workspaces {
		if w.Monitor == name && !w.IsSpecial {
			out = append(out, w)
		}
	}
	return out
}

// RegularWorkspaces returns every non-special workspace.
func (s State) RegularWorkspaces() []Workspace {
	var out []Workspace
	for _, w := range s.Workspaces {
		if !w.IsSpecial {
			out = append(out, w)
		}
	}
	return out
}

// SpecialWorkspaces returns every special (scratchpad) workspace.
func (s State) SpecialWorkspaces() []Workspace {
	var out []Workspace
	for _, w := range s.Workspaces {
		if w.IsSpecial {
			out = append(out, w)
		}
	}
	return out
}

func (s State) MonitorByName(name string) (Monitor, bool) {
	i := s.monitorIndex(name)
	if i < 0 {
		return Monitor{}, false
	}
	return s.Monitors[i], true
}

func (s State) MonitorByID(id int) (Monitor, bool) {
	i := slices.IndexFunc(s.Monitors, func(m Monitor) bool { return m.ID == id })
	if i < 0 {
		return Monitor{}, false
	}
	return s.Monitors[i], true
}

// SortWorkspaces orders workspaces by ID.
func SortWorkspaces(ws []Workspace) {
	slices.SortStableFunc(ws, func(a, b Workspace) int { return a.ID - b.ID })
}
