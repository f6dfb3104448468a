package compositor

import "slices"

// Targeted patches applied by incremental reconcilers. Each reports
// whether it changed the state and leaves it untouched otherwise, so it
// can be passed straight to snapshot.Cell.Update.

// SetActiveWorkspace focuses workspace id and makes it the active
// workspace of the monitor it lives on.
func (s *State) SetActiveWorkspace(id int) bool {
	changed := false
	if s.ActiveWorkspaceID == nil || *s.ActiveWorkspaceID != id {
		s.ActiveWorkspaceID = Ptr(id)
		changed = true
	}
	if i := s.workspaceIndex(id); i >= 0 {
		if m := s.monitorIndex(s.Workspaces[i].Monitor); m >= 0 && s.Monitors[m].ActiveWorkspaceID != id {
			s.Monitors[m].ActiveWorkspaceID = id
			changed = true
		}
	}
	return changed
}

// FocusMonitor records the focused output and, when the named workspace
// is known, that output's active workspace.
func (s *State) FocusMonitor(name, workspaceName string) bool {
	changed := false
	if s.FocusedMonitor != name {
		s.FocusedMonitor = name
		changed = true
	}
	w := s.workspaceIndexByName(workspaceName)
	m := s.monitorIndex(name)
	if w >= 0 && m >= 0 && s.Monitors[m].ActiveWorkspaceID != s.Workspaces[w].ID {
		s.Monitors[m].ActiveWorkspaceID = s.Workspaces[w].ID
		changed = true
	}
	return changed
}

// AddWorkspace inserts a workspace on the focused monitor if no workspace
// with that ID exists, keeping the list sorted.
func (s *State) AddWorkspace(id int, name string) bool {
	if s.workspaceIndex(id) >= 0 {
		return false
	}
	ws := Workspace{
		ID:        id,
		Index:     id,
		Name:      name,
		Monitor:   s.FocusedMonitor,
		IsSpecial: id < 0,
	}
	if m, ok := s.MonitorByName(s.FocusedMonitor); ok {
		ws.MonitorID = Ptr(m.ID)
	}
	s.Workspaces = append(s.Workspaces, ws)
	SortWorkspaces(s.Workspaces)
	return true
}

// RemoveWorkspace drops the workspace with the given ID.
func (s *State) RemoveWorkspace(id int) bool {
	n := len(s.Workspaces)
	s.Workspaces = slices.DeleteFunc(s.Workspaces, func(w Workspace) bool { return w.ID == id })
	return len(s.Workspaces) != n
}

// MoveWorkspace reassigns a workspace to another monitor.
func (s *State) MoveWorkspace(id int, monitor string) bool {
	i := s.workspaceIndex(id)
	if i < 0 {
		return false
	}
	ws := &s.Workspaces[i]
	var monitorID *int
	if m, ok := s.MonitorByName(monitor); ok {
		monitorID = Ptr(m.ID)
	}
	if ws.Monitor == monitor && equalPtr(ws.MonitorID, monitorID) {
		return false
	}
	ws.Monitor = monitor
	ws.MonitorID = monitorID
	return true
}

// SetActiveWindow replaces the focused window. nil clears it.
func (s *State) SetActiveWindow(w *ActiveWindow) bool {
	if equalPtr(s.ActiveWindow, w) {
		return false
	}
	s.ActiveWindow = clonePtr(w)
	return true
}

// SetActiveWindowAddress fills in the address of the focused window.
func (s *State) SetActiveWindowAddress(addr string) bool {
	if s.ActiveWindow == nil || s.ActiveWindow.Address == addr {
		return false
	}
	s.ActiveWindow.Address = addr
	return true
}

// IncrementWindows counts one more window on the named workspace.
func (s *State) IncrementWindows(workspaceName string) bool {
	i := s.workspaceIndexByName(workspaceName)
	if i < 0 {
		return false
	}
	s.Workspaces[i].Windows++
	return true
}

// SetWindowCounts copies window counts from a fresh workspace list onto
// the workspaces already present. Nothing is added or removed.
func (s *State) SetWindowCounts(fresh []Workspace) bool {
	changed := false
	for _, f := range fresh {
		if i := s.workspaceIndex(f.ID); i >= 0 && s.Workspaces[i].Windows != f.Windows {
			s.Workspaces[i].Windows = f.Windows
			changed = true
		}
	}
	return changed
}

// SetSpecialWorkspaces copies special workspace IDs from a fresh monitor
// list onto the monitors already present.
func (s *State) SetSpecialWorkspaces(fresh []Monitor) bool {
	changed := false
	for _, f := range fresh {
		if i := s.monitorIndex(f.Name); i >= 0 && s.Monitors[i].SpecialWorkspaceID != f.SpecialWorkspaceID {
			s.Monitors[i].SpecialWorkspaceID = f.SpecialWorkspaceID
			changed = true
		}
	}
	return changed
}

// SetSubmap records the active keybind submap. An empty name clears it.
func (s *State) SetSubmap(name string) bool {
	var next *string
	if name != "" {
		next = Ptr(name)
	}
	if equalPtr(s.Submap, next) {
		return false
	}
	s.Submap = next
	return true
}

func (s *State) SetKeyboardLayout(layout string) bool {
	if s.KeyboardLayout == layout {
		return false
	}
	s.KeyboardLayout = layout
	return true
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
