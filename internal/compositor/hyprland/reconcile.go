package hyprland

import (
	"context"
	"reflect"

	"go.uber.org/zap"

	"shellstate/internal/compositor"
	"shellstate/internal/snapshot"
)

// Reconciler applies events to the snapshot.
type Reconciler struct {
	cell    *snapshot.Cell[compositor.State]
	fetcher Fetcher
	logger  *zap.Logger
}

// NewReconciler creates a reconciler that patches cell and uses fetcher
// for bounded refetches.
func NewReconciler(cell *snapshot.Cell[compositor.State], fetcher Fetcher, logger *zap.Logger) *Reconciler {
	return &Reconciler{cell: cell, fetcher: fetcher, logger: logger}
}

// Apply reconciles one event. Errors are per event; the stream stays usable.
func (r *Reconciler) Apply(ctx context.Context, ev Event) error {
	action := Classify(ev.Name)
	if action == Ignore {
		return nil
	}
	r.logger.Debug("Compositor event",
		zap.String("event", ev.Name),
		zap.String("data", ev.Data),
		zap.Stringer("action", action))

	switch action {
	case RefetchWindows:
		fresh, err := r.fetcher.Workspaces(ctx)
		if err != nil {
			return err
		}
		r.cell.Update(func(s *compositor.State) bool { return s.SetWindowCounts(fresh) })
		return nil

	case RefetchSpecial:
		fresh, _, err := r.fetcher.Monitors(ctx)
		if err != nil {
			return err
		}
		r.cell.Update(func(s *compositor.State) bool { return s.SetSpecialWorkspaces(fresh) })
		return nil

	case RefetchFull:
		fresh, err := FetchFull(ctx, r.fetcher)
		if err != nil {
			return err
		}
		r.cell.Update(func(s *compositor.State) bool {
			fresh.Submap = s.Submap
			if reflect.DeepEqual(*s, fresh) {
				return false
			}
			*s = fresh
			return true
		})
		return nil
	}

	patch, err := patchFor(ev)
	if err != nil {
		return err
	}
	r.cell.Update(patch)
	return nil
}

// patchFor decodes a Patch event into a state update.
func patchFor(ev Event) (func(*compositor.State) bool, error) {
	switch ev.Name {
	case "workspacev2":
		id, _, err := idName(ev.Data)
		if err != nil {
			return nil, err
		}
		return func(s *compositor.State) bool { return s.SetActiveWorkspace(id) }, nil

	case "focusedmon":
		parts, err := fields(ev.Data, 2)
		if err != nil {
			return nil, err
		}
		return func(s *compositor.State) bool { return s.FocusMonitor(parts[0], parts[1]) }, nil

	case "createworkspacev2":
		id, name, err := idName(ev.Data)
		if err != nil {
			return nil, err
		}
		return func(s *compositor.State) bool { return s.AddWorkspace(id, name) }, nil

	case "destroyworkspacev2":
		id, _, err := idName(ev.Data)
		if err != nil {
			return nil, err
		}
		return func(s *compositor.State) bool { return s.RemoveWorkspace(id) }, nil

	case "moveworkspacev2":
		id, _, monitor, err := idNameMonitor(ev.Data)
		if err != nil {
			return nil, err
		}
		return func(s *compositor.State) bool { return s.MoveWorkspace(id, monitor) }, nil

	case "activewindow":
		parts, err := fields(ev.Data, 2)
		if err != nil {
			return nil, err
		}
		var w *compositor.ActiveWindow
		if parts[0] != "" || parts[1] != "" {
			w = &compositor.ActiveWindow{Class: parts[0], Title: parts[1]}
		}
		return func(s *compositor.State) bool { return s.SetActiveWindow(w) }, nil

	case "activewindowv2":
		addr := normalizeAddress(ev.Data)
		return func(s *compositor.State) bool { return s.SetActiveWindowAddress(addr) }, nil

	case "openwindow":
		parts, err := fields(ev.Data, 4)
		if err != nil {
			return nil, err
		}
		return func(s *compositor.State) bool { return s.IncrementWindows(parts[1]) }, nil

	case "submap":
		return func(s *compositor.State) bool { return s.SetSubmap(ev.Data) }, nil

	case "activelayout":
		parts, err := fields(ev.Data, 2)
		if err != nil {
			return nil, err
		}
		return func(s *compositor.State) bool { return s.SetKeyboardLayout(parts[1]) }, nil
	}
	return func(*compositor.State) bool { return false }, nil
}
