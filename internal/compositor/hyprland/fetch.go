package hyprland

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"shellstate/internal/compositor"
)

// Fetcher reads slices of state from the compositor. Full refetches and
// the bounded refetches of window counts and special workspaces are built
// from these calls.
type Fetcher interface {
	Workspaces(ctx context.Context) ([]compositor.Workspace, error)
	// Monitors also returns the name of the focused monitor.
	Monitors(ctx context.Context) ([]compositor.Monitor, string, error)
	ActiveWorkspace(ctx context.Context) (*int, error)
	ActiveWindow(ctx context.Context) (*compositor.ActiveWindow, error)
	KeyboardLayout(ctx context.Context) (string, error)
}

// FetchFull assembles a complete state. Workspaces and monitors are
// required; the focused workspace, window and layout are best effort.
func FetchFull(ctx context.Context, f Fetcher) (compositor.State, error) {
	workspaces, err := f.Workspaces(ctx)
	if err != nil {
		return compositor.State{}, err
	}
	monitors, focused, err := f.Monitors(ctx)
	if err != nil {
		return compositor.State{}, err
	}

	st := compositor.State{
		Workspaces:     workspaces,
		Monitors:       monitors,
		FocusedMonitor: focused,
		KeyboardLayout: compositor.UnknownLayout,
	}
	if id, err := f.ActiveWorkspace(ctx); err == nil {
		st.ActiveWorkspaceID = id
	}
	if w, err := f.ActiveWindow(ctx); err == nil {
		st.ActiveWindow = w
	}
	if layout, err := f.KeyboardLayout(ctx); err == nil && layout != "" {
		st.KeyboardLayout = layout
	}
	return st, nil
}

type workspaceRef struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type hyprWorkspace struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Monitor   string `json:"monitor"`
	MonitorID *int   `json:"monitorID"`
	Windows   int    `json:"windows"`
}

type hyprMonitor struct {
	ID               int          `json:"id"`
	Name             string       `json:"name"`
	Width            int          `json:"width"`
	Height           int          `json:"height"`
	X                int          `json:"x"`
	Y                int          `json:"y"`
	Scale            float64      `json:"scale"`
	ActiveWorkspace  workspaceRef `json:"activeWorkspace"`
	SpecialWorkspace workspaceRef `json:"specialWorkspace"`
	Focused          bool         `json:"focused"`
}

type hyprWindow struct {
	Address string `json:"address"`
	Title   string `json:"title"`
	Class   string `json:"class"`
}

type hyprDevices struct {
	Keyboards []struct {
		Name         string `json:"name"`
		ActiveKeymap string `json:"active_keymap"`
		Main         bool   `json:"main"`
	} `json:"keyboards"`
}

func (c *Client) query(ctx context.Context, what string, out any) error {
	reply, err := c.Request(ctx, "j/"+what)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(reply, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", what, err)
	}
	return nil
}

func (c *Client) Workspaces(ctx context.Context) ([]compositor.Workspace, error) {
	var raw []hyprWorkspace
	if err := c.query(ctx, "workspaces", &raw); err != nil {
		return nil, err
	}
	out := make([]compositor.Workspace, 0, len(raw))
	for _, w := range raw {
		out = append(out, compositor.Workspace{
			ID:        w.ID,
			Index:     w.ID,
			Name:      w.Name,
			Monitor:   w.Monitor,
			MonitorID: w.MonitorID,
			Windows:   w.Windows,
			IsSpecial: w.ID < 0,
		})
	}
	compositor.SortWorkspaces(out)
	return out, nil
}

func (c *Client) Monitors(ctx context.Context) ([]compositor.Monitor, string, error) {
	var raw []hyprMonitor
	if err := c.query(ctx, "monitors", &raw); err != nil {
		return nil, "", err
	}
	focused := ""
	out := make([]compositor.Monitor, 0, len(raw))
	for _, m := range raw {
		if m.Focused {
			focused = m.Name
		}
		out = append(out, compositor.Monitor{
			ID:                 m.ID,
			Name:               m.Name,
			ActiveWorkspaceID:  m.ActiveWorkspace.ID,
			SpecialWorkspaceID: m.SpecialWorkspace.ID,
			Width:              m.Width,
			Height:             m.Height,
			X:                  m.X,
			Y:                  m.Y,
			Scale:              m.Scale,
		})
	}
	return out, focused, nil
}

func (c *Client) ActiveWorkspace(ctx context.Context) (*int, error) {
	var ws workspaceRef
	if err := c.query(ctx, "activeworkspace", &ws); err != nil {
		return nil, err
	}
	return compositor.Ptr(ws.ID), nil
}

func (c *Client) ActiveWindow(ctx context.Context) (*compositor.ActiveWindow, error) {
	var w hyprWindow
	if err := c.query(ctx, "activewindow", &w); err != nil {
		return nil, err
	}
	if w.Address == "" {
		return nil, nil
	}
	return &compositor.ActiveWindow{Title: w.Title, Class: w.Class, Address: w.Address}, nil
}

func (c *Client) KeyboardLayout(ctx context.Context) (string, error) {
	var d hyprDevices
	if err := c.query(ctx, "devices", &d); err != nil {
		return "", err
	}
	for _, k := range d.Keyboards {
		if k.Main {
			return k.ActiveKeymap, nil
		}
	}
	return compositor.UnknownLayout, nil
}

// normalizeAddress gives event addresses the 0x prefix used by queries.
func normalizeAddress(addr string) string {
	if addr == "" || strings.HasPrefix(addr, "0x") {
		return addr
	}
	return "0x" + addr
}
