package hyprland

import (
	"fmt"
	"strconv"
	"strings"
)

// Event is one line from the event socket.
type Event struct {
	Name string
	Data string
}

// ParseEvent splits "EVENT>>DATA". It reports false for lines without the
// separator.
func ParseEvent(line string) (Event, bool) {
	name, data, ok := strings.Cut(strings.TrimRight(line, "\r\n"), ">>")
	if !ok || name == "" {
		return Event{}, false
	}
	return Event{Name: name, Data: data}, true
}

// Action classifies how an event is reconciled.
type Action int

const (
	Ignore Action = iota
	Patch
	RefetchWindows
	RefetchSpecial
	RefetchFull
)

func (a Action) String() string {
	switch a {
	case Patch:
		return "patch"
	case RefetchWindows:
		return "refetch-windows"
	case RefetchSpecial:
		return "refetch-special"
	case RefetchFull:
		return "refetch-full"
	default:
		return "ignore"
	}
}

// Classify maps an event name to its reconciliation. Legacy (v1) events
// that have a v2 counterpart are ignored so each change is applied once.
func Classify(name string) Action {
	switch name {
	case "workspacev2", "focusedmon", "createworkspacev2", "destroyworkspacev2",
		"moveworkspacev2", "activewindow", "activewindowv2", "openwindow",
		"submap", "activelayout":
		return Patch
	case "closewindow", "movewindowv2":
		return RefetchWindows
	case "activespecial":
		return RefetchSpecial
	case "monitoradded", "monitoraddedv2", "monitorremoved", "monitorremovedv2":
		return RefetchFull
	default:
		return Ignore
	}
}

// fields splits data into exactly n comma-separated parts; the last part
// keeps any further commas.
func fields(data string, n int) ([]string, error) {
	parts := strings.SplitN(data, ",", n)
	if len(parts) != n {
		return nil, fmt.Errorf("expected %d fields, got %q", n, data)
	}
	return parts, nil
}

// idName parses "ID,NAME".
func idName(data string) (int, string, error) {
	parts, err := fields(data, 2)
	if err != nil {
		return 0, "", err
	}
	id, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", fmt.Errorf("invalid workspace id %q: %w", parts[0], err)
	}
	return id, parts[1], nil
}

// idNameMonitor parses "ID,NAME,MONITOR" where NAME may contain commas.
func idNameMonitor(data string) (int, string, string, error) {
	i := strings.LastIndexByte(data, ',')
	if i < 0 {
		return 0, "", "", fmt.Errorf("expected ID,NAME,MONITOR, got %q", data)
	}
	id, name, err := idName(data[:i])
	if err != nil {
		return 0, "", "", err
	}
	return id, name, data[i+1:], nil
}
