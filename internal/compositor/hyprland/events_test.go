package hyprland

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvent(t *testing.T) {
	ev, ok := ParseEvent("activewindow>>kitty,~/src: vim main.go, line 3\n")
	require.True(t, ok)
	assert.Equal(t, "activewindow", ev.Name)
	assert.Equal(t, "kitty,~/src: vim main.go, line 3", ev.Data)

	ev, ok = ParseEvent("submap>>")
	require.True(t, ok)
	assert.Empty(t, ev.Data)

	_, ok = ParseEvent("garbage")
	assert.False(t, ok)
	_, ok = ParseEvent(">>data")
	assert.False(t, ok)
}

func TestClassify(t *testing.T) {
	tests := map[string]Action{
		"workspacev2":        Patch,
		"workspace":          Ignore,
		"createworkspace":    Ignore,
		"createworkspacev2":  Patch,
		"openwindow":         Patch,
		"closewindow":        RefetchWindows,
		"movewindowv2":       RefetchWindows,
		"movewindow":         Ignore,
		"activespecial":      RefetchSpecial,
		"monitoraddedv2":     RefetchFull,
		"monitorremoved":     RefetchFull,
		"fullscreen":         Ignore,
		"somethingnew":       Ignore,
		"activelayout":       Patch,
		"destroyworkspacev2": Patch,
	}
	for name, want := range tests {
		assert.Equal(t, want, Classify(name), name)
	}
}

func TestIDNameMonitor(t *testing.T) {
	id, name, mon, err := idNameMonitor("4,web, docs,HDMI-A-1")
	require.NoError(t, err)
	assert.Equal(t, 4, id)
	assert.Equal(t, "web, docs", name)
	assert.Equal(t, "HDMI-A-1", mon)

	_, _, _, err = idNameMonitor("x,name,DP-1")
	assert.Error(t, err)
	_, _, _, err = idNameMonitor("nocomma")
	assert.Error(t, err)
}
