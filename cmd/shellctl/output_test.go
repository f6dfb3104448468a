package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	args, err := parseArgs([]string{"id=3", "name=scratch", "muted=true", "percent=42.5", `label="7"`, "empty="})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"id":      float64(3),
		"name":    "scratch",
		"muted":   true,
		"percent": 42.5,
		"label":   "7",
		"empty":   "",
	}, args)

	t.Run("missing separator", func(t *testing.T) {
		_, err := parseArgs([]string{"id"})
		assert.Error(t, err)
	})

	t.Run("empty key", func(t *testing.T) {
		_, err := parseArgs([]string{"=3"})
		assert.Error(t, err)
	})
}

func TestPrinter(t *testing.T) {
	data := json.RawMessage(`{"sinkVolume": 40, "sinkMuted": false}`)

	t.Run("pipe", func(t *testing.T) {
		var buf bytes.Buffer
		p := &printer{out: &buf}
		require.NoError(t, p.Snapshot("audio", data))
		require.NoError(t, p.Print(map[string]int{"a": 1}))
		assert.Equal(t, "{\"service\":\"audio\",\"data\":{\"sinkVolume\":40,\"sinkMuted\":false}}\n{\"a\":1}\n", buf.String())
	})

	t.Run("terminal", func(t *testing.T) {
		var buf bytes.Buffer
		p := &printer{out: &buf, pretty: true}
		require.NoError(t, p.Snapshot("audio", data))
		assert.Equal(t, "== audio\n{\n  \"sinkVolume\": 40,\n  \"sinkMuted\": false\n}\n", buf.String())
	})
}
