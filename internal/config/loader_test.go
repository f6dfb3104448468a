package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadYAML(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	path := writeConfig(t, "config.yaml", `listen: "127.0.0.1:9000"
debounce: 150ms
compositor:
  required: false
  backend: niri
audio:
  pollInterval: 500ms
services:
  bluetooth:
    enabled: false
`)

	cfg, err := NewLoader(path, logger).Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, 150*time.Millisecond, cfg.Debounce.D())
	assert.False(t, cfg.CompositorRequired())
	assert.Equal(t, "niri", cfg.Compositor.Backend)
	assert.Equal(t, 500*time.Millisecond, cfg.Audio.PollInterval.D())
	assert.Equal(t, "wpctl", cfg.Audio.Tool, "unset fields get defaults")
	assert.False(t, cfg.Enabled("bluetooth"))
	assert.True(t, cfg.Enabled("audio"))
}

func TestLoadTOML(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	path := writeConfig(t, "config.toml", `
listen = "127.0.0.1:9100"
commandTimeout = "2s"

[privacy]
webcamDevice = "/dev/video2"
pollInterval = "5s"

[bluetooth]
discoveryTimeout = "30s"
`)

	cfg, err := NewLoader(path, logger).Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9100", cfg.Listen)
	assert.Equal(t, 2*time.Second, cfg.CommandTimeout.D())
	assert.Equal(t, "/dev/video2", cfg.Privacy.WebcamDevice)
	assert.Equal(t, 5*time.Second, cfg.Privacy.PollInterval.D())
	assert.Equal(t, "pw-dump", cfg.Privacy.PipeWireTool)
	assert.Equal(t, 30*time.Second, cfg.Bluetooth.DiscoveryTimeout.D())
	assert.True(t, cfg.CompositorRequired())
}

func TestLoadDefaults(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	t.Run("missing file", func(t *testing.T) {
		cfg, err := NewLoader(filepath.Join(t.TempDir(), "absent.yaml"), logger).Load()
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("environment overrides listen", func(t *testing.T) {
		t.Setenv(EnvListen, "127.0.0.1:1234")
		cfg, err := NewLoader("", logger).Load()
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:1234", cfg.Listen)
	})
}

func TestLoadErrors(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"bad yaml", "c.yaml", "listen: [unclosed"},
		{"bad duration", "c.yaml", "debounce: soon"},
		{"unknown backend", "c.yaml", "compositor:\n  backend: sway\n"},
		{"poll too fast", "c.yaml", "audio:\n  pollInterval: 1ms\n"},
		{"privacy poll too fast", "c.yaml", "privacy:\n  pollInterval: 1ms\n"},
		{"unsupported format", "c.json", "{}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader(writeConfig(t, tt.file, tt.content), logger).Load()
			assert.Error(t, err)
		})
	}
}
