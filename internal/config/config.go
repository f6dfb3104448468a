// Package config holds the static parameters services read at construction.
package config

import (
	"fmt"
	"time"
)

// Config is the daemon configuration. Field names match both the YAML and
// the TOML keys.
type Config struct {
	Listen         string   `yaml:"listen" toml:"listen"`
	CommandTimeout Duration `yaml:"commandTimeout" toml:"commandTimeout"`
	Debounce       Duration `yaml:"debounce" toml:"debounce"`

	Compositor CompositorConfig `yaml:"compositor" toml:"compositor"`
	Audio      AudioConfig      `yaml:"audio" toml:"audio"`
	SysInfo    SysInfoConfig    `yaml:"sysinfo" toml:"sysinfo"`
	Brightness BrightnessConfig `yaml:"brightness" toml:"brightness"`
	Privacy    PrivacyConfig    `yaml:"privacy" toml:"privacy"`
	Bluetooth  BluetoothConfig  `yaml:"bluetooth" toml:"bluetooth"`

	// Services toggles individual services by id.
	Services map[string]ServiceConfig `yaml:"services" toml:"services"`
}

type CompositorConfig struct {
	// Required makes a missing compositor a startup failure.
	Required *bool `yaml:"required" toml:"required"`
	// Backend forces a backend: auto, hyprland or niri.
	Backend string `yaml:"backend" toml:"backend"`
}

type AudioConfig struct {
	PollInterval Duration `yaml:"pollInterval" toml:"pollInterval"`
	Tool         string   `yaml:"tool" toml:"tool"`
}

type SysInfoConfig struct {
	PollInterval Duration `yaml:"pollInterval" toml:"pollInterval"`
	ProcRoot     string   `yaml:"procRoot" toml:"procRoot"`
}

type BrightnessConfig struct {
	SysfsRoot string `yaml:"sysfsRoot" toml:"sysfsRoot"`
}

type PrivacyConfig struct {
	WebcamDevice string `yaml:"webcamDevice" toml:"webcamDevice"`
	ProcRoot     string `yaml:"procRoot" toml:"procRoot"`
	// PipeWireTool dumps the PipeWire graph as JSON.
	PipeWireTool string   `yaml:"pipewireTool" toml:"pipewireTool"`
	PollInterval Duration `yaml:"pollInterval" toml:"pollInterval"`
}

type BluetoothConfig struct {
	RfkillPath       string   `yaml:"rfkillPath" toml:"rfkillPath"`
	DiscoveryTimeout Duration `yaml:"discoveryTimeout" toml:"discoveryTimeout"`
}

type ServiceConfig struct {
	Enabled *bool `yaml:"enabled" toml:"enabled"`
}

// Default returns a config with every default filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:7725"
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = Duration(5 * time.Second)
	}
	if c.Debounce == 0 {
		c.Debounce = Duration(200 * time.Millisecond)
	}
	if c.Compositor.Required == nil {
		required := true
		c.Compositor.Required = &required
	}
	if c.Compositor.Backend == "" {
		c.Compositor.Backend = "auto"
	}
	if c.Audio.PollInterval == 0 {
		c.Audio.PollInterval = Duration(time.Second)
	}
	if c.Audio.Tool == "" {
		c.Audio.Tool = "wpctl"
	}
	if c.SysInfo.PollInterval == 0 {
		c.SysInfo.PollInterval = Duration(2 * time.Second)
	}
	if c.SysInfo.ProcRoot == "" {
		c.SysInfo.ProcRoot = "/proc"
	}
	if c.Brightness.SysfsRoot == "" {
		c.Brightness.SysfsRoot = "/sys/class/backlight"
	}
	if c.Privacy.WebcamDevice == "" {
		c.Privacy.WebcamDevice = "/dev/video0"
	}
	if c.Privacy.ProcRoot == "" {
		c.Privacy.ProcRoot = "/proc"
	}
	if c.Privacy.PipeWireTool == "" {
		c.Privacy.PipeWireTool = "pw-dump"
	}
	if c.Privacy.PollInterval == 0 {
		c.Privacy.PollInterval = Duration(2 * time.Second)
	}
	if c.Bluetooth.RfkillPath == "" {
		c.Bluetooth.RfkillPath = "/dev/rfkill"
	}
	if c.Bluetooth.DiscoveryTimeout == 0 {
		c.Bluetooth.DiscoveryTimeout = Duration(15 * time.Second)
	}
}

// Validate rejects values no service can work with.
func (c *Config) Validate() error {
	switch c.Compositor.Backend {
	case "auto", "hyprland", "niri":
	default:
		return fmt.Errorf("compositor.backend must be auto, hyprland or niri, got %q", c.Compositor.Backend)
	}
	if c.Audio.PollInterval.D() < 100*time.Millisecond {
		return fmt.Errorf("audio.pollInterval must be at least 100ms")
	}
	if c.SysInfo.PollInterval.D() < 100*time.Millisecond {
		return fmt.Errorf("sysinfo.pollInterval must be at least 100ms")
	}
	if c.Privacy.PollInterval.D() < 100*time.Millisecond {
		return fmt.Errorf("privacy.pollInterval must be at least 100ms")
	}
	if c.CommandTimeout.D() <= 0 {
		return fmt.Errorf("commandTimeout must be positive")
	}
	return nil
}

// CompositorRequired reports whether a missing compositor aborts startup.
func (c *Config) CompositorRequired() bool {
	return c.Compositor.Required == nil || *c.Compositor.Required
}

// Enabled reports whether the service with the given id should start.
// Services are enabled unless explicitly disabled.
func (c *Config) Enabled(id string) bool {
	s, ok := c.Services[id]
	if !ok || s.Enabled == nil {
		return true
	}
	return *s.Enabled
}
