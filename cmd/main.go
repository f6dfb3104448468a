package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"shellstate/internal/api"
	"shellstate/internal/bus"
	"shellstate/internal/clock"
	"shellstate/internal/compositor/detect"
	"shellstate/internal/config"
	"shellstate/internal/poll"
	"shellstate/internal/registry"
	"shellstate/internal/services/audio"
	"shellstate/internal/services/bluetooth"
	"shellstate/internal/services/brightness"
	"shellstate/internal/services/mpris"
	"shellstate/internal/services/network"
	"shellstate/internal/services/privacy"
	"shellstate/internal/services/sysinfo"
	"shellstate/internal/services/upower"
)

func main() {
	defaultConfig := os.Getenv(config.EnvConfigPath)
	if defaultConfig == "" {
		defaultConfig = config.DefaultPath()
	}

	configPath := pflag.String("config", defaultConfig, "path to the YAML or TOML config file")
	listen := pflag.String("listen", "", "bridge listen address (overrides config)")
	debug := pflag.Bool("debug", false, "enable development logging")
	pflag.Parse()

	// Initialize logger
	newLogger := zap.NewProduction
	if *debug {
		newLogger = zap.NewDevelopment
	}
	logger, err := newLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	cfg, err := config.NewLoader(*configPath, logger).Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	logger.Info("Starting shellstate daemon",
		zap.String("listen", cfg.Listen),
		zap.Duration("command_timeout", cfg.CommandTimeout.D()),
		zap.Duration("debounce", cfg.Debounce.D()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buses := bus.NewProvider(logger)
	sc := registry.NewContext(logger, cfg, clock.NewRealClock(), buses, poll.RealExecutor{})

	reg := registry.NewRegistry(logger)
	for _, e := range serviceEntries(cfg) {
		if err := reg.Register(e); err != nil {
			logger.Fatal("Failed to register service", zap.String("service", string(e.ID)), zap.Error(err))
		}
	}

	if err := reg.Start(ctx, sc); err != nil {
		buses.Close()
		logger.Fatal("Failed to start services", zap.Error(err))
	}
	logger.Info("Services started", zap.Int("count", len(reg.Services())))

	server := api.NewServer(reg, logger, cfg.Listen)
	if err := server.Start(); err != nil {
		multierr.AppendInto(&err, reg.Close())
		buses.Close()
		logger.Fatal("Failed to start bridge server", zap.Error(err))
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Daemon running. Press Ctrl+C to exit.", zap.String("addr", server.Addr()))
	<-sigChan

	logger.Info("Shutting down gracefully...")
	cancel()

	err = multierr.Combine(
		server.Stop(),
		reg.Close(),
		buses.Close(),
	)
	if err != nil {
		logger.Error("Shutdown finished with errors", zap.Error(err))
	}
}

// serviceEntries lists every service the daemon can run. The compositor
// starts first; everything else is optional and degrades to unavailable.
func serviceEntries(cfg *config.Config) []registry.Entry {
	return []registry.Entry{
		{
			ID:          registry.Compositor,
			Description: "Workspaces, monitors, focus and keyboard layout",
			Order:       10,
			Required:    cfg.CompositorRequired(),
			Factory:     detect.Factory,
		},
		{
			ID:          registry.UPower,
			Description: "Battery, power profile and lid",
			Order:       20,
			Factory:     upower.Factory,
		},
		{
			ID:          registry.Brightness,
			Description: "Backlight level",
			Order:       30,
			Factory:     brightness.Factory,
		},
		{
			ID:          registry.Audio,
			Description: "Default sink and source volume",
			Order:       40,
			Factory:     audio.Factory,
		},
		{
			ID:          registry.SysInfo,
			Description: "CPU, memory, swap and load",
			Order:       50,
			Factory:     sysinfo.Factory,
		},
		{
			ID:          registry.MPRIS,
			Description: "Media players",
			Order:       60,
			Factory:     mpris.Factory,
		},
		{
			ID:          registry.Privacy,
			Description: "Webcam, microphone and screenshare access",
			Order:       70,
			Factory:     privacy.Factory,
		},
		{
			ID:          registry.Bluetooth,
			Description: "Adapter power, discovery and devices",
			Order:       80,
			Factory:     bluetooth.Factory,
		},
		{
			ID:          registry.Network,
			Description: "Wifi, active connections and connectivity",
			Order:       90,
			Factory:     network.Factory,
		},
	}
}
