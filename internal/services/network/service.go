package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"shellstate/internal/bus"
	"shellstate/internal/clock"
	"shellstate/internal/command"
	"shellstate/internal/debounce"
	"shellstate/internal/registry"
	"shellstate/internal/service"
	"shellstate/internal/snapshot"
)

// Command is one of the network commands below.
type Command interface {
	isCommand()
}

type SetWifiEnabled struct {
	Enabled bool `mapstructure:"enabled"`
}

type ToggleWifi struct{}

// RequestScan asks the wireless devices to look for access points.
type RequestScan struct{}

// ConnectToAccessPoint joins the network of the access point at Path.
// Saved networks need no password.
type ConnectToAccessPoint struct {
	Path     string `mapstructure:"path"`
	Password string `mapstructure:"password"`
}

// Disconnect deactivates the active connection at Path, or the primary
// connection when Path is empty.
type Disconnect struct {
	Path string `mapstructure:"path"`
}

func (SetWifiEnabled) isCommand()       {}
func (ToggleWifi) isCommand()           {}
func (RequestScan) isCommand()          {}
func (ConnectToAccessPoint) isCommand() {}
func (Disconnect) isCommand()           {}

func decode[T Command](args map[string]any) (Command, error) {
	c, err := command.Decode[T](args)
	return c, err
}

// Commands decodes transport command names.
var Commands = command.Table[Command]{
	"set_wifi_enabled":        decode[SetWifiEnabled],
	"toggle_wifi":             decode[ToggleWifi],
	"request_scan":            decode[RequestScan],
	"connect_to_access_point": decode[ConnectToAccessPoint],
	"disconnect":              decode[Disconnect],
}

var (
	errConnectionLost = errors.New("bus connection lost")
	// ErrNotConnected is returned by Disconnect without an active connection.
	ErrNotConnected = errors.New("no active connection")
)

// Service owns the network snapshot. Property changes that carry their
// new value are patched in place; changes to the set of connections or
// access points mark the snapshot stale and a debounced refetch follows.
type Service struct {
	*service.Base[Data]
	source Source
	clk    clock.Clock
	window time.Duration
	stale  chan struct{}
}

// New fetches the initial state and starts the listeners. If
// NetworkManager cannot be reached the service is Unavailable.
func New(ctx context.Context, source Source, clk clock.Clock, window time.Duration, logger *zap.Logger, timeout time.Duration) *Service {
	logger = logger.Named("network")

	initial, err := source.Fetch(ctx)
	s := &Service{
		Base:   service.NewBase(ctx, "network", initial, logger, timeout),
		source: source,
		clk:    clk,
		window: window,
		stale:  make(chan struct{}, 1),
	}
	if err != nil {
		logger.Warn("NetworkManager unavailable", zap.Error(err))
		s.Cell().Set(Default())
		s.SetUnavailable(err.Error())
		return s
	}

	s.Listen("properties", s.listen)
	s.Listen("reconcile", s.reconcile)
	logger.Info("Network service started",
		zap.Bool("wifi", initial.WifiEnabled),
		zap.Int("connections", len(initial.ActiveConnections)),
		zap.Int("access_points", len(initial.AccessPoints)))
	return s
}

// Factory builds the service for the registry.
func Factory(ctx context.Context, sc *registry.Context) (registry.Service, error) {
	conn, err := sc.Buses.Open(bus.System)
	if err != nil {
		return nil, err
	}
	source := NewBusSource(conn, sc.Logger.Named("network"))
	return New(ctx, source, sc.Clock, sc.Config.Debounce.D(), sc.Logger, sc.Config.CommandTimeout.D()), nil
}

func (s *Service) ID() registry.ServiceID { return registry.Network }

func (s *Service) markStale() {
	select {
	case s.stale <- struct{}{}:
	default:
	}
}

func (s *Service) listen(ctx context.Context) error {
	changes, err := s.source.Changes(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to NetworkManager: %w", err)
	}
	for ch := range changes {
		var refetch bool
		s.Cell().Update(func(d *Data) bool {
			var changed bool
			changed, refetch = apply(d, ch)
			return changed
		})
		if refetch {
			s.markStale()
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return errConnectionLost
}

func (s *Service) reconcile(ctx context.Context) error {
	debounce.Run(ctx, s.clk, s.window, s.stale, nil, func(batch debounce.Batch[struct{}]) {
		s.Logger().Debug("Network topology changed", zap.Int("signals", len(batch.Events)))
		if err := s.refetch(ctx); err != nil {
			s.Logger().Warn("Failed to refetch network state", zap.Error(err))
		}
	})
	return nil
}

func (s *Service) refetch(ctx context.Context) error {
	return snapshot.Refetch(ctx, s.Cell(), s.source.Fetch, snapshot.Replace[Data])
}

// Dispatch performs cmd and refetches.
func (s *Service) Dispatch(ctx context.Context, cmd Command) error {
	if !s.Available() {
		return command.ErrUnavailable
	}
	return s.Do(ctx, func(ctx context.Context) error {
		if err := s.perform(ctx, cmd); err != nil {
			return err
		}
		return s.refetch(ctx)
	})
}

func objectPath(kind, path string) error {
	if !dbus.ObjectPath(path).IsValid() {
		return fmt.Errorf("%w: invalid %s path %q", command.ErrInvalidArgs, kind, path)
	}
	return nil
}

func (s *Service) perform(ctx context.Context, cmd Command) error {
	switch c := cmd.(type) {
	case SetWifiEnabled:
		s.Logger().Debug("Setting wifi", zap.Bool("enabled", c.Enabled))
		return s.source.SetWirelessEnabled(ctx, c.Enabled)
	case ToggleWifi:
		enabled := !s.Get().WifiEnabled
		s.Logger().Debug("Toggling wifi", zap.Bool("enabled", enabled))
		return s.source.SetWirelessEnabled(ctx, enabled)
	case RequestScan:
		return s.source.RequestScan(ctx)
	case ConnectToAccessPoint:
		if err := objectPath("access point", c.Path); err != nil {
			return err
		}
		var ap *AccessPoint
		for _, candidate := range s.Get().AccessPoints {
			if candidate.Path == c.Path {
				ap = &candidate
				break
			}
		}
		if ap == nil {
			return fmt.Errorf("%w: unknown access point %q", command.ErrInvalidArgs, c.Path)
		}
		s.Logger().Debug("Connecting", zap.String("ssid", ap.SSID), zap.Bool("known", ap.Known))
		if ap.Known && c.Password == "" {
			return s.source.Activate(ctx, ap.DevicePath, ap.Path)
		}
		return s.source.AddAndActivate(ctx, ap.DevicePath, ap.Path, c.Password)
	case Disconnect:
		path := c.Path
		if path == "" {
			primary, ok := s.Get().Primary()
			if !ok {
				return ErrNotConnected
			}
			path = primary.Path
		}
		if err := objectPath("connection", path); err != nil {
			return err
		}
		return s.source.Deactivate(ctx, path)
	default:
		return fmt.Errorf("unsupported command %T", cmd)
	}
}

func (s *Service) Commands() []string { return Commands.Names() }

func (s *Service) Command(ctx context.Context, name string, args map[string]any) error {
	cmd, err := Commands.Decode(name, args)
	if err != nil {
		return err
	}
	return s.Dispatch(ctx, cmd)
}
