package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"shellstate/internal/bus"
	"shellstate/internal/clock"
	"shellstate/internal/command"
	"shellstate/internal/debounce"
	"shellstate/internal/filewatch"
	"shellstate/internal/registry"
	"shellstate/internal/service"
	"shellstate/internal/snapshot"
)

// Source is the service's view of BlueZ.
type Source interface {
	Fetch(ctx context.Context) (Data, error)
	Changes(ctx context.Context) (<-chan struct{}, error)
	SetPowered(ctx context.Context, on bool) error
	StartDiscovery(ctx context.Context) error
	StopDiscovery(ctx context.Context) error
	DeviceCall(ctx context.Context, path, method string) error
	RemoveDevice(ctx context.Context, path string) error
}

// Trigger fires onChange once per burst of writes to a watched file.
type Trigger interface {
	Run(ctx context.Context, clk clock.Clock, window time.Duration, onChange func()) error
}

// Command is one of the bluetooth commands below.
type Command interface {
	isCommand()
}

// Toggle powers the adapter off when active and on otherwise.
type Toggle struct{}

// StartDiscovery scans for devices until StopDiscovery or the discovery
// timeout, whichever comes first.
type StartDiscovery struct{}

type StopDiscovery struct{}

type Pair struct {
	Path string `mapstructure:"path"`
}

type Connect struct {
	Path string `mapstructure:"path"`
}

type Disconnect struct {
	Path string `mapstructure:"path"`
}

// Remove forgets a device.
type Remove struct {
	Path string `mapstructure:"path"`
}

func (Toggle) isCommand()         {}
func (StartDiscovery) isCommand() {}
func (StopDiscovery) isCommand()  {}
func (Pair) isCommand()           {}
func (Connect) isCommand()        {}
func (Disconnect) isCommand()     {}
func (Remove) isCommand()         {}

func decode[T Command](args map[string]any) (Command, error) {
	c, err := command.Decode[T](args)
	return c, err
}

// Commands decodes transport command names.
var Commands = command.Table[Command]{
	"toggle":          decode[Toggle],
	"start_discovery": decode[StartDiscovery],
	"stop_discovery":  decode[StopDiscovery],
	"pair":            decode[Pair],
	"connect":         decode[Connect],
	"disconnect":      decode[Disconnect],
	"remove":          decode[Remove],
}

var errConnectionLost = errors.New("bus connection lost")

// Options are the service's static parameters.
type Options struct {
	Clock            clock.Clock
	Window           time.Duration
	DiscoveryTimeout time.Duration
	CommandTimeout   time.Duration
	// Rfkill is optional; without it soft blocks are only noticed on the
	// next BlueZ change.
	Rfkill Trigger
}

// Service owns the bluetooth snapshot.
type Service struct {
	*service.Base[Data]
	source Source
	opts   Options

	mu            sync.Mutex
	discoveryStop clock.Timer
}

// New fetches the adapter state and starts the BlueZ and rfkill listeners.
func New(ctx context.Context, source Source, opts Options, logger *zap.Logger) *Service {
	logger = logger.Named("bluetooth")

	initial, err := source.Fetch(ctx)
	s := &Service{
		Base:   service.NewBase(ctx, "bluetooth", initial, logger, opts.CommandTimeout),
		source: source,
		opts:   opts,
	}
	if err != nil {
		logger.Warn("BlueZ unavailable", zap.Error(err))
		s.Cell().Set(Default())
		s.SetUnavailable(err.Error())
		return s
	}

	s.Listen("bluez", s.listenBlueZ)
	if opts.Rfkill != nil {
		s.Listen("rfkill", s.listenRfkill)
	}
	logger.Info("Bluetooth service started",
		zap.String("state", string(initial.State)),
		zap.Int("devices", len(initial.Devices)))
	return s
}

// Factory builds the service for the registry.
func Factory(ctx context.Context, sc *registry.Context) (registry.Service, error) {
	conn, err := sc.Buses.Open(bus.System)
	if err != nil {
		return nil, err
	}
	logger := sc.Logger.Named("bluetooth")
	opts := Options{
		Clock:            sc.Clock,
		Window:           sc.Config.Debounce.D(),
		DiscoveryTimeout: sc.Config.Bluetooth.DiscoveryTimeout.D(),
		CommandTimeout:   sc.Config.CommandTimeout.D(),
	}
	if w, err := filewatch.New(sc.Config.Bluetooth.RfkillPath, logger); err != nil {
		logger.Warn("rfkill changes will not be watched", zap.Error(err))
	} else {
		opts.Rfkill = w
	}
	return New(ctx, NewBusSource(conn, sc.Executor, logger), opts, sc.Logger), nil
}

func (s *Service) ID() registry.ServiceID { return registry.Bluetooth }

func (s *Service) listenBlueZ(ctx context.Context) error {
	changes, err := s.source.Changes(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to BlueZ: %w", err)
	}
	cancelled := debounce.Run(ctx, s.opts.Clock, s.opts.Window, changes, nil, func(batch debounce.Batch[struct{}]) {
		s.Logger().Debug("BlueZ changed", zap.Int("signals", len(batch.Events)))
		s.refetchLogged(ctx)
	})
	if cancelled {
		return nil
	}
	return errConnectionLost
}

func (s *Service) listenRfkill(ctx context.Context) error {
	return s.opts.Rfkill.Run(ctx, s.opts.Clock, s.opts.Window, func() {
		s.Logger().Debug("rfkill state changed")
		s.refetchLogged(ctx)
	})
}

func (s *Service) refetch(ctx context.Context) error {
	return snapshot.Refetch(ctx, s.Cell(), s.source.Fetch, snapshot.Replace[Data])
}

func (s *Service) refetchLogged(ctx context.Context) {
	if err := s.refetch(ctx); err != nil {
		s.Logger().Warn("Failed to refetch bluetooth state", zap.Error(err))
	}
}

// armDiscoveryStop schedules the automatic StopDiscovery, replacing any
// earlier schedule.
func (s *Service) armDiscoveryStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.discoveryStop != nil {
		s.discoveryStop.Stop()
	}
	s.discoveryStop = s.opts.Clock.AfterFunc(s.opts.DiscoveryTimeout, func() {
		s.Logger().Debug("Discovery timeout reached")
		if err := s.Dispatch(context.Background(), StopDiscovery{}); err != nil {
			s.Logger().Warn("Failed to stop discovery", zap.Error(err))
		}
	})
}

func (s *Service) disarmDiscoveryStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.discoveryStop != nil {
		s.discoveryStop.Stop()
		s.discoveryStop = nil
	}
}

func devicePath(path string) (string, error) {
	if !dbus.ObjectPath(path).IsValid() {
		return "", fmt.Errorf("%w: invalid device path %q", command.ErrInvalidArgs, path)
	}
	return path, nil
}

// Dispatch performs cmd against the current adapter state and refetches.
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

func (s *Service) perform(ctx context.Context, cmd Command) error {
	switch c := cmd.(type) {
	case Toggle:
		current, err := s.source.Fetch(ctx)
		if err != nil {
			return err
		}
		switch current.State {
		case StateActive:
			s.Logger().Debug("Turning bluetooth off")
			return s.source.SetPowered(ctx, false)
		case StateInactive:
			s.Logger().Debug("Turning bluetooth on")
			return s.source.SetPowered(ctx, true)
		default:
			return ErrNoAdapter
		}
	case StartDiscovery:
		if err := s.source.StartDiscovery(ctx); err != nil {
			return err
		}
		s.armDiscoveryStop()
		return nil
	case StopDiscovery:
		s.disarmDiscoveryStop()
		return s.source.StopDiscovery(ctx)
	case Pair:
		return s.deviceCall(ctx, c.Path, "Pair")
	case Connect:
		return s.deviceCall(ctx, c.Path, "Connect")
	case Disconnect:
		return s.deviceCall(ctx, c.Path, "Disconnect")
	case Remove:
		path, err := devicePath(c.Path)
		if err != nil {
			return err
		}
		return s.source.RemoveDevice(ctx, path)
	default:
		return fmt.Errorf("unsupported command %T", cmd)
	}
}

func (s *Service) deviceCall(ctx context.Context, path, method string) error {
	path, err := devicePath(path)
	if err != nil {
		return err
	}
	s.Logger().Debug("Device call", zap.String("path", path), zap.String("method", method))
	return s.source.DeviceCall(ctx, path, method)
}

func (s *Service) Commands() []string { return Commands.Names() }

func (s *Service) Command(ctx context.Context, name string, args map[string]any) error {
	cmd, err := Commands.Decode(name, args)
	if err != nil {
		return err
	}
	return s.Dispatch(ctx, cmd)
}

// Close cancels a pending discovery stop and the listeners.
func (s *Service) Close() error {
	s.disarmDiscoveryStop()
	return s.Base.Close()
}
