package mpris

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"shellstate/internal/bus"
	"shellstate/internal/clock"
	"shellstate/internal/command"
	"shellstate/internal/debounce"
	"shellstate/internal/registry"
	"shellstate/internal/service"
	"shellstate/internal/snapshot"
)

// Event is one raw notification. Topology events mean the set of players
// may have changed.
type Event struct {
	Service  string
	Topology bool
}

// Watch is a live subscription. C closes when the bus connection is lost.
type Watch interface {
	C() <-chan Event
	Close() error
}

// Source is the service's view of the session bus.
type Source interface {
	Fetch(ctx context.Context) (Data, error)
	// Watch subscribes to owner changes of any player and to property
	// changes of the listed players.
	Watch(ctx context.Context, services []string) (Watch, error)
	Call(ctx context.Context, service, method string) error
	SetVolume(ctx context.Context, service string, volume float64) error
}

// Actions accepted by the Player command.
const (
	ActionPrev      = "prev"
	ActionPlayPause = "play_pause"
	ActionNext      = "next"
)

var actionMethods = map[string]string{
	ActionPrev:      "Previous",
	ActionPlayPause: "PlayPause",
	ActionNext:      "Next",
}

// Command is one of the mpris commands below.
type Command interface {
	isCommand()
}

// PlayerAction sends a transport action to one player.
type PlayerAction struct {
	Service string `mapstructure:"service"`
	Action  string `mapstructure:"action"`
}

// Volume sets one player's volume as a percentage.
type Volume struct {
	Service string  `mapstructure:"service"`
	Percent float64 `mapstructure:"percent"`
}

func (PlayerAction) isCommand() {}
func (Volume) isCommand()       {}

func decode[T Command](args map[string]any) (Command, error) {
	c, err := command.Decode[T](args)
	return c, err
}

// Commands decodes transport command names.
var Commands = command.Table[Command]{
	"player": decode[PlayerAction],
	"volume": decode[Volume],
}

// errConnectionLost ends the listener when the bus drops the watch.
var errConnectionLost = errors.New("bus connection lost")

// Service owns the mpris snapshot.
type Service struct {
	*service.Base[Data]
	source Source
	clk    clock.Clock
	window time.Duration
}

// New fetches the players and starts the listener. If the session bus
// cannot be queried the service is Unavailable.
func New(ctx context.Context, source Source, clk clock.Clock, window time.Duration, logger *zap.Logger, timeout time.Duration) *Service {
	logger = logger.Named("mpris")
	initial, err := source.Fetch(ctx)
	s := &Service{
		Base:   service.NewBase(ctx, "mpris", initial, logger, timeout),
		source: source,
		clk:    clk,
		window: window,
	}
	if err != nil {
		logger.Warn("MPRIS unavailable", zap.Error(err))
		s.SetUnavailable(err.Error())
		return s
	}
	s.Listen("players", s.listen)
	logger.Info("MPRIS service started", zap.Int("players", len(initial.Players)))
	return s
}

// Factory builds the service for the registry.
func Factory(ctx context.Context, sc *registry.Context) (registry.Service, error) {
	conn, err := sc.Buses.Open(bus.Session)
	if err != nil {
		return nil, err
	}
	source := NewBusSource(conn, sc.Logger.Named("mpris"))
	return New(ctx, source, sc.Clock, sc.Config.Debounce.D(), sc.Logger, sc.Config.CommandTimeout.D()), nil
}

func (s *Service) ID() registry.ServiceID { return registry.MPRIS }

func isTopology(ev Event) bool { return ev.Topology }

func (s *Service) services() []string {
	services := make([]string, 0)
	for _, p := range s.Get().Players {
		services = append(services, p.Service)
	}
	return services
}

// listen refetches once per burst. After each refetch it subscribes to the
// new player set; the previous subscription stays installed until then,
// and anything it caught in the meantime starts the next burst.
func (s *Service) listen(ctx context.Context) error {
	services := s.services()
	w, err := s.source.Watch(ctx, services)
	if err != nil {
		return fmt.Errorf("failed to subscribe to players: %w", err)
	}
	defer func() { w.Close() }()

	var carried *Event
	for {
		first := carried
		if first == nil {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-w.C():
				if !ok {
					return errConnectionLost
				}
				first = &ev
			}
		}
		batch := debounce.Collect(ctx, s.clk, s.window, *first, w.C(), isTopology)
		if ctx.Err() != nil {
			return nil
		}

		s.Logger().Debug("Player change burst",
			zap.Int("events", len(batch.Events)),
			zap.Bool("topology", batch.Topology))
		if err := s.refetch(ctx); err != nil {
			s.Logger().Warn("Failed to refetch players", zap.Error(err))
		}
		if batch.Closed {
			return errConnectionLost
		}

		fresh := s.services()
		next, err := s.source.Watch(ctx, fresh)
		if err != nil {
			return fmt.Errorf("failed to subscribe to players: %w", err)
		}
		carried = pending(w)
		if carried == nil && added(services, fresh) {
			// A new player may have changed before its subscription existed.
			carried = &Event{Topology: true}
		}
		w.Close()
		w, services = next, fresh
	}
}

// pending returns the first event queued on w, if any.
func pending(w Watch) *Event {
	select {
	case ev, ok := <-w.C():
		if ok {
			return &ev
		}
	default:
	}
	return nil
}

func added(before, after []string) bool {
	for _, s := range after {
		if !slices.Contains(before, s) {
			return true
		}
	}
	return false
}

func (s *Service) refetch(ctx context.Context) error {
	return snapshot.Refetch(ctx, s.Cell(), s.source.Fetch, snapshot.Replace[Data])
}

// Dispatch performs cmd and then refetches.
func (s *Service) Dispatch(ctx context.Context, cmd Command) error {
	if !s.Available() {
		return command.ErrUnavailable
	}
	return s.Do(ctx, func(ctx context.Context) error {
		switch c := cmd.(type) {
		case PlayerAction:
			method, ok := actionMethods[c.Action]
			if !ok {
				return fmt.Errorf("%w: unknown player action %q", command.ErrInvalidArgs, c.Action)
			}
			if err := s.source.Call(ctx, c.Service, method); err != nil {
				return fmt.Errorf("failed to send %s to %s: %w", c.Action, c.Service, err)
			}
		case Volume:
			v := min(max(c.Percent, 0), 100) / 100
			if err := s.source.SetVolume(ctx, c.Service, v); err != nil {
				return fmt.Errorf("failed to set volume of %s: %w", c.Service, err)
			}
		default:
			return fmt.Errorf("unsupported command %T", cmd)
		}
		return s.refetch(ctx)
	})
}

func (s *Service) Commands() []string { return Commands.Names() }

func (s *Service) Command(ctx context.Context, name string, args map[string]any) error {
	cmd, err := Commands.Decode(name, args)
	if err != nil {
		return err
	}
	return s.Dispatch(ctx, cmd)
}
