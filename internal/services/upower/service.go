package upower

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"shellstate/internal/bus"
	"shellstate/internal/command"
	"shellstate/internal/registry"
	"shellstate/internal/service"
	"shellstate/internal/snapshot"
)

// Command is one of the upower commands below.
type Command interface {
	isCommand()
}

// SetPowerProfile switches to Profile.
type SetPowerProfile struct {
	Profile string `mapstructure:"profile"`
}

// CyclePowerProfile moves to the next profile in the cycle.
type CyclePowerProfile struct{}

// Refresh replaces the snapshot with a full fetch.
type Refresh struct{}

func (SetPowerProfile) isCommand()   {}
func (CyclePowerProfile) isCommand() {}
func (Refresh) isCommand()           {}

func decode[T Command](args map[string]any) (Command, error) {
	c, err := command.Decode[T](args)
	return c, err
}

// Commands decodes transport command names.
var Commands = command.Table[Command]{
	"set_power_profile":   decode[SetPowerProfile],
	"cycle_power_profile": decode[CyclePowerProfile],
	"refresh":             decode[Refresh],
}

// Service owns the upower snapshot.
type Service struct {
	*service.Base[Data]
	source Source
}

// New fetches the initial state and starts the property listener. If
// UPower cannot be reached the service reports Unavailable with default
// data.
func New(ctx context.Context, source Source, logger *zap.Logger, timeout time.Duration) *Service {
	logger = logger.Named("upower")

	initial, err := source.Fetch(ctx)
	if err != nil {
		logger.Warn("UPower unavailable", zap.Error(err))
		s := &Service{Base: service.NewBase(ctx, "upower", Default(), logger, timeout), source: source}
		s.SetUnavailable(err.Error())
		return s
	}

	s := &Service{Base: service.NewBase(ctx, "upower", initial, logger, timeout), source: source}
	s.Listen("properties", s.listen)
	logger.Info("UPower service started",
		zap.Bool("battery", initial.Battery != nil),
		zap.String("profile", string(initial.PowerProfile)))
	return s
}

// Factory builds the service for the registry.
func Factory(ctx context.Context, sc *registry.Context) (registry.Service, error) {
	conn, err := sc.Buses.Open(bus.System)
	if err != nil {
		return nil, err
	}
	source := NewBusSource(conn, sc.Logger.Named("upower"))
	return New(ctx, source, sc.Logger, sc.Config.CommandTimeout.D()), nil
}

func (s *Service) ID() registry.ServiceID { return registry.UPower }

func (s *Service) listen(ctx context.Context) error {
	changes, err := s.source.Changes(ctx)
	if err != nil {
		return err
	}
	for ch := range changes {
		s.Cell().Update(func(d *Data) bool {
			return apply(d, ch)
		})
	}
	return nil
}

// Dispatch performs cmd.
func (s *Service) Dispatch(ctx context.Context, cmd Command) error {
	if !s.Available() {
		return command.ErrUnavailable
	}
	return s.Do(ctx, func(ctx context.Context) error {
		switch c := cmd.(type) {
		case SetPowerProfile:
			p := ParseProfile(c.Profile)
			if p == ProfileUnknown {
				return fmt.Errorf("%w: unknown power profile %q", command.ErrInvalidArgs, c.Profile)
			}
			return s.setProfile(ctx, p)
		case CyclePowerProfile:
			return s.setProfile(ctx, s.Get().PowerProfile.Next())
		case Refresh:
			return s.refresh(ctx)
		default:
			return fmt.Errorf("unsupported command %T", cmd)
		}
	})
}

func (s *Service) setProfile(ctx context.Context, p PowerProfile) error {
	if !s.Get().PowerProfilesAvailable {
		return fmt.Errorf("%w: power-profiles-daemon is not running", command.ErrUnavailable)
	}
	if err := s.source.SetProfile(ctx, p); err != nil {
		return fmt.Errorf("failed to set power profile: %w", err)
	}
	s.Logger().Debug("Set power profile", zap.String("profile", string(p)))
	return s.refresh(ctx)
}

func (s *Service) refresh(ctx context.Context) error {
	if err := snapshot.Refetch(ctx, s.Cell(), s.source.Fetch, snapshot.Replace[Data]); err != nil {
		return fmt.Errorf("failed to refresh upower state: %w", err)
	}
	return nil
}

func (s *Service) Commands() []string { return Commands.Names() }

func (s *Service) Command(ctx context.Context, name string, args map[string]any) error {
	cmd, err := Commands.Decode(name, args)
	if err != nil {
		return err
	}
	return s.Dispatch(ctx, cmd)
}

