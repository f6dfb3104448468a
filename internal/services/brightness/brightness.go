// Package brightness tracks the first backlight device. Changes are
// announced by kernel uevents and read back from sysfs; writes go through
// logind so no root access is needed.
package brightness

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"shellstate/internal/bus"
	"shellstate/internal/command"
	"shellstate/internal/devmon"
	"shellstate/internal/registry"
	"shellstate/internal/service"
)

// ErrNoDevice is returned when the backlight class has no devices.
var ErrNoDevice = errors.New("no backlight device found")

// Data is the brightness snapshot.
type Data struct {
	Current uint32 `json:"current"`
	Max     uint32 `json:"max"`
}

// Percentage is Current as a rounded percentage of Max.
func (d Data) Percentage() int {
	if d.Max == 0 {
		return 0
	}
	return int(math.Round(float64(d.Current) / float64(d.Max) * 100))
}

// FindDevice returns the sysfs directory of the first backlight device
// under root, in name order.
func FindDevice(root string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoDevice
		}
		return "", fmt.Errorf("failed to list backlight devices: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if len(names) == 0 {
		return "", ErrNoDevice
	}
	sort.Strings(names)
	return filepath.Join(root, names[0]), nil
}

// Read reads the current and maximum brightness of the device at dir.
func Read(dir string) (Data, error) {
	maxValue, err := readUint(filepath.Join(dir, "max_brightness"))
	if err != nil {
		return Data{}, err
	}
	current, err := readUint(filepath.Join(dir, "actual_brightness"))
	if err != nil {
		return Data{}, err
	}
	return Data{Current: current, Max: maxValue}, nil
}

func readUint(path string) (uint32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return uint32(v), nil
}

// Events reports that the device may have changed.
type Events interface {
	// Run calls fn for every change until ctx ends or the source fails.
	Run(ctx context.Context, fn func()) error
}

// Setter writes the brightness.
type Setter interface {
	SetBrightness(ctx context.Context, subsystem, name string, value uint32) error
}

// UeventSource reports change uevents for the backlight subsystem.
type UeventSource struct {
	logger *zap.Logger
}

func (u UeventSource) Run(ctx context.Context, fn func()) error {
	mon, err := devmon.ListenUevents("backlight")
	if err != nil {
		return err
	}
	return mon.Run(ctx, func(ev devmon.Uevent) error {
		switch ev.Action {
		case "change", "overflow":
			u.logger.Debug("Backlight uevent", zap.String("action", ev.Action), zap.String("device", ev.Name()))
			fn()
		}
		return nil
	})
}

// Logind sets the brightness through the session object.
type Logind struct {
	conn *dbus.Conn
}

const (
	logindName       = "org.freedesktop.login1"
	logindSession    = dbus.ObjectPath("/org/freedesktop/login1/session/auto")
	sessionInterface = "org.freedesktop.login1.Session"
)

func NewLogind(conn *dbus.Conn) *Logind {
	return &Logind{conn: conn}
}

func (l *Logind) SetBrightness(ctx context.Context, subsystem, name string, value uint32) error {
	return bus.Call(ctx, l.conn.Object(logindName, logindSession), sessionInterface+".SetBrightness", subsystem, name, value)
}

// Command is one of the brightness commands below.
type Command interface {
	isCommand()
}

// Set sets an absolute value, clamped to Max.
type Set struct {
	Value int64 `mapstructure:"value"`
}

// SetPercent sets a percentage of Max.
type SetPercent struct {
	Percent int `mapstructure:"percent"`
}

// Increase raises the brightness by Percent of Max.
type Increase struct {
	Percent int `mapstructure:"percent"`
}

// Decrease lowers the brightness by Percent of Max, never below 1.
type Decrease struct {
	Percent int `mapstructure:"percent"`
}

func (Set) isCommand()        {}
func (SetPercent) isCommand() {}
func (Increase) isCommand()   {}
func (Decrease) isCommand()   {}

// Validate rejects arguments that cannot describe a brightness.
func Validate(cmd Command) error {
	percent := func(p int) error {
		if p < 0 || p > 100 {
			return fmt.Errorf("%w: percent %d is outside 0..100", command.ErrInvalidArgs, p)
		}
		return nil
	}
	switch c := cmd.(type) {
	case Set:
		if c.Value < 0 || c.Value > math.MaxUint32 {
			return fmt.Errorf("%w: value %d is out of range", command.ErrInvalidArgs, c.Value)
		}
	case SetPercent:
		return percent(c.Percent)
	case Increase:
		return percent(c.Percent)
	case Decrease:
		return percent(c.Percent)
	}
	return nil
}

func decode[T Command](args map[string]any) (Command, error) {
	c, err := command.Decode[T](args)
	if err != nil {
		return nil, err
	}
	if err := Validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Commands decodes transport command names.
var Commands = command.Table[Command]{
	"set":         decode[Set],
	"set_percent": decode[SetPercent],
	"increase":    decode[Increase],
	"decrease":    decode[Decrease],
}

// Target computes the value cmd asks for given the current data. cmd must
// have passed Validate.
func Target(d Data, cmd Command) uint32 {
	step := func(p int) uint32 {
		return uint32(math.Round(float64(p) / 100 * float64(d.Max)))
	}
	switch c := cmd.(type) {
	case Set:
		return min(uint32(c.Value), d.Max)
	case SetPercent:
		return step(c.Percent)
	case Increase:
		return min(d.Current+step(c.Percent), d.Max)
	case Decrease:
		delta := step(c.Percent)
		if delta >= d.Current {
			return 1
		}
		return max(d.Current-delta, 1)
	default:
		return d.Current
	}
}

// Service owns the brightness snapshot.
type Service struct {
	*service.Base[Data]
	dir    string
	setter Setter
}

// New reads the device at dir and starts listening to events. A missing
// device leaves the service Unavailable with no listener.
func New(ctx context.Context, dir string, events Events, setter Setter, logger *zap.Logger, timeout time.Duration) *Service {
	logger = logger.Named("brightness")

	var initial Data
	var readErr error
	if dir == "" {
		readErr = ErrNoDevice
	} else {
		initial, readErr = Read(dir)
	}

	s := &Service{
		Base:   service.NewBase(ctx, "brightness", initial, logger, timeout),
		dir:    dir,
		setter: setter,
	}
	if readErr != nil {
		logger.Warn("Backlight unavailable", zap.Error(readErr))
		s.SetUnavailable(readErr.Error())
		return s
	}

	s.Listen("uevents", func(ctx context.Context) error {
		return events.Run(ctx, s.reread)
	})
	logger.Info("Brightness service started",
		zap.String("device", filepath.Base(dir)),
		zap.Uint32("current", initial.Current),
		zap.Uint32("max", initial.Max))
	return s
}

// Factory builds the service for the registry.
func Factory(ctx context.Context, sc *registry.Context) (registry.Service, error) {
	dir, err := FindDevice(sc.Config.Brightness.SysfsRoot)
	if err != nil && !errors.Is(err, ErrNoDevice) {
		return nil, err
	}
	var setter Setter
	if dir != "" {
		conn, err := sc.Buses.Open(bus.System)
		if err != nil {
			return nil, err
		}
		setter = NewLogind(conn)
	}
	events := UeventSource{logger: sc.Logger.Named("brightness")}
	return New(ctx, dir, events, setter, sc.Logger, sc.Config.CommandTimeout.D()), nil
}

func (s *Service) ID() registry.ServiceID { return registry.Brightness }

func (s *Service) reread() {
	fresh, err := Read(s.dir)
	if err != nil {
		s.Logger().Warn("Failed to read brightness", zap.Error(err))
		return
	}
	if s.Cell().Update(func(d *Data) bool {
		if d.Current == fresh.Current {
			return false
		}
		d.Current = fresh.Current
		return true
	}) {
		s.Logger().Debug("Brightness changed", zap.Uint32("current", fresh.Current))
	}
}

// Dispatch applies cmd optimistically and then asks logind to write it.
// Later uevents correct any drift.
func (s *Service) Dispatch(ctx context.Context, cmd Command) error {
	if !s.Available() {
		return command.ErrUnavailable
	}
	if err := Validate(cmd); err != nil {
		return err
	}
	current := s.Get()
	value := Target(current, cmd)
	if value == current.Current {
		return nil
	}

	s.Cell().Mutate(func(d *Data) { d.Current = value })
	name := filepath.Base(s.dir)
	return s.Do(ctx, func(ctx context.Context) error {
		if err := s.setter.SetBrightness(ctx, "backlight", name, value); err != nil {
			return fmt.Errorf("failed to set brightness: %w", err)
		}
		return nil
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
