package upower

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"shellstate/internal/bus"
)

const (
	upowerName      = "org.freedesktop.UPower"
	upowerPath      = dbus.ObjectPath("/org/freedesktop/UPower")
	deviceInterface = "org.freedesktop.UPower.Device"

	profilesName = "net.hadess.PowerProfiles"
	profilesPath = dbus.ObjectPath("/net/hadess/PowerProfiles")
)

// BusSource reads UPower and power-profiles-daemon over the system bus.
type BusSource struct {
	conn   *dbus.Conn
	logger *zap.Logger
}

func NewBusSource(conn *dbus.Conn, logger *zap.Logger) *BusSource {
	return &BusSource{conn: conn, logger: logger}
}

func (s *BusSource) displayDevice(ctx context.Context) (dbus.ObjectPath, error) {
	var path dbus.ObjectPath
	obj := s.conn.Object(upowerName, upowerPath)
	if err := obj.CallWithContext(ctx, upowerName+".GetDisplayDevice", 0).Store(&path); err != nil {
		return "", fmt.Errorf("failed to get display device: %w", err)
	}
	return path, nil
}

func (s *BusSource) Fetch(ctx context.Context) (Data, error) {
	d := Default()

	manager, err := bus.GetAll(ctx, s.conn.Object(upowerName, upowerPath), upowerName)
	if err != nil {
		return d, err
	}
	d.OnBattery, _ = bus.Value[bool](manager, "OnBattery")
	if present, _ := bus.Value[bool](manager, "LidIsPresent"); present {
		closed, _ := bus.Value[bool](manager, "LidIsClosed")
		d.LidClosed = &closed
	}

	path, err := s.displayDevice(ctx)
	if err != nil {
		return d, err
	}
	props, err := bus.GetAll(ctx, s.conn.Object(upowerName, path), deviceInterface)
	if err != nil {
		return d, err
	}
	if present, _ := bus.Value[bool](props, "IsPresent"); present {
		b := &Battery{}
		for key, v := range props {
			patchBattery(b, key, v)
		}
		d.Battery = b
	}

	profile, err := bus.Get(ctx, s.conn.Object(profilesName, profilesPath), profilesName, "ActiveProfile")
	if err != nil {
		s.logger.Debug("Power profiles unavailable", zap.Error(err))
		return d, nil
	}
	if name, ok := bus.As[string](profile); ok {
		d.PowerProfile = ParseProfile(name)
		d.PowerProfilesAvailable = true
	}
	return d, nil
}

func (s *BusSource) Changes(ctx context.Context) (<-chan Change, error) {
	path, err := s.displayDevice(ctx)
	if err != nil {
		return nil, err
	}
	w, err := bus.Subscribe(s.conn,
		bus.PropertiesChangedMatch(upowerName, path, deviceInterface),
		bus.PropertiesChangedMatch(upowerName, upowerPath, upowerName),
		bus.PropertiesChangedMatch(profilesName, profilesPath, profilesName),
	)
	if err != nil {
		return nil, err
	}

	out := make(chan Change)
	go func() {
		defer close(out)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-w.C():
				if !ok {
					return
				}
				pc, ok := bus.ParsePropertiesChanged(sig)
				if !ok {
					continue
				}
				ch := Change{Props: pc.Changed}
				switch pc.Interface {
				case deviceInterface:
					ch.Object = DisplayDevice
				case upowerName:
					ch.Object = Manager
				case profilesName:
					ch.Object = Profiles
				default:
					continue
				}
				select {
				case out <- ch:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *BusSource) SetProfile(ctx context.Context, p PowerProfile) error {
	return bus.Set(ctx, s.conn.Object(profilesName, profilesPath), profilesName, "ActiveProfile", string(p))
}
