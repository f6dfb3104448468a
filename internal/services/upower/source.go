package upower

import (
	"context"
	"time"

	"github.com/godbus/dbus/v5"

	"shellstate/internal/bus"
)

// Object identifies which bus object a property change came from.
type Object int

const (
	DisplayDevice Object = iota
	Manager
	Profiles
)

// Change is one PropertiesChanged signal.
type Change struct {
	Object Object
	Props  map[string]dbus.Variant
}

// Source is the service's view of the bus.
type Source interface {
	// Fetch reads the complete state.
	Fetch(ctx context.Context) (Data, error)

	// Changes streams property changes. The channel closes when the
	// connection is lost or ctx ends.
	Changes(ctx context.Context) (<-chan Change, error)

	// SetProfile asks power-profiles-daemon to switch profiles.
	SetProfile(ctx context.Context, p PowerProfile) error
}

// apply patches d with one change. Battery fields are dropped when there
// is no battery; the next Refresh picks a newly present one up. It reports
// whether anything changed.
func apply(d *Data, ch Change) bool {
	changed := false
	switch ch.Object {
	case DisplayDevice:
		if d.Battery == nil {
			return false
		}
		for key, v := range ch.Props {
			if patchBattery(d.Battery, key, v) {
				changed = true
			}
		}
	case Manager:
		if v, ok := bus.Value[bool](ch.Props, "OnBattery"); ok && v != d.OnBattery {
			d.OnBattery = v
			changed = true
		}
		if v, ok := bus.Value[bool](ch.Props, "LidIsClosed"); ok && d.LidClosed != nil && v != *d.LidClosed {
			d.LidClosed = &v
			changed = true
		}
	case Profiles:
		if v, ok := bus.Value[string](ch.Props, "ActiveProfile"); ok {
			if p := ParseProfile(v); p != d.PowerProfile {
				d.PowerProfile = p
				changed = true
			}
		}
	}
	return changed
}

func patchBattery(b *Battery, key string, v dbus.Variant) bool {
	before := *b
	switch key {
	case "Percentage":
		if f, ok := bus.As[float64](v); ok {
			b.Percentage = int(f)
		}
	case "State":
		if u, ok := bus.As[uint32](v); ok {
			b.State = BatteryState(u)
		}
	case "TimeToEmpty":
		if s, ok := bus.As[int64](v); ok {
			b.TimeToEmpty = seconds(s)
		}
	case "TimeToFull":
		if s, ok := bus.As[int64](v); ok {
			b.TimeToFull = seconds(s)
		}
	case "Capacity":
		if f, ok := bus.As[float64](v); ok {
			b.Capacity = positive(f)
		}
	case "Temperature":
		if f, ok := bus.As[float64](v); ok {
			b.Temperature = positive(f)
		}
	case "EnergyRate":
		if f, ok := bus.As[float64](v); ok {
			b.EnergyRate = f
		}
	case "WarningLevel":
		if u, ok := bus.As[uint32](v); ok {
			b.WarningLevel = WarningLevel(u)
		}
	case "BatteryLevel":
		if u, ok := bus.As[uint32](v); ok {
			b.BatteryLevel = BatteryLevel(u)
		}
	case "IconName":
		if s, ok := bus.As[string](v); ok {
			b.IconName = s
		}
	}
	return *b != before
}

func seconds(s int64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s) * time.Second
}

func positive(f float64) float64 {
	if f <= 0 {
		return 0
	}
	return f
}
