package network

import (
	"context"

	"github.com/godbus/dbus/v5"

	"shellstate/internal/bus"
)

// Object identifies which kind of NetworkManager object a change came from.
type Object int

const (
	Manager Object = iota
	Device
	Wireless
	AccessPointObject
)

// Change is one PropertiesChanged signal.
type Change struct {
	Object Object
	Path   string
	Props  map[string]dbus.Variant
}

// Source is the service's view of NetworkManager.
type Source interface {
	// Fetch reads the complete state.
	Fetch(ctx context.Context) (Data, error)

	// Changes streams property changes. The channel closes when the
	// connection is lost or ctx ends.
	Changes(ctx context.Context) (<-chan Change, error)

	SetWirelessEnabled(ctx context.Context, on bool) error
	RequestScan(ctx context.Context) error
	// Activate brings up a saved profile for ap on device.
	Activate(ctx context.Context, device, ap string) error
	// AddAndActivate creates a profile for ap and brings it up. An empty
	// password creates an open network profile.
	AddAndActivate(ctx context.Context, device, ap, password string) error
	Deactivate(ctx context.Context, active string) error
}

// apply patches d with one change. Changes to the set of connections or
// access points cannot be patched from the signal alone; apply reports
// them through refetch.
func apply(d *Data, ch Change) (changed, refetch bool) {
	switch ch.Object {
	case Manager:
		if v, ok := bus.Value[bool](ch.Props, "WirelessEnabled"); ok && v != d.WifiEnabled {
			d.WifiEnabled = v
			changed = true
		}
		if v, ok := bus.Value[uint32](ch.Props, "Connectivity"); ok {
			if c := ParseConnectivity(v); c != d.Connectivity {
				d.Connectivity = c
				changed = true
			}
		}
		_, refetch = ch.Props["ActiveConnections"]
	case Device:
		if v, ok := bus.Value[uint32](ch.Props, "State"); ok {
			state := ParseDeviceState(v)
			for i := range d.AccessPoints {
				if d.AccessPoints[i].DevicePath == ch.Path && d.AccessPoints[i].State != state {
					d.AccessPoints[i].State = state
					changed = true
				}
			}
		}
	case Wireless:
		_, aps := ch.Props["AccessPoints"]
		_, active := ch.Props["ActiveAccessPoint"]
		refetch = aps || active
	case AccessPointObject:
		v, ok := bus.Value[byte](ch.Props, "Strength")
		if !ok {
			return false, false
		}
		for i := range d.AccessPoints {
			if d.AccessPoints[i].Path == ch.Path && d.AccessPoints[i].Strength != v {
				d.AccessPoints[i].Strength = v
				changed = true
			}
		}
		for i := range d.ActiveConnections {
			if d.ActiveConnections[i].AccessPoint == ch.Path && d.ActiveConnections[i].Strength != v {
				d.ActiveConnections[i].Strength = v
				changed = true
			}
		}
		if changed {
			d.Sort()
		}
	}
	return changed, refetch
}
