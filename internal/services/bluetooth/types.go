// Package bluetooth tracks the BlueZ adapter and its known devices.
package bluetooth

import (
	"slices"
	"sort"

	"github.com/godbus/dbus/v5"

	"shellstate/internal/bus"
)

// State is the adapter state as the shell shows it. Inactive covers both
// a powered-off adapter and an rfkill soft block.
type State string

const (
	StateUnavailable State = "unavailable"
	StateActive      State = "active"
	StateInactive    State = "inactive"
)

// Device is one known device.
type Device struct {
	Name string `json:"name"`
	// Battery is only reported for connected devices.
	Battery   *uint8 `json:"battery,omitempty"`
	Path      string `json:"path"`
	Connected bool   `json:"connected"`
	Paired    bool   `json:"paired"`
}

// Data is the bluetooth snapshot. Devices are ordered by object path.
type Data struct {
	State       State    `json:"state"`
	Devices     []Device `json:"devices"`
	Discovering bool     `json:"discovering"`
}

func (d Data) Clone() Data {
	out := d
	out.Devices = slices.Clone(d.Devices)
	for i, dev := range out.Devices {
		if dev.Battery != nil {
			b := *dev.Battery
			out.Devices[i].Battery = &b
		}
	}
	return out
}

// Default is the snapshot when BlueZ is not reachable.
func Default() Data {
	return Data{State: StateUnavailable, Devices: []Device{}}
}

// Objects is the reply of ObjectManager.GetManagedObjects.
type Objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// adapterPath returns the first adapter by path.
func (o Objects) adapterPath() (dbus.ObjectPath, bool) {
	for _, path := range o.sortedPaths() {
		if _, ok := o[path][adapterInterface]; ok {
			return path, true
		}
	}
	return "", false
}

func (o Objects) sortedPaths() []dbus.ObjectPath {
	paths := make([]dbus.ObjectPath, 0, len(o))
	for path := range o {
		paths = append(paths, path)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })
	return paths
}

// FromObjects builds the snapshot from a managed object tree. A soft
// block reported by rfkill turns a powered adapter into Inactive.
func FromObjects(objects Objects, softBlocked bool) Data {
	d := Default()

	if path, ok := objects.adapterPath(); ok {
		adapter := objects[path][adapterInterface]
		powered, _ := bus.Value[bool](adapter, "Powered")
		d.Discovering, _ = bus.Value[bool](adapter, "Discovering")
		if powered && !softBlocked {
			d.State = StateActive
		} else {
			d.State = StateInactive
		}
	}

	for _, path := range objects.sortedPaths() {
		props, ok := objects[path][deviceInterface]
		if !ok {
			continue
		}
		dev := Device{Path: string(path)}
		dev.Name, _ = bus.Value[string](props, "Alias")
		if dev.Name == "" {
			dev.Name, _ = bus.Value[string](props, "Address")
		}
		dev.Connected, _ = bus.Value[bool](props, "Connected")
		dev.Paired, _ = bus.Value[bool](props, "Paired")
		if battery, ok := objects[path][batteryInterface]; ok && dev.Connected {
			if pct, ok := bus.Value[byte](battery, "Percentage"); ok {
				dev.Battery = &pct
			}
		}
		d.Devices = append(d.Devices, dev)
	}
	return d
}
