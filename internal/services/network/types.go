// Package network tracks NetworkManager: the wireless switch, active
// connections, visible access points and overall connectivity.
package network

import (
	"cmp"
	"slices"
)

// DeviceType is a NetworkManager device type.
type DeviceType string

const (
	DeviceEthernet  DeviceType = "ethernet"
	DeviceWifi      DeviceType = "wifi"
	DeviceBluetooth DeviceType = "bluetooth"
	DeviceGeneric   DeviceType = "generic"
	DeviceTunTap    DeviceType = "tun"
	DeviceWireGuard DeviceType = "wireguard"
	DeviceOther     DeviceType = "other"
	DeviceUnknown   DeviceType = "unknown"
)

// ParseDeviceType maps NM_DEVICE_TYPE values.
func ParseDeviceType(v uint32) DeviceType {
	switch v {
	case 1:
		return DeviceEthernet
	case 2:
		return DeviceWifi
	case 5:
		return DeviceBluetooth
	case 14:
		return DeviceGeneric
	case 16:
		return DeviceTunTap
	case 29:
		return DeviceWireGuard
	}
	if v >= 3 && v <= 32 {
		return DeviceOther
	}
	return DeviceUnknown
}

// DeviceState is a NetworkManager device state.
type DeviceState string

const (
	StateUnmanaged    DeviceState = "unmanaged"
	StateUnavailable  DeviceState = "unavailable"
	StateDisconnected DeviceState = "disconnected"
	StatePrepare      DeviceState = "prepare"
	StateConfig       DeviceState = "config"
	StateNeedAuth     DeviceState = "need-auth"
	StateIPConfig     DeviceState = "ip-config"
	StateIPCheck      DeviceState = "ip-check"
	StateSecondaries  DeviceState = "secondaries"
	StateActivated    DeviceState = "activated"
	StateDeactivating DeviceState = "deactivating"
	StateFailed       DeviceState = "failed"
	StateUnknown      DeviceState = "unknown"
)

var deviceStates = map[uint32]DeviceState{
	10:  StateUnmanaged,
	20:  StateUnavailable,
	30:  StateDisconnected,
	40:  StatePrepare,
	50:  StateConfig,
	60:  StateNeedAuth,
	70:  StateIPConfig,
	80:  StateIPCheck,
	90:  StateSecondaries,
	100: StateActivated,
	110: StateDeactivating,
	120: StateFailed,
}

// ParseDeviceState maps NM_DEVICE_STATE values.
func ParseDeviceState(v uint32) DeviceState {
	if s, ok := deviceStates[v]; ok {
		return s
	}
	return StateUnknown
}

// Connectivity is NetworkManager's view of internet reachability.
type Connectivity string

const (
	ConnectivityNone    Connectivity = "none"
	ConnectivityPortal  Connectivity = "portal"
	ConnectivityLoss    Connectivity = "limited"
	ConnectivityFull    Connectivity = "full"
	ConnectivityUnknown Connectivity = "unknown"
)

// ParseConnectivity maps NM_CONNECTIVITY values.
func ParseConnectivity(v uint32) Connectivity {
	switch v {
	case 1:
		return ConnectivityNone
	case 2:
		return ConnectivityPortal
	case 3:
		return ConnectivityLoss
	case 4:
		return ConnectivityFull
	default:
		return ConnectivityUnknown
	}
}

// AccessPoint is a visible wireless network. Only the strongest access
// point per SSID is kept.
type AccessPoint struct {
	SSID     string `json:"ssid"`
	Strength uint8  `json:"strength"`
	// State is the state of the device that sees the access point.
	State  DeviceState `json:"state"`
	Public bool        `json:"public"`
	// Known is set when a saved connection profile has this SSID.
	Known      bool   `json:"known"`
	Path       string `json:"path"`
	DevicePath string `json:"devicePath"`
}

// ConnectionKind classifies an active connection.
type ConnectionKind string

const (
	KindVPN   ConnectionKind = "vpn"
	KindWired ConnectionKind = "wired"
	KindWifi  ConnectionKind = "wifi"
)

// ActiveConnection is one activated profile.
type ActiveConnection struct {
	Kind ConnectionKind `json:"kind"`
	// Name is the profile id, or the SSID for wifi.
	Name string `json:"name"`
	Path string `json:"path"`
	// Speed is the wired link speed in Mb/s.
	Speed uint32 `json:"speed,omitempty"`
	// Strength and AccessPoint are set for wifi.
	Strength    uint8  `json:"strength,omitempty"`
	AccessPoint string `json:"accessPoint,omitempty"`
	Device      string `json:"device,omitempty"`
}

func (c ActiveConnection) rank() int {
	switch c.Kind {
	case KindVPN:
		return 0
	case KindWired:
		return 1
	default:
		return 2
	}
}

// Data is the network snapshot. Active connections are ordered VPN,
// wired, wifi and then by name; access points strongest first.
type Data struct {
	WifiEnabled       bool               `json:"wifiEnabled"`
	Connectivity      Connectivity       `json:"connectivity"`
	ActiveConnections []ActiveConnection `json:"activeConnections"`
	AccessPoints      []AccessPoint      `json:"accessPoints"`
}

// Default is the snapshot when NetworkManager is not reachable.
func Default() Data {
	return Data{
		Connectivity:      ConnectivityUnknown,
		ActiveConnections: []ActiveConnection{},
		AccessPoints:      []AccessPoint{},
	}
}

func (d Data) Clone() Data {
	out := d
	out.ActiveConnections = slices.Clone(d.ActiveConnections)
	out.AccessPoints = slices.Clone(d.AccessPoints)
	return out
}

// Connected reports whether any connection is active.
func (d Data) Connected() bool {
	return len(d.ActiveConnections) > 0
}

// Primary returns the connection the shell shows first.
func (d Data) Primary() (ActiveConnection, bool) {
	if len(d.ActiveConnections) == 0 {
		return ActiveConnection{}, false
	}
	return d.ActiveConnections[0], true
}

// Sort applies the snapshot ordering.
func (d *Data) Sort() {
	slices.SortStableFunc(d.ActiveConnections, func(a, b ActiveConnection) int {
		return cmp.Or(cmp.Compare(a.rank(), b.rank()), cmp.Compare(a.Name, b.Name))
	})
	slices.SortStableFunc(d.AccessPoints, func(a, b AccessPoint) int {
		return cmp.Or(cmp.Compare(b.Strength, a.Strength), cmp.Compare(a.SSID, b.SSID))
	})
}

// Strongest drops all but the strongest access point per SSID. Hidden
// networks have no SSID and are dropped too.
func Strongest(aps []AccessPoint) []AccessPoint {
	best := make(map[string]int)
	out := make([]AccessPoint, 0, len(aps))
	for _, ap := range aps {
		if ap.SSID == "" {
			continue
		}
		if i, ok := best[ap.SSID]; ok {
			if out[i].Strength < ap.Strength {
				out[i] = ap
			}
			continue
		}
		best[ap.SSID] = len(out)
		out = append(out, ap)
	}
	return out
}
