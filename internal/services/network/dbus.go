package network

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"shellstate/internal/bus"
)

const (
	nmName              = "org.freedesktop.NetworkManager"
	nmPath              = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	settingsPath        = dbus.ObjectPath("/org/freedesktop/NetworkManager/Settings")
	deviceInterface     = nmName + ".Device"
	wirelessInterface   = nmName + ".Device.Wireless"
	wiredInterface      = nmName + ".Device.Wired"
	apInterface         = nmName + ".AccessPoint"
	activeInterface     = nmName + ".Connection.Active"
	settingsInterface   = nmName + ".Settings"
	connectionInterface = nmName + ".Settings.Connection"
)

// Settings is the a{sa{sv}} connection settings dictionary.
type Settings map[string]map[string]dbus.Variant

// BusSource reads NetworkManager over the system bus.
type BusSource struct {
	conn   *dbus.Conn
	logger *zap.Logger
}

func NewBusSource(conn *dbus.Conn, logger *zap.Logger) *BusSource {
	return &BusSource{conn: conn, logger: logger}
}

func (s *BusSource) object(path dbus.ObjectPath) dbus.BusObject {
	return s.conn.Object(nmName, path)
}

func (s *BusSource) devices(ctx context.Context) ([]dbus.ObjectPath, error) {
	var paths []dbus.ObjectPath
	if err := s.object(nmPath).CallWithContext(ctx, nmName+".GetDevices", 0).Store(&paths); err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return paths, nil
}

func (s *BusSource) deviceType(ctx context.Context, path dbus.ObjectPath) DeviceType {
	v, err := bus.Get(ctx, s.object(path), deviceInterface, "DeviceType")
	if err != nil {
		return DeviceUnknown
	}
	t, _ := bus.As[uint32](v)
	return ParseDeviceType(t)
}

func (s *BusSource) wirelessDevices(ctx context.Context) ([]dbus.ObjectPath, error) {
	devices, err := s.devices(ctx)
	if err != nil {
		return nil, err
	}
	var out []dbus.ObjectPath
	for _, path := range devices {
		if s.deviceType(ctx, path) == DeviceWifi {
			out = append(out, path)
		}
	}
	return out, nil
}

// knownSSIDs lists the SSIDs of saved wifi profiles. Failures only cost
// the Known flag.
func (s *BusSource) knownSSIDs(ctx context.Context) map[string]bool {
	known := make(map[string]bool)
	var paths []dbus.ObjectPath
	if err := s.object(settingsPath).CallWithContext(ctx, settingsInterface+".ListConnections", 0).Store(&paths); err != nil {
		s.logger.Debug("Failed to list saved connections", zap.Error(err))
		return known
	}
	for _, path := range paths {
		var settings Settings
		if err := s.object(path).CallWithContext(ctx, connectionInterface+".GetSettings", 0).Store(&settings); err != nil {
			continue
		}
		if ssid, ok := bus.Value[[]byte](settings["802-11-wireless"], "ssid"); ok {
			known[string(ssid)] = true
		}
	}
	return known
}

func (s *BusSource) accessPoint(ctx context.Context, path dbus.ObjectPath) (AccessPoint, error) {
	props, err := bus.GetAll(ctx, s.object(path), apInterface)
	if err != nil {
		return AccessPoint{}, err
	}
	ssid, _ := bus.Value[[]byte](props, "Ssid")
	ap := AccessPoint{SSID: string(ssid), Path: string(path)}
	ap.Strength, _ = bus.Value[byte](props, "Strength")
	flags, _ := bus.Value[uint32](props, "Flags")
	wpa, _ := bus.Value[uint32](props, "WpaFlags")
	rsn, _ := bus.Value[uint32](props, "RsnFlags")
	ap.Public = flags == 0 && wpa == 0 && rsn == 0
	return ap, nil
}

func (s *BusSource) accessPoints(ctx context.Context, known map[string]bool) ([]AccessPoint, error) {
	devices, err := s.wirelessDevices(ctx)
	if err != nil {
		return nil, err
	}
	var all []AccessPoint
	for _, device := range devices {
		state := StateUnknown
		if v, err := bus.Get(ctx, s.object(device), deviceInterface, "State"); err == nil {
			u, _ := bus.As[uint32](v)
			state = ParseDeviceState(u)
		}
		v, err := bus.Get(ctx, s.object(device), wirelessInterface, "AccessPoints")
		if err != nil {
			return nil, err
		}
		paths, _ := bus.As[[]dbus.ObjectPath](v)
		for _, path := range paths {
			ap, err := s.accessPoint(ctx, path)
			if err != nil {
				// Access points vanish between listing and reading.
				continue
			}
			ap.State = state
			ap.Known = known[ap.SSID]
			ap.DevicePath = string(device)
			all = append(all, ap)
		}
	}
	return Strongest(all), nil
}

func (s *BusSource) activeConnection(ctx context.Context, path dbus.ObjectPath) (ActiveConnection, bool, error) {
	props, err := bus.GetAll(ctx, s.object(path), activeInterface)
	if err != nil {
		return ActiveConnection{}, false, err
	}
	ac := ActiveConnection{Path: string(path)}
	ac.Name, _ = bus.Value[string](props, "Id")
	if vpn, _ := bus.Value[bool](props, "Vpn"); vpn {
		ac.Kind = KindVPN
		return ac, true, nil
	}
	devices, _ := bus.Value[[]dbus.ObjectPath](props, "Devices")
	if len(devices) == 0 {
		return ac, false, nil
	}
	device := devices[0]
	ac.Device = string(device)

	switch s.deviceType(ctx, device) {
	case DeviceEthernet:
		ac.Kind = KindWired
		if v, err := bus.Get(ctx, s.object(device), wiredInterface, "Speed"); err == nil {
			ac.Speed, _ = bus.As[uint32](v)
		}
	case DeviceWifi:
		v, err := bus.Get(ctx, s.object(device), wirelessInterface, "ActiveAccessPoint")
		if err != nil {
			return ac, false, err
		}
		apPath, _ := bus.As[dbus.ObjectPath](v)
		ap, err := s.accessPoint(ctx, apPath)
		if err != nil {
			return ac, false, nil
		}
		ac.Kind = KindWifi
		ac.Name = ap.SSID
		ac.Strength = ap.Strength
		ac.AccessPoint = string(apPath)
	case DeviceWireGuard:
		ac.Kind = KindVPN
	default:
		return ac, false, nil
	}
	return ac, true, nil
}

func (s *BusSource) Fetch(ctx context.Context) (Data, error) {
	d := Default()
	props, err := bus.GetAll(ctx, s.object(nmPath), nmName)
	if err != nil {
		return d, err
	}
	d.WifiEnabled, _ = bus.Value[bool](props, "WirelessEnabled")
	if c, ok := bus.Value[uint32](props, "Connectivity"); ok {
		d.Connectivity = ParseConnectivity(c)
	}

	active, _ := bus.Value[[]dbus.ObjectPath](props, "ActiveConnections")
	for _, path := range active {
		ac, ok, err := s.activeConnection(ctx, path)
		if err != nil {
			s.logger.Debug("Skipping active connection", zap.String("path", string(path)), zap.Error(err))
			continue
		}
		if ok {
			d.ActiveConnections = append(d.ActiveConnections, ac)
		}
	}

	aps, err := s.accessPoints(ctx, s.knownSSIDs(ctx))
	if err != nil {
		return d, err
	}
	d.AccessPoints = aps
	d.Sort()
	return d, nil
}

func (s *BusSource) Changes(ctx context.Context) (<-chan Change, error) {
	w, err := bus.Subscribe(s.conn, bus.Match{
		Sender:        nmName,
		PathNamespace: nmPath,
		Interface:     bus.PropertiesInterface,
		Member:        "PropertiesChanged",
	})
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
				ch := Change{Path: string(pc.Path), Props: pc.Changed}
				switch pc.Interface {
				case nmName:
					ch.Object = Manager
				case deviceInterface:
					ch.Object = Device
				case wirelessInterface:
					ch.Object = Wireless
				case apInterface:
					ch.Object = AccessPointObject
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

func (s *BusSource) SetWirelessEnabled(ctx context.Context, on bool) error {
	return bus.Set(ctx, s.object(nmPath), nmName, "WirelessEnabled", on)
}

// RequestScan asks every wireless device to scan. A device refusing, for
// example because it scanned moments ago, does not fail the others.
func (s *BusSource) RequestScan(ctx context.Context) error {
	devices, err := s.wirelessDevices(ctx)
	if err != nil {
		return err
	}
	for _, device := range devices {
		if err := bus.Call(ctx, s.object(device), wirelessInterface+".RequestScan", map[string]dbus.Variant{}); err != nil {
			s.logger.Debug("Scan request refused", zap.String("device", string(device)), zap.Error(err))
		}
	}
	return nil
}

func (s *BusSource) Activate(ctx context.Context, device, ap string) error {
	return bus.Call(ctx, s.object(nmPath), nmName+".ActivateConnection",
		dbus.ObjectPath("/"), dbus.ObjectPath(device), dbus.ObjectPath(ap))
}

func (s *BusSource) AddAndActivate(ctx context.Context, device, ap, password string) error {
	settings := Settings{}
	if password != "" {
		settings["802-11-wireless-security"] = map[string]dbus.Variant{
			"key-mgmt": dbus.MakeVariant("wpa-psk"),
			"psk":      dbus.MakeVariant(password),
		}
	}
	return bus.Call(ctx, s.object(nmPath), nmName+".AddAndActivateConnection",
		settings, dbus.ObjectPath(device), dbus.ObjectPath(ap))
}

func (s *BusSource) Deactivate(ctx context.Context, active string) error {
	return bus.Call(ctx, s.object(nmPath), nmName+".DeactivateConnection", dbus.ObjectPath(active))
}
