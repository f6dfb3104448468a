package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"shellstate/internal/clock"
	"shellstate/internal/command"
	"shellstate/internal/status"
)

const (
	wlan   = "/org/freedesktop/NetworkManager/Devices/3"
	homeAP = "/org/freedesktop/NetworkManager/AccessPoint/12"
	cafeAP = "/org/freedesktop/NetworkManager/AccessPoint/13"
	homeAC = "/org/freedesktop/NetworkManager/ActiveConnection/4"
)

type fakeSource struct {
	mu       sync.Mutex
	data     Data
	fetchErr error
	fetches  int
	calls    []string
	changes  chan Change
}

func newFakeSource(d Data) *fakeSource {
	return &fakeSource{data: d, changes: make(chan Change)}
}

func (f *fakeSource) Fetch(ctx context.Context) (Data, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return f.data.Clone(), f.fetchErr
}

func (f *fakeSource) Changes(ctx context.Context) (<-chan Change, error) {
	return f.changes, nil
}

func (f *fakeSource) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeSource) SetWirelessEnabled(ctx context.Context, on bool) error {
	f.record(fmt.Sprintf("wireless %t", on))
	f.update(func(d *Data) { d.WifiEnabled = on })
	return nil
}

func (f *fakeSource) RequestScan(ctx context.Context) error {
	f.record("scan")
	return nil
}

func (f *fakeSource) Activate(ctx context.Context, device, ap string) error {
	f.record("activate " + device + " " + ap)
	return nil
}

func (f *fakeSource) AddAndActivate(ctx context.Context, device, ap, password string) error {
	f.record("add " + device + " " + ap + " " + password)
	return nil
}

func (f *fakeSource) Deactivate(ctx context.Context, active string) error {
	f.record("deactivate " + active)
	return nil
}

func (f *fakeSource) update(fn func(*Data)) {
	f.mu.Lock()
	fn(&f.data)
	f.mu.Unlock()
}

func (f *fakeSource) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeSource) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func laptop() Data {
	return Data{
		WifiEnabled:  true,
		Connectivity: ConnectivityFull,
		ActiveConnections: []ActiveConnection{{
			Kind:        KindWifi,
			Name:        "home",
			Path:        homeAC,
			Strength:    70,
			AccessPoint: homeAP,
			Device:      wlan,
		}},
		AccessPoints: []AccessPoint{
			{SSID: "home", Strength: 70, State: StateActivated, Known: true, Path: homeAP, DevicePath: wlan},
			{SSID: "cafe", Strength: 40, State: StateActivated, Public: true, Path: cafeAP, DevicePath: wlan},
		},
	}
}

func newService(t *testing.T, src *fakeSource, clk clock.Clock) *Service {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s := New(ctx, src, clk, 200*time.Millisecond, zap.NewNop(), time.Second)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestParse(t *testing.T) {
	assert.Equal(t, DeviceWifi, ParseDeviceType(2))
	assert.Equal(t, DeviceWireGuard, ParseDeviceType(29))
	assert.Equal(t, DeviceOther, ParseDeviceType(13))
	assert.Equal(t, DeviceUnknown, ParseDeviceType(0))
	assert.Equal(t, StateActivated, ParseDeviceState(100))
	assert.Equal(t, StateUnknown, ParseDeviceState(101))
	assert.Equal(t, ConnectivityPortal, ParseConnectivity(2))
	assert.Equal(t, ConnectivityUnknown, ParseConnectivity(9))
}

func TestOrdering(t *testing.T) {
	aps := Strongest([]AccessPoint{
		{SSID: "cafe", Strength: 40, Path: "a"},
		{SSID: "", Strength: 99, Path: "hidden"},
		{SSID: "home", Strength: 50, Path: "b"},
		{SSID: "cafe", Strength: 60, Path: "c"},
	})
	d := Data{
		AccessPoints: aps,
		ActiveConnections: []ActiveConnection{
			{Kind: KindWifi, Name: "home"},
			{Kind: KindWired, Name: "eth"},
			{Kind: KindVPN, Name: "work"},
		},
	}
	d.Sort()

	require.Len(t, d.AccessPoints, 2)
	assert.Equal(t, "c", d.AccessPoints[0].Path, "strongest per SSID, strongest first")
	assert.Equal(t, "b", d.AccessPoints[1].Path)

	primary, ok := d.Primary()
	require.True(t, ok)
	assert.Equal(t, KindVPN, primary.Kind)
	assert.Equal(t, KindWifi, d.ActiveConnections[2].Kind)

	_, ok = Default().Primary()
	assert.False(t, ok)
}

func TestApply(t *testing.T) {
	tests := []struct {
		name    string
		change  Change
		changed bool
		refetch bool
		check   func(t *testing.T, d Data)
	}{
		{
			name:    "wifi switch",
			change:  Change{Object: Manager, Props: map[string]dbus.Variant{"WirelessEnabled": dbus.MakeVariant(false)}},
			changed: true,
			check:   func(t *testing.T, d Data) { assert.False(t, d.WifiEnabled) },
		},
		{
			name:    "connectivity",
			change:  Change{Object: Manager, Props: map[string]dbus.Variant{"Connectivity": dbus.MakeVariant(uint32(2))}},
			changed: true,
			check:   func(t *testing.T, d Data) { assert.Equal(t, ConnectivityPortal, d.Connectivity) },
		},
		{
			name:    "active connections",
			change:  Change{Object: Manager, Props: map[string]dbus.Variant{"ActiveConnections": dbus.MakeVariant([]dbus.ObjectPath{})}},
			refetch: true,
		},
		{
			name:    "device state",
			change:  Change{Object: Device, Path: wlan, Props: map[string]dbus.Variant{"State": dbus.MakeVariant(uint32(30))}},
			changed: true,
			check: func(t *testing.T, d Data) {
				for _, ap := range d.AccessPoints {
					assert.Equal(t, StateDisconnected, ap.State)
				}
			},
		},
		{
			name:   "other device",
			change: Change{Object: Device, Path: "/org/freedesktop/NetworkManager/Devices/1", Props: map[string]dbus.Variant{"State": dbus.MakeVariant(uint32(30))}},
		},
		{
			name:    "strength",
			change:  Change{Object: AccessPointObject, Path: cafeAP, Props: map[string]dbus.Variant{"Strength": dbus.MakeVariant(byte(90))}},
			changed: true,
			check: func(t *testing.T, d Data) {
				assert.Equal(t, cafeAP, d.AccessPoints[0].Path, "resorted")
				assert.Equal(t, uint8(90), d.AccessPoints[0].Strength)
				assert.Equal(t, uint8(70), d.ActiveConnections[0].Strength)
			},
		},
		{
			name:    "active access point strength",
			change:  Change{Object: AccessPointObject, Path: homeAP, Props: map[string]dbus.Variant{"Strength": dbus.MakeVariant(byte(55))}},
			changed: true,
			check:   func(t *testing.T, d Data) { assert.Equal(t, uint8(55), d.ActiveConnections[0].Strength) },
		},
		{
			name:    "scan results",
			change:  Change{Object: Wireless, Path: wlan, Props: map[string]dbus.Variant{"AccessPoints": dbus.MakeVariant([]dbus.ObjectPath{})}},
			refetch: true,
		},
		{
			name:   "same value",
			change: Change{Object: Manager, Props: map[string]dbus.Variant{"WirelessEnabled": dbus.MakeVariant(true)}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := laptop()
			changed, refetch := apply(&d, tt.change)
			assert.Equal(t, tt.changed, changed)
			assert.Equal(t, tt.refetch, refetch)
			if tt.check != nil {
				tt.check(t, d)
			}
		})
	}
}

func TestPatchesWithoutRefetch(t *testing.T) {
	src := newFakeSource(laptop())
	s := newService(t, src, clock.NewMockClock(time.Unix(0, 0)))

	src.changes <- Change{Object: Manager, Props: map[string]dbus.Variant{"WirelessEnabled": dbus.MakeVariant(false)}}
	src.changes <- Change{Object: AccessPointObject, Path: homeAP, Props: map[string]dbus.Variant{"Strength": dbus.MakeVariant(byte(30))}}

	require.Eventually(t, func() bool {
		return s.Get().ActiveConnections[0].Strength == 30
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, s.Get().WifiEnabled)
	assert.Equal(t, 1, src.fetchCount(), "patches need no refetch")
	assert.Equal(t, status.Active, s.Status().Kind)
}

func TestTopologyChangesAreDebounced(t *testing.T) {
	src := newFakeSource(laptop())
	clk := clock.NewMockClock(time.Unix(0, 0))
	s := newService(t, src, clk)

	src.update(func(d *Data) { d.ActiveConnections = []ActiveConnection{} })
	for range 3 {
		src.changes <- Change{Object: Manager, Props: map[string]dbus.Variant{"ActiveConnections": dbus.MakeVariant([]dbus.ObjectPath{})}}
	}
	src.changes <- Change{Object: Wireless, Path: wlan, Props: map[string]dbus.Variant{"ActiveAccessPoint": dbus.MakeVariant(dbus.ObjectPath("/"))}}

	clk.WaitForTimers(1)
	assert.Equal(t, 1, src.fetchCount(), "nothing is fetched inside the window")
	clk.Advance(200 * time.Millisecond)

	require.Eventually(t, func() bool {
		return !s.Get().Connected()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, src.fetchCount())
}

func TestConnectionLost(t *testing.T) {
	src := newFakeSource(laptop())
	s := newService(t, src, clock.NewMockClock(time.Unix(0, 0)))

	close(src.changes)
	require.Eventually(t, func() bool {
		return s.Status().Kind == status.Error
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, laptop(), s.Get(), "last snapshot is kept")
}

func TestCommands(t *testing.T) {
	src := newFakeSource(laptop())
	s := newService(t, src, clock.NewMockClock(time.Unix(0, 0)))
	ctx := context.Background()

	require.NoError(t, s.Command(ctx, "toggle_wifi", nil))
	assert.False(t, s.Get().WifiEnabled, "refetched after the command")
	require.NoError(t, s.Command(ctx, "set_wifi_enabled", map[string]any{"enabled": "true"}))
	require.NoError(t, s.Command(ctx, "request_scan", nil))
	require.NoError(t, s.Command(ctx, "connect_to_access_point", map[string]any{"path": homeAP}))
	require.NoError(t, s.Command(ctx, "connect_to_access_point", map[string]any{"path": cafeAP}))
	require.NoError(t, s.Command(ctx, "connect_to_access_point", map[string]any{"path": homeAP, "password": "hunter22"}))
	require.NoError(t, s.Command(ctx, "disconnect", nil))

	assert.Equal(t, []string{
		"wireless false",
		"wireless true",
		"scan",
		"activate " + wlan + " " + homeAP,
		"add " + wlan + " " + cafeAP + " ",
		"add " + wlan + " " + homeAP + " hunter22",
		"deactivate " + homeAC,
	}, src.commands())

	t.Run("bad arguments", func(t *testing.T) {
		err := s.Command(ctx, "connect_to_access_point", map[string]any{"path": "not a path"})
		assert.ErrorIs(t, err, command.ErrInvalidArgs)
		err = s.Command(ctx, "connect_to_access_point", map[string]any{"path": "/org/freedesktop/NetworkManager/AccessPoint/99"})
		assert.ErrorIs(t, err, command.ErrInvalidArgs)
		err = s.Command(ctx, "set_wifi_enabled", map[string]any{"enabled": "maybe"})
		assert.ErrorIs(t, err, command.ErrInvalidArgs)
	})

	t.Run("nothing to disconnect", func(t *testing.T) {
		src.update(func(d *Data) { d.ActiveConnections = []ActiveConnection{} })
		require.NoError(t, s.Command(ctx, "request_scan", nil))
		assert.ErrorIs(t, s.Command(ctx, "disconnect", nil), ErrNotConnected)
	})
}

func TestUnavailable(t *testing.T) {
	src := newFakeSource(laptop())
	src.fetchErr = errors.New("org.freedesktop.NetworkManager was not provided")
	s := newService(t, src, clock.NewMockClock(time.Unix(0, 0)))

	assert.Equal(t, status.Unavailable, s.Status().Kind)
	assert.Equal(t, Default(), s.Get())
	assert.ErrorIs(t, s.Command(context.Background(), "toggle_wifi", nil), command.ErrUnavailable)
}
