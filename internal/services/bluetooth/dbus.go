package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"shellstate/internal/bus"
	"shellstate/internal/poll"
)

const (
	bluezName        = "org.bluez"
	bluezRoot        = dbus.ObjectPath("/org/bluez")
	adapterInterface = "org.bluez.Adapter1"
	deviceInterface  = "org.bluez.Device1"
	batteryInterface = "org.bluez.Battery1"
)

// ErrNoAdapter is returned by adapter commands when BlueZ has no adapter.
var ErrNoAdapter = errors.New("no bluetooth adapter")

// watchedProps lists, per interface, the properties whose changes trigger
// a refetch.
var watchedProps = map[string][]string{
	adapterInterface: {"Powered", "Discovering"},
	deviceInterface:  {"Alias", "Connected", "Paired"},
	batteryInterface: {"Percentage"},
}

// relevant reports whether sig should trigger a refetch.
func relevant(sig *dbus.Signal) bool {
	pc, ok := bus.ParsePropertiesChanged(sig)
	if !ok {
		// InterfacesAdded and InterfacesRemoved always count.
		return true
	}
	for _, prop := range watchedProps[pc.Interface] {
		if _, ok := pc.Changed[prop]; ok {
			return true
		}
	}
	return false
}

// BusSource reads BlueZ over the system bus and rfkill through the CLI.
type BusSource struct {
	conn     *dbus.Conn
	executor poll.Executor
	logger   *zap.Logger
}

func NewBusSource(conn *dbus.Conn, executor poll.Executor, logger *zap.Logger) *BusSource {
	return &BusSource{conn: conn, executor: executor, logger: logger}
}

func (s *BusSource) objects(ctx context.Context) (Objects, error) {
	objects := make(Objects)
	obj := s.conn.Object(bluezName, "/")
	if err := obj.CallWithContext(ctx, bus.ObjectManagerInterface+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("failed to get managed objects: %w", err)
	}
	return objects, nil
}

// softBlocked asks rfkill; a missing tool counts as not blocked.
func (s *BusSource) softBlocked(ctx context.Context) bool {
	out, err := s.executor.Output(ctx, "rfkill", "list", "bluetooth")
	if err != nil {
		s.logger.Debug("rfkill query failed", zap.Error(err))
		return false
	}
	return strings.Contains(string(out), "Soft blocked: yes")
}

func (s *BusSource) Fetch(ctx context.Context) (Data, error) {
	objects, err := s.objects(ctx)
	if err != nil {
		return Default(), err
	}
	return FromObjects(objects, s.softBlocked(ctx)), nil
}

// Changes delivers one value per relevant BlueZ signal. The channel
// closes when the connection is lost or ctx ends.
func (s *BusSource) Changes(ctx context.Context) (<-chan struct{}, error) {
	w, err := bus.Subscribe(s.conn,
		bus.Match{Sender: bluezName, Interface: bus.ObjectManagerInterface, Member: "InterfacesAdded"},
		bus.Match{Sender: bluezName, Interface: bus.ObjectManagerInterface, Member: "InterfacesRemoved"},
		bus.Match{Sender: bluezName, PathNamespace: bluezRoot, Interface: bus.PropertiesInterface, Member: "PropertiesChanged"},
	)
	if err != nil {
		return nil, err
	}

	out := make(chan struct{}, 16)
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
				if !relevant(sig) {
					continue
				}
				select {
				case out <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *BusSource) adapter(ctx context.Context) (dbus.BusObject, error) {
	objects, err := s.objects(ctx)
	if err != nil {
		return nil, err
	}
	path, ok := objects.adapterPath()
	if !ok {
		return nil, ErrNoAdapter
	}
	return s.conn.Object(bluezName, path), nil
}

func (s *BusSource) SetPowered(ctx context.Context, on bool) error {
	adapter, err := s.adapter(ctx)
	if err != nil {
		return err
	}
	return bus.Set(ctx, adapter, adapterInterface, "Powered", on)
}

func (s *BusSource) StartDiscovery(ctx context.Context) error {
	adapter, err := s.adapter(ctx)
	if err != nil {
		return err
	}
	return bus.Call(ctx, adapter, adapterInterface+".StartDiscovery")
}

func (s *BusSource) StopDiscovery(ctx context.Context) error {
	adapter, err := s.adapter(ctx)
	if err != nil {
		return err
	}
	return bus.Call(ctx, adapter, adapterInterface+".StopDiscovery")
}

// DeviceCall invokes a no-argument Device1 method such as Pair.
func (s *BusSource) DeviceCall(ctx context.Context, path, method string) error {
	return bus.Call(ctx, s.conn.Object(bluezName, dbus.ObjectPath(path)), deviceInterface+"."+method)
}

func (s *BusSource) RemoveDevice(ctx context.Context, path string) error {
	adapter, err := s.adapter(ctx)
	if err != nil {
		return err
	}
	return bus.Call(ctx, adapter, adapterInterface+".RemoveDevice", dbus.ObjectPath(path))
}
