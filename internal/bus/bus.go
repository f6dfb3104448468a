// Package bus is the system/session message bus adapter. It opens private
// connections, reads and writes properties, and turns match rules into
// filtered signal streams.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Well-known names shared by several services.
const (
	DBusName               = "org.freedesktop.DBus"
	DBusPath               = dbus.ObjectPath("/org/freedesktop/DBus")
	PropertiesInterface    = "org.freedesktop.DBus.Properties"
	ObjectManagerInterface = "org.freedesktop.DBus.ObjectManager"
)

// Kind selects the system or the per-user session bus.
type Kind int

const (
	System Kind = iota
	Session
)

func (k Kind) String() string {
	if k == Session {
		return "session"
	}
	return "system"
}

// Provider opens one private connection per caller so that each service's
// signal traffic stays on its own connection. It closes them all on Close.
type Provider struct {
	logger *zap.Logger
	dial   func(Kind) (*dbus.Conn, error)

	mu    sync.Mutex
	conns []*dbus.Conn
}

// NewProvider creates a provider that dials the real buses.
func NewProvider(logger *zap.Logger) *Provider {
	return &Provider{
		logger: logger.Named("bus"),
		dial:   dial,
	}
}

func dial(kind Kind) (*dbus.Conn, error) {
	if kind == Session {
		return dbus.ConnectSessionBus()
	}
	return dbus.ConnectSystemBus()
}

// Open returns a new authenticated connection to the given bus.
func (p *Provider) Open(kind Kind) (*dbus.Conn, error) {
	conn, err := p.dial(kind)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s bus: %w", kind, err)
	}

	p.mu.Lock()
	p.conns = append(p.conns, conn)
	p.mu.Unlock()

	p.logger.Debug("Opened bus connection", zap.Stringer("bus", kind))
	return conn, nil
}

// Close closes every connection handed out by Open.
func (p *Provider) Close() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	var err error
	for _, conn := range conns {
		err = multierr.Append(err, conn.Close())
	}
	return err
}

// Get reads one property.
func Get(ctx context.Context, obj dbus.BusObject, iface, prop string) (dbus.Variant, error) {
	var v dbus.Variant
	err := obj.CallWithContext(ctx, PropertiesInterface+".Get", 0, iface, prop).Store(&v)
	if err != nil {
		return dbus.Variant{}, fmt.Errorf("failed to get %s.%s: %w", iface, prop, err)
	}
	return v, nil
}

// GetAll reads every property of iface.
func GetAll(ctx context.Context, obj dbus.BusObject, iface string) (map[string]dbus.Variant, error) {
	props := make(map[string]dbus.Variant)
	err := obj.CallWithContext(ctx, PropertiesInterface+".GetAll", 0, iface).Store(&props)
	if err != nil {
		return nil, fmt.Errorf("failed to get properties of %s: %w", iface, err)
	}
	return props, nil
}

// Set writes one property.
func Set(ctx context.Context, obj dbus.BusObject, iface, prop string, value any) error {
	call := obj.CallWithContext(ctx, PropertiesInterface+".Set", 0, iface, prop, dbus.MakeVariant(value))
	if call.Err != nil {
		return fmt.Errorf("failed to set %s.%s: %w", iface, prop, call.Err)
	}
	return nil
}

// Call invokes a method and discards its reply.
func Call(ctx context.Context, obj dbus.BusObject, method string, args ...any) error {
	if call := obj.CallWithContext(ctx, method, 0, args...); call.Err != nil {
		return fmt.Errorf("failed to call %s: %w", method, call.Err)
	}
	return nil
}

// Value extracts a typed value from a property map.
func Value[T any](props map[string]dbus.Variant, key string) (T, bool) {
	var zero T
	v, ok := props[key]
	if !ok {
		return zero, false
	}
	return As[T](v)
}

// As extracts a typed value from a variant.
func As[T any](v dbus.Variant) (T, bool) {
	t, ok := v.Value().(T)
	return t, ok
}

// ListNames returns all names currently owned on the bus.
func ListNames(ctx context.Context, conn *dbus.Conn) ([]string, error) {
	var names []string
	obj := conn.Object(DBusName, DBusPath)
	if err := obj.CallWithContext(ctx, DBusName+".ListNames", 0).Store(&names); err != nil {
		return nil, fmt.Errorf("failed to list bus names: %w", err)
	}
	return names, nil
}
