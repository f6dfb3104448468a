package mpris

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"shellstate/internal/bus"
)

const (
	namespace       = "org.mpris.MediaPlayer2"
	servicePrefix   = namespace + "."
	objectPath      = dbus.ObjectPath("/org/mpris/MediaPlayer2")
	playerInterface = namespace + ".Player"
)

// BusSource talks to players over the session bus.
type BusSource struct {
	conn   *dbus.Conn
	logger *zap.Logger
}

func NewBusSource(conn *dbus.Conn, logger *zap.Logger) *BusSource {
	return &BusSource{conn: conn, logger: logger}
}

func (s *BusSource) Fetch(ctx context.Context) (Data, error) {
	names, err := bus.ListNames(ctx, s.conn)
	if err != nil {
		return Data{}, err
	}
	var services []string
	for _, name := range names {
		if strings.HasPrefix(name, servicePrefix) {
			services = append(services, name)
		}
	}
	sort.Strings(services)

	d := Data{Players: make([]Player, 0, len(services))}
	for _, service := range services {
		props, err := bus.GetAll(ctx, s.conn.Object(service, objectPath), playerInterface)
		if err != nil {
			// The player may have exited between ListNames and now.
			s.logger.Debug("Skipping player", zap.String("service", service), zap.Error(err))
			continue
		}
		d.Players = append(d.Players, playerFromProps(service, props))
	}
	return d, nil
}

func playerFromProps(service string, props map[string]dbus.Variant) Player {
	p := Player{Service: service, State: Stopped}
	if status, ok := bus.Value[string](props, "PlaybackStatus"); ok {
		p.State = ParsePlaybackStatus(status)
	}
	p.CanControl, _ = bus.Value[bool](props, "CanControl")
	if v, ok := bus.Value[float64](props, "Volume"); ok {
		pct := v * 100
		p.Volume = &pct
	}
	if meta, ok := bus.Value[map[string]dbus.Variant](props, "Metadata"); ok {
		m := &Metadata{}
		m.Artists, _ = bus.Value[[]string](meta, "xesam:artist")
		m.Title, _ = bus.Value[string](meta, "xesam:title")
		p.Metadata = m
	}
	return p
}

// busWatch adapts a bus.Watch to Watch.
type busWatch struct {
	w    *bus.Watch
	out  chan Event
	done chan struct{}
	once sync.Once
}

func (s *BusSource) Watch(ctx context.Context, services []string) (Watch, error) {
	matches := []bus.Match{bus.NameOwnerChangedMatch(namespace)}
	for _, service := range services {
		matches = append(matches, bus.PropertiesChangedMatch(service, objectPath, playerInterface))
	}
	w, err := bus.Subscribe(s.conn, matches...)
	if err != nil {
		return nil, err
	}

	bw := &busWatch{w: w, out: make(chan Event, 16), done: make(chan struct{})}
	go func() {
		defer close(bw.out)
		for sig := range w.C() {
			var ev Event
			if owner, ok := bus.ParseNameOwnerChanged(sig); ok {
				ev = Event{Service: owner.Name, Topology: true}
			} else {
				ev = Event{Service: sig.Sender}
			}
			select {
			case bw.out <- ev:
			case <-bw.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return bw, nil
}

func (b *busWatch) C() <-chan Event { return b.out }

func (b *busWatch) Close() error {
	b.once.Do(func() { close(b.done) })
	return b.w.Close()
}

func (s *BusSource) Call(ctx context.Context, service, method string) error {
	return bus.Call(ctx, s.conn.Object(service, objectPath), playerInterface+"."+method)
}

func (s *BusSource) SetVolume(ctx context.Context, service string, volume float64) error {
	return bus.Set(ctx, s.conn.Object(service, objectPath), playerInterface, "Volume", volume)
}
