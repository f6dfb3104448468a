package bus

import (
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"go.uber.org/multierr"
)

// Match is one signal match rule. Empty fields match anything. Sender is
// only used for the bus-side rule because delivered signals carry the
// unique connection name, not the well-known one.
type Match struct {
	Sender        string
	Path          dbus.ObjectPath
	PathNamespace dbus.ObjectPath
	Interface     string
	Member        string
	Arg0          string
	// Arg0Namespace matches a dotted-name prefix of the first argument.
	Arg0Namespace string
}

// PropertiesChangedMatch matches PropertiesChanged for iface on path.
func PropertiesChangedMatch(sender string, path dbus.ObjectPath, iface string) Match {
	return Match{
		Sender:    sender,
		Path:      path,
		Interface: PropertiesInterface,
		Member:    "PropertiesChanged",
		Arg0:      iface,
	}
}

func (m Match) options() []dbus.MatchOption {
	var opts []dbus.MatchOption
	if m.Sender != "" {
		opts = append(opts, dbus.WithMatchSender(m.Sender))
	}
	if m.Path != "" {
		opts = append(opts, dbus.WithMatchObjectPath(m.Path))
	}
	if m.PathNamespace != "" {
		opts = append(opts, dbus.WithMatchOption("path_namespace", string(m.PathNamespace)))
	}
	if m.Interface != "" {
		opts = append(opts, dbus.WithMatchInterface(m.Interface))
	}
	if m.Member != "" {
		opts = append(opts, dbus.WithMatchMember(m.Member))
	}
	if m.Arg0 != "" {
		opts = append(opts, dbus.WithMatchArg(0, m.Arg0))
	}
	if m.Arg0Namespace != "" {
		opts = append(opts, dbus.WithMatchOption("arg0namespace", m.Arg0Namespace))
	}
	return opts
}

// Matches reports whether sig satisfies the rule.
func (m Match) Matches(sig *dbus.Signal) bool {
	if m.Path != "" && sig.Path != m.Path {
		return false
	}
	if m.PathNamespace != "" {
		ns := string(m.PathNamespace)
		p := string(sig.Path)
		if p != ns && !strings.HasPrefix(p, strings.TrimSuffix(ns, "/")+"/") {
			return false
		}
	}
	iface, member := splitName(sig.Name)
	if m.Interface != "" && iface != m.Interface {
		return false
	}
	if m.Member != "" && member != m.Member {
		return false
	}
	if m.Arg0 != "" {
		if len(sig.Body) == 0 {
			return false
		}
		if arg0, ok := sig.Body[0].(string); !ok || arg0 != m.Arg0 {
			return false
		}
	}
	if m.Arg0Namespace != "" {
		if len(sig.Body) == 0 {
			return false
		}
		arg0, ok := sig.Body[0].(string)
		if !ok || (arg0 != m.Arg0Namespace && !strings.HasPrefix(arg0, m.Arg0Namespace+".")) {
			return false
		}
	}
	return true
}

func splitName(name string) (iface, member string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}

// Watch is a filtered stream of signals on one connection. The channel
// closes when the connection is lost or the watch is closed.
type Watch struct {
	conn    *dbus.Conn
	matches []Match
	raw     chan *dbus.Signal
	out     chan *dbus.Signal
	done    chan struct{}
	once    sync.Once
}

// Subscribe installs the match rules and starts delivering signals that
// satisfy any of them.
func Subscribe(conn *dbus.Conn, matches ...Match) (*Watch, error) {
	w := &Watch{
		conn:    conn,
		matches: matches,
		raw:     make(chan *dbus.Signal, 64),
		out:     make(chan *dbus.Signal, 64),
		done:    make(chan struct{}),
	}

	for i, m := range matches {
		if err := conn.AddMatchSignal(m.options()...); err != nil {
			for _, added := range matches[:i] {
				_ = conn.RemoveMatchSignal(added.options()...)
			}
			return nil, fmt.Errorf("failed to add match rule: %w", err)
		}
	}

	conn.Signal(w.raw)
	go w.filter()
	return w, nil
}

func (w *Watch) filter() {
	defer close(w.out)
	for {
		select {
		case <-w.done:
			return
		case sig, ok := <-w.raw:
			if !ok {
				return
			}
			if !w.accepts(sig) {
				continue
			}
			select {
			case w.out <- sig:
			case <-w.done:
				return
			}
		}
	}
}

func (w *Watch) accepts(sig *dbus.Signal) bool {
	for _, m := range w.matches {
		if m.Matches(sig) {
			return true
		}
	}
	return false
}

// C returns the filtered signal channel.
func (w *Watch) C() <-chan *dbus.Signal {
	return w.out
}

// Close removes the match rules and stops delivery.
func (w *Watch) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		w.conn.RemoveSignal(w.raw)
		for _, m := range w.matches {
			err = multierr.Append(err, w.conn.RemoveMatchSignal(m.options()...))
		}
	})
	return err
}

// PropertiesChanged is a decoded org.freedesktop.DBus.Properties signal.
type PropertiesChanged struct {
	Path        dbus.ObjectPath
	Interface   string
	Changed     map[string]dbus.Variant
	Invalidated []string
}

// ParsePropertiesChanged decodes sig, reporting false for any other signal.
func ParsePropertiesChanged(sig *dbus.Signal) (PropertiesChanged, bool) {
	if sig.Name != PropertiesInterface+".PropertiesChanged" || len(sig.Body) < 2 {
		return PropertiesChanged{}, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return PropertiesChanged{}, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return PropertiesChanged{}, false
	}
	pc := PropertiesChanged{Path: sig.Path, Interface: iface, Changed: changed}
	if len(sig.Body) > 2 {
		pc.Invalidated, _ = sig.Body[2].([]string)
	}
	return pc, true
}

// NameOwnerChanged is a decoded org.freedesktop.DBus.NameOwnerChanged signal.
type NameOwnerChanged struct {
	Name     string
	OldOwner string
	NewOwner string
}

// NameOwnerChangedMatch matches owner changes for names inside namespace,
// e.g. "org.mpris.MediaPlayer2".
func NameOwnerChangedMatch(namespace string) Match {
	return Match{
		Sender:        DBusName,
		Path:          DBusPath,
		Interface:     DBusName,
		Member:        "NameOwnerChanged",
		Arg0Namespace: namespace,
	}
}

// ParseNameOwnerChanged decodes sig, reporting false for any other signal.
func ParseNameOwnerChanged(sig *dbus.Signal) (NameOwnerChanged, bool) {
	if sig.Name != DBusName+".NameOwnerChanged" || len(sig.Body) < 3 {
		return NameOwnerChanged{}, false
	}
	name, ok1 := sig.Body[0].(string)
	oldOwner, ok2 := sig.Body[1].(string)
	newOwner, ok3 := sig.Body[2].(string)
	if !ok1 || !ok2 || !ok3 {
		return NameOwnerChanged{}, false
	}
	return NameOwnerChanged{Name: name, OldOwner: oldOwner, NewOwner: newOwner}, true
}
