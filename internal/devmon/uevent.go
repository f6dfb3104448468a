package devmon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// kernelGroup is the netlink multicast group the kernel broadcasts raw
// uevents on. Group 2 carries udev's re-broadcasts in a different format.
const kernelGroup = 1

// Uevent is one kernel device change notification.
type Uevent struct {
	Action    string
	DevPath   string
	Subsystem string
	Env       map[string]string
}

// Name returns the last component of DevPath, which for class devices is
// the device name (e.g. "intel_backlight").
func (u Uevent) Name() string {
	if i := strings.LastIndexByte(u.DevPath, '/'); i >= 0 {
		return u.DevPath[i+1:]
	}
	return u.DevPath
}

// UeventMonitor receives uevents for one subsystem.
type UeventMonitor struct {
	fd        int
	subsystem string
}

// ListenUevents opens a kernel uevent socket filtered to subsystem.
// An empty subsystem receives everything.
func ListenUevents(subsystem string) (*UeventMonitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("netlink socket: %w", err)
	}
	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: kernelGroup}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netlink bind: %w", err)
	}
	return &UeventMonitor{fd: fd, subsystem: subsystem}, nil
}

// Run delivers matching uevents to fn until ctx is done or fn returns an
// error. When the kernel reports dropped messages fn receives a synthetic
// event with Action "overflow" so the caller can resynchronize.
func (m *UeventMonitor) Run(ctx context.Context, fn func(Uevent) error) error {
	return readLoop(ctx, m.fd, 16*1024, func(buf []byte) error {
		if buf == nil {
			return fn(Uevent{Action: "overflow", Subsystem: m.subsystem})
		}
		ev, err := ParseUevent(buf)
		if err != nil {
			return nil
		}
		if m.subsystem != "" && ev.Subsystem != m.subsystem {
			return nil
		}
		return fn(ev)
	})
}

var errNotUevent = errors.New("not a kernel uevent")

// ParseUevent decodes a kernel uevent datagram:
//
//	change@/devices/pci0000:00/.../backlight/intel_backlight\0
//	ACTION=change\0DEVPATH=/devices/...\0SUBSYSTEM=backlight\0...
func ParseUevent(buf []byte) (Uevent, error) {
	fields := bytes.Split(bytes.TrimRight(buf, "\x00"), []byte{0})
	if len(fields) == 0 {
		return Uevent{}, errNotUevent
	}
	header := string(fields[0])
	at := strings.IndexByte(header, '@')
	if at <= 0 {
		return Uevent{}, errNotUevent
	}

	ev := Uevent{
		Action:  header[:at],
		DevPath: header[at+1:],
		Env:     make(map[string]string, len(fields)-1),
	}
	for _, f := range fields[1:] {
		key, value, ok := strings.Cut(string(f), "=")
		if !ok {
			continue
		}
		ev.Env[key] = value
		switch key {
		case "ACTION":
			ev.Action = value
		case "DEVPATH":
			ev.DevPath = value
		case "SUBSYSTEM":
			ev.Subsystem = value
		}
	}
	return ev, nil
}
