package devmon

import (
	"context"
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Event masks used by the services.
const (
	InOpen         = unix.IN_OPEN
	InCloseWrite   = unix.IN_CLOSE_WRITE
	InCloseNowrite = unix.IN_CLOSE_NOWRITE
	InModify       = unix.IN_MODIFY
	InDeleteSelf   = unix.IN_DELETE_SELF
	InIgnored      = unix.IN_IGNORED
)

// InotifyEvent is one decoded inotify record.
type InotifyEvent struct {
	Mask uint32
	Name string
}

// Has reports whether any of the bits in mask are set.
func (e InotifyEvent) Has(mask uint32) bool {
	return e.Mask&mask != 0
}

// Inotify watches one path.
type Inotify struct {
	fd   int
	path string
}

// WatchPath installs an inotify watch for mask on path.
func WatchPath(path string, mask uint32) (*Inotify, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify_init1: %w", err)
	}
	if _, err := unix.InotifyAddWatch(fd, path, mask); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("inotify_add_watch on %s: %w", path, err)
	}
	return &Inotify{fd: fd, path: path}, nil
}

// Path returns the watched path.
func (w *Inotify) Path() string {
	return w.path
}

// Run delivers events to fn until ctx is done or fn returns an error.
// Returning ErrStopped from fn ends the loop without error. The watch is
// released when Run returns.
func (w *Inotify) Run(ctx context.Context, fn func(InotifyEvent) error) error {
	return readLoop(ctx, w.fd, 4096, func(buf []byte) error {
		for _, ev := range ParseInotify(buf) {
			if err := fn(ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// ParseInotify decodes a buffer of raw inotify_event records:
//
//	struct inotify_event {
//	    int32_t  wd;     // offset 0
//	    uint32_t mask;   // offset 4
//	    uint32_t cookie; // offset 8
//	    uint32_t len;    // offset 12
//	    char     name[]; // offset 16, NUL padded
//	};
func ParseInotify(buf []byte) []InotifyEvent {
	var events []InotifyEvent
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buf) {
		mask := binary.NativeEndian.Uint32(buf[offset+4 : offset+8])
		nameLen := int(binary.NativeEndian.Uint32(buf[offset+12 : offset+16]))
		size := unix.SizeofInotifyEvent + nameLen
		if offset+size > len(buf) {
			break
		}

		ev := InotifyEvent{Mask: mask}
		if nameLen > 0 {
			ev.Name = nullTerminated(buf[offset+unix.SizeofInotifyEvent : offset+size])
		}
		events = append(events, ev)
		offset += size
	}
	return events
}
