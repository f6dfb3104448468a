// Package devmon reads kernel change notifications: netlink uevents for a
// device class and inotify events for a single path. Reads block, so both
// monitors are meant to run on a worker listener.
package devmon

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// pollInterval bounds how long a blocked read waits before re-checking ctx.
const pollInterval = 100

// ErrStopped is returned by a handler to end a monitor loop cleanly.
var ErrStopped = errors.New("monitor stopped")

// readLoop polls fd and hands every read to handle until ctx is done,
// handle returns an error, or the descriptor fails. It closes fd on return.
func readLoop(ctx context.Context, fd int, bufSize int, handle func([]byte) error) error {
	defer unix.Close(fd)

	buf := make([]byte, bufSize)
	for {
		if ctx.Err() != nil {
			return nil
		}

		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, pollInterval)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			continue
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 && fds[0].Revents&unix.POLLIN == 0 {
			return fmt.Errorf("descriptor closed (revents %#x)", fds[0].Revents)
		}

		read, err := unix.Read(fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			// The socket buffer overflowed; events were lost but the
			// stream itself is still usable.
			if err == unix.ENOBUFS {
				if err := handle(nil); err != nil {
					return stopErr(err)
				}
				continue
			}
			return fmt.Errorf("read: %w", err)
		}
		if read == 0 {
			return errors.New("descriptor returned EOF")
		}
		if err := handle(buf[:read]); err != nil {
			return stopErr(err)
		}
	}
}

func stopErr(err error) error {
	if errors.Is(err, ErrStopped) {
		return nil
	}
	return err
}

// nullTerminated returns data up to the first NUL byte.
func nullTerminated(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}
