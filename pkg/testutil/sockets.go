// Package testutil provides fake compositor IPC servers for tests. The
// servers listen on real unix sockets so backends are exercised through
// the same code paths they use against a live compositor.
package testutil

import (
	"bufio"
	"os"
	"sync"
	"testing"
	"time"
)

// ShortTempDir returns a temporary directory with a path short enough for
// unix socket names, removed when the test ends.
func ShortTempDir(t testing.TB) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ss")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// streamSet tracks long-lived event connections.
type streamSet struct {
	mu    sync.Mutex
	cond  *sync.Cond
	conns []*bufio.Writer
	raw   []interface{ Close() error }
}

func newStreamSet() *streamSet {
	s := &streamSet{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *streamSet) add(w *bufio.Writer, c interface{ Close() error }) {
	s.mu.Lock()
	s.conns = append(s.conns, w)
	s.raw = append(s.raw, c)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// broadcast writes line plus a newline to every stream.
func (s *streamSet) broadcast(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.conns {
		w.WriteString(line + "\n")
		w.Flush()
	}
}

func (s *streamSet) wait(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.conns) < n {
		if time.Now().After(deadline) {
			return false
		}
		s.cond.Wait()
	}
	return true
}

// drop closes every stream, simulating the compositor going away.
func (s *streamSet) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.raw {
		c.Close()
	}
	s.conns = nil
	s.raw = nil
}
