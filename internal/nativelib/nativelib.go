// Package nativelib stands in for the opaque 3D-processing library this
// system drives: a single license-gated session per worker process that
// must be acquired before use and explicitly reset or released afterward.
// The real library is out of scope; this package's contract (the
// acquire/reset/release lifecycle and its failure modes) is what the rest
// of Foundry is built against.
package nativelib

import (
	"fmt"
	"sync"
)

// Session is the process-wide native-library handle. Only one exists per
// worker process, guarded by mu so Boot/task/Shutdown hooks can't race.
type Session struct {
	mu       sync.Mutex
	acquired bool
	host     string
	port     int
}

var singleton = &Session{}

// Default returns the process-wide Session.
func Default() *Session {
	return singleton
}

// Acquire connects to the license server at host:port. Acquire is
// idempotent: acquiring an already-acquired session is a no-op.
func (s *Session) Acquire(host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acquired {
		return nil
	}
	// A real client would dial the license server here; this stand-in
	// only needs to mark the session as live for the rest of Foundry to
	// exercise the acquire/reset/release contract.
	s.host, s.port = host, port
	s.acquired = true
	return nil
}

// Reset clears per-task state without releasing the license, used when
// the license was acquired once at worker startup and is reused across
// tasks.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acquired {
		return fmt.Errorf("nativelib: reset called on a session that was never acquired")
	}
	return nil
}

// Release gives the license back, used when a fresh acquire/release pair
// brackets every task rather than one acquire at startup.
func (s *Session) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acquired {
		return nil
	}
	s.acquired = false
	return nil
}

// IsAcquired reports whether the session currently holds a license.
func (s *Session) IsAcquired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired
}
