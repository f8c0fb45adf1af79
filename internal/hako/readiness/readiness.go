// Package readiness implements the worker's three-state readiness machine.
//
// A worker starts NotReady, becomes Ready exactly once after its package is
// loaded and registered, and moves to Failed (terminal) on unrecoverable
// startup errors. Failed never regresses; a restart creates a fresh State.
// Only the worker's own startup logic writes; the health and invocation
// surfaces read concurrently, so reads are lock-free.
package readiness

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bdobrica/Hosuto/common/spec/wcp"
)

// Phase is one of the three readiness phases.
type Phase int

const (
	NotReady Phase = iota
	Ready
	Failed
)

// String returns the wire form of the phase.
func (p Phase) String() string {
	switch p {
	case Ready:
		return wcp.StateReady
	case Failed:
		return wcp.StateFailed
	default:
		return wcp.StateNotReady
	}
}

// Snapshot is an immutable view of the machine at one point in time.
type Snapshot struct {
	Phase Phase
	// Reason is the failure class when Phase is Failed (e.g. "corrupt").
	Reason string
}

// State is the worker's readiness machine. The zero value is not usable;
// call New.
type State struct {
	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[Snapshot]
}

// New returns a State in the NotReady phase.
func New() *State {
	s := &State{}
	s.snap.Store(&Snapshot{Phase: NotReady})
	return s
}

// Current returns the present snapshot without blocking.
func (s *State) Current() Snapshot {
	return *s.snap.Load()
}

// MarkReady transitions NotReady → Ready. Any other starting phase is an
// error and leaves the state untouched.
func (s *State) MarkReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	if cur.Phase != NotReady {
		return fmt.Errorf("readiness: cannot mark ready from %s", cur.Phase)
	}
	s.snap.Store(&Snapshot{Phase: Ready})
	return nil
}

// MarkFailed transitions NotReady|Ready → Failed with the given failure
// class. Marking an already-failed state again is an error; the original
// reason is preserved.
func (s *State) MarkFailed(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	if cur.Phase == Failed {
		return fmt.Errorf("readiness: already failed (%s)", cur.Reason)
	}
	s.snap.Store(&Snapshot{Phase: Failed, Reason: reason})
	return nil
}
