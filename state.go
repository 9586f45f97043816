package kevent

import (
	"sync/atomic"
)

// QueueState is the lifecycle state of a [Queue].
//
//	StateActive (0) → StateDying (1)    [Close()]
//	StateDying (1) → StateReleased (2)  [last reference dropped]
//	StateReleased (2) → (terminal)
//
// Transitions out of StateActive use CAS, so the dying flag is set exactly
// once.
type QueueState uint32

const (
	// StateActive indicates the queue accepts registrations and scans.
	StateActive QueueState = iota
	// StateDying indicates Close has been called. Registrations and new scans
	// fail with [ErrAlreadyDying].
	StateDying
	// StateReleased indicates every reference, including in-flight scans and
	// pending wakeup tasks, has been dropped.
	StateReleased
)

// String returns a human-readable representation of the state.
func (s QueueState) String() string {
	switch s {
	case StateActive:
		return "Active"
	case StateDying:
		return "Dying"
	case StateReleased:
		return "Released"
	default:
		return "Unknown"
	}
}

// queueState is a lock-free state cell.
type queueState struct {
	v atomic.Uint32
}

func (s *queueState) Load() QueueState {
	return QueueState(s.v.Load())
}

// Store must only be used for the terminal state.
func (s *queueState) Store(state QueueState) {
	s.v.Store(uint32(state))
}

func (s *queueState) TryTransition(from, to QueueState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
