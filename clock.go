package kevent

import (
	"time"
)

// Clock is the time source and deferred callback scheduler used by timers
// and wait timeouts.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine after d.
	AfterFunc(d time.Duration, f func()) Stopper
}

// Stopper cancels a callback scheduled by [Clock.AfterFunc]. Stop reports
// whether the call prevented the callback from running.
type Stopper interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}
