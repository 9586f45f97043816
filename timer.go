package kevent

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTimerLimit is the default maximum number of outstanding timers,
// across all queues.
const DefaultTimerLimit = 4096

// minTimerPeriod is the period used for zero periods.
const minTimerPeriod = time.Millisecond

var (
	timerCount atomic.Int64
	timerLimit atomic.Int64
)

func init() {
	timerLimit.Store(DefaultTimerLimit)
}

// SetTimerLimit sets the maximum number of outstanding timers, across all
// queues, returning the previous limit. Registrations past the limit fail
// with [ErrResourceExhausted]. Existing timers are unaffected.
func SetTimerLimit(n int) int {
	return int(timerLimit.Swap(int64(n)))
}

// timerState is the hook of a timer knote.
type timerState struct {
	clock    Clock
	q        *Queue
	t        Stopper
	deadline time.Time
	mu       sync.Mutex
	period   time.Duration
	handle   Handle
	// seq invalidates callbacks armed before a modify or detach
	seq     uint64
	oneshot bool
	stopped bool
}

// timerPeriod converts the registration data to a duration, in the unit
// selected by fflags.
func timerPeriod(fflags uint32, data int64) (time.Duration, error) {
	if fflags&^noteTimerUnits != 0 || data < 0 {
		return 0, ErrInvalidArgument
	}
	var unit time.Duration
	switch fflags & noteTimerUnits {
	case NoteSeconds:
		unit = time.Second
	case NoteUSeconds:
		unit = time.Microsecond
	case NoteNSeconds:
		unit = time.Nanosecond
	default:
		unit = time.Millisecond
	}
	if data > int64(math.MaxInt64/unit) {
		return 0, ErrInvalidArgument
	}
	d := time.Duration(data) * unit
	if d < minTimerPeriod {
		d = minTimerPeriod
	}
	return d, nil
}

// timerFilter is a repeating or one-shot timer, with the period in the
// registration data. Each expiry increments the event data, which counts
// expiries since the last harvest, and [FlagClear] is always set.
type timerFilter struct{}

func (timerFilter) Flags() FilterFlags { return FilterMPSafe }

func (timerFilter) Attach(kn *Knote) error {
	period, err := timerPeriod(kn.sfflags, kn.sdata)
	if err != nil {
		return err
	}
	if timerCount.Add(1) > timerLimit.Load() {
		timerCount.Add(-1)
		return ErrResourceExhausted
	}

	kn.kev.Flags |= FlagClear
	st := &timerState{
		q:       kn.q,
		clock:   kn.q.clock,
		handle:  kn.handle,
		period:  period,
		oneshot: kn.kev.Flags&FlagOneShot != 0,
	}
	kn.hook = st

	st.mu.Lock()
	st.arm(st.clock.Now().Add(period))
	st.mu.Unlock()

	kn.q.logger.Trace().
		Str("category", "timer").
		Uint64("ident", kn.kev.Ident).
		Dur("period", period).
		Bool("oneshot", st.oneshot).
		Log("timer armed")
	return nil
}

func (timerFilter) Detach(kn *Knote) {
	st, ok := kn.hook.(*timerState)
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.stopped {
		return
	}
	st.stopped = true
	st.seq++
	if st.t != nil {
		st.t.Stop()
	}
	timerCount.Add(-1)
}

// Event only reports the pending count, expiries are counted by the timer
// callback.
func (timerFilter) Event(kn *Knote, _ int64) bool {
	return kn.kev.Data != 0
}

// Modify resets the pending count, and re-arms with the new period. An
// invalid period leaves the timer untouched.
func (timerFilter) Modify(change *Kevent, kn *Knote) (bool, error) {
	st := kn.hook.(*timerState)
	period, err := timerPeriod(change.FFlags, change.Data)
	if err != nil {
		return false, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	kn.ApplyChange(change)
	kn.kev.Data = 0
	if st.stopped {
		return false, nil
	}
	st.period = period
	if st.t != nil {
		st.t.Stop()
	}
	st.seq++
	st.arm(st.clock.Now().Add(period))
	return false, nil
}

func (timerFilter) Process(kn *Knote, ev *Kevent) bool {
	st := kn.hook.(*timerState)
	st.mu.Lock()
	defer st.mu.Unlock()
	active := kn.kev.Data != 0
	if active {
		kn.Submit(ev)
	}
	return active
}

// arm schedules the expiry at deadline. Must be called with st.mu held.
func (st *timerState) arm(deadline time.Time) {
	st.deadline = deadline
	seq := st.seq
	d := max(deadline.Sub(st.clock.Now()), 0)
	st.t = st.clock.AfterFunc(d, func() { st.expire(seq) })
}

func (st *timerState) expire(seq uint64) {
	st.mu.Lock()
	if st.stopped || st.seq != seq {
		st.mu.Unlock()
		return
	}
	kn := st.knote()
	if kn == nil {
		st.mu.Unlock()
		return
	}

	// expiries missed while the callback was delayed are counted, and the
	// next deadline stays on the original schedule
	n := int64(1)
	if !st.oneshot {
		if late := st.clock.Now().Sub(st.deadline); late >= st.period {
			n += int64(late / st.period)
		}
		st.arm(st.deadline.Add(time.Duration(n) * st.period))
	}
	if kn.kev.Data > math.MaxInt64-n {
		kn.kev.Data = math.MaxInt64
	} else {
		kn.kev.Data += n
	}
	st.mu.Unlock()

	st.q.ActivateHandle(st.handle)
}

// knote resolves the handle, returning nil if the knote was dropped.
func (st *timerState) knote() *Knote {
	st.q.mu.Lock()
	defer st.q.mu.Unlock()
	return st.q.arena.get(st.handle)
}
