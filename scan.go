package kevent

import (
	"context"
	"time"
)

const (
	// Forever may be passed as a timeout to block until events are ready.
	Forever time.Duration = -1

	// scanChunk bounds each pass of a batched scan.
	scanChunk = 64
)

// scanSession is the cursor of one wait call. Its markers are inserted into
// the ready list, and are never counted or delivered.
type scanSession struct {
	q      *Queue
	start  readyNode
	end    readyNode
	nevent int
	queued bool
}

// scanSetup takes a queue reference for the duration of the session.
func (q *Queue) scanSetup(s *scanSession) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state.Load() != StateActive {
		return ErrAlreadyDying
	}
	q.refs.Add(1)
	s.q = q
	return nil
}

func (s *scanSession) finish() {
	q := s.q
	q.mu.Lock()
	if s.queued {
		s.queued = false
		s.end.remove()
	}
	q.mu.Unlock()
	q.unref()
}

// scan harvests up to len(events) events, blocking while none are ready,
// according to timeout: negative blocks indefinitely, zero never blocks,
// positive blocks until deadline.
func (s *scanSession) scan(ctx context.Context, events []Kevent, timeout time.Duration, deadline time.Time) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	q := s.q
	q.mu.Lock()
	for {
		if q.state.Load() != StateActive {
			q.mu.Unlock()
			return 0, ErrAlreadyDying
		}

		if q.count == 0 {
			// successive passes only gather more, they never block
			if timeout == 0 || s.nevent != 0 {
				q.mu.Unlock()
				return 0, nil
			}
			var remaining time.Duration
			if timeout > 0 {
				if remaining = deadline.Sub(q.clock.Now()); remaining <= 0 {
					q.mu.Unlock()
					return 0, nil
				}
			}
			if err := q.sleep(ctx, remaining); err != nil {
				q.mu.Unlock()
				return 0, err
			}
			continue
		}

		var started time.Time
		if q.metrics != nil {
			started = time.Now()
		}
		n := s.harvest(events)
		q.stats.scans++
		if q.metrics != nil {
			q.metrics.recordScan(time.Since(started), n)
		}

		if s.nevent == 0 {
			continue
		}
		q.mu.Unlock()
		return n, nil
	}
}

// sleep blocks until a wakeup, for at most d (forever if d is zero), or
// until ctx is done. Must be called with q.mu held, which is held again on
// return.
func (q *Queue) sleep(ctx context.Context, d time.Duration) error {
	q.sleeping = true
	wake := q.wakeCh
	q.stats.sleeps++
	q.mu.Unlock()

	var (
		expired chan struct{}
		timer   Stopper
	)
	if d > 0 {
		expired = make(chan struct{})
		timer = q.clock.AfterFunc(d, func() { close(expired) })
	}

	var err error
	select {
	case <-wake:
	case <-expired:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if timer != nil {
		timer.Stop()
	}

	q.mu.Lock()
	return err
}

// harvest walks the ready list between the session markers. Must be called
// with q.mu held, which is released around each filter call.
func (s *scanSession) harvest(events []Kevent) int {
	q := s.q

	// the end marker bounds the scan to the events ready now, and is moved
	// to the tail if a previous pass harvested nothing
	if !s.queued {
		q.head.insertBefore(&s.end)
		s.queued = true
	} else if s.nevent == 0 {
		s.end.remove()
		q.head.insertBefore(&s.end)
	}
	q.head.insertAfter(&s.start)

	n := 0
	for n < len(events) {
		node := s.start.next
		if node.kn == nil {
			if node == &s.end {
				break
			}
			if node == &q.head {
				q.invariant("scan reached the list head without its end marker")
			}
			// another session's marker
			s.start.remove()
			node.insertAfter(&s.start)
			continue
		}

		kn := node.kn
		if !q.acquire(kn) {
			continue
		}
		q.dequeue(kn)
		if kn.status&statusDisabled != 0 {
			q.release(kn)
			continue
		}
		q.mu.Unlock()

		ev := &events[n]
		*ev = Kevent{}
		if !filterProcess(kn, ev) {
			q.mu.Lock()
			if kn.status&statusQueued == 0 {
				kn.status &^= statusActive
			}
			q.release(kn)
			continue
		}

		switch {
		case ev.Flags&FlagOneShot != 0:
			filterDetach(kn)
			q.drop(kn)
			q.mu.Lock()

		case ev.Flags&(FlagClear|FlagDispatch) != 0:
			q.mu.Lock()
			if ev.Flags&FlagDispatch != 0 {
				kn.status |= statusDisabled
			}
			if kn.status&statusQueued == 0 {
				kn.status &^= statusActive
			}
			q.release(kn)

		default:
			q.mu.Lock()
			// still ready, after the end marker so the next scan sees it
			if kn.status&statusQueued == 0 {
				q.check()
				q.head.insertBefore(&kn.ready)
				kn.status |= statusQueued
				q.count++
				q.check()
			}
			q.release(kn)
		}

		n++
		s.nevent++
	}
	s.start.remove()
	q.stats.harvested += uint64(n)
	return n
}

// Kevent applies changes, then harvests up to len(events) events.
//
// Each change is applied as by [Queue.Register]. A change that fails, or has
// [FlagReceipt], is reported as a [FlagError] record in events, with Err set
// to the failure, or nil. When there is no room left in events, the first
// such change aborts the call with its error. If any records were
// reported, Kevent returns their count without harvesting.
//
// Otherwise, Kevent blocks according to timeout ([Forever], zero for never,
// or a duration), or until ctx is done, then harvests in passes, without
// blocking between passes, until events is full or nothing more is ready.
// Events harvested before a failure, such as the queue being closed between
// passes, are returned with a nil error.
func (q *Queue) Kevent(ctx context.Context, changes, events []Kevent, timeout time.Duration) (int, error) {
	nerrors := 0
	for i := range changes {
		change := changes[i]
		change.Flags &^= sysFlags
		change.Err = nil
		err := q.register(&change)
		if q.metrics != nil {
			q.metrics.recordRegister(err)
		}
		if err == nil && change.Flags&FlagReceipt == 0 {
			continue
		}
		if nerrors == len(events) {
			return nerrors, wrapRegisterError(&change, err)
		}
		change.Flags = FlagError
		change.Err = err
		change.Data = 0
		events[nerrors] = change
		nerrors++
	}
	if nerrors != 0 {
		return nerrors, nil
	}

	var s scanSession
	if err := q.scanSetup(&s); err != nil {
		return 0, err
	}
	defer s.finish()

	var deadline time.Time
	if timeout > 0 {
		deadline = q.clock.Now().Add(timeout)
	}

	total := 0
	for total < len(events) {
		want := min(len(events)-total, scanChunk)
		n, err := s.scan(ctx, events[total:total+want], timeout, deadline)
		total += n
		if err != nil {
			if total != 0 {
				// the next call reports it
				break
			}
			return 0, err
		}
		if n < want {
			break
		}
	}

	if total != 0 {
		q.logger.Trace().
			Str("category", "scan").
			Int("events", total).
			Log("harvested")
	}
	return total, nil
}

// Wait blocks according to timeout ([Forever], zero for never, or a
// duration), or until ctx is done, then harvests up to len(events) events,
// returning the number harvested. Timeouts return zero events and a nil
// error.
func (q *Queue) Wait(ctx context.Context, events []Kevent, timeout time.Duration) (int, error) {
	return q.Kevent(ctx, nil, events, timeout)
}
