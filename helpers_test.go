package kevent

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock runs callbacks synchronously, from Advance.
type fakeClock struct {
	now    time.Time
	timers []*fakeTimer
	mu     sync.Mutex
}

type fakeTimer struct {
	when    time.Time
	c       *fakeClock
	f       func()
	stopped bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{when: c.now.Add(d), c: c, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	t.c.timers = slices.DeleteFunc(t.c.timers, func(v *fakeTimer) bool { return v == t })
	return true
}

// Advance moves the clock forward, firing due callbacks in deadline order,
// including those scheduled by callbacks.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if !t.when.After(c.now) && (next == nil || t.when.Before(next.when)) {
				next = t
			}
		}
		if next == nil {
			c.mu.Unlock()
			return
		}
		next.stopped = true
		c.timers = slices.DeleteFunc(c.timers, func(v *fakeTimer) bool { return v == next })
		c.mu.Unlock()
		next.f()
	}
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// testSource is a descriptor object with a mutex locked source list.
type testSource struct {
	kl       Klist
	data     int64
	mu       sync.Mutex
	ready    bool
	detaches int
}

func newTestSource() *testSource {
	s := new(testSource)
	s.kl.Init(&s.mu)
	return s
}

func (s *testSource) KQFilter(kn *Knote) error {
	switch kn.Filter() {
	case FilterRead, FilterExcept:
	default:
		return ErrInvalidArgument
	}
	kn.SetFilter(testFilter{s})
	s.kl.Insert(kn)
	return nil
}

// set updates the source state, notifying the list.
func (s *testSource) set(ready bool, data int64) {
	s.mu.Lock()
	s.ready = ready
	s.data = data
	s.kl.KnoteLocked(0)
	s.mu.Unlock()
}

func (s *testSource) detachCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detaches
}

type testFilter struct{ s *testSource }

func (testFilter) Flags() FilterFlags { return FilterIsFD | FilterMPSafe }

func (testFilter) Attach(*Knote) error { return nil }

func (f testFilter) Detach(kn *Knote) {
	f.s.mu.Lock()
	f.s.detaches++
	f.s.kl.RemoveLocked(kn)
	f.s.mu.Unlock()
}

func (f testFilter) Event(kn *Knote, _ int64) bool {
	kn.SetData(f.s.data)
	return f.s.ready
}

// testTable is a descriptor table.
type testTable struct {
	files map[int]File
	mu    sync.Mutex
}

func newTestTable() *testTable {
	return &testTable{files: make(map[int]File)}
}

func (t *testTable) Get(fd int) (File, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.files[fd]
	return f, ok
}

func (t *testTable) Closed(fd int, f File) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.files[fd] != f
}

func (t *testTable) install(fd int, f File) {
	t.mu.Lock()
	t.files[fd] = f
	t.mu.Unlock()
}

// close removes fd, then notifies the queues.
func (t *testTable) close(fd int, queues ...*Queue) {
	t.mu.Lock()
	delete(t.files, fd)
	t.mu.Unlock()
	for _, q := range queues {
		q.FdClosed(fd)
	}
}

func newTestQueue(t *testing.T, opts ...Option) *Queue {
	t.Helper()
	q, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// poll harvests without blocking.
func poll(t *testing.T, q *Queue, n int) []Kevent {
	t.Helper()
	events := make([]Kevent, n)
	got, err := q.Wait(context.Background(), events, 0)
	require.NoError(t, err)
	return events[:got]
}

func requireConsistent(t *testing.T, q *Queue) {
	t.Helper()
	q.mu.Lock()
	err := q.checkLocked()
	q.mu.Unlock()
	require.NoError(t, err)
}

func readChange(ident uint64, flags Flags) Kevent {
	return Kevent{Ident: ident, Filter: FilterRead, Flags: flags}
}
