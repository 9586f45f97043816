package kevent

import (
	"sync"

	"github.com/eapache/queue"
)

// task is a deferred callback, run by the package wide task queue. A task is
// pending at most once.
type task struct {
	fn      func()
	pending bool
}

// taskQueue runs deferred work on a single worker goroutine, in FIFO order.
// It exists so that source notifications never recurse into other queues.
type taskQueue struct {
	mu      sync.Mutex
	fifo    *queue.Queue
	signal  chan struct{}
	started bool
}

var systq = newTaskQueue()

func newTaskQueue() *taskQueue {
	return &taskQueue{
		fifo:   queue.New(),
		signal: make(chan struct{}, 1),
	}
}

// add schedules t, returning false if it was already pending.
func (x *taskQueue) add(t *task) bool {
	x.mu.Lock()
	if t.pending {
		x.mu.Unlock()
		return false
	}
	t.pending = true
	x.fifo.Add(t)
	if !x.started {
		x.started = true
		go x.worker()
	}
	x.mu.Unlock()
	select {
	case x.signal <- struct{}{}:
	default:
	}
	return true
}

// remove cancels t, returning true if it was pending.
func (x *taskQueue) remove(t *task) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !t.pending {
		return false
	}
	// the stale entry is skipped by the worker
	t.pending = false
	return true
}

func (x *taskQueue) next() *task {
	x.mu.Lock()
	defer x.mu.Unlock()
	for x.fifo.Length() != 0 {
		t := x.fifo.Remove().(*task)
		if t.pending {
			t.pending = false
			return t
		}
	}
	return nil
}

func (x *taskQueue) worker() {
	for range x.signal {
		for t := x.next(); t != nil; t = x.next() {
			t.fn()
		}
	}
}

// runFunc schedules a one-off callback.
func (x *taskQueue) runFunc(fn func()) {
	x.add(&task{fn: fn})
}
