// Package changebatch coalesces registrations, submitted from many
// goroutines, into batched changelists applied with [kevent.Queue.Kevent].
//
// Every change in a batch is applied with [kevent.FlagReceipt], so each
// submitter observes the outcome of its own change, independently of the
// rest of the batch.
package changebatch

import (
	"context"
	"errors"
	"sync"
	"time"

	kevent "github.com/joeycumines/go-kevent"
)

type (
	// Config models optional configuration, for New.
	Config struct {
		// MaxSize restricts the maximum number of changes per changelist, if
		// positive. **Defaults to 64, if 0, or Config is nil.**
		//
		// WARNING: New will panic if both MaxSize and FlushInterval are
		// disabled.
		MaxSize int

		// FlushInterval specifies the maximum duration a change waits for
		// its changelist to fill, if positive. **Defaults to 1ms, if 0, or
		// Config is nil.** If MaxSize is specified, time-based flushing can
		// be disabled, by setting this <= 0.
		FlushInterval time.Duration

		// MaxConcurrency specifies the maximum number of changelists applied
		// concurrently, if positive. **Defaults to 1, if 0, or Config is
		// nil.**
		MaxConcurrency int
	}

	// Batcher accepts changes, batching them into changelists.
	// Instances must be initialized using the New factory.
	Batcher struct {
		q             *kevent.Queue
		ctx           context.Context
		cancel        context.CancelFunc
		slots         chan struct{} // nil if unbounded
		maxSize       int
		flushInterval time.Duration
		applying      sync.WaitGroup

		mu      sync.Mutex
		pending []*Result
		flush   *time.Timer
		gen     uint64 // incremented each time pending is taken
		stopped bool
	}

	// Result is a submitted change, see [Result.Wait].
	Result struct {
		err    error
		done   chan struct{}
		Change kevent.Kevent
	}
)

// ErrStopped is returned by Submit after Shutdown or Close.
var ErrStopped = errors.New("changebatch: batcher stopped")

// New initializes a Batcher applying changes to q. The provided config may
// be nil. A panic will occur if q is nil, or invalid config is provided.
//
// The Close method and/or Shutdown method should be called when the Batcher
// is no longer needed.
func New(q *kevent.Queue, config *Config) *Batcher {
	if q == nil {
		panic(`changebatch: nil queue`)
	}

	maxSize, flushInterval, maxConcurrency := 64, time.Millisecond, 1
	if config != nil {
		if config.MaxSize != 0 {
			maxSize = config.MaxSize
		}
		if config.FlushInterval != 0 {
			flushInterval = config.FlushInterval
		}
		if config.MaxConcurrency != 0 {
			maxConcurrency = config.MaxConcurrency
		}
	}

	if flushInterval <= 0 && maxSize <= 0 {
		panic(`changebatch: one of MaxSize or FlushInterval must be specified`)
	}

	x := &Batcher{
		q:             q,
		maxSize:       maxSize,
		flushInterval: flushInterval,
	}
	if maxConcurrency > 0 {
		x.slots = make(chan struct{}, maxConcurrency)
	}
	x.ctx, x.cancel = context.WithCancel(context.Background())
	return x
}

// Shutdown prevents further changes via Submit, then waits for all pending
// changelists to be applied. An error will be returned if ctx is canceled
// prior to this, causing a forced Close.
func (x *Batcher) Shutdown(ctx context.Context) error {
	x.mu.Lock()
	x.stopped = true
	x.dispatchLocked()
	x.mu.Unlock()

	applied := make(chan struct{})
	go func() {
		x.applying.Wait()
		close(applied)
	}()

	select {
	case <-applied:
		return nil
	case <-ctx.Done():
		var err error
		if x.ctx.Err() == nil {
			err = ctx.Err()
		}
		x.cancel()
		<-applied
		return err
	}
}

// Close cancels all pending changes, and prevents further changes via
// Submit, blocking until any changelist already being applied completes.
func (x *Batcher) Close() error {
	x.cancel()

	x.mu.Lock()
	x.stopped = true
	results := x.takeLocked()
	x.mu.Unlock()

	for _, r := range results {
		r.finish(x.ctx.Err())
	}
	x.applying.Wait()
	return nil
}

// Submit schedules change, returning an error if ctx is canceled, or the
// Batcher is stopped. Use [Result.Wait] for the outcome.
func (x *Batcher) Submit(ctx context.Context, change kevent.Kevent) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r := &Result{Change: change, done: make(chan struct{})}

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.stopped || x.ctx.Err() != nil {
		return nil, ErrStopped
	}

	x.pending = append(x.pending, r)
	switch {
	case x.maxSize > 0 && len(x.pending) >= x.maxSize:
		x.dispatchLocked()
	case x.flushInterval > 0 && len(x.pending) == 1:
		gen := x.gen
		x.flush = time.AfterFunc(x.flushInterval, func() { x.flushGen(gen) })
	}

	return r, nil
}

// Register submits change, and waits for its outcome.
func (x *Batcher) Register(ctx context.Context, change kevent.Kevent) error {
	r, err := x.Submit(ctx, change)
	if err != nil {
		return err
	}
	return r.Wait(ctx)
}

// flushGen applies the pending changelist, if it is still the one the
// timer was armed for.
func (x *Batcher) flushGen(gen uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.gen == gen {
		x.dispatchLocked()
	}
}

// takeLocked detaches the pending changelist. Must be called with x.mu held.
func (x *Batcher) takeLocked() []*Result {
	results := x.pending
	x.pending = nil
	x.gen++
	if x.flush != nil {
		x.flush.Stop()
		x.flush = nil
	}
	return results
}

// dispatchLocked applies the pending changelist on its own goroutine, once a
// slot is available. Must be called with x.mu held.
func (x *Batcher) dispatchLocked() {
	results := x.takeLocked()
	if len(results) == 0 {
		return
	}
	x.applying.Add(1)
	go func() {
		defer x.applying.Done()
		if x.slots != nil {
			select {
			case x.slots <- struct{}{}:
				defer func() { <-x.slots }()
			case <-x.ctx.Done():
				finishAll(results, x.ctx.Err())
				return
			}
		}
		apply(x.ctx, x.q, results)
	}()
}

// apply registers results as one changelist. With receipts on every change,
// the queue reports one record per change, in order, and never harvests.
func apply(ctx context.Context, q *kevent.Queue, results []*Result) {
	if err := ctx.Err(); err != nil {
		finishAll(results, err)
		return
	}

	changes := make([]kevent.Kevent, len(results))
	for i, r := range results {
		changes[i] = r.Change
		changes[i].Flags |= kevent.FlagReceipt
	}
	records := make([]kevent.Kevent, len(changes))

	n, err := q.Kevent(ctx, changes, records, 0)
	if err != nil {
		finishAll(results, err)
		return
	}
	for i, r := range results {
		switch {
		case i >= n:
			r.finish(kevent.ErrAlreadyDying)
		case records[i].Err != nil:
			r.finish(&kevent.RegisterError{Err: records[i].Err, Change: r.Change})
		default:
			r.finish(nil)
		}
	}
}

func finishAll(results []*Result, err error) {
	for _, r := range results {
		r.finish(err)
	}
}

func (x *Result) finish(err error) {
	x.err = err
	close(x.done)
}

// Wait for the change to be applied, returning its error, or the error that
// prevented its changelist from being applied.
func (x *Result) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-x.done:
		return x.err
	}
}
