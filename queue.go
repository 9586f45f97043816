package kevent

import (
	"math"
	"sync"
	"sync/atomic"

	catrate "github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

const (
	// knExtent is the growth increment of the descriptor lookup table.
	knExtent = 256
	// knHashSize is the initial size of the hashed lookup table.
	knHashSize = 64
	// knHashLoad is the average chain length that triggers a rehash.
	knHashLoad = 4
	// maxFDIdent is the largest ident accepted by descriptor-bound filters.
	maxFDIdent = math.MaxInt32
)

// closedChan is returned by [Queue.Ready] when the queue is already ready.
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Queue is an event queue. It owns the ready list, the registration lookup
// tables and the scan protocol. All methods are safe for concurrent use.
type Queue struct {
	logger  *logiface.Logger[logiface.Event]
	files   FileTable
	procs   ProcessTable
	clock   Clock
	limiter *catrate.Limiter
	metrics *Metrics

	// sel is the list of knotes watching this queue as a source
	sel Klist

	task     *task
	released chan struct{}
	wakeCh   chan struct{}
	selCh    chan struct{}

	// knlist is indexed by descriptor, knhash by knHash(ident)
	knlist []*Knote
	knhash []*Knote
	// orphans are knotes converted by FdClosed, which are no longer in the
	// lookup tables, until they are dropped
	orphans map[*Knote]struct{}

	arena arena
	stats counters

	// head is the sentinel of the ready list
	head readyNode

	procCond sync.Cond
	mu       sync.Mutex
	selMu    sync.Mutex

	count    int
	knhashN  int
	refs     atomic.Int32
	selRefs  atomic.Int32
	state    queueState
	sleeping bool
	// selecting is set when a Ready channel is outstanding
	selecting bool
}

// New creates a queue.
func New(opts ...Option) (*Queue, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	q := &Queue{
		logger:   cfg.logger,
		files:    cfg.files,
		procs:    cfg.procs,
		clock:    cfg.clock,
		limiter:  cfg.limiter,
		released: make(chan struct{}),
		wakeCh:   make(chan struct{}),
	}
	q.head.next = &q.head
	q.head.prev = &q.head
	q.procCond.L = &q.mu
	q.sel.Init(&q.selMu)
	q.task = &task{fn: q.runTask}
	q.refs.Store(1)
	if cfg.metrics {
		q.metrics = newMetrics()
	}

	q.logger.Debug().
		Str("category", "queue").
		Bool("metrics", cfg.metrics).
		Bool("rate_limited", cfg.limiter != nil).
		Log("queue created")

	return q, nil
}

// State returns the lifecycle state.
func (q *Queue) State() QueueState {
	return q.state.Load()
}

// Released returns a channel that is closed once the queue is closed and
// every reference to it, including in-flight scans, has been dropped.
func (q *Queue) Released() <-chan struct{} {
	return q.released
}

// Register applies a single change: add or modify ([FlagAdd]), delete
// ([FlagDelete]), enable ([FlagEnable]) or disable ([FlagDisable]) the
// registration identified by change.Ident and change.Filter.
//
// Errors are wrapped in a *[RegisterError], and leave the queue unchanged.
func (q *Queue) Register(change Kevent) error {
	change.Flags &^= sysFlags
	change.Err = nil
	err := q.register(&change)
	if q.metrics != nil {
		q.metrics.recordRegister(err)
	}
	if err != nil {
		q.logger.Debug().
			Str("category", "register").
			Uint64("ident", change.Ident).
			Str("filter", change.Filter.String()).
			Str("flags", change.Flags.String()).
			Err(err).
			Log("registration failed")
		return wrapRegisterError(&change, err)
	}
	q.logger.Trace().
		Str("category", "register").
		Uint64("ident", change.Ident).
		Str("filter", change.Filter.String()).
		Str("flags", change.Flags.String()).
		Log("registered")
	return nil
}

func (q *Queue) register(change *Kevent) error {
	fop, err := lookupFilter(change.Filter)
	if err != nil {
		return err
	}

	fdBound := fop.Flags()&FilterIsFD != 0
	add := change.Flags&FlagAdd != 0
	var fp File
	if fdBound {
		if change.Ident <= maxFDIdent && q.files != nil {
			if f, ok := q.files.Get(int(change.Ident)); ok {
				fp = f
			}
		}
		// other actions only need the registration, which is looked up
		// below, and reports not found once the descriptor is gone
		if fp == nil && add {
			return ErrInvalidSource
		}
	}

	if add && q.limiter != nil {
		if _, ok := q.limiter.Allow(change.Filter); !ok {
			return ErrResourceExhausted
		}
	}

	q.mu.Lock()

	var kn *Knote
	for {
		if q.state.Load() != StateActive {
			q.mu.Unlock()
			return ErrAlreadyDying
		}
		kn = q.lookup(change.Ident, change.Filter, fdBound)
		if kn == nil || q.acquire(kn) {
			break
		}
		// waited for another context, kn may be stale
	}

	if kn == nil {
		if !add {
			q.mu.Unlock()
			return ErrNotFound
		}

		kn = &Knote{
			q:       q,
			fop:     fop,
			fp:      fp,
			kev:     *change,
			sfflags: change.FFlags,
			sdata:   change.Data,
			status:  statusProcessing,
		}
		kn.ready.kn = kn
		kn.kev.FFlags = 0
		kn.kev.Data = 0
		// linked while processing, so concurrent adds wait, then converge
		q.attachKnote(kn, fdBound)
		q.mu.Unlock()

		if err := filterAttach(kn); err != nil {
			q.mu.Lock()
			q.detachKnote(kn)
			q.release(kn)
			q.mu.Unlock()
			return err
		}

		if fdBound && q.files.Closed(int(change.Ident), fp) {
			// the close already happened, or raced with the attach, and
			// either way the registration must not survive
			filterDetach(kn)
			q.drop(kn)
			q.logger.Warning().
				Str("category", "register").
				Uint64("ident", change.Ident).
				Str("filter", change.Filter.String()).
				Log("descriptor closed during registration, dropped")
			return nil
		}

		active := filterProcess(kn, nil)
		q.mu.Lock()
		if active {
			q.activate(kn)
		}
	} else if add {
		q.mu.Unlock()
		active, err := filterModify(change, kn)
		q.mu.Lock()
		if err != nil {
			q.release(kn)
			q.mu.Unlock()
			return err
		}
		if active {
			q.activate(kn)
		}
	}

	if change.Flags&FlagDelete != 0 {
		q.mu.Unlock()
		filterDetach(kn)
		q.drop(kn)
		return nil
	}

	if change.Flags&FlagDisable != 0 {
		kn.status |= statusDisabled
	}

	if change.Flags&FlagEnable != 0 && kn.status&statusDisabled != 0 {
		kn.status &^= statusDisabled
		q.mu.Unlock()
		active := filterProcess(kn, nil)
		q.mu.Lock()
		if active {
			q.activate(kn)
		}
	}

	q.release(kn)
	q.mu.Unlock()
	return nil
}

// knHash spreads arbitrary idents over a power of two table.
func knHash(ident uint64, mask int) int {
	return int((ident ^ (ident >> 8)) & uint64(mask))
}

// lookup finds the knote for (ident, filter). Must be called with q.mu held.
func (q *Queue) lookup(ident uint64, filter FilterTag, fdBound bool) *Knote {
	var kn *Knote
	if fdBound {
		if ident >= uint64(len(q.knlist)) {
			return nil
		}
		kn = q.knlist[ident]
	} else {
		if len(q.knhash) == 0 {
			return nil
		}
		kn = q.knhash[knHash(ident, len(q.knhash)-1)]
	}
	for ; kn != nil; kn = kn.link {
		if kn.kev.Filter == filter && kn.kev.Ident == ident {
			return kn
		}
	}
	return nil
}

// chain returns the lookup table slot for kn, growing the tables as
// required. Must be called with q.mu held.
func (q *Queue) chain(kn *Knote, fdBound bool) **Knote {
	ident := kn.kev.Ident
	if fdBound {
		if ident >= uint64(len(q.knlist)) {
			size := len(q.knlist)
			for uint64(size) <= ident {
				size += knExtent
			}
			list := make([]*Knote, size)
			copy(list, q.knlist)
			q.knlist = list
		}
		return &q.knlist[ident]
	}
	if len(q.knhash) == 0 {
		q.knhash = make([]*Knote, knHashSize)
	} else if q.knhashN >= len(q.knhash)*knHashLoad {
		q.rehash(len(q.knhash) * 2)
	}
	return &q.knhash[knHash(ident, len(q.knhash)-1)]
}

func (q *Queue) rehash(size int) {
	old := q.knhash
	q.knhash = make([]*Knote, size)
	for _, kn := range old {
		for kn != nil {
			next := kn.link
			slot := &q.knhash[knHash(kn.kev.Ident, size-1)]
			kn.link = *slot
			*slot = kn
			kn = next
		}
	}
}

// attachKnote links kn into the lookup tables, and assigns its handle. Must
// be called with q.mu held.
func (q *Queue) attachKnote(kn *Knote, fdBound bool) {
	slot := q.chain(kn, fdBound)
	kn.link = *slot
	*slot = kn
	if fdBound {
		kn.status |= statusAttached | statusFD
	} else {
		kn.status |= statusAttached
		q.knhashN++
	}
	kn.handle = q.arena.alloc(kn)
}

// detachKnote unlinks kn from the lookup tables, and invalidates its
// handle. Must be called with q.mu held.
func (q *Queue) detachKnote(kn *Knote) {
	if kn.status&statusAttached == 0 {
		return
	}
	var slot **Knote
	if kn.status&statusFD != 0 {
		slot = &q.knlist[kn.kev.Ident]
	} else {
		slot = &q.knhash[knHash(kn.kev.Ident, len(q.knhash)-1)]
		q.knhashN--
	}
	for ; *slot != nil; slot = &(*slot).link {
		if *slot == kn {
			*slot = kn.link
			break
		}
	}
	kn.link = nil
	kn.status &^= statusAttached
	q.arena.release(kn.handle)
}

// drop removes kn from every list of the queue. The caller must hold the
// processing right, and have detached the filter.
func (q *Queue) drop(kn *Knote) {
	q.mu.Lock()
	q.detachKnote(kn)
	delete(q.orphans, kn)
	if kn.status&statusQueued != 0 {
		q.dequeue(kn)
	}
	if kn.status&statusWaiting != 0 {
		kn.status &^= statusWaiting
		q.procCond.Broadcast()
	}
	q.stats.drops++
	q.mu.Unlock()
}

// ActivateHandle activates the knote referenced by h, if it still exists,
// and reports whether it did. It is the safe way to activate a knote from
// an asynchronous callback.
func (q *Queue) ActivateHandle(h Handle) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	kn := q.arena.get(h)
	if kn == nil {
		return false
	}
	q.activate(kn)
	return true
}

// HasReadyEvents reports whether a wait would harvest without blocking.
func (q *Queue) HasReadyEvents() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count != 0
}

// Ready returns a channel that is closed when the queue has ready events, or
// is closed. Each channel is closed at most once, call Ready again after
// harvesting for a new one.
func (q *Queue) Ready() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count != 0 || q.state.Load() != StateActive {
		return closedChan
	}
	if q.selCh == nil {
		q.selCh = make(chan struct{})
	}
	q.selecting = true
	return q.selCh
}

// wakeup notifies blocked scanners, and schedules the notification of
// selectors and watching queues. Must be called with q.mu held.
func (q *Queue) wakeup() {
	if q.sleeping {
		q.sleeping = false
		close(q.wakeCh)
		q.wakeCh = make(chan struct{})
	}
	if (q.selecting || q.selRefs.Load() != 0) && q.state.Load() == StateActive {
		// deferred, to avoid recursion into other queues
		q.refs.Add(1)
		if !systq.add(q.task) {
			q.unref()
		}
	}
}

func (q *Queue) runTask() {
	q.mu.Lock()
	var ch chan struct{}
	if q.selecting {
		q.selecting = false
		ch, q.selCh = q.selCh, nil
	}
	q.mu.Unlock()
	if ch != nil {
		close(ch)
	}
	if q.selRefs.Load() != 0 {
		q.sel.Knote(0)
	}
	q.logger.Trace().
		Str("category", "task").
		Log("queue wakeup delivered")
	q.unref()
}

// FdClosed must be called when descriptor fd is closed, for every queue that
// may hold registrations against it. Registrations with [FlagPoll] are
// converted to a terminal [FlagError] event, all others are dropped.
func (q *Queue) FdClosed(fd int) {
	if fd < 0 {
		return
	}
	q.removeAll(func() *Knote {
		if fd >= len(q.knlist) {
			return nil
		}
		return q.knlist[fd]
	}, false)
}

// removeAll drops every knote returned by first, which is called with q.mu
// held, until it returns nil.
func (q *Queue) removeAll(first func() *Knote, purge bool) {
	q.mu.Lock()
	for {
		kn := first()
		if kn == nil {
			break
		}
		if !q.acquire(kn) {
			continue
		}
		q.mu.Unlock()

		filterDetach(kn)

		if !purge && kn.kev.Flags&FlagPoll != 0 && kn.fop.Flags()&FilterIsFD != 0 {
			// reachable only through the ready list from here on
			q.mu.Lock()
			q.detachKnote(kn)
			if q.orphans == nil {
				q.orphans = make(map[*Knote]struct{})
			}
			q.orphans[kn] = struct{}{}
			q.mu.Unlock()
			kn.fp = nil
			kn.fop = badfdFilter{}
			kn.fop.Event(kn, 0)
			q.mu.Lock()
			kn.status &^= statusDisabled
			q.activate(kn)
			q.release(kn)
			continue
		}

		q.drop(kn)
		q.mu.Lock()
	}
	q.mu.Unlock()
}

// purge drops every knote of the queue, waiting for in-flight processing.
func (q *Queue) purge() {
	var i, j int
	q.removeAll(func() *Knote {
		for ; i < len(q.knlist); i++ {
			if q.knlist[i] != nil {
				return q.knlist[i]
			}
		}
		for ; j < len(q.knhash); j++ {
			if q.knhash[j] != nil {
				return q.knhash[j]
			}
		}
		// converted knotes, queued or mid-harvest
		for kn := range q.orphans {
			return kn
		}
		for n := q.head.next; n != &q.head; n = n.next {
			if n.kn != nil {
				return n.kn
			}
		}
		return nil
	}, true)
}

// Close tears the queue down: it marks the queue dying, wakes all blocked
// scanners, which fail with [ErrAlreadyDying], and drops every registration.
// Harvests in progress on other goroutines complete before Close returns.
// Calling Close more than once returns [ErrAlreadyDying].
func (q *Queue) Close() error {
	q.mu.Lock()
	if !q.state.TryTransition(StateActive, StateDying) {
		q.mu.Unlock()
		return ErrAlreadyDying
	}
	if q.sleeping {
		q.sleeping = false
		close(q.wakeCh)
		q.wakeCh = make(chan struct{})
	}
	if q.selCh != nil {
		close(q.selCh)
		q.selCh = nil
		q.selecting = false
	}
	q.mu.Unlock()

	q.purge()

	// queues watching this one observe eof
	q.sel.Invalidate()

	q.mu.Lock()
	if q.count != 0 {
		q.invariant("ready count %d after purge", q.count)
	}
	live := q.arena.live
	q.mu.Unlock()
	if live != 0 {
		q.invariant("%d knotes alive after purge", live)
	}

	if systq.remove(q.task) {
		q.unref()
	}

	q.logger.Debug().
		Str("category", "close").
		Log("queue closed")

	q.unref()
	return nil
}

// unref drops a reference, releasing the queue when none remain.
func (q *Queue) unref() {
	n := q.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		q.invariant("negative reference count %d", n)
	}
	q.mu.Lock()
	if q.head.next != &q.head {
		q.invariant("released with a non-empty ready list")
	}
	q.state.Store(StateReleased)
	q.mu.Unlock()
	close(q.released)
}
