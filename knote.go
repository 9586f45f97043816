package kevent

// knote status bits, protected by the owning queue's mutex
const (
	statusActive     uint16 = 1 << iota // event has been triggered
	statusQueued                        // event is on the ready list
	statusDisabled                      // event is disabled
	statusDetached                      // knote is detached from its source
	statusProcessing                    // knote is being processed
	statusWaiting                       // waiting on processing
	statusAttached                      // knote is linked into the lookup tables
	statusFD                            // knote is in the descriptor table
)

// readyNode is a ready list entry. Scan session markers are nodes with a nil
// knote.
type readyNode struct {
	prev, next *readyNode
	kn         *Knote
}

// Knote is a single registration, unique per (ident, filter) pair within its
// queue.
//
// The exported methods are for [Filter] implementations. Unless noted
// otherwise, they must be called from filter callbacks, under the lock the
// filter's Event runs under.
type Knote struct {
	kev Kevent

	q    *Queue
	fop  Filter
	fp   File
	hook any

	klist          *Klist
	klNext, klPrev *Knote

	// link chains knotes within one lookup table slot
	link *Knote

	ready readyNode

	sdata   int64
	handle  Handle
	sfflags uint32
	status  uint16
}

// Queue returns the owning queue.
func (kn *Knote) Queue() *Queue { return kn.q }

// Ident returns the source identity.
func (kn *Knote) Ident() uint64 { return kn.kev.Ident }

// Filter returns the filter tag.
func (kn *Knote) Filter() FilterTag { return kn.kev.Filter }

// Flags returns the knote's flags.
func (kn *Knote) Flags() Flags { return kn.kev.Flags }

// SetFlags ors f into the knote's flags, e.g. [FlagEOF].
func (kn *Knote) SetFlags(f Flags) { kn.kev.Flags |= f }

// SFFlags returns the fflags supplied with the most recent registration.
func (kn *Knote) SFFlags() uint32 { return kn.sfflags }

// SData returns the data supplied with the most recent registration.
func (kn *Knote) SData() int64 { return kn.sdata }

// FFlags returns the pending fflags.
func (kn *Knote) FFlags() uint32 { return kn.kev.FFlags }

// SetFFlags replaces the pending fflags.
func (kn *Knote) SetFFlags(v uint32) { kn.kev.FFlags = v }

// Data returns the pending data.
func (kn *Knote) Data() int64 { return kn.kev.Data }

// SetData replaces the pending data.
func (kn *Knote) SetData(v int64) { kn.kev.Data = v }

// SetErr sets the error reported with [FlagError].
func (kn *Knote) SetErr(err error) { kn.kev.Err = err }

// Hook returns the filter private state.
func (kn *Knote) Hook() any { return kn.hook }

// SetHook replaces the filter private state.
func (kn *Knote) SetHook(v any) { kn.hook = v }

// File returns the descriptor object a descriptor-bound knote was resolved
// to, or nil.
func (kn *Knote) File() File { return kn.fp }

// SetFilter replaces the knote's filter. It may only be called by
// [File.KQFilter], to install the object specific filter.
func (kn *Knote) SetFilter(f Filter) { kn.fop = f }

// Handle returns the generation checked handle of the knote, for use from
// asynchronous callbacks, see [Queue.ActivateHandle].
func (kn *Knote) Handle() Handle { return kn.handle }

// ApplyChange stores the parameters of a re-registration.
func (kn *Knote) ApplyChange(change *Kevent) {
	kn.sfflags = change.FFlags
	kn.sdata = change.Data
	kn.kev.Udata = change.Udata
}

// Submit copies the knote's event into ev, then resets the pending fflags
// and data if the knote has [FlagClear]. It does nothing if ev is nil.
func (kn *Knote) Submit(ev *Kevent) {
	if ev == nil {
		return
	}
	*ev = kn.kev
	if kn.kev.Flags&FlagClear != 0 {
		kn.kev.FFlags = 0
		kn.kev.Data = 0
	}
}

// Activate marks the knote active, and places it on the ready list unless it
// is already queued or disabled. It may be called from any context that does
// not hold the owning queue's lock.
func (kn *Knote) Activate() {
	q := kn.q
	q.mu.Lock()
	q.activate(kn)
	q.mu.Unlock()
}

// activate must be called with q.mu held.
func (q *Queue) activate(kn *Knote) {
	kn.status |= statusActive
	if kn.status&(statusQueued|statusDisabled) == 0 {
		q.enqueue(kn)
	}
	q.stats.activations++
}

// acquire claims the processing right of kn. When another context holds it,
// acquire waits for its release, and returns false, in which case kn may
// have been dropped and must be looked up again. Must be called with q.mu
// held, which is held again on return.
func (q *Queue) acquire(kn *Knote) bool {
	if kn.status&statusProcessing != 0 {
		kn.status |= statusWaiting
		q.procCond.Wait()
		return false
	}
	kn.status |= statusProcessing
	return true
}

// release gives up the processing right, waking all waiters. Must be called
// with q.mu held.
func (q *Queue) release(kn *Knote) {
	if kn.status&statusProcessing == 0 {
		q.invariant("release of knote ident=%d filter=%s without processing", kn.kev.Ident, kn.kev.Filter)
	}
	if kn.status&statusWaiting != 0 {
		kn.status &^= statusWaiting
		q.procCond.Broadcast()
	}
	kn.status &^= statusProcessing
}

func (q *Queue) enqueue(kn *Knote) {
	if kn.status&statusQueued != 0 {
		q.invariant("enqueue of queued knote ident=%d filter=%s", kn.kev.Ident, kn.kev.Filter)
	}
	q.check()
	q.head.insertBefore(&kn.ready)
	kn.status |= statusQueued
	q.count++
	q.check()
	q.wakeup()
}

func (q *Queue) dequeue(kn *Knote) {
	if kn.status&statusQueued == 0 {
		q.invariant("dequeue of unqueued knote ident=%d filter=%s", kn.kev.Ident, kn.kev.Filter)
	}
	q.check()
	kn.ready.remove()
	kn.status &^= statusQueued
	q.count--
	q.check()
}

// insertBefore links n before x, i.e. at the tail when x is the list head.
func (x *readyNode) insertBefore(n *readyNode) {
	n.prev = x.prev
	n.next = x
	x.prev.next = n
	x.prev = n
}

// insertAfter links n after x.
func (x *readyNode) insertAfter(n *readyNode) {
	n.next = x.next
	n.prev = x
	x.next.prev = n
	x.next = n
}

func (x *readyNode) remove() {
	x.prev.next = x.next
	x.next.prev = x.prev
	x.prev, x.next = nil, nil
}
