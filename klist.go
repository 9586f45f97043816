package kevent

import (
	"sync"
)

// Klist is the set of knotes interested in one event source. It is owned by
// the source, typically embedded in the source object.
//
// The zero value is ready to use, and is locked by [KernelLock]. Sources
// with their own synchronization call [Klist.Init] before first use.
type Klist struct {
	lock sync.Locker
	head *Knote
}

// NewKlist returns a source list locked by l, or by [KernelLock] if l is nil.
func NewKlist(l sync.Locker) *Klist {
	kl := new(Klist)
	kl.Init(l)
	return kl
}

// Init sets the lock strategy. Use a *sync.Mutex for an exclusive lock, or a
// *sync.RWMutex (write locked), or nil for [KernelLock]. It must not be
// called while the list is in use.
func (kl *Klist) Init(l sync.Locker) {
	kl.lock = l
	kl.head = nil
}

func (kl *Klist) locker() sync.Locker {
	if kl.lock == nil {
		return KernelLock
	}
	return kl.lock
}

// Lock acquires the list lock.
func (kl *Klist) Lock() { kl.locker().Lock() }

// Unlock releases the list lock.
func (kl *Klist) Unlock() { kl.locker().Unlock() }

// Insert links kn into the list, and is typically called by
// [Filter.Attach].
func (kl *Klist) Insert(kn *Knote) {
	kl.Lock()
	kl.InsertLocked(kn)
	kl.Unlock()
}

// InsertLocked is [Klist.Insert] with the list lock held.
func (kl *Klist) InsertLocked(kn *Knote) {
	if kn.klist != nil {
		return
	}
	kn.klist = kl
	kn.klPrev = nil
	kn.klNext = kl.head
	if kl.head != nil {
		kl.head.klPrev = kn
	}
	kl.head = kn
}

// Remove unlinks kn from the list, and is typically called by
// [Filter.Detach]. It is a no-op if kn is not on the list.
func (kl *Klist) Remove(kn *Knote) {
	kl.Lock()
	kl.RemoveLocked(kn)
	kl.Unlock()
}

// RemoveLocked is [Klist.Remove] with the list lock held.
func (kl *Klist) RemoveLocked(kn *Knote) {
	if kn.klist != kl {
		return
	}
	if kn.klPrev != nil {
		kn.klPrev.klNext = kn.klNext
	} else {
		kl.head = kn.klNext
	}
	if kn.klNext != nil {
		kn.klNext.klPrev = kn.klPrev
	}
	kn.klist, kn.klNext, kn.klPrev = nil, nil, nil
}

// Empty reports whether the list has no knotes.
func (kl *Klist) Empty() bool {
	kl.Lock()
	defer kl.Unlock()
	return kl.head == nil
}

// Knote notifies every knote on the list of a source state change, by
// calling each filter's Event with hint, and activating those that report
// ready.
func (kl *Klist) Knote(hint int64) {
	kl.Lock()
	kl.KnoteLocked(hint)
	kl.Unlock()
}

// KnoteLocked is [Klist.Knote] with the list lock held.
func (kl *Klist) KnoteLocked(hint int64) {
	for kn := kl.head; kn != nil; {
		// Event may remove kn from the list
		next := kn.klNext
		if kn.fop.Event(kn, hint) {
			kn.Activate()
		}
		kn = next
	}
}

// Invalidate is called when the source is destroyed. Every knote is
// detached, then descriptor-bound knotes are converted to report a terminal
// [FlagEOF] event exactly once, while all others are dropped silently.
func (kl *Klist) Invalidate() {
	kl.Lock()
	for kl.head != nil {
		kn := kl.head
		q := kn.q
		q.mu.Lock()
		if kn.status&statusProcessing != 0 {
			kn.status |= statusWaiting
			kl.Unlock()
			q.procCond.Wait()
			q.mu.Unlock()
			kl.Lock()
			continue
		}
		kn.status |= statusProcessing
		q.mu.Unlock()
		kl.Unlock()

		filterDetach(kn)
		// no-op unless Detach left it linked
		kl.Remove(kn)

		if kn.fop.Flags()&FilterIsFD != 0 {
			kn.fop = deadFilter{}
			active := kn.fop.Event(kn, 0)
			q.mu.Lock()
			if active {
				q.activate(kn)
			}
			q.release(kn)
			q.mu.Unlock()
			q.logger.Debug().
				Str("category", "close").
				Uint64("ident", kn.kev.Ident).
				Str("filter", kn.kev.Filter.String()).
				Log("source invalidated, reporting eof")
		} else {
			q.drop(kn)
		}

		kl.Lock()
	}
	kl.Unlock()
}
