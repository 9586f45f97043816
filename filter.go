package kevent

import (
	"fmt"
	"sync"
)

// FilterFlags are the capability flags of a [Filter].
type FilterFlags uint8

const (
	// FilterIsFD marks descriptor-bound filters. Their idents are resolved
	// through the queue's [FileTable], and they are affected by
	// [Queue.FdClosed] and [Klist.Invalidate].
	FilterIsFD FilterFlags = 1 << iota
	// FilterMPSafe marks self-synchronizing filters. Filters without it run
	// every callback under [KernelLock].
	FilterMPSafe
)

// Filter is the contract every event source type implements.
//
// Attach binds the knote to its source, typically via [Klist.Insert]. Detach
// unbinds it, and must be idempotent. Event is called with the source list
// lock held, with the hint supplied by the source, and reports whether the
// knote is ready. Event must not block, and must not call back into the
// queue, other than through [Knote.Activate].
type Filter interface {
	Flags() FilterFlags
	Attach(kn *Knote) error
	Detach(kn *Knote)
	Event(kn *Knote, hint int64) bool
}

// Modifier may be implemented by a [Filter] to apply the parameters of a
// re-registration. It must call [Knote.ApplyChange] (under whatever lock
// Event runs under), and reports whether the knote should be activated.
// A non-nil error is returned to the caller of [Queue.Register], and the
// knote must be left as it was.
//
// Filters without it are emulated with ApplyChange then Event(kn, 0).
type Modifier interface {
	Modify(change *Kevent, kn *Knote) (bool, error)
}

// Processor may be implemented by a [Filter] to harvest events. It is called
// with the knote's processing right held, never under the source list lock,
// and reports whether the knote is still active. When active and ev is not
// nil, it must fill ev via [Knote.Submit]. A nil ev is a readiness probe.
//
// Filters without it are emulated with Event(kn, 0) then Submit, under the
// source list lock.
type Processor interface {
	Process(kn *Knote, ev *Kevent) bool
}

// KernelLock is the package wide critical section. Filters without
// [FilterMPSafe] run under it, and it is the default lock of a [Klist].
var KernelLock = &kernelLock{}

type kernelLock struct{ sync.Mutex }

var (
	// sysFilters is indexed by ^tag, i.e. -tag-1
	sysFilters = [sysFilterCount]Filter{
		fileFilter{},  // FilterRead
		fileFilter{},  // FilterWrite
		nil,           // FilterAIO
		fileFilter{},  // FilterVnode
		procFilter{},  // FilterProc
		sigFilter{},   // FilterSignal
		timerFilter{}, // FilterTimer
		fileFilter{},  // FilterDevice
		fileFilter{},  // FilterExcept
	}

	userFiltersMu sync.RWMutex
	userFilters   = map[FilterTag]Filter{}
)

// RegisterFilter installs a filter for a positive tag, replacing any previous
// one. Existing registrations are unaffected.
func RegisterFilter(tag FilterTag, f Filter) error {
	if tag <= 0 {
		return fmt.Errorf("%w: filter tag %d is reserved", ErrInvalidArgument, tag)
	}
	if f == nil {
		return fmt.Errorf("%w: nil filter", ErrInvalidArgument)
	}
	userFiltersMu.Lock()
	userFilters[tag] = f
	userFiltersMu.Unlock()
	return nil
}

// UnregisterFilter removes a filter installed by [RegisterFilter].
func UnregisterFilter(tag FilterTag) {
	userFiltersMu.Lock()
	delete(userFilters, tag)
	userFiltersMu.Unlock()
}

func lookupFilter(tag FilterTag) (Filter, error) {
	if tag < 0 {
		if int(tag) < -sysFilterCount {
			return nil, ErrInvalidFilter
		}
		if f := sysFilters[^int(tag)]; f != nil {
			return f, nil
		}
		return nil, ErrInvalidFilter
	}
	userFiltersMu.RLock()
	f := userFilters[tag]
	userFiltersMu.RUnlock()
	if f == nil {
		return nil, ErrInvalidFilter
	}
	return f, nil
}

func filterAttach(kn *Knote) error {
	f := kn.fop
	if f.Flags()&FilterMPSafe != 0 {
		return f.Attach(kn)
	}
	KernelLock.Lock()
	defer KernelLock.Unlock()
	return f.Attach(kn)
}

func filterDetach(kn *Knote) {
	f := kn.fop
	if f.Flags()&FilterMPSafe != 0 {
		f.Detach(kn)
		return
	}
	KernelLock.Lock()
	defer KernelLock.Unlock()
	f.Detach(kn)
}

// lockEmulated acquires the locks Event runs under, for the emulation of
// Modify and Process.
func lockEmulated(kn *Knote) (unlock func()) {
	var locks [2]sync.Locker
	n := 0
	if kn.fop.Flags()&FilterMPSafe == 0 {
		locks[n] = KernelLock
		n++
	}
	if kl := kn.klist; kl != nil && kl.locker() != sync.Locker(KernelLock) {
		locks[n] = kl.locker()
		n++
	}
	for i := 0; i < n; i++ {
		locks[i].Lock()
	}
	return func() {
		for i := n - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

func filterModify(change *Kevent, kn *Knote) (bool, error) {
	f := kn.fop
	if m, ok := f.(Modifier); ok {
		if f.Flags()&FilterMPSafe != 0 {
			return m.Modify(change, kn)
		}
		KernelLock.Lock()
		defer KernelLock.Unlock()
		return m.Modify(change, kn)
	}
	unlock := lockEmulated(kn)
	defer unlock()
	kn.ApplyChange(change)
	return f.Event(kn, 0), nil
}

func filterProcess(kn *Knote, ev *Kevent) bool {
	f := kn.fop
	if p, ok := f.(Processor); ok {
		if f.Flags()&FilterMPSafe != 0 {
			return p.Process(kn, ev)
		}
		KernelLock.Lock()
		defer KernelLock.Unlock()
		return p.Process(kn, ev)
	}
	unlock := lockEmulated(kn)
	defer unlock()
	var active bool
	if ev != nil && kn.kev.Flags&FlagOneShot != 0 {
		// one-shot harvests don't re-evaluate readiness
		active = true
	} else {
		active = f.Event(kn, 0)
	}
	if active {
		kn.Submit(ev)
	}
	return active
}

// seltrueFilter is always ready.
type seltrueFilter struct{}

func (seltrueFilter) Flags() FilterFlags          { return FilterIsFD | FilterMPSafe }
func (seltrueFilter) Attach(*Knote) error         { return nil }
func (seltrueFilter) Detach(*Knote)               {}
func (seltrueFilter) Event(*Knote, int64) bool    { return true }
func (seltrueFilter) Modify(c *Kevent, kn *Knote) (bool, error) {
	kn.ApplyChange(c)
	return true, nil
}

// SeltrueFilter returns a filter that always reports ready, for sources that
// are always readable or writable.
func SeltrueFilter() Filter { return seltrueFilter{} }

// deadFilter reports that the source is gone, exactly once.
type deadFilter struct{}

func (deadFilter) Flags() FilterFlags  { return FilterIsFD | FilterMPSafe }
func (deadFilter) Attach(*Knote) error { return ErrInvalidSource }
func (deadFilter) Detach(*Knote)       {}

func (deadFilter) Event(kn *Knote, _ int64) bool {
	if kn.kev.Filter == FilterExcept && kn.kev.Flags&FlagPoll == 0 {
		// there is no out-of-band data to report
		kn.kev.Flags |= FlagDisable
		return false
	}
	kn.kev.Flags |= FlagEOF | FlagOneShot
	kn.kev.Data = 0
	return true
}

func (d deadFilter) Modify(c *Kevent, kn *Knote) (bool, error) {
	kn.ApplyChange(c)
	return d.Event(kn, 0), nil
}

func (d deadFilter) Process(kn *Knote, ev *Kevent) bool {
	active := d.Event(kn, 0)
	if active {
		kn.Submit(ev)
	}
	return active
}

// badfdFilter reports that a polled descriptor was closed, exactly once.
type badfdFilter struct{}

func (badfdFilter) Flags() FilterFlags  { return FilterIsFD | FilterMPSafe }
func (badfdFilter) Attach(*Knote) error { return ErrInvalidSource }
func (badfdFilter) Detach(*Knote)       {}

func (badfdFilter) Event(kn *Knote, _ int64) bool {
	kn.kev.Flags |= FlagError | FlagOneShot
	kn.kev.Err = ErrInvalidSource
	kn.kev.Data = 0
	return true
}

func (b badfdFilter) Modify(c *Kevent, kn *Knote) (bool, error) {
	kn.ApplyChange(c)
	return b.Event(kn, 0), nil
}

func (b badfdFilter) Process(kn *Knote, ev *Kevent) bool {
	b.Event(kn, 0)
	kn.Submit(ev)
	return true
}
