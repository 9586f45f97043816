package kevent

// Handle is a generation checked reference to a [Knote], which stays safe
// to use after the knote is dropped: resolving a stale handle finds nothing.
// The zero Handle is never valid.
type Handle struct {
	slot uint32
	gen  uint32
}

// Valid reports whether h was ever issued.
func (h Handle) Valid() bool { return h.gen != 0 }

// arena maps handles to the live knotes of one queue. Slots are recycled
// through a free list, and each reuse bumps the slot generation. It is
// protected by the queue's mutex.
type arena struct {
	slots []arenaSlot
	free  []uint32
	live  int
}

type arenaSlot struct {
	kn  *Knote
	gen uint32
}

func (a *arena) alloc(kn *Knote) Handle {
	var slot uint32
	if n := len(a.free); n != 0 {
		slot = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		slot = uint32(len(a.slots))
		// generation 0 is reserved for the zero Handle
		a.slots = append(a.slots, arenaSlot{gen: 1})
	}
	a.slots[slot].kn = kn
	a.live++
	return Handle{slot: slot, gen: a.slots[slot].gen}
}

func (a *arena) get(h Handle) *Knote {
	if !h.Valid() || int(h.slot) >= len(a.slots) {
		return nil
	}
	s := &a.slots[h.slot]
	if s.gen != h.gen {
		return nil
	}
	return s.kn
}

func (a *arena) release(h Handle) {
	if a.get(h) == nil {
		return
	}
	s := &a.slots[h.slot]
	s.kn = nil
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	a.free = append(a.free, h.slot)
	a.live--
}
