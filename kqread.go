package kevent

// KQFilter allows a queue to be watched by another queue, as a [File]. Only
// [FilterRead] is supported: the queue is readable while it has ready
// events, and the event data is the ready count.
func (q *Queue) KQFilter(kn *Knote) error {
	if kn.Filter() != FilterRead {
		return ErrInvalidArgument
	}
	if kn.q == q {
		// a queue can't wait on itself
		return ErrInvalidArgument
	}
	kn.SetFilter(kqreadFilter{})
	kn.SetHook(q)
	q.sel.Insert(kn)
	q.selRefs.Add(1)
	return nil
}

// kqreadFilter watches a queue's ready count.
type kqreadFilter struct{}

func (kqreadFilter) Flags() FilterFlags { return FilterIsFD | FilterMPSafe }

func (kqreadFilter) Attach(*Knote) error { return ErrInvalidArgument }

func (kqreadFilter) Detach(kn *Knote) {
	q := kn.Hook().(*Queue)
	q.sel.Lock()
	if kn.klist == &q.sel {
		q.sel.RemoveLocked(kn)
		q.selRefs.Add(-1)
	}
	q.sel.Unlock()
}

func (kqreadFilter) Event(kn *Knote, _ int64) bool {
	q := kn.Hook().(*Queue)
	q.mu.Lock()
	n := q.count
	q.mu.Unlock()
	kn.SetData(int64(n))
	return n > 0
}
