package kevent

// ProcessTable is the process registry used by [FilterProc].
type ProcessTable interface {
	FindProcess(pid int) (Process, bool)
}

// Process is a process that can be watched with [FilterProc].
//
// Its Klist must use the default lock strategy ([KernelLock]). The process
// notifies the list with a hint of one of [NoteExit], [NoteExec], or
// [NoteFork] or'd with the child pid, and calls [Klist.Invalidate] after
// [NoteExit].
type Process interface {
	Klist() *Klist
	// Exiting reports whether the process has started exiting.
	Exiting() bool
	// ExitStatus is reported as the data of the [NoteExit] event.
	ExitStatus() int64
}

// procFilter watches process state transitions. It is not self
// synchronizing, and every callback runs under [KernelLock].
type procFilter struct{}

func (procFilter) Flags() FilterFlags { return 0 }

func (procFilter) Attach(kn *Knote) error {
	procs := kn.q.procs
	if procs == nil || kn.kev.Ident > uint64(NotePDataMask) {
		return ErrNoProcess
	}
	p, ok := procs.FindProcess(int(kn.kev.Ident))
	if !ok || p == nil || p.Exiting() {
		return ErrNoProcess
	}
	kn.hook = p
	kn.kev.Flags |= FlagClear

	// registered by the engine, on behalf of a tracked parent
	if kn.kev.Flags&FlagFlag1 != 0 {
		kn.kev.Data = kn.sdata
		kn.kev.FFlags = NoteChild
		kn.kev.Flags &^= FlagFlag1
	}

	p.Klist().InsertLocked(kn)
	return nil
}

func (procFilter) Detach(kn *Knote) {
	p, ok := kn.hook.(Process)
	if !ok {
		return
	}
	q := kn.q
	q.mu.Lock()
	detached := kn.status&statusDetached != 0
	q.mu.Unlock()
	if detached {
		return
	}
	p.Klist().RemoveLocked(kn)
}

func (procFilter) Event(kn *Knote, hint int64) bool {
	event := uint32(hint) & NotePCtrlMask

	// record it, if the user is interested
	if kn.sfflags&event != 0 {
		kn.kev.FFlags |= event
	}

	if event == NoteExit {
		p := kn.hook.(Process)
		q := kn.q
		q.mu.Lock()
		kn.status |= statusDetached
		q.mu.Unlock()
		kn.kev.Flags |= FlagEOF | FlagOneShot
		kn.kev.Data = p.ExitStatus()
		p.Klist().RemoveLocked(kn)
		return true
	}

	if event == NoteFork && kn.sfflags&NoteTrack != 0 {
		trackChild(kn, int(uint32(hint)&NotePDataMask))
	}

	return kn.kev.FFlags != 0
}

// trackChild registers a knote for the child of a tracked process. It is
// deferred to the task queue, since the parent's list lock is held.
func trackChild(kn *Knote, child int) {
	q := kn.q
	h := kn.handle
	change := Kevent{
		Ident:  uint64(child),
		Filter: kn.kev.Filter,
		Flags:  kn.kev.Flags&^(FlagEOF|FlagError|FlagDelete|FlagDisable) | FlagAdd | FlagEnable | FlagFlag1,
		FFlags: kn.sfflags,
		Data:   int64(kn.kev.Ident),
		Udata:  kn.kev.Udata,
	}
	systq.runFunc(func() {
		err := q.register(&change)
		if err == nil {
			return
		}
		q.logger.Warning().
			Str("category", "proc").
			Int64("parent", change.Data).
			Int("child", child).
			Err(err).
			Log("failed to track child process")

		KernelLock.Lock()
		q.mu.Lock()
		parent := q.arena.get(h)
		q.mu.Unlock()
		if parent != nil {
			parent.kev.FFlags |= NoteTrackErr
		}
		KernelLock.Unlock()
		q.ActivateHandle(h)
	})
}
