// Package proctable is a process registry, implementing
// [kevent.ProcessTable]. It models process lifecycles (spawn, fork, exec,
// exit) without running anything, and notifies [kevent.FilterProc]
// registrations of each transition.
package proctable

import (
	"errors"
	"sync"
	"sync/atomic"

	kevent "github.com/joeycumines/go-kevent"
)

// ErrNoProcess is returned for unknown or exited pids.
var ErrNoProcess = errors.New("proctable: no such process")

// Process is a registry entry. It implements [kevent.Process].
type Process struct {
	// klist uses the default lock strategy, as required by the proc filter
	klist   kevent.Klist
	parent  *Process
	pid     int
	status  int64
	exiting atomic.Bool
}

var _ kevent.Process = (*Process)(nil)

// PID returns the process id.
func (p *Process) PID() int { return p.pid }

// PPID returns the parent process id, or zero.
func (p *Process) PPID() int {
	if p.parent == nil {
		return 0
	}
	return p.parent.pid
}

// Klist implements [kevent.Process].
func (p *Process) Klist() *kevent.Klist { return &p.klist }

// Exiting implements [kevent.Process].
func (p *Process) Exiting() bool { return p.exiting.Load() }

// ExitStatus implements [kevent.Process].
func (p *Process) ExitStatus() int64 { return p.status }

// Table is a process registry. The zero value is ready to use, and
// allocates pids starting from 1.
type Table struct {
	procs   map[int]*Process
	mu      sync.Mutex
	lastPID int
}

var _ kevent.ProcessTable = (*Table)(nil)

// FindProcess implements [kevent.ProcessTable].
func (t *Table) FindProcess(pid int) (kevent.Process, bool) {
	p, ok := t.lookup(pid)
	if !ok {
		return nil, false
	}
	return p, true
}

// Lookup returns the live process with the given pid.
func (t *Table) Lookup(pid int) (*Process, bool) {
	return t.lookup(pid)
}

func (t *Table) lookup(pid int) (*Process, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	return p, ok
}

// Spawn creates a process without a parent.
func (t *Table) Spawn() *Process {
	return t.add(nil)
}

func (t *Table) add(parent *Process) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.procs == nil {
		t.procs = make(map[int]*Process)
	}
	for {
		t.lastPID++
		if t.lastPID > int(kevent.NotePDataMask) {
			t.lastPID = 1
		}
		if _, ok := t.procs[t.lastPID]; !ok {
			break
		}
	}
	p := &Process{pid: t.lastPID, parent: parent}
	t.procs[p.pid] = p
	return p
}

// Fork creates a child of pid, then notifies watchers of the parent with
// [kevent.NoteFork].
func (t *Table) Fork(pid int) (*Process, error) {
	parent, ok := t.lookup(pid)
	if !ok {
		return nil, ErrNoProcess
	}
	child := t.add(parent)
	parent.klist.Knote(int64(kevent.NoteFork) | int64(child.pid))
	return child, nil
}

// Exec notifies watchers of pid with [kevent.NoteExec].
func (t *Table) Exec(pid int) error {
	p, ok := t.lookup(pid)
	if !ok {
		return ErrNoProcess
	}
	p.klist.Knote(int64(kevent.NoteExec))
	return nil
}

// Exit removes pid, notifies watchers with [kevent.NoteExit], reporting
// status, then invalidates any remaining registrations.
func (t *Table) Exit(pid int, status int64) error {
	t.mu.Lock()
	p, ok := t.procs[pid]
	if ok {
		delete(t.procs, pid)
	}
	t.mu.Unlock()
	if !ok {
		return ErrNoProcess
	}

	kevent.KernelLock.Lock()
	p.exiting.Store(true)
	p.status = status
	p.klist.KnoteLocked(int64(kevent.NoteExit))
	kevent.KernelLock.Unlock()

	p.klist.Invalidate()
	return nil
}
