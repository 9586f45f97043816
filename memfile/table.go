// Package memfile provides in-memory descriptor objects, and a descriptor
// table, for use as event sources with the kevent package.
//
// A [Table] maps small integers to objects, like a process descriptor table.
// Queues bound to the table with [Table.Bind] are told when a descriptor is
// closed, so registrations against it are dropped, or reported as bad
// descriptors.
package memfile

import (
	"errors"
	"io"
	"sync"

	kevent "github.com/joeycumines/go-kevent"
)

var (
	// ErrBadDescriptor is returned for descriptors that are not open.
	ErrBadDescriptor = errors.New("memfile: bad descriptor")

	// ErrWouldBlock is returned by non-blocking reads and writes that cannot
	// make progress.
	ErrWouldBlock = errors.New("memfile: operation would block")
)

// Object is an open descriptor object.
type Object interface {
	kevent.File
	io.Closer
}

// Table is a descriptor table. It implements [kevent.FileTable]. The zero
// value is ready to use.
type Table struct {
	files  []Object
	queues map[*kevent.Queue]struct{}
	mu     sync.Mutex
}

var _ kevent.FileTable = (*Table)(nil)

// Install opens obj at the lowest free descriptor, and returns it.
func (t *Table) Install(obj Object) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for fd, f := range t.files {
		if f == nil {
			t.files[fd] = obj
			return fd
		}
	}
	t.files = append(t.files, obj)
	return len(t.files) - 1
}

// Get implements [kevent.FileTable].
func (t *Table) Get(fd int) (kevent.File, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.files) || t.files[fd] == nil {
		return nil, false
	}
	return t.files[fd], true
}

// Closed implements [kevent.FileTable].
func (t *Table) Closed(fd int, f kevent.File) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fd < 0 || fd >= len(t.files) || t.files[fd] == nil || kevent.File(t.files[fd]) != f
}

// Bind makes q observe descriptor closes. It should be used with a queue
// created with [kevent.WithFileTable] for this table.
func (t *Table) Bind(q *kevent.Queue) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.queues == nil {
		t.queues = make(map[*kevent.Queue]struct{})
	}
	t.queues[q] = struct{}{}
}

// Unbind reverses [Table.Bind].
func (t *Table) Unbind(q *kevent.Queue) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.queues, q)
}

// Close closes fd. Registrations against it are removed from every bound
// queue before the object itself is closed.
func (t *Table) Close(fd int) error {
	t.mu.Lock()
	if fd < 0 || fd >= len(t.files) || t.files[fd] == nil {
		t.mu.Unlock()
		return ErrBadDescriptor
	}
	obj := t.files[fd]
	t.files[fd] = nil
	queues := make([]*kevent.Queue, 0, len(t.queues))
	for q := range t.queues {
		queues = append(queues, q)
	}
	t.mu.Unlock()

	for _, q := range queues {
		q.FdClosed(fd)
	}
	return obj.Close()
}
