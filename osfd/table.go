//go:build linux || darwin

package osfd

import (
	"sync"
	"sync/atomic"

	kevent "github.com/joeycumines/go-kevent"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// Table tracks operating system descriptors. It implements
// [kevent.FileTable]. Instances must be created with [New].
type Table struct {
	logger *logiface.Logger[logiface.Event]
	files  map[int]*File
	queues map[*kevent.Queue]struct{}
	done   chan struct{}
	poller fastPoller
	mu     sync.Mutex
	wakeR  int
	wakeW  int
	closed atomic.Bool
}

var _ kevent.FileTable = (*Table)(nil)

// New creates a table, and starts its poller goroutine.
func New(opts ...Option) (*Table, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	t := &Table{
		logger: cfg.logger,
		files:  make(map[int]*File),
		queues: make(map[*kevent.Queue]struct{}),
		done:   make(chan struct{}),
	}
	if err := t.poller.Init(); err != nil {
		return nil, err
	}
	if t.wakeR, t.wakeW, err = createWakeFd(); err != nil {
		_ = t.poller.Close()
		return nil, err
	}
	if err := t.poller.RegisterFD(t.wakeR, t.drainWake); err != nil {
		t.closeWakeFd()
		_ = t.poller.Close()
		return nil, err
	}

	go t.run()
	return t, nil
}

func (t *Table) run() {
	defer close(t.done)
	for !t.closed.Load() {
		if _, err := t.poller.PollIO(-1); err != nil {
			if !t.closed.Load() {
				t.logger.Err().
					Str("category", "poller").
					Err(err).
					Log("poll failed, notifications stopped")
			}
			return
		}
	}
}

func (t *Table) wake() {
	buf := [8]byte{1}
	_, _ = unix.Write(t.wakeW, buf[:])
}

func (t *Table) drainWake(ioEvents) {
	var buf [64]byte
	for {
		if _, err := unix.Read(t.wakeR, buf[:]); err != nil {
			return
		}
	}
}

func (t *Table) closeWakeFd() {
	_ = unix.Close(t.wakeR)
	if t.wakeW != t.wakeR {
		_ = unix.Close(t.wakeW)
	}
}

// Close stops the poller. Tracked descriptors are left open, and every
// registration against them reports [kevent.FlagEOF].
func (t *Table) Close() error {
	if t.closed.Swap(true) {
		return ErrClosed
	}
	t.wake()
	<-t.done

	t.mu.Lock()
	files := t.files
	t.files = make(map[int]*File)
	t.mu.Unlock()

	for fd, f := range files {
		_ = t.poller.UnregisterFD(fd)
		f.invalidate()
	}
	_ = t.poller.UnregisterFD(t.wakeR)
	t.closeWakeFd()
	return t.poller.Close()
}

// Track starts tracking fd, which remains owned by the caller until
// [Table.CloseFD].
func (t *Table) Track(fd int) (*File, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if fd < 0 || fd > maxFDLimit {
		return nil, ErrFDOutOfRange
	}
	f := &File{fd: fd}
	f.rsel.Init(&f.mu)
	f.wsel.Init(&f.mu)

	t.mu.Lock()
	if _, ok := t.files[fd]; ok {
		t.mu.Unlock()
		return nil, ErrAlreadyTracked
	}
	t.files[fd] = f
	t.mu.Unlock()

	if err := t.poller.RegisterFD(fd, f.notify); err != nil {
		t.mu.Lock()
		delete(t.files, fd)
		t.mu.Unlock()
		return nil, err
	}

	t.logger.Debug().
		Str("category", "track").
		Int("fd", fd).
		Log("tracking descriptor")
	return f, nil
}

// Untrack stops tracking fd, without closing it. Registrations against it
// are removed from every bound queue.
func (t *Table) Untrack(fd int) error {
	t.mu.Lock()
	f, ok := t.files[fd]
	if ok {
		delete(t.files, fd)
	}
	queues := make([]*kevent.Queue, 0, len(t.queues))
	for q := range t.queues {
		queues = append(queues, q)
	}
	t.mu.Unlock()
	if !ok {
		return ErrNotTracked
	}

	_ = t.poller.UnregisterFD(fd)
	for _, q := range queues {
		q.FdClosed(fd)
	}
	f.invalidate()
	return nil
}

// CloseFD untracks, then closes fd.
func (t *Table) CloseFD(fd int) error {
	if err := t.Untrack(fd); err != nil {
		return err
	}
	return unix.Close(fd)
}

// Bind makes q observe [Table.Untrack] and [Table.CloseFD].
func (t *Table) Bind(q *kevent.Queue) {
	t.mu.Lock()
	t.queues[q] = struct{}{}
	t.mu.Unlock()
}

// Unbind reverses [Table.Bind].
func (t *Table) Unbind(q *kevent.Queue) {
	t.mu.Lock()
	delete(t.queues, q)
	t.mu.Unlock()
}

// Get implements [kevent.FileTable].
func (t *Table) Get(fd int) (kevent.File, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.files[fd]
	if !ok {
		return nil, false
	}
	return f, true
}

// Closed implements [kevent.FileTable].
func (t *Table) Closed(fd int, f kevent.File) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.files[fd]
	return !ok || kevent.File(cur) != f
}

// File is a tracked descriptor. It supports [kevent.FilterRead] and
// [kevent.FilterWrite].
type File struct {
	rsel kevent.Klist
	wsel kevent.Klist
	mu   sync.Mutex
	fd   int
}

// Fd returns the descriptor.
func (f *File) Fd() int { return f.fd }

// KQFilter implements [kevent.File].
func (f *File) KQFilter(kn *kevent.Knote) error {
	switch kn.Filter() {
	case kevent.FilterRead:
		kn.SetFilter(readFilter{f})
		f.rsel.Insert(kn)
	case kevent.FilterWrite:
		kn.SetFilter(writeFilter{f})
		f.wsel.Insert(kn)
	default:
		return kevent.ErrInvalidArgument
	}
	return nil
}

func (f *File) notify(events ioEvents) {
	if events&(eventRead|eventHangup) != 0 {
		f.rsel.Knote(0)
	}
	if events&(eventWrite|eventHangup) != 0 {
		f.wsel.Knote(0)
	}
}

func (f *File) invalidate() {
	f.rsel.Invalidate()
	f.wsel.Invalidate()
}

// probe returns the poll(2) revents of fd, without blocking.
func probe(fd int, events int16) (int16, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		_, err := unix.Poll(fds, 0)
		if err == unix.EINTR {
			continue
		}
		return fds[0].Revents, err
	}
}

// readFilter reports the bytes available to read, where the descriptor
// supports FIONREAD. Event runs with f.mu held.
type readFilter struct{ f *File }

func (readFilter) Flags() kevent.FilterFlags {
	return kevent.FilterIsFD | kevent.FilterMPSafe
}

func (readFilter) Attach(*kevent.Knote) error { return nil }

func (r readFilter) Detach(kn *kevent.Knote) { r.f.rsel.Remove(kn) }

func (r readFilter) Event(kn *kevent.Knote, _ int64) bool {
	revents, err := probe(r.f.fd, unix.POLLIN)
	if err != nil || revents&unix.POLLNVAL != 0 {
		kn.SetData(0)
		kn.SetFlags(kevent.FlagEOF)
		return true
	}
	if n, err := unix.IoctlGetInt(r.f.fd, ioctlInq); err == nil {
		kn.SetData(int64(n))
	}
	if revents&unix.POLLHUP != 0 {
		kn.SetFlags(kevent.FlagEOF)
		return true
	}
	if revents&(unix.POLLIN|unix.POLLERR) == 0 {
		return false
	}
	if kn.SFFlags()&kevent.NoteLowat != 0 {
		return kn.Data() >= kn.SData()
	}
	return true
}

// writeFilter reports writability. The free space is not available from
// the descriptor, so the data is always zero. Event runs with f.mu held.
type writeFilter struct{ f *File }

func (writeFilter) Flags() kevent.FilterFlags {
	return kevent.FilterIsFD | kevent.FilterMPSafe
}

func (writeFilter) Attach(*kevent.Knote) error { return nil }

func (w writeFilter) Detach(kn *kevent.Knote) { w.f.wsel.Remove(kn) }

func (w writeFilter) Event(kn *kevent.Knote, _ int64) bool {
	revents, err := probe(w.f.fd, unix.POLLOUT)
	kn.SetData(0)
	if err != nil || revents&(unix.POLLNVAL|unix.POLLHUP|unix.POLLERR) != 0 {
		kn.SetFlags(kevent.FlagEOF)
		return true
	}
	return revents&unix.POLLOUT != 0
}
