//go:build darwin

package osfd

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// fastPoller is a kqueue instance with EV_CLEAR registrations, used only to
// learn when descriptor state changes. Readiness itself is probed on demand.
type fastPoller struct {
	eventBuf [256]unix.Kevent_t
	fds      []fdInfo
	fdMu     sync.RWMutex
	kq       int
	closed   atomic.Bool
}

func (p *fastPoller) Init() error {
	if p.closed.Load() {
		return ErrClosed
	}
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	p.kq = kq
	p.fds = make([]fdInfo, initialFDs)
	return nil
}

func (p *fastPoller) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return unix.Close(p.kq)
}

func (p *fastPoller) RegisterFD(fd int, cb ioCallback) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := p.setCallback(fd, cb); err != nil {
		return err
	}
	if _, err := unix.Kevent(p.kq, changes(fd, unix.EV_ADD|unix.EV_ENABLE|unix.EV_CLEAR), nil, nil); err != nil {
		p.clearCallback(fd)
		return err
	}
	return nil
}

func (p *fastPoller) UnregisterFD(fd int) error {
	if !p.clearCallback(fd) {
		return ErrNotTracked
	}
	// errors are expected for descriptors already closed
	_, _ = unix.Kevent(p.kq, changes(fd, unix.EV_DELETE), nil, nil)
	return nil
}

// PollIO blocks for events, for at most timeoutMs (forever if negative),
// and dispatches them.
func (p *fastPoller) PollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64((timeoutMs % 1000) * 1000000),
		}
	}
	n, err := unix.Kevent(p.kq, nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		p.dispatch(int(p.eventBuf[i].Ident), keventToEvents(&p.eventBuf[i]))
	}
	return n, nil
}

func changes(fd int, flags uint16) []unix.Kevent_t {
	return []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags},
	}
}

func keventToEvents(kev *unix.Kevent_t) ioEvents {
	var events ioEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= eventRead
	case unix.EVFILT_WRITE:
		events |= eventWrite
	}
	if kev.Flags&(unix.EV_ERROR|unix.EV_EOF) != 0 {
		events |= eventHangup
	}
	return events
}

// createWakeFd returns a non-blocking self-pipe.
func createWakeFd() (int, int, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return 0, 0, err
		}
	}
	return fds[0], fds[1], nil
}
