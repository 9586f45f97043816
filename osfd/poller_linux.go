//go:build linux

package osfd

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// fastPoller is an edge triggered epoll instance, used only to learn when
// descriptor state changes. Readiness itself is probed on demand.
type fastPoller struct {
	eventBuf [256]unix.EpollEvent
	fds      []fdInfo
	fdMu     sync.RWMutex
	epfd     int
	closed   atomic.Bool
}

func (p *fastPoller) Init() error {
	if p.closed.Load() {
		return ErrClosed
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = epfd
	p.fds = make([]fdInfo, initialFDs)
	return nil
}

func (p *fastPoller) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return unix.Close(p.epfd)
}

func (p *fastPoller) RegisterFD(fd int, cb ioCallback) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := p.setCallback(fd, cb); err != nil {
		return err
	}
	ev := &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLPRI | unix.EPOLLET,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		p.clearCallback(fd)
		return err
	}
	return nil
}

func (p *fastPoller) UnregisterFD(fd int) error {
	if !p.clearCallback(fd) {
		return ErrNotTracked
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// PollIO blocks for events, for at most timeoutMs (forever if negative),
// and dispatches them.
func (p *fastPoller) PollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		p.dispatch(int(p.eventBuf[i].Fd), epollToEvents(p.eventBuf[i].Events))
	}
	return n, nil
}

func epollToEvents(epollEvents uint32) ioEvents {
	var events ioEvents
	if epollEvents&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLPRI) != 0 {
		events |= eventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= eventWrite
	}
	if epollEvents&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		events |= eventRead | eventWrite | eventHangup
	}
	return events
}

// createWakeFd returns an eventfd, as both the read and write end.
func createWakeFd() (int, int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	return fd, fd, err
}
