//go:build linux || darwin

package osfd

// initialFDs is the initial size of the callback table.
const initialFDs = 1024

// maxFDLimit is the largest descriptor the poller will track.
const maxFDLimit = 100000000

type ioEvents uint32

const (
	eventRead ioEvents = 1 << iota
	eventWrite
	eventHangup
)

type ioCallback func(ioEvents)

type fdInfo struct {
	callback ioCallback
	active   bool
}

func (p *fastPoller) setCallback(fd int, cb ioCallback) error {
	if fd < 0 || fd >= maxFDLimit {
		return ErrFDOutOfRange
	}
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	if fd >= len(p.fds) {
		size := min(fd*2+1, maxFDLimit)
		fds := make([]fdInfo, size)
		copy(fds, p.fds)
		p.fds = fds
	}
	if p.fds[fd].active {
		return ErrAlreadyTracked
	}
	p.fds[fd] = fdInfo{callback: cb, active: true}
	return nil
}

func (p *fastPoller) clearCallback(fd int) bool {
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	if fd < 0 || fd >= len(p.fds) || !p.fds[fd].active {
		return false
	}
	p.fds[fd] = fdInfo{}
	return true
}

// dispatch runs the callback for fd outside the lock, so it may run once
// after UnregisterFD returns.
func (p *fastPoller) dispatch(fd int, events ioEvents) {
	if fd < 0 {
		return
	}
	p.fdMu.RLock()
	var info fdInfo
	if fd < len(p.fds) {
		info = p.fds[fd]
	}
	p.fdMu.RUnlock()
	if info.active && info.callback != nil {
		info.callback(events)
	}
}
