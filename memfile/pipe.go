package memfile

import (
	"io"
	"sync"

	kevent "github.com/joeycumines/go-kevent"
)

// DefaultPipeSize is the buffer capacity used by [NewPipe] for sizes <= 0.
const DefaultPipeSize = 4096

type pipe struct {
	buf     []byte
	rsel    kevent.Klist
	wsel    kevent.Klist
	size    int
	mu      sync.Mutex
	rclosed bool
	wclosed bool
}

// PipeReader is the read end of a pipe. It supports [kevent.FilterRead].
type PipeReader struct{ p *pipe }

// PipeWriter is the write end of a pipe. It supports [kevent.FilterWrite].
type PipeWriter struct{ p *pipe }

var (
	_ Object = (*PipeReader)(nil)
	_ Object = (*PipeWriter)(nil)
)

// NewPipe returns a connected pair of non-blocking pipe ends, buffering up
// to size bytes.
func NewPipe(size int) (*PipeReader, *PipeWriter) {
	if size <= 0 {
		size = DefaultPipeSize
	}
	p := &pipe{size: size}
	p.rsel.Init(&p.mu)
	p.wsel.Init(&p.mu)
	return &PipeReader{p}, &PipeWriter{p}
}

// Read reads buffered data. It returns [ErrWouldBlock] if the buffer is
// empty, or [io.EOF] if it is empty and the write end is closed.
func (r *PipeReader) Read(b []byte) (int, error) {
	p := r.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rclosed {
		return 0, io.ErrClosedPipe
	}
	if len(p.buf) == 0 {
		if p.wclosed {
			return 0, io.EOF
		}
		return 0, ErrWouldBlock
	}
	n := copy(b, p.buf)
	p.buf = p.buf[n:]
	if n != 0 {
		p.wsel.KnoteLocked(0)
	}
	return n, nil
}

// Buffered returns the number of bytes available to read.
func (r *PipeReader) Buffered() int {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()
	return len(r.p.buf)
}

// Close closes the read end. Writers observe [kevent.FlagEOF], and
// registrations on the read end are invalidated.
func (r *PipeReader) Close() error {
	p := r.p
	p.mu.Lock()
	if p.rclosed {
		p.mu.Unlock()
		return io.ErrClosedPipe
	}
	p.rclosed = true
	p.buf = nil
	p.wsel.KnoteLocked(0)
	p.mu.Unlock()
	p.rsel.Invalidate()
	return nil
}

// Revoke invalidates every registration on the read end, without closing
// it.
func (r *PipeReader) Revoke() { r.p.rsel.Invalidate() }

// KQFilter implements [kevent.File].
func (r *PipeReader) KQFilter(kn *kevent.Knote) error {
	if kn.Filter() != kevent.FilterRead {
		return kevent.ErrInvalidArgument
	}
	kn.SetFilter(pipeReadFilter{r.p})
	r.p.rsel.Insert(kn)
	return nil
}

// Write buffers as much of b as fits, returning [ErrWouldBlock] if nothing
// fits, or [io.ErrClosedPipe] if the read end is closed.
func (w *PipeWriter) Write(b []byte) (int, error) {
	p := w.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.wclosed || p.rclosed {
		return 0, io.ErrClosedPipe
	}
	if len(b) == 0 {
		return 0, nil
	}
	n := min(p.size-len(p.buf), len(b))
	if n == 0 {
		return 0, ErrWouldBlock
	}
	p.buf = append(p.buf, b[:n]...)
	p.rsel.KnoteLocked(0)
	return n, nil
}

// Close closes the write end. Readers observe [kevent.FlagEOF] once the
// buffer is drained, and registrations on the write end are invalidated.
func (w *PipeWriter) Close() error {
	p := w.p
	p.mu.Lock()
	if p.wclosed {
		p.mu.Unlock()
		return io.ErrClosedPipe
	}
	p.wclosed = true
	p.rsel.KnoteLocked(0)
	p.mu.Unlock()
	p.wsel.Invalidate()
	return nil
}

// Revoke invalidates every registration on the write end, without closing
// it.
func (w *PipeWriter) Revoke() { w.p.wsel.Invalidate() }

// KQFilter implements [kevent.File].
func (w *PipeWriter) KQFilter(kn *kevent.Knote) error {
	if kn.Filter() != kevent.FilterWrite {
		return kevent.ErrInvalidArgument
	}
	kn.SetFilter(pipeWriteFilter{w.p})
	w.p.wsel.Insert(kn)
	return nil
}

// pipeReadFilter reports buffered bytes. Event runs with p.mu held.
type pipeReadFilter struct{ p *pipe }

func (pipeReadFilter) Flags() kevent.FilterFlags {
	return kevent.FilterIsFD | kevent.FilterMPSafe
}

func (pipeReadFilter) Attach(*kevent.Knote) error { return nil }

func (f pipeReadFilter) Detach(kn *kevent.Knote) { f.p.rsel.Remove(kn) }

func (f pipeReadFilter) Event(kn *kevent.Knote, _ int64) bool {
	p := f.p
	kn.SetData(int64(len(p.buf)))
	if p.wclosed {
		kn.SetFlags(kevent.FlagEOF)
		return true
	}
	if kn.SFFlags()&kevent.NoteLowat != 0 {
		return kn.Data() >= kn.SData()
	}
	return kn.Data() > 0
}

// pipeWriteFilter reports free buffer space. Event runs with p.mu held.
type pipeWriteFilter struct{ p *pipe }

func (pipeWriteFilter) Flags() kevent.FilterFlags {
	return kevent.FilterIsFD | kevent.FilterMPSafe
}

func (pipeWriteFilter) Attach(*kevent.Knote) error { return nil }

func (f pipeWriteFilter) Detach(kn *kevent.Knote) { f.p.wsel.Remove(kn) }

func (f pipeWriteFilter) Event(kn *kevent.Knote, _ int64) bool {
	p := f.p
	if p.rclosed {
		kn.SetData(0)
		kn.SetFlags(kevent.FlagEOF)
		return true
	}
	kn.SetData(int64(p.size - len(p.buf)))
	if kn.SFFlags()&kevent.NoteLowat != 0 {
		return kn.Data() >= kn.SData()
	}
	return kn.Data() > 0
}
