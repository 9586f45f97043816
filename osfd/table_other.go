//go:build !linux && !darwin

package osfd

import (
	kevent "github.com/joeycumines/go-kevent"
)

// Table is not supported on this platform.
type Table struct{}

// File is not supported on this platform.
type File struct{}

// New returns [ErrUnsupported].
func New(opts ...Option) (*Table, error) {
	if _, err := resolveOptions(opts); err != nil {
		return nil, err
	}
	return nil, ErrUnsupported
}

func (*Table) Close() error                          { return ErrUnsupported }
func (*Table) Track(int) (*File, error)              { return nil, ErrUnsupported }
func (*Table) Untrack(int) error                     { return ErrUnsupported }
func (*Table) CloseFD(int) error                     { return ErrUnsupported }
func (*Table) Bind(*kevent.Queue)                    {}
func (*Table) Unbind(*kevent.Queue)                  {}
func (*Table) Get(int) (kevent.File, bool)           { return nil, false }
func (*Table) Closed(int, kevent.File) bool          { return true }
func (*File) Fd() int                                { return -1 }
func (*File) KQFilter(*kevent.Knote) error           { return ErrUnsupported }
