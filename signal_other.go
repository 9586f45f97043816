//go:build !unix

package kevent

// sigFilter is unsupported on this platform.
type sigFilter struct{}

func (sigFilter) Flags() FilterFlags { return FilterMPSafe }

func (sigFilter) Attach(*Knote) error { return ErrInvalidFilter }

func (sigFilter) Detach(*Knote) {}

func (sigFilter) Event(*Knote, int64) bool { return false }
