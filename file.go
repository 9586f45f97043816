package kevent

// File is a descriptor object that can be a source of descriptor-bound
// events, e.g. a pipe end or a socket.
//
// KQFilter is called on registration, with the knote's filter tag set. It
// must install the object specific filter with [Knote.SetFilter], then link
// the knote into the object's [Klist], or return an error (typically
// [ErrInvalidArgument] for unsupported filters). The installed filter should
// declare [FilterIsFD].
type File interface {
	KQFilter(kn *Knote) error
}

// FileTable resolves descriptors, for descriptor-bound filters.
type FileTable interface {
	// Get returns the object open at fd.
	Get(fd int) (File, bool)
	// Closed reports whether fd no longer refers to f, which detects a close
	// racing with registration.
	Closed(fd int, f File) bool
}

// fileFilter delegates to the descriptor object.
type fileFilter struct{}

func (fileFilter) Flags() FilterFlags { return FilterIsFD | FilterMPSafe }

func (fileFilter) Attach(kn *Knote) error {
	if kn.fp == nil {
		return ErrInvalidSource
	}
	return kn.fp.KQFilter(kn)
}

// Detach, Event, and harvesting are handled by the installed filter, these
// only run when KQFilter failed to install one.

func (fileFilter) Detach(*Knote) {}

func (fileFilter) Event(*Knote, int64) bool { return false }
