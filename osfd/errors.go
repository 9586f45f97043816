// Package osfd makes operating system descriptors usable as event sources
// with the kevent package.
//
// A [Table] tracks descriptors handed to it, and implements
// [kevent.FileTable]. Descriptor state changes are learned from an edge
// triggered epoll (linux) or kqueue (darwin) instance, run on a dedicated
// goroutine, while readiness and the event data are probed on demand with
// poll(2) and FIONREAD. Other platforms are not supported.
package osfd

import (
	"errors"
)

var (
	// ErrClosed is returned by operations on a closed [Table].
	ErrClosed = errors.New("osfd: table closed")
	// ErrNotTracked is returned for descriptors the table does not track.
	ErrNotTracked = errors.New("osfd: fd not tracked")
	// ErrAlreadyTracked is returned by [Table.Track] for duplicates.
	ErrAlreadyTracked = errors.New("osfd: fd already tracked")
	// ErrFDOutOfRange is returned for negative or very large descriptors.
	ErrFDOutOfRange = errors.New("osfd: fd out of range")
	// ErrUnsupported is returned by [New] on unsupported platforms.
	ErrUnsupported = errors.New("osfd: unsupported platform")
)
