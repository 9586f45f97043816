package kevent

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidFilter is returned when registering an unknown or unsupported
	// filter tag.
	ErrInvalidFilter = errors.New("kevent: invalid filter")

	// ErrInvalidSource is returned when a descriptor-bound ident is out of
	// range or does not resolve to an open descriptor. It is also reported by
	// the terminal event delivered for poll registrations whose descriptor was
	// closed.
	ErrInvalidSource = errors.New("kevent: invalid source")

	// ErrNotFound is returned when deleting, enabling or disabling a
	// registration that does not exist.
	ErrNotFound = errors.New("kevent: registration not found")

	// ErrResourceExhausted is returned when a resource cap is reached, e.g.
	// the maximum number of outstanding timers, or the registration rate
	// limit.
	ErrResourceExhausted = errors.New("kevent: resource exhausted")

	// ErrAlreadyDying is returned by operations on a queue that is closing or
	// closed.
	ErrAlreadyDying = errors.New("kevent: queue is dying")

	// ErrInvalidArgument is returned by filters rejecting their parameters.
	ErrInvalidArgument = errors.New("kevent: invalid argument")

	// ErrNoProcess is returned by the process filter when the target process
	// does not exist or is exiting.
	ErrNoProcess = errors.New("kevent: no such process")
)

// RegisterError reports the failure of a single change, and wraps the cause,
// which may be one of the package sentinels, or an error returned verbatim by
// a filter.
type RegisterError struct {
	Err    error
	Change Kevent
}

// Error implements the error interface.
func (e *RegisterError) Error() string {
	return fmt.Sprintf("kevent: register ident=%d filter=%s flags=%s: %v",
		e.Change.Ident, e.Change.Filter, e.Change.Flags, e.Err)
}

// Unwrap returns the underlying cause, for use with [errors.Is] and
// [errors.As].
func (e *RegisterError) Unwrap() error {
	return e.Err
}

// wrapRegisterError attaches the change to err, unless err is nil or already
// a *RegisterError.
func wrapRegisterError(change *Kevent, err error) error {
	if err == nil {
		return nil
	}
	var re *RegisterError
	if errors.As(err, &re) {
		return err
	}
	return &RegisterError{Change: *change, Err: err}
}

// invariant panics with a formatted message, after logging it, and is used
// for programming errors only.
func (q *Queue) invariant(format string, args ...any) {
	msg := fmt.Sprintf("kevent: invariant violated: "+format, args...)
	if q != nil {
		q.logger.Err().
			Str("category", "invariant").
			Log(msg)
	}
	panic(msg)
}
