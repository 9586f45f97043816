package kevent

import (
	"strconv"
	"strings"
)

// FilterTag identifies the filter a registration uses. Negative tags are the
// built-in filters, positive tags may be installed with [RegisterFilter].
type FilterTag int16

const (
	FilterRead   FilterTag = -1
	FilterWrite  FilterTag = -2
	FilterAIO    FilterTag = -3 // unsupported, always [ErrInvalidFilter]
	FilterVnode  FilterTag = -4
	FilterProc   FilterTag = -5
	FilterSignal FilterTag = -6
	FilterTimer  FilterTag = -7
	FilterDevice FilterTag = -8
	FilterExcept FilterTag = -9

	// sysFilterCount is the size of the built-in filter table.
	sysFilterCount = 9
)

var filterNames = [...]string{
	"read", "write", "aio", "vnode", "proc", "signal", "timer", "device", "except",
}

// String returns the name of a built-in filter, or the numeric tag.
func (t FilterTag) String() string {
	if t < 0 && int(t) >= -sysFilterCount {
		return filterNames[^int(t)]
	}
	return strconv.Itoa(int(t))
}

// Flags are the action and behavior flags of a [Kevent].
type Flags uint16

const (
	// actions

	FlagAdd     Flags = 0x0001 // add the registration, or modify an existing one
	FlagDelete  Flags = 0x0002 // delete the registration
	FlagEnable  Flags = 0x0004 // enable delivery, and re-probe readiness
	FlagDisable Flags = 0x0008 // disable delivery, keeping the registration

	// behavior

	FlagOneShot  Flags = 0x0010 // drop after the first harvest
	FlagClear    Flags = 0x0020 // reset filter state after each harvest
	FlagReceipt  Flags = 0x0040 // report the change outcome, don't harvest
	FlagDispatch Flags = 0x0080 // disable after each harvest

	// FlagPoll marks a generic readiness wait: when the descriptor is closed,
	// the registration is converted to a terminal [FlagError] event carrying
	// [ErrInvalidSource], instead of being dropped silently.
	FlagPoll Flags = 0x1000

	// returned values

	FlagFlag1 Flags = 0x2000 // filter specific
	FlagError Flags = 0x4000 // error, see [Kevent.Err]
	FlagEOF   Flags = 0x8000 // end of file, or the source is gone

	// sysFlags are reserved, and stripped from incoming changes.
	sysFlags = FlagFlag1 | FlagError | FlagEOF | 0x0800
)

var flagNames = [...]struct {
	f    Flags
	name string
}{
	{FlagAdd, "add"},
	{FlagDelete, "delete"},
	{FlagEnable, "enable"},
	{FlagDisable, "disable"},
	{FlagOneShot, "oneshot"},
	{FlagClear, "clear"},
	{FlagReceipt, "receipt"},
	{FlagDispatch, "dispatch"},
	{FlagPoll, "poll"},
	{FlagFlag1, "flag1"},
	{FlagError, "error"},
	{FlagEOF, "eof"},
}

// String returns the flags as a pipe separated list of names.
func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	var b strings.Builder
	for _, v := range flagNames {
		if f&v.f == 0 {
			continue
		}
		if b.Len() != 0 {
			b.WriteByte('|')
		}
		b.WriteString(v.name)
		f &^= v.f
	}
	if f != 0 {
		if b.Len() != 0 {
			b.WriteByte('|')
		}
		b.WriteString("0x")
		b.WriteString(strconv.FormatUint(uint64(f), 16))
	}
	return b.String()
}

// Filter specific fflags.
const (
	// FilterRead, FilterWrite

	NoteLowat uint32 = 0x0001 // low water mark in Data
	NoteEOF   uint32 = 0x0002 // return on EOF

	// FilterProc

	NoteExit      uint32 = 0x80000000 // process exited
	NoteFork      uint32 = 0x40000000 // process forked
	NoteExec      uint32 = 0x20000000 // process exec'd
	NotePCtrlMask uint32 = 0xf0000000 // mask for hint bits
	NotePDataMask uint32 = 0x000fffff // mask for pid

	NoteTrack    uint32 = 0x00000001 // follow across forks
	NoteTrackErr uint32 = 0x00000002 // could not track child
	NoteChild    uint32 = 0x00000004 // am a child process

	// FilterTimer

	NoteMSeconds   uint32 = 0x00000000 // data is milliseconds
	NoteSeconds    uint32 = 0x00000001 // data is seconds
	NoteUSeconds   uint32 = 0x00000002 // data is microseconds
	NoteNSeconds   uint32 = 0x00000003 // data is nanoseconds
	noteTimerUnits uint32 = 0x00000003

	// NoteSignal is or'd into the hint passed to signal source lists.
	NoteSignal int64 = 0x08000000
)

// Kevent is both the change record passed to [Queue.Register] and
// [Queue.Kevent], and the event record returned by [Queue.Wait].
type Kevent struct {
	// Udata is opaque user correlation data, returned with every event.
	Udata any
	// Err is set on records with [FlagError].
	Err error
	// Ident is the source identity, e.g. a descriptor number or pid.
	Ident uint64
	// Data is the filter specific parameter (changes) or payload (events).
	Data int64
	// FFlags are filter specific flags.
	FFlags uint32
	Filter FilterTag
	Flags  Flags
}
