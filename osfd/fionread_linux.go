package osfd

import "golang.org/x/sys/unix"

// ioctlInq reports the bytes queued for reading.
const ioctlInq = unix.TIOCINQ
