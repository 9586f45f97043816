//go:build keventdebug

package kevent

const debugChecks = true
