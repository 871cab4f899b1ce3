/* network-rngd - TCP entropy distribution daemon for Quantis USB RNG devices
 *
 * Common errors
 */

package main

import (
	"errors"
)

// Sentinel errors shared across the daemon. Components wrap these with
// fmt.Errorf("...: %w", ...) to add context; callers branch on identity
// with errors.Is where it matters (in main: a busy lock file, a
// signalled shutdown, and the mapping onto exit codes).
var (
	ErrLockIsBusy   = errors.New("lock is busy")
	ErrOutOfMemory  = errors.New("not enough memory")
	ErrShutdown     = errors.New("shutdown requested")

	ErrConfiguration = errors.New("invalid configuration")
	ErrUsbInit       = errors.New("USB engine initialization failed")

	ErrUsbIO        = errors.New("USB I/O error")
	ErrUsbTimeout   = errors.New("USB transfer timed out")
	ErrUsbCancelled = errors.New("USB transfer cancelled")
	ErrUsbNoDevice  = errors.New("USB device disconnected")
	ErrUsbStall     = errors.New("USB endpoint stalled")
	ErrUsbOverflow  = errors.New("USB transfer overflow")

	ErrNetwork            = errors.New("network error")
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrIdleTimeout        = errors.New("client idle timeout")
	ErrSignalled          = errors.New("process signalled")
	ErrNoDaemon           = errors.New("network-rngd daemon not running")
	ErrAccess             = errors.New("access denied")
	ErrTooManyClients     = errors.New("too many clients")
)
