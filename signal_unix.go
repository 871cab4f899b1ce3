//go:build linux

/* network-rngd - TCP entropy distribution daemon for Quantis USB RNG devices
 *
 * Signal handling: SIGTERM/SIGINT delivered as a pollable fd via
 * signalfd, SIGPIPE ignored globally
 */

package main

import (
	"os/signal"

	"golang.org/x/sys/unix"
)

// sigsetAdd sets the bit for signum in a raw Sigset_t. x/sys/unix
// exposes Sigset_t as a flat word array rather than a constructor, so
// building the mask by hand is the normal idiom.
func sigsetAdd(set *unix.Sigset_t, signum int) {
	set.Val[(signum-1)/64] |= 1 << uint((signum-1)%64)
}

// SignalFd blocks SIGTERM and SIGINT on the calling thread and returns
// a file descriptor that becomes readable when either arrives, so the
// driver loop can fold process termination into the same select(2)
// wait it already uses for sockets and the USB engine, instead of
// relying on a Go signal channel. Must be called early, before other
// goroutines spin up additional OS threads, since the block only
// takes effect on threads that inherit this mask afterwards.
//
// SIGPIPE is ignored process-wide: the dispatcher writes directly to
// client sockets with plain write(2) rather than send(2)/MSG_NOSIGNAL.
func SignalFd() (int, error) {
	var set unix.Sigset_t
	sigsetAdd(&set, int(unix.SIGTERM))
	sigsetAdd(&set, int(unix.SIGINT))

	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil); err != nil {
		return -1, err
	}

	fd, err := unix.Signalfd(-1, &set, 0)
	if err != nil {
		return -1, err
	}

	signal.Ignore(unix.SIGPIPE)

	return fd, nil
}

// DrainSignal consumes the pending signalfd_siginfo record so the fd
// goes back to not-ready; the driver loop doesn't care which of the
// two signals arrived, both mean "shut down".
func DrainSignal(fd int) error {
	var buf [128]byte
	_, err := unix.Read(fd, buf[:])
	return err
}
