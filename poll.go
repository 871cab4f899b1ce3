/* network-rngd - TCP entropy distribution daemon for Quantis USB RNG devices
 *
 * Readiness multiplexer plumbing shared between the driver loop and
 * the USB engine's before_poll/after_poll hooks
 */

package main

import (
	"time"

	"golang.org/x/sys/unix"
)

// PollSet threads the three raw fd sets and the nfds/timeout pair
// through a select(2)-based readiness wait, the same shape the
// reference implementation's quantis_usb_before_poll/after_poll pair
// expects as out-parameters, expressed as a small Go value instead of
// three fd_set* pointers.
type PollSet struct {
	Read, Write, Err unix.FdSet
	Nfds             int
}

// NewPollSet returns an empty set.
func NewPollSet() *PollSet {
	return &PollSet{}
}

// Zero clears all three fd sets and resets Nfds to 0.
func (p *PollSet) Zero() {
	p.Read = unix.FdSet{}
	p.Write = unix.FdSet{}
	p.Err = unix.FdSet{}
	p.Nfds = 0
}

// AddRead registers fd for read readiness.
func (p *PollSet) AddRead(fd int) {
	fdSet(&p.Read, fd)
	p.bump(fd)
}

// AddWrite registers fd for write readiness.
func (p *PollSet) AddWrite(fd int) {
	fdSet(&p.Write, fd)
	p.bump(fd)
}

// AddErr registers fd for exceptional-condition readiness.
func (p *PollSet) AddErr(fd int) {
	fdSet(&p.Err, fd)
	p.bump(fd)
}

func (p *PollSet) bump(fd int) {
	if p.Nfds <= fd {
		p.Nfds = fd + 1
	}
}

// IsReadable reports whether fd was marked readable after a Select
// call.
func (p *PollSet) IsReadable(fd int) bool {
	return fdIsSet(&p.Read, fd)
}

// IsWritable reports whether fd was marked writable after a Select
// call.
func (p *PollSet) IsWritable(fd int) bool {
	return fdIsSet(&p.Write, fd)
}

// IsErr reports whether fd was marked as having an exceptional
// condition after a Select call.
func (p *PollSet) IsErr(fd int) bool {
	return fdIsSet(&p.Err, fd)
}

// Select blocks until one of the registered descriptors is ready or
// timeout elapses, mutating the three fd sets in place exactly as
// select(2) does.
func (p *PollSet) Select(timeout time.Duration) (int, error) {
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	return unix.Select(p.Nfds, &p.Read, &p.Write, &p.Err, &tv)
}

// ShrinkTimeout lowers timeout to candidate if candidate is smaller,
// the rule the before_poll contract uses to fold the USB engine's own
// next-event deadline into the caller's select timeout without ever
// lengthening it.
func ShrinkTimeout(timeout *time.Duration, candidate time.Duration) {
	if candidate >= 0 && candidate < *timeout {
		*timeout = candidate
	}
}

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}
