/* network-rngd - TCP entropy distribution daemon for Quantis USB RNG devices
 *
 * Entropy pool manager
 */

package main

import (
	"os"
)

// EntropyPool wraps a RingBuffer with the policy for when hardware
// reads should resume: ShouldRead reports true once there is at least
// BufferSpace bytes of free space, at which point the driver loop
// re-arms reads on every idle device.
type EntropyPool struct {
	buf    *RingBuffer
	logger *Logger
	teeFd  *os.File

	bytesServed uint64
}

// NewEntropyPool creates a pool backed by a ring buffer of the given
// capacity.
func NewEntropyPool(capacity int, logger *Logger) *EntropyPool {
	return &EntropyPool{
		buf:    NewRingBuffer(capacity),
		logger: logger,
	}
}

// SetTeeFile enables writing every byte read from hardware to f before
// it reaches the ring buffer, for testability (P8).
func (p *EntropyPool) SetTeeFile(f *os.File) {
	p.teeFd = f
}

// ShouldRead reports whether the pool has enough free space to justify
// resuming hardware reads.
func (p *EntropyPool) ShouldRead() bool {
	return p.buf.Space() >= BufferSpace
}

// OnRead is the on-read callback handed to the USB engine: it tees the
// data (if a tee file is configured) and writes it into the ring
// buffer, logging any bytes dropped because the buffer was full.
func (p *EntropyPool) OnRead(serial string, data []byte) {
	if p.teeFd != nil {
		p.teeFd.Write(data)
	}

	n := p.buf.Write(data)
	if n < len(data) && p.logger != nil {
		p.logger.Begin().
			Warn('-', "%d bytes of entropy wasted (buffer full)", len(data)-n).
			Commit()
	}
}

// OnError is the on-error callback handed to the USB engine.
func (p *EntropyPool) OnError(serial string, err error) {
	if p.logger != nil {
		p.logger.Begin().
			Error('!', "USB device %s: %s", serial, err).
			Commit()
	}
}

// OnDevice is the on-device-presence callback handed to the USB
// engine.
func (p *EntropyPool) OnDevice(serial string, present bool) {
	status := "Closed"
	if present {
		status = "Opened"
	}
	if p.logger != nil {
		p.logger.Begin().
			Info(' ', "%s USB RNG device (serial number: %s)", status, serial).
			Commit()
	}
}

// Read consumes up to len(dst) bytes of entropy.
func (p *EntropyPool) Read(dst []byte) int {
	n := p.buf.Read(dst)
	p.bytesServed += uint64(n)
	return n
}

// Unread pushes back unsent entropy.
func (p *EntropyPool) Unread(data []byte) int {
	return p.buf.Unread(data)
}

// Available returns the number of entropy bytes ready to send.
func (p *EntropyPool) Available() int {
	return p.buf.Available()
}

// Space returns the number of free bytes in the pool.
func (p *EntropyPool) Space() int {
	return p.buf.Space()
}

// BytesServed returns the cumulative number of bytes read out of the
// pool since the process started.
func (p *EntropyPool) BytesServed() uint64 {
	return p.bytesServed
}
