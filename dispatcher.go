/* network-rngd - TCP entropy distribution daemon for Quantis USB RNG devices
 *
 * Round-robin entropy dispatcher
 */

package main

import (
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"
)

// Dispatcher implements the fair-share frame writer against a shared
// EntropyPool and ClientTable. One call to SendEntropy is one
// round-robin sweep: every currently-connected client is visited at
// most once, each either sent a frame (in full or in part) or skipped,
// before control returns to the driver loop.
type Dispatcher struct {
	pool    *EntropyPool
	clients *ClientTable
	logger  *Logger

	sendBuf [MaxFrameSize]byte
}

// NewDispatcher creates a dispatcher over the given pool and client
// table.
func NewDispatcher(pool *EntropyPool, clients *ClientTable, logger *Logger) *Dispatcher {
	return &Dispatcher{pool: pool, clients: clients, logger: logger}
}

// SendEntropy performs one round-robin sweep, writing frames to every
// client in writableFds that has entropy pending, a keep-alive
// pending, or a partially-sent frame in flight. It is a byte-for-byte
// port of the reference send_entropy() loop, including the three
// preserved quirks around short/failed sends documented in DESIGN.md.
func (d *Dispatcher) SendEntropy(writableFds map[int]bool) {
	checked := 0
	n := d.clients.Len()

	for checked < n && n > 0 {
		checked++

		idx := d.clients.ReceiverIndex()
		c := d.clients.At(idx)

		if !c.KeepalivePending && d.pool.Available() == 0 {
			d.clients.Advance()
			continue
		}

		var headerSize uint32
		var writeSize uint32

		switch {
		case c.HeaderBytesPending != 0:
			headerSize = c.HeaderBytesPending
			writeSize = c.EntropyPending
		case c.EntropyPending != 0:
			headerSize = 0
			writeSize = c.EntropyPending
		default:
			headerSize = HeaderSize
			writeSize = c.EntropyRequested
			if writeSize == 0 && !c.KeepalivePending {
				d.clients.Advance()
				continue
			}
		}

		sock := c.Socket
		if !writableFds[sock] {
			d.clients.Advance()
			continue
		}

		if writeSize+headerSize > MaxFrameSize {
			writeSize = MaxFrameSize - headerSize
		}
		if avail := uint32(d.pool.Available()); writeSize > avail {
			writeSize = avail
		}

		writeSize = uint32(d.pool.Read(d.sendBuf[headerSize : headerSize+writeSize]))

		if headerSize != 0 {
			if c.HeaderBytesPending == 0 {
				binary.BigEndian.PutUint32(d.sendBuf[:HeaderSize], writeSize)
			} else {
				// Incomplete header from a previous pass.
				// EntropyPending cannot have changed without
				// sending something, so the bytes already sent
				// are still valid to reconstruct from.
				var hdr [HeaderSize]byte
				binary.BigEndian.PutUint32(hdr[:], c.EntropyPending)
				offset := HeaderSize - headerSize
				copy(d.sendBuf[:headerSize], hdr[offset:])
			}
		}

		// Plain write(2) rather than send(2)/MSG_NOSIGNAL: SIGPIPE is
		// ignored process-wide (see signal_unix.go) and unix.Send
		// discards the partial-write count this loop depends on.
		sendStatus, sendErr := unix.Write(sock, d.sendBuf[:writeSize+headerSize])

		if sendErr == nil {
			c.KeepalivePending = false
			c.HeaderBytesPending = 0

			var entropySent uint32

			switch {
			case uint32(sendStatus) < headerSize:
				entropySent = 0
				c.HeaderBytesPending = headerSize - uint32(sendStatus)

				switch {
				case c.EntropyPending != 0:
					// Already mid-payload from an earlier pass; nothing to do.
				case writeSize == 0:
					c.KeepalivePending = true
				default:
					c.EntropyRequested -= writeSize
					c.EntropyPending = writeSize
				}

			case headerSize == HeaderSize:
				entropySent = uint32(sendStatus) - headerSize
				c.EntropyRequested -= writeSize
				c.EntropyPending = writeSize - entropySent

			default:
				entropySent = uint32(sendStatus) - headerSize
				c.EntropyPending -= entropySent
			}

			if entropySent < writeSize {
				// Push back writeSize-entropySent bytes starting at the
				// first unsent byte of the buffer. After a short header
				// write that range starts inside the header, so the
				// unsent header bytes go back into the pool and the last
				// headerSize-sendStatus payload bytes do not (preserved
				// quirk, see DESIGN.md).
				start := uint32(sendStatus)
				d.pool.Unread(d.sendBuf[start : start+writeSize-entropySent])
			}
		} else {
			// A third preserved quirk: the reference send_entropy()
			// unreads from the fixed send_buf+HEADER_SIZE offset here,
			// not from the local header_size actually used to fill
			// the buffer (which can be 0 for a continuation frame).
			// Kept byte-for-byte rather than "corrected" independently.
			d.pool.Unread(d.sendBuf[HeaderSize : HeaderSize+writeSize])

			if sendErr != unix.EAGAIN && sendErr != unix.EWOULDBLOCK && sendErr != unix.EINTR {
				if d.logger != nil {
					d.logger.Begin().Warn('-', "send error: %s", sendErr).Commit()
				}
			}
		}

		d.clients.Advance()
	}
}

// HandleRequest processes one accepted header-sized read from a
// client's socket: it updates the cumulative requested-entropy
// counter (with overflow detection) and the keep-alive/last-request
// bookkeeping. Returns false if the client should be evicted because
// the counter would overflow.
func (c *Client) HandleRequest(requested uint32, now time.Time) bool {
	newTotal := requested + c.EntropyRequested
	if newTotal < c.EntropyRequested {
		// Overflow; no sane way to represent the new total.
		return false
	}

	c.EntropyRequested = newTotal
	c.LastRequest = now

	if requested == 0 {
		c.KeepalivePending = true
	}

	return true
}

// IdleFor reports how long it has been since the client's last
// request, relative to now.
func (c *Client) IdleFor(now time.Time) time.Duration {
	return now.Sub(c.LastRequest)
}
