/* network-rngd - TCP entropy distribution daemon for Quantis USB RNG devices
 *
 * Client table and round-robin bookkeeping
 */

package main

import (
	"time"
)

// Client tracks one connected TCP client's request accounting and
// framing state. Exactly one of {no frame in progress, a partial
// header queued, a partial payload queued} holds at any instant:
// HeaderBytesPending != 0 means a header is partially flushed;
// otherwise EntropyPending != 0 means a payload is partially flushed;
// otherwise nothing is in flight for this client.
type Client struct {
	Socket int

	// EntropyRequested is the cumulative bytes requested but not yet
	// sent.
	EntropyRequested uint32

	// EntropyPending is dual-purpose, exactly as in the reference
	// implementation: normally it is the payload bytes still owed for
	// the frame currently being sent; while a header write is only
	// partially flushed (HeaderBytesPending != 0) it instead holds the
	// frame's full payload length, so the header can be reconstructed
	// byte for byte on the next pass.
	EntropyPending uint32

	// KeepalivePending is set when the client's most recent request
	// was a zero-length probe (or degenerated into one after a partial
	// send), keeping it in rotation without granting new payload.
	KeepalivePending bool

	// HeaderBytesPending is how many of the 4 header bytes remain
	// unsent, 0 when no header is in flight.
	HeaderBytesPending uint32

	LastRequest time.Time
}

// ClientTable is a fixed-capacity collection of Clients with
// compaction-on-removal and a round-robin cursor shared across all
// clients for fair dispatch.
type ClientTable struct {
	clients      []Client
	capacity     int
	receiverIdx  int
}

// NewClientTable creates a table that holds up to capacity clients.
func NewClientTable(capacity int) *ClientTable {
	return &ClientTable{
		clients:  make([]Client, 0, capacity),
		capacity: capacity,
	}
}

// Len returns the number of connected clients.
func (t *ClientTable) Len() int {
	return len(t.clients)
}

// At returns a pointer to the client at index i. The pointer is only
// valid until the next Add or Remove call.
func (t *ClientTable) At(i int) *Client {
	return &t.clients[i]
}

// ReceiverIndex returns the current round-robin cursor.
func (t *ClientTable) ReceiverIndex() int {
	return t.receiverIdx
}

// Add appends a new client with the given socket fd. Returns false if
// the table is full.
func (t *ClientTable) Add(sock int, now time.Time) bool {
	if len(t.clients) == t.capacity {
		return false
	}
	t.clients = append(t.clients, Client{Socket: sock, LastRequest: now})
	return true
}

// RemoveAt removes the client at index i, compacting the table by
// shifting later entries down by one (mirroring the reference
// implementation's memmove-based removal rather than a swap-with-last,
// since the receiver index adjustment below depends on that ordering).
//
// The receiver index adjustment is preserved exactly as in the
// reference implementation, including its asymmetric behavior: any
// removal at or before the cursor decrements the cursor by one
// (clamped to zero), even when the removed index is the cursor itself
// — which leaves the cursor one slot earlier, on the client just
// before the removed one, than a naive "correct" adjustment (keeping
// the cursor on the client that slid into the removed slot) would.
// This doesn't break fairness (P6): the cursor still visits
// every surviving client once per sweep, just not always starting
// where a fresh pass would.
func (t *ClientTable) RemoveAt(i int) {
	if i < 0 || i >= len(t.clients) {
		return
	}

	copy(t.clients[i:], t.clients[i+1:])
	t.clients = t.clients[:len(t.clients)-1]

	if t.receiverIdx >= i {
		t.receiverIdx--
		if t.receiverIdx < 0 {
			t.receiverIdx = 0
		}
	}
}

// Advance moves the round-robin cursor to the next client, wrapping
// to zero.
func (t *ClientTable) Advance() {
	t.receiverIdx++
	if t.receiverIdx >= len(t.clients) || t.receiverIdx < 0 {
		t.receiverIdx = 0
	}
}
