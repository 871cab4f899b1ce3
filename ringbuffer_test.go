/* network-rngd - TCP entropy distribution daemon for Quantis USB RNG devices
 *
 * Ring buffer tests
 */

package main

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestRingBufferRoundTrip(t *testing.T) {
	rb := NewRingBuffer(16)

	in := []byte("hello world12345")[:16]
	n := rb.Write(in)
	if n != 16 {
		t.Fatalf("Write: got %d, want 16", n)
	}

	out := make([]byte, 16)
	n = rb.Read(out)
	if n != 16 {
		t.Fatalf("Read: got %d, want 16", n)
	}

	if !bytes.Equal(in, out) {
		t.Fatalf("round trip mismatch: %q != %q", out, in)
	}
}

func TestRingBufferWriteTruncates(t *testing.T) {
	rb := NewRingBuffer(4)

	n := rb.Write([]byte("abcdefgh"))
	if n != 4 {
		t.Fatalf("Write: got %d, want 4", n)
	}
	if rb.Available() != 4 || rb.Space() != 0 {
		t.Fatalf("unexpected state: avail=%d space=%d", rb.Available(), rb.Space())
	}

	out := make([]byte, 4)
	rb.Read(out)
	if !bytes.Equal(out, []byte("abcd")) {
		t.Fatalf("got %q, want abcd", out)
	}
}

func TestRingBufferUnreadPreservesOrderUnderTruncation(t *testing.T) {
	rb := NewRingBuffer(8)

	rb.Write([]byte("ABCDEFGH"))

	out := make([]byte, 8)
	rb.Read(out)
	if !bytes.Equal(out, []byte("ABCDEFGH")) {
		t.Fatalf("got %q", out)
	}

	// Buffer is now empty (size 0, space 8). Push back only the tail
	// half of what was read: the first 4 bytes of `out` must be the
	// ones discarded, since they were already consumed and sent by
	// the (simulated) earlier part of a bigger frame.
	rb.Write([]byte("XXXX")) // occupy half the space so only 4 bytes of room remain
	n := rb.Unread(out)
	if n != 4 {
		t.Fatalf("Unread: got %d, want 4", n)
	}

	// Reading back should now yield the preserved tail "EFGH", not "ABCD".
	got := make([]byte, 4)
	rb.Read(got)
	if !bytes.Equal(got, []byte("EFGH")) {
		t.Fatalf("Unread truncated to the wrong end: got %q, want EFGH", got)
	}

	rest := make([]byte, 4)
	rb.Read(rest)
	if !bytes.Equal(rest, []byte("XXXX")) {
		t.Fatalf("got %q, want XXXX", rest)
	}
}

func TestRingBufferMassBalance(t *testing.T) {
	rb := NewRingBuffer(37)
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 5000; i++ {
		if rb.Available()+rb.Space() != rb.Capacity() {
			t.Fatalf("mass balance violated at step %d: avail=%d space=%d cap=%d",
				i, rb.Available(), rb.Space(), rb.Capacity())
		}

		switch rng.Intn(3) {
		case 0:
			data := make([]byte, rng.Intn(20)+1)
			rb.Write(data)
		case 1:
			dst := make([]byte, rng.Intn(20)+1)
			rb.Read(dst)
		case 2:
			data := make([]byte, rng.Intn(20)+1)
			rb.Unread(data)
		}
	}
}

func TestRingBufferWrapAround(t *testing.T) {
	rb := NewRingBuffer(4)

	rb.Write([]byte("ab"))
	out := make([]byte, 2)
	rb.Read(out)

	// beg/end have now wrapped past index 2; write across the wrap boundary.
	rb.Write([]byte("cdef"))
	if rb.Available() != 4 {
		t.Fatalf("avail=%d, want 4", rb.Available())
	}

	got := make([]byte, 4)
	rb.Read(got)
	if !bytes.Equal(got, []byte("cdef")) {
		t.Fatalf("got %q, want cdef", got)
	}
}
