/* network-rngd - TCP entropy distribution daemon for Quantis USB RNG devices
 *
 * Entropy pool tests
 */

package main

import (
	"testing"
)

func TestEntropyPoolShouldRead(t *testing.T) {
	p := NewEntropyPool(BufferSpace*2, nil)

	if !p.ShouldRead() {
		t.Fatalf("empty pool should want reads")
	}

	filler := make([]byte, BufferSpace*2-BufferSpace+1)
	p.OnRead("SN1", filler)

	if p.ShouldRead() {
		t.Fatalf("pool with less than BufferSpace free should not want reads")
	}
}

func TestEntropyPoolOnReadWastesOverCapacity(t *testing.T) {
	p := NewEntropyPool(8, nil)
	p.OnRead("SN1", make([]byte, 16))

	if p.Available() != 8 {
		t.Fatalf("Available = %d, want 8", p.Available())
	}
}

func TestEntropyPoolReadUnreadRoundTrip(t *testing.T) {
	p := NewEntropyPool(32, nil)
	p.OnRead("SN1", []byte("0123456789"))

	out := make([]byte, 10)
	n := p.Read(out)
	if n != 10 {
		t.Fatalf("Read = %d, want 10", n)
	}
	if p.BytesServed() != 10 {
		t.Fatalf("BytesServed = %d, want 10", p.BytesServed())
	}

	p.Unread(out[5:])
	if p.Available() != 5 {
		t.Fatalf("Available after partial unread = %d, want 5", p.Available())
	}
}
