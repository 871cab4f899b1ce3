/* network-rngd - TCP entropy distribution daemon for Quantis USB RNG devices
 *
 * Client table tests
 */

package main

import (
	"testing"
	"time"
)

func TestClientTableAddRemove(t *testing.T) {
	ct := NewClientTable(4)
	now := time.Now()

	for i := 0; i < 4; i++ {
		if !ct.Add(100+i, now) {
			t.Fatalf("Add %d failed", i)
		}
	}
	if ct.Add(999, now) {
		t.Fatalf("Add succeeded on full table")
	}
	if ct.Len() != 4 {
		t.Fatalf("Len = %d, want 4", ct.Len())
	}
}

// TestRoundRobinCursorRemovalAtOrBeforeCursor pins the reference
// implementation's client_remove_by_index cursor rule: removing a
// client at or before the current cursor always decrements the
// cursor by one (clamped at zero), even when the removed client IS
// the one the cursor currently points to. This is preserved
// deliberately — see the RemoveAt doc comment and DESIGN.md.
func TestRoundRobinCursorRemovalAtOrBeforeCursor(t *testing.T) {
	ct := NewClientTable(4)
	now := time.Now()
	for i := 0; i < 4; i++ {
		ct.Add(100+i, now)
	}

	ct.Advance() // cursor -> 1
	ct.Advance() // cursor -> 2
	if ct.ReceiverIndex() != 2 {
		t.Fatalf("cursor = %d, want 2", ct.ReceiverIndex())
	}

	// Remove the client the cursor currently points at (index 2).
	ct.RemoveAt(2)
	if ct.ReceiverIndex() != 1 {
		t.Fatalf("cursor after removal = %d, want 1 (preserved quirk)", ct.ReceiverIndex())
	}

	// Remaining sockets should be 100,101,103 in order.
	want := []int{100, 101, 103}
	if ct.Len() != 3 {
		t.Fatalf("Len = %d, want 3", ct.Len())
	}
	for i, sock := range want {
		if ct.At(i).Socket != sock {
			t.Fatalf("client[%d].Socket = %d, want %d", i, ct.At(i).Socket, sock)
		}
	}
}

func TestRoundRobinCursorClampedAtZero(t *testing.T) {
	ct := NewClientTable(2)
	now := time.Now()
	ct.Add(1, now)
	ct.Add(2, now)

	ct.RemoveAt(0)
	if ct.ReceiverIndex() != 0 {
		t.Fatalf("cursor = %d, want 0", ct.ReceiverIndex())
	}
}

func TestRoundRobinFairness(t *testing.T) {
	ct := NewClientTable(8)
	now := time.Now()
	for i := 0; i < 5; i++ {
		ct.Add(i, now)
	}

	visits := make(map[int]int)
	for i := 0; i < ct.Len(); i++ {
		visits[ct.ReceiverIndex()]++
		ct.Advance()
	}

	for i := 0; i < 5; i++ {
		if visits[i] != 1 {
			t.Fatalf("client %d visited %d times in one sweep, want 1", i, visits[i])
		}
	}
}
