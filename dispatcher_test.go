/* network-rngd - TCP entropy distribution daemon for Quantis USB RNG devices
 *
 * Dispatcher tests
 */

package main

import (
	"encoding/binary"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func readAll(t *testing.T, fd int, want int) []byte {
	t.Helper()
	out := make([]byte, 0, want)
	buf := make([]byte, want)
	for len(out) < want {
		n, err := unix.Read(fd, buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		out = append(out, buf[:n]...)
	}
	return out
}

// TestDispatcherSingleClientFullService covers the single-client
// full-service scenario: a client requests N bytes, the pool has
// N bytes available, one sweep delivers exactly one frame with the
// full payload.
func TestDispatcherSingleClientFullService(t *testing.T) {
	pool := NewEntropyPool(1024, nil)
	pool.OnRead("SN1", []byte("0123456789"))

	clients := NewClientTable(4)
	serverFd, clientFd := socketpair(t)
	clients.Add(serverFd, time.Now())
	clients.At(0).HandleRequest(10, time.Now())

	d := NewDispatcher(pool, clients, nil)
	d.SendEntropy(map[int]bool{serverFd: true})

	frame := readAll(t, clientFd, HeaderSize+10)
	length := binary.BigEndian.Uint32(frame[:HeaderSize])
	if length != 10 {
		t.Fatalf("frame length = %d, want 10", length)
	}
	if string(frame[HeaderSize:]) != "0123456789" {
		t.Fatalf("payload = %q", frame[HeaderSize:])
	}
	if pool.Available() != 0 {
		t.Fatalf("pool should be drained, has %d left", pool.Available())
	}
}

// TestDispatcherTwoClientsRoundRobinFairness covers P6: with two
// ready clients each wanting entropy and enough to go around, both
// are serviced within one sweep.
func TestDispatcherTwoClientsRoundRobinFairness(t *testing.T) {
	pool := NewEntropyPool(1024, nil)
	pool.OnRead("SN1", make([]byte, 20))

	clients := NewClientTable(4)
	s1, c1 := socketpair(t)
	s2, c2 := socketpair(t)
	clients.Add(s1, time.Now())
	clients.Add(s2, time.Now())
	clients.At(0).HandleRequest(5, time.Now())
	clients.At(1).HandleRequest(5, time.Now())

	d := NewDispatcher(pool, clients, nil)
	d.SendEntropy(map[int]bool{s1: true, s2: true})

	readAll(t, c1, HeaderSize+5)
	readAll(t, c2, HeaderSize+5)
}

// TestDispatcherOverflowEvicts covers the cumulative-request overflow
// eviction rule.
func TestDispatcherOverflowEvicts(t *testing.T) {
	c := &Client{EntropyRequested: ^uint32(0) - 1}
	ok := c.HandleRequest(5, time.Now())
	if ok {
		t.Fatalf("overflowing request should be rejected")
	}
}

// TestDispatcherIdleEviction covers P7.
func TestDispatcherIdleEviction(t *testing.T) {
	c := &Client{LastRequest: time.Now().Add(-31 * time.Second)}
	if c.IdleFor(time.Now()) < MaxIdleTime {
		t.Fatalf("client should be considered idle")
	}
}

// TestDispatcherKeepaliveZeroRequest covers the preserved quirk that a
// fresh zero-byte request behaves identically to an explicit
// keep-alive for scheduling purposes.
func TestDispatcherKeepaliveZeroRequest(t *testing.T) {
	c := &Client{}
	c.HandleRequest(0, time.Now())
	if !c.KeepalivePending {
		t.Fatalf("zero-byte request should set KeepalivePending")
	}
	if c.EntropyRequested != 0 {
		t.Fatalf("EntropyRequested = %d, want 0", c.EntropyRequested)
	}
}

// TestDispatcherFrameNeverExceedsBudget covers P4: cumulative bytes
// sent to a client never exceeds its cumulative EntropyRequested.
func TestDispatcherFrameNeverExceedsBudget(t *testing.T) {
	pool := NewEntropyPool(1024, nil)
	pool.OnRead("SN1", make([]byte, 1000))

	clients := NewClientTable(4)
	s1, c1 := socketpair(t)
	clients.Add(s1, time.Now())
	clients.At(0).HandleRequest(3, time.Now())

	d := NewDispatcher(pool, clients, nil)
	d.SendEntropy(map[int]bool{s1: true})

	frame := readAll(t, c1, HeaderSize+3)
	length := binary.BigEndian.Uint32(frame[:HeaderSize])
	if length != 3 {
		t.Fatalf("frame length = %d, want 3 (must not exceed request budget)", length)
	}
}
