/* network-rngd - TCP entropy distribution daemon for Quantis USB RNG devices
 *
 * Raw non-blocking TCP listeners
 */

package main

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Listener is a raw, non-blocking TCP listening socket. Unlike
// net.Listener it exposes its file descriptor directly, which is what
// lets the driver loop fold it into the same select(2) set the USB
// engine's before_poll/after_poll hooks participate in.
type Listener struct {
	Fd     int
	Family int
}

// NewListeners creates the IPv4 and/or IPv6 listening sockets
// requested by the configuration, binds them to port on all local
// addresses, and puts them in the listening state with a backlog of
// 5, matching the reference daemon's socket setup exactly (SO_REUSEADDR,
// IPV6_V6ONLY on the v6 socket so it doesn't shadow the v4 one).
func NewListeners(port int, ipv4, ipv6 bool) ([]*Listener, error) {
	var listeners []*Listener

	if ipv4 {
		l, err := newListener(unix.AF_INET, port)
		if err != nil {
			closeAll(listeners)
			return nil, fmt.Errorf("IPv4 listener: %w", err)
		}
		listeners = append(listeners, l)
	}

	if ipv6 {
		l, err := newListener(unix.AF_INET6, port)
		if err != nil {
			closeAll(listeners)
			return nil, fmt.Errorf("IPv6 listener: %w", err)
		}
		listeners = append(listeners, l)
	}

	return listeners, nil
}

func closeAll(listeners []*Listener) {
	for _, l := range listeners {
		unix.Close(l.Fd)
	}
}

func newListener(family, port int) (*Listener, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	var sa unix.Sockaddr
	if family == unix.AF_INET {
		sa = &unix.SockaddrInet4{Port: port}
	} else {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("setsockopt IPV6_V6ONLY: %w", err)
		}
		sa = &unix.SockaddrInet6{Port: port}
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind: %w", err)
	}

	if err := unix.Listen(fd, 5); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set non-blocking: %w", err)
	}

	return &Listener{Fd: fd, Family: family}, nil
}

// Accept performs one non-blocking accept attempt. On success it
// returns the new fd and the peer address as a string, used only for
// logging; otherwise it returns -1, "" and the error (unix.EAGAIN when
// nothing is pending).
func (l *Listener) Accept() (int, string, error) {
	nfd, sa, err := unix.Accept4(l.Fd, unix.SOCK_NONBLOCK)
	if err != nil {
		return -1, "", err
	}

	return nfd, sockaddrString(sa), nil
}

// Close closes the listening socket.
func (l *Listener) Close() error {
	return unix.Close(l.Fd)
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%d.%d.%d.%d:%d", a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3], a.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%x]:%d", a.Addr, a.Port)
	default:
		return "unknown"
	}
}
