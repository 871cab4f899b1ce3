/* network-rngd - TCP entropy distribution daemon for Quantis USB RNG devices
 *
 * Status/control socket: a raw non-blocking Unix-domain listener
 * folded into the driver loop's own select(2) set, serving a
 * connect-read-disconnect plain-text status snapshot
 */

package main

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// CtrlSocket is a non-blocking Unix-domain SOCK_STREAM listener.
type CtrlSocket struct {
	Fd   int
	Path string
}

// NewCtrlSocket creates and listens on path, removing any stale
// socket file left behind by a previous run.
func NewCtrlSocket(path string) (*CtrlSocket, error) {
	os.Remove(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("ctrlsock: socket: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ctrlsock: bind: %w", err)
	}

	if err := unix.Listen(fd, 5); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ctrlsock: listen: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ctrlsock: set non-blocking: %w", err)
	}

	os.Chmod(path, 0777)

	return &CtrlSocket{Fd: fd, Path: path}, nil
}

// Accept performs one non-blocking accept attempt, returning -1 and
// unix.EAGAIN when nothing is pending.
func (c *CtrlSocket) Accept() (int, error) {
	nfd, _, err := unix.Accept4(c.Fd, unix.SOCK_NONBLOCK)
	return nfd, err
}

// Serve writes status to fd and closes it. The status blob is small
// enough to always fit the socket's send buffer in one write, so this
// is done synchronously rather than folded into the dispatcher's
// partial-write machinery.
func (c *CtrlSocket) Serve(fd int, status Status) {
	defer unix.Close(fd)

	data := status.Format()
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil {
			return
		}
		data = data[n:]
	}
}

// Close closes the listening socket and removes the socket file.
func (c *CtrlSocket) Close() error {
	err := unix.Close(c.Fd)
	os.Remove(c.Path)
	return err
}

// CtrlSocketDial connects to a running daemon's status socket, reads
// its snapshot, and returns the raw text.
func CtrlSocketDial(path string) ([]byte, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("ctrlsock: socket: %w", err)
	}
	defer unix.Close(fd)

	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		switch err {
		case unix.ECONNREFUSED, unix.ENOENT:
			return nil, ErrNoDaemon
		case unix.EACCES, unix.EPERM:
			return nil, ErrAccess
		default:
			return nil, fmt.Errorf("ctrlsock: connect: %w", err)
		}
	}

	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil || n == 0 {
			break
		}
	}

	return out, nil
}
