/* network-rngd - TCP entropy distribution daemon for Quantis USB RNG devices
 *
 * Driver loop: a single select(2)-based event loop folding together
 * the TCP listeners, the status socket, per-client I/O, the signalfd,
 * and the USB engine's before_poll/after_poll readiness contract
 */

package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Server owns every piece of state one running daemon needs: the
// entropy pool, client table, dispatcher, USB engine, listening
// sockets, optional status socket and DNS-SD publisher, and the
// signalfd used to fold process termination into the same select(2)
// wait as everything else.
type Server struct {
	cfg *Config

	pool       *EntropyPool
	clients    *ClientTable
	dispatcher *Dispatcher
	engine     *UsbEngine

	listeners []*Listener
	ctrl      *CtrlSocket
	dnssd     *DnsSdPublisher

	sigFd int
}

// NewServer builds every component a running daemon needs, in the
// order that lets an early failure clean up everything constructed so
// far.
func NewServer(cfg *Config) (*Server, error) {
	s := &Server{cfg: cfg}

	s.pool = NewEntropyPool(cfg.BufferSize, Log)
	if cfg.TeeFile != "" {
		f, err := os.OpenFile(cfg.TeeFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_SYNC, 0600)
		if err != nil {
			return nil, fmt.Errorf("%w: tee file: %s", ErrConfiguration, err)
		}
		s.pool.SetTeeFile(f)
	}

	s.clients = NewClientTable(MaxClients)
	s.dispatcher = NewDispatcher(s.pool, s.clients, Log)

	engine, err := NewUsbEngine(s.pool.OnRead, s.pool.OnError, s.pool.OnDevice, shouldOpenQuantis, Log)
	if err != nil {
		return nil, err
	}
	s.engine = engine
	s.engine.SetPool(s.pool)

	if err := s.engine.EnableHotplug(true); err != nil {
		s.engine.Close()
		return nil, err
	}

	listeners, err := NewListeners(cfg.Port, cfg.IPv4Enable, cfg.IPv6Enable)
	if err != nil {
		s.engine.Close()
		return nil, fmt.Errorf("%w: %s", ErrNetwork, err)
	}
	s.listeners = listeners

	ctrl, err := NewCtrlSocket(cfg.StatusSocketPath)
	if err != nil {
		s.closeListeners()
		s.engine.Close()
		return nil, fmt.Errorf("%w: status socket: %s", ErrNetwork, err)
	}
	s.ctrl = ctrl

	sigFd, err := SignalFd()
	if err != nil {
		s.ctrl.Close()
		s.closeListeners()
		s.engine.Close()
		return nil, err
	}
	s.sigFd = sigFd

	if cfg.AdvertiseEnable {
		var services DnsSdServices
		services.Add(DnsSdSvcInfo{Type: "_entropy._tcp", Port: cfg.Port})
		s.dnssd = NewDnsSdPublisher(services)
		if err := s.dnssd.Publish(cfg.AdvertiseName); err != nil {
			Log.Begin().Warn('-', "DNS-SD: %s", err).Commit()
			s.dnssd = nil
		}
	}

	return s, nil
}

func (s *Server) closeListeners() {
	for _, l := range s.listeners {
		l.Close()
	}
}

// Close releases every resource NewServer acquired.
func (s *Server) Close() {
	if s.dnssd != nil {
		s.dnssd.Unpublish()
	}
	unix.Close(s.sigFd)
	s.ctrl.Close()
	s.closeListeners()
	s.engine.Close()
}

// Run executes the driver loop until a termination signal arrives or
// an unrecoverable error occurs.
func (s *Server) Run() error {
	ps := NewPollSet()

	for {
		ps.Zero()
		ps.AddRead(s.sigFd)
		for _, l := range s.listeners {
			ps.AddRead(l.Fd)
			ps.AddErr(l.Fd)
		}
		ps.AddRead(s.ctrl.Fd)

		writable := make(map[int]bool)
		for i := 0; i < s.clients.Len(); i++ {
			c := s.clients.At(i)
			ps.AddRead(c.Socket)
			ps.AddErr(c.Socket)
			if s.pool.Available() > 0 || c.KeepalivePending || c.EntropyPending != 0 || c.HeaderBytesPending != 0 {
				ps.AddWrite(c.Socket)
			}
		}

		timeout := selectTimeout
		if err := s.engine.BeforePoll(ps, &timeout); err != nil {
			return err
		}

		n, err := ps.Select(timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("%w: select: %s", ErrNetwork, err)
		}

		if err := s.engine.AfterPoll(n == 0, ps); err != nil {
			return err
		}

		if ps.IsReadable(s.sigFd) {
			DrainSignal(s.sigFd)
			return ErrSignalled
		}

		for _, l := range s.listeners {
			if ps.IsErr(l.Fd) {
				return fmt.Errorf("%w: listener fd %d: exceptional condition", ErrNetwork, l.Fd)
			}
		}

		s.acceptClients(ps)
		s.acceptStatus(ps)
		s.serviceClients(ps, writable)
		s.evictIdle()

		if s.pool.ShouldRead() {
			s.engine.ReadAll()
		}
	}
}

func (s *Server) acceptClients(ps *PollSet) {
	now := time.Now()
	for _, l := range s.listeners {
		if !ps.IsReadable(l.Fd) {
			continue
		}
		for {
			fd, addr, err := l.Accept()
			if err != nil {
				break
			}
			if !s.clients.Add(fd, now) {
				Log.Begin().Warn('-', "rejecting %s: %s", addr, ErrTooManyClients).Commit()
				unix.Close(fd)
				continue
			}
		}
	}
}

func (s *Server) acceptStatus(ps *PollSet) {
	if !ps.IsReadable(s.ctrl.Fd) {
		return
	}
	for {
		fd, err := s.ctrl.Accept()
		if err != nil {
			break
		}
		s.ctrl.Serve(fd, s.Status())
	}
}

func (s *Server) serviceClients(ps *PollSet, writable map[int]bool) {
	now := time.Now()

	for i := 0; i < s.clients.Len(); {
		c := s.clients.At(i)

		if ps.IsErr(c.Socket) {
			unix.Close(c.Socket)
			s.clients.RemoveAt(i)
			continue
		}

		if ps.IsWritable(c.Socket) {
			writable[c.Socket] = true
		}

		if !ps.IsReadable(c.Socket) {
			i++
			continue
		}

		var hdr [HeaderSize]byte
		n, err := unix.Read(c.Socket, hdr[:])
		if err != nil || n == 0 {
			if err != nil && (err == unix.EAGAIN || err == unix.EWOULDBLOCK) {
				i++
				continue
			}
			unix.Close(c.Socket)
			s.clients.RemoveAt(i)
			continue
		}
		if n != HeaderSize {
			unix.Close(c.Socket)
			s.clients.RemoveAt(i)
			continue
		}

		requested := binary.BigEndian.Uint32(hdr[:])
		if !c.HandleRequest(requested, now) {
			unix.Close(c.Socket)
			s.clients.RemoveAt(i)
			continue
		}

		i++
	}

	s.dispatcher.SendEntropy(writable)
}

func (s *Server) evictIdle() {
	now := time.Now()
	for i := 0; i < s.clients.Len(); {
		c := s.clients.At(i)
		if c.IdleFor(now) >= MaxIdleTime {
			unix.Close(c.Socket)
			s.clients.RemoveAt(i)
			continue
		}
		i++
	}
}

// Status returns a point-in-time snapshot of the daemon's state.
func (s *Server) Status() Status {
	return Status{
		Version:      Version,
		Devices:      s.engine.Serials(),
		ClientCount:  s.clients.Len(),
		BufAvailable: s.pool.Available(),
		BufCapacity:  s.cfg.BufferSize,
		BytesServed:  s.pool.BytesServed(),
	}
}
