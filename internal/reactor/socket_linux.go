//go:build linux

package reactor

import (
	"fmt"
	"io"
	"net/netip"
	"os"

	"golang.org/x/sys/unix"
)

// FDSocket is a non-blocking socket backed by a raw file descriptor.
type FDSocket struct {
	fd         int
	peer       string
	connecting bool
	closed     bool
}

func newFDSocket(fd int, peer string) *FDSocket {
	return &FDSocket{fd: fd, peer: peer}
}

// FD returns the underlying file descriptor.
func (s *FDSocket) FD() int { return s.fd }

func (s *FDSocket) String() string { return s.peer }

func (s *FDSocket) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	for {
		n, err := unix.Read(s.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, os.NewSyscallError("read", err)
		case n == 0 && len(p) > 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

func (s *FDSocket) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	written := 0
	for written < len(p) {
		n, err := unix.SendmsgN(s.fd, p[written:], nil, nil, unix.MSG_NOSIGNAL)
		if n > 0 {
			written += n
		}
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return written, ErrWouldBlock
		case err != nil:
			return written, os.NewSyscallError("write", err)
		}
	}
	return written, nil
}

func (s *FDSocket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}

// finishConnect reports the outcome of a pending non-blocking connect.
func (s *FDSocket) finishConnect() error {
	if err := s.pendingError(); err != nil {
		return fmt.Errorf("connect %s: %w", s.peer, err)
	}
	s.connecting = false
	return nil
}

func (s *FDSocket) pendingError() error {
	v, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

func sockaddr(ap netip.AddrPort) (unix.Sockaddr, int) {
	addr := ap.Addr().Unmap()
	if addr.Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}, unix.AF_INET
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}, unix.AF_INET6
}

func addrPort(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port))
	}
	return netip.AddrPort{}
}

// DialTCP starts a non-blocking connect to addr. The socket must be
// registered with a Loop, which reports OnOpen once the connect completes or
// OnError if it fails.
func DialTCP(addr netip.AddrPort) (Socket, error) {
	sa, family := sockaddr(addr)
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("connect %s: %w", addr, os.NewSyscallError("connect", err))
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	s := newFDSocket(fd, addr.String())
	s.connecting = true
	return s, nil
}
