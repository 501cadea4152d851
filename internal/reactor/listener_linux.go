//go:build linux

package reactor

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"

	"golang.org/x/sys/unix"
)

// Listener accepts inbound connections on the loop goroutine and hands each
// one to the accept callback as a registered-ready Socket.
type Listener struct {
	sock   *FDSocket
	loop   *Loop
	addr   netip.AddrPort
	accept func(Socket)
	logger *slog.Logger
}

// Listen binds address ("host:port") and starts accepting on l. accept is
// invoked on the loop goroutine for every new connection.
func (l *Loop) Listen(address string, accept func(Socket)) (*Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", address, err)
	}
	ap := tcpAddr.AddrPort()
	if !ap.Addr().IsValid() {
		ap = netip.AddrPortFrom(netip.IPv4Unspecified(), ap.Port())
	}
	sa, family := sockaddr(ap)
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("setsockopt", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", ap, os.NewSyscallError("bind", err))
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("listen", err)
	}
	if bound, err := unix.Getsockname(fd); err == nil {
		ap = addrPort(bound)
	}

	ln := &Listener{
		sock:   newFDSocket(fd, ap.String()),
		loop:   l,
		addr:   ap,
		accept: accept,
		logger: l.logger.With("listener", ap.String()),
	}
	if err := l.Register(ln.sock, ln); err != nil {
		_ = ln.sock.Close()
		return nil, err
	}
	return ln, nil
}

// Addr returns the bound address, with the kernel-chosen port when 0 was asked.
func (ln *Listener) Addr() netip.AddrPort { return ln.addr }

// Close stops accepting. Connections already handed out are unaffected.
func (ln *Listener) Close() error {
	_ = ln.loop.Unregister(ln.sock)
	return ln.sock.Close()
}

func (ln *Listener) OnReadable() {
	for {
		nfd, sa, err := unix.Accept4(ln.sock.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
			case unix.EINTR, unix.ECONNABORTED:
				continue
			default:
				ln.logger.Error("accept", "err", err)
			}
			return
		}
		_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		ln.accept(newFDSocket(nfd, addrPort(sa).String()))
	}
}

func (ln *Listener) OnOpen() {}
func (ln *Listener) OnWritable() {}
func (ln *Listener) OnEnd() {}

func (ln *Listener) OnError(err error) {
	ln.logger.Error("listener error", "err", err)
}
