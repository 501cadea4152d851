//go:build !linux

package reactor

import (
	"log/slog"
	"net/netip"
	"time"
)

// Loop is only implemented on Linux.
type Loop struct{}

// Listener is only implemented on Linux.
type Listener struct{}

func NewLoop(*slog.Logger) (*Loop, error) { return nil, ErrUnsupported }

func (l *Loop) Run() error { return ErrUnsupported }
func (l *Loop) Stop() {}
func (l *Loop) Done() <-chan struct{} { return nil }
func (l *Loop) Close() error { return nil }
func (l *Loop) Register(Socket, Handler) error { return ErrUnsupported }
func (l *Loop) Unregister(Socket) error { return ErrUnsupported }
func (l *Loop) Post(func()) {}

func (l *Loop) AfterFunc(time.Duration, func()) func() bool {
	return func() bool { return false }
}

func (l *Loop) Listen(string, func(Socket)) (*Listener, error) { return nil, ErrUnsupported }

func (ln *Listener) Addr() netip.AddrPort { return netip.AddrPort{} }
func (ln *Listener) Close() error { return nil }

func DialTCP(netip.AddrPort) (Socket, error) { return nil, ErrUnsupported }
