// Package reactor multiplexes socket readiness notifications onto a single
// goroutine. Everything a Handler does runs on that goroutine, so the state
// it touches needs no locking.
package reactor

import (
	"errors"
	"time"
)

var (
	// ErrWouldBlock is returned by Socket reads and writes when the kernel
	// has nothing to give or no room to take. Wait for the next notification.
	ErrWouldBlock = errors.New("reactor: operation would block")
	// ErrClosed is returned when operating on a closed socket or loop.
	ErrClosed = errors.New("reactor: closed")
	// ErrUnsupported is returned on platforms without an event loop backend.
	ErrUnsupported = errors.New("reactor: platform not supported")
)

// Socket is a non-blocking stream socket. Read returns io.EOF at end of
// stream. Write may accept fewer bytes than offered; a short write is
// reported together with ErrWouldBlock.
type Socket interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	String() string
}

// Handler receives readiness notifications for one registered socket.
type Handler interface {
	// OnOpen fires once an outbound connect has completed.
	OnOpen()
	OnReadable()
	OnWritable()
	// OnEnd fires when the peer hung up without anything left to read.
	OnEnd()
	OnError(err error)
}

// Reactor is what connections need from an event loop.
type Reactor interface {
	Register(s Socket, h Handler) error
	Unregister(s Socket) error
	// Post schedules fn on the loop goroutine. Safe from any goroutine.
	Post(fn func())
	// AfterFunc schedules fn on the loop goroutine after d. The returned
	// stop function reports whether the call was prevented.
	AfterFunc(d time.Duration, fn func()) (stop func() bool)
}
