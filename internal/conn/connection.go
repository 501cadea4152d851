// Package conn binds one socket to a message assembler and a write queue and
// drives both from reactor readiness notifications.
package conn

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"dproxy/internal/httpmsg"
	"dproxy/internal/metrics"
	"dproxy/internal/reactor"
)

const defaultReadBufferBytes = 16 << 10

// Role tells which end of a proxied session a connection faces.
type Role int

const (
	ClientSide Role = iota
	ServerSide
)

func (r Role) String() string {
	if r == ServerSide {
		return "server"
	}
	return "client"
}

// State is the socket lifecycle of a connection.
type State int

const (
	// Idle connections have no socket yet. Sends are queued.
	Idle State = iota
	Connecting
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	default:
		return "closed"
	}
}

// Callbacks route connection events to the owner. Every callback runs on the
// reactor goroutine. Any of them may be nil.
type Callbacks struct {
	Open    func()
	Message func(*httpmsg.Message)
	// End reports that the peer finished the stream.
	End func()
	// Error reports a socket or framing failure. Framing failures wrap
	// httpmsg.ErrMalformed, ErrHeaderTooLarge or ErrBodyTooLarge. The
	// connection closes afterwards unless Error calls CloseWhenDrained.
	Error func(error)
	// Closed fires once, after the socket has been released.
	Closed func()
}

// Options configure a Connection.
type Options struct {
	Limits          httpmsg.Limits
	ReadBufferBytes int
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

// Connection owns one socket, the assembler for its inbound bytes and the
// queue for its outbound messages.
type Connection struct {
	role    Role
	reactor reactor.Reactor
	cb      Callbacks
	metrics *metrics.Metrics
	logger  *slog.Logger

	sock     reactor.Socket
	state    State
	asm      *httpmsg.Assembler
	queue    WriteQueue
	inbox    []*httpmsg.Message
	buf      []byte
	writable bool

	closeWhenDrained bool
	delivering       bool
}

var _ reactor.Handler = (*Connection)(nil)

// New creates an idle connection. Attach gives it a socket.
func New(role Role, r reactor.Reactor, cb Callbacks, opts Options) *Connection {
	kind := httpmsg.Request
	if role == ServerSide {
		kind = httpmsg.Response
	}
	size := opts.ReadBufferBytes
	if size <= 0 {
		size = defaultReadBufferBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		role:    role,
		reactor: r,
		cb:      cb,
		metrics: opts.Metrics,
		logger:  logger.With("side", role.String()),
		asm:     httpmsg.NewAssembler(kind, opts.Limits),
		buf:     make([]byte, size),
	}
}

func (c *Connection) Role() Role { return c.role }
func (c *Connection) State() State { return c.state }

// Queued returns the number of outbound messages not yet fully written.
func (c *Connection) Queued() int { return c.queue.Len() }

// Pending returns the number of completed inbound messages not yet handed
// to the owner.
func (c *Connection) Pending() int { return len(c.inbox) }

// Peer describes the remote end, or "" before a socket is attached.
func (c *Connection) Peer() string {
	if c.sock == nil {
		return ""
	}
	return c.sock.String()
}

// Attach registers sock with the reactor. A connecting socket stays in
// Connecting until the reactor reports OnOpen; any other socket is open and
// writable immediately.
func (c *Connection) Attach(sock reactor.Socket, connecting bool) error {
	if c.state != Idle {
		return fmt.Errorf("attach %s connection: already %s", c.role, c.state)
	}
	c.sock = sock
	if connecting {
		c.state = Connecting
	} else {
		c.state = Open
		c.writable = true
	}
	if err := c.reactor.Register(sock, c); err != nil {
		c.sock = nil
		c.state = Idle
		c.writable = false
		return fmt.Errorf("register %s: %w", sock, err)
	}
	c.logger.Debug("socket attached", "peer", sock.String(), "state", c.state.String())
	if c.state == Open {
		c.flush()
	}
	return nil
}

// Send queues m behind every message already queued and writes as much as
// the socket takes right now. Before a socket is open the message simply
// waits in the queue.
func (c *Connection) Send(m *httpmsg.Message) {
	if c.state == Closed {
		c.logger.Debug("send on closed connection dropped", "start_line", m.StartLine())
		return
	}
	c.queue.Push(m)
	c.flush()
}

// CloseWhenDrained closes the connection once every queued message has been
// written. Inbound bytes that arrive meanwhile are discarded.
func (c *Connection) CloseWhenDrained() {
	if c.state == Closed {
		return
	}
	c.closeWhenDrained = true
	if c.queue.Empty() {
		c.Close()
	}
}

// Close unregisters and closes the socket and drops everything in flight.
// It is safe to call more than once.
func (c *Connection) Close() {
	if c.state == Closed {
		return
	}
	c.state = Closed
	c.writable = false
	if c.sock != nil {
		if err := c.reactor.Unregister(c.sock); err != nil && !errors.Is(err, reactor.ErrClosed) {
			c.logger.Debug("unregister failed", "err", err)
		}
		if err := c.sock.Close(); err != nil {
			c.logger.Debug("close failed", "err", err)
		}
	}
	if n := c.queue.Len(); n > 0 {
		c.logger.Debug("discarding queued messages", "count", n, "offset", c.queue.Offset())
	}
	c.queue.Reset()
	c.asm.Reset()
	c.inbox = nil
	if c.cb.Closed != nil {
		c.cb.Closed()
	}
}

// OnOpen completes an outbound connect.
func (c *Connection) OnOpen() {
	if c.state != Connecting {
		return
	}
	c.state = Open
	c.writable = true
	c.logger.Debug("connected", "peer", c.sock.String())
	if c.cb.Open != nil {
		c.cb.Open()
	}
	if c.state == Open {
		c.flush()
	}
}

// OnReadable reads until the socket runs dry, feeding every chunk to the
// assembler and handing completed messages to the owner in arrival order.
func (c *Connection) OnReadable() {
	for c.state == Open {
		n, err := c.sock.Read(c.buf)
		if n > 0 {
			c.countRead(n)
			if !c.closeWhenDrained {
				msgs, perr := c.asm.Consume(c.buf[:n])
				c.inbox = append(c.inbox, msgs...)
				c.deliver()
				if perr != nil {
					c.fail(perr)
					return
				}
			}
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, reactor.ErrWouldBlock):
			return
		case errors.Is(err, io.EOF):
			c.end()
			return
		default:
			c.fail(err)
			return
		}
	}
}

// OnWritable resumes the write queue.
func (c *Connection) OnWritable() {
	if c.state != Open {
		return
	}
	c.writable = true
	c.flush()
}

func (c *Connection) OnEnd() { c.end() }

func (c *Connection) OnError(err error) { c.fail(err) }

func (c *Connection) deliver() {
	if c.delivering {
		return
	}
	c.delivering = true
	defer func() { c.delivering = false }()
	for len(c.inbox) > 0 && c.state != Closed {
		m := c.inbox[0]
		c.inbox[0] = nil
		c.inbox = c.inbox[1:]
		c.logger.Debug("message complete", "start_line", m.StartLine(), "body_bytes", len(m.Body()))
		if c.cb.Message != nil {
			c.cb.Message(m)
		}
	}
}

func (c *Connection) flush() {
	if c.state != Open || !c.writable || c.queue.Empty() {
		return
	}
	written, sent, err := c.queue.Drain(c.sock)
	c.countWritten(written)
	if sent > 0 {
		c.logger.Debug("messages written", "count", sent, "bytes", written)
	}
	switch {
	case err == nil:
		if c.closeWhenDrained {
			c.Close()
		}
	case errors.Is(err, reactor.ErrWouldBlock):
		c.writable = false
	default:
		c.fail(err)
	}
}

func (c *Connection) end() {
	if c.state == Closed {
		return
	}
	c.logger.Debug("end of stream", "peer", c.Peer())
	if c.cb.End != nil {
		c.cb.End()
	}
	c.Close()
}

func (c *Connection) fail(err error) {
	if c.state == Closed {
		return
	}
	draining := c.closeWhenDrained
	c.logger.Debug("connection error", "peer", c.Peer(), "err", err)
	if c.cb.Error != nil {
		c.cb.Error(err)
	}
	// An owner that answers the error with CloseWhenDrained keeps the
	// socket until its reply is flushed.
	if draining || !c.closeWhenDrained {
		c.Close()
	}
}

func (c *Connection) countRead(n int) {
	if c.metrics != nil {
		c.metrics.BytesRead.WithLabelValues(c.role.String()).Add(float64(n))
	}
}

func (c *Connection) countWritten(n int) {
	if c.metrics != nil && n > 0 {
		c.metrics.BytesWritten.WithLabelValues(c.role.String()).Add(float64(n))
	}
}
