// Package channel pairs a client-facing and a server-facing connection for
// one proxied session and relays completed messages between them.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"time"

	"dproxy/internal/client"
	"dproxy/internal/conn"
	"dproxy/internal/httpmsg"
	"dproxy/internal/metrics"
	"dproxy/internal/model"
	"dproxy/internal/reactor"
)

// State is the destination lifecycle of a channel.
type State int

const (
	NoDestination State = iota
	ResolvingHost
	Connecting
	Relaying
	Closed
)

func (s State) String() string {
	switch s {
	case NoDestination:
		return "no_destination"
	case ResolvingHost:
		return "resolving"
	case Connecting:
		return "connecting"
	case Relaying:
		return "relaying"
	default:
		return "closed"
	}
}

// Error kinds used for logs and the channel error counter.
const (
	KindParse   = "parse"
	KindSocket  = "socket"
	KindResolve = "resolve"
	KindConnect = "connect"
	KindTimeout = "timeout"
)

// Upstream resolves and dials origin servers. Resolve must report through
// the reactor goroutine and never call done after cancel returns.
type Upstream interface {
	Resolve(host string, done func([]netip.Addr, error)) (cancel func())
	Dial(addr netip.AddrPort) (reactor.Socket, error)
}

var _ Upstream = (*client.Upstream)(nil)

// Options configure a Channel.
type Options struct {
	// ServerHeader replaces the Server field of every relayed response.
	// Empty leaves responses untouched.
	ServerHeader       string
	NonHTTPDefaultPort int
	// ConnectTimeout bounds the outbound connect. Zero disables it.
	ConnectTimeout time.Duration

	Conn    conn.Options
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// OnClose is called once the client side has been released.
	OnClose func(*Channel)
}

// Channel owns both connections of one proxied session.
type Channel struct {
	id       uint64
	reactor  reactor.Reactor
	upstream Upstream
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Metrics

	state  State
	client *conn.Connection
	server *conn.Connection
	dest   model.Destination

	cancelResolve func()
	stopTimer     func() bool
	connectStart  time.Time

	requests  uint64
	responses uint64
	openedAt  time.Time
	released  bool
}

// New wraps an accepted client socket in a channel and registers it with r.
func New(id uint64, sock reactor.Socket, r reactor.Reactor, up Upstream, opts Options) (*Channel, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ch := &Channel{
		id:       id,
		reactor:  r,
		upstream: up,
		opts:     opts,
		logger:   logger.With("channel", id, "client", sock.String()),
		metrics:  opts.Metrics,
		openedAt: time.Now(),
	}

	connOpts := opts.Conn
	connOpts.Metrics = opts.Metrics
	connOpts.Logger = ch.logger

	ch.client = conn.New(conn.ClientSide, r, conn.Callbacks{
		Message: ch.onClientMessage,
		End:     func() { ch.onEnd(conn.ClientSide) },
		Error:   func(err error) { ch.onError(conn.ClientSide, err) },
		Closed:  ch.onClientClosed,
	}, connOpts)
	ch.server = conn.New(conn.ServerSide, r, conn.Callbacks{
		Open:    ch.onServerOpen,
		Message: ch.onServerMessage,
		End:     func() { ch.onEnd(conn.ServerSide) },
		Error:   func(err error) { ch.onError(conn.ServerSide, err) },
	}, connOpts)

	if err := ch.client.Attach(sock, false); err != nil {
		ch.state = Closed
		ch.released = true
		return nil, err
	}
	ch.logger.Debug("channel opened")
	return ch, nil
}

func (ch *Channel) ID() uint64 { return ch.id }
func (ch *Channel) State() State { return ch.state }

// Destination returns the origin the channel is bound to, if any yet.
func (ch *Channel) Destination() model.Destination { return ch.dest }

// Status snapshots the channel. Call it on the reactor goroutine.
func (ch *Channel) Status() model.ChannelStatus {
	st := model.ChannelStatus{
		ID:        ch.id,
		Client:    ch.client.Peer(),
		State:     ch.state.String(),
		Requests:  ch.requests,
		Responses: ch.responses,
		OpenedAt:  ch.openedAt,
	}
	if !ch.dest.IsZero() {
		st.Destination = ch.dest.String()
	}
	return st
}

// Close tears both sides down immediately.
func (ch *Channel) Close() { ch.shutdown(false) }

func (ch *Channel) onClientMessage(m *httpmsg.Message) {
	if ch.state == Closed {
		return
	}
	ch.requests++

	if ch.state == NoDestination {
		dest, err := DestinationOf(m, ch.opts.NonHTTPDefaultPort)
		if err != nil {
			ch.fail(KindParse, err, requestStatus(err))
			return
		}
		ch.dest = dest
		ch.state = ResolvingHost
		ch.logger = ch.logger.With("destination", dest.String())
		ch.logger.Debug("resolving destination", "host", dest.Host)
		ch.cancelResolve = ch.upstream.Resolve(dest.Host, ch.onResolved)
	} else if dest, err := DestinationOf(m, ch.opts.NonHTTPDefaultPort); err == nil && dest != ch.dest {
		ch.logger.Warn("request names another destination; relaying to the bound one",
			"requested", dest.String(),
		)
	}

	ch.count("upstream")
	ch.server.Send(m)
}

func (ch *Channel) onResolved(addrs []netip.Addr, err error) {
	ch.cancelResolve = nil
	if ch.state != ResolvingHost {
		return
	}
	if err != nil {
		kind := KindResolve
		if isTimeout(err) {
			kind = KindTimeout
		}
		ch.fail(kind, err, upstreamStatus(err, http.StatusBadGateway, "upstream host unreachable"))
		return
	}

	addr := netip.AddrPortFrom(addrs[0], uint16(ch.dest.Port))
	ch.connectStart = time.Now()
	sock, err := ch.upstream.Dial(addr)
	if err != nil {
		ch.observeConnect(err)
		ch.fail(KindConnect, err, upstreamStatus(err, http.StatusBadGateway, "upstream connection failed"))
		return
	}
	ch.state = Connecting
	if err := ch.server.Attach(sock, true); err != nil {
		_ = sock.Close()
		ch.observeConnect(err)
		ch.fail(KindConnect, err, upstreamStatus(err, http.StatusBadGateway, "upstream connection failed"))
		return
	}
	if d := ch.opts.ConnectTimeout; d > 0 {
		ch.stopTimer = ch.reactor.AfterFunc(d, func() { ch.onConnectTimeout(addr) })
	}
}

func (ch *Channel) onConnectTimeout(addr netip.AddrPort) {
	ch.stopTimer = nil
	if ch.state != Connecting {
		return
	}
	err := fmt.Errorf("connect %s: %w", addr, context.DeadlineExceeded)
	ch.observeConnect(err)
	ch.fail(KindTimeout, err, upstreamStatus(err, http.StatusGatewayTimeout, "upstream timed out"))
}

func (ch *Channel) onServerOpen() {
	if ch.state != Connecting {
		return
	}
	ch.cancelTimer()
	ch.observeConnect(nil)
	ch.state = Relaying
	ch.logger.Debug("relaying", "server", ch.server.Peer())
}

func (ch *Channel) onServerMessage(m *httpmsg.Message) {
	if ch.state == Closed {
		return
	}
	ch.responses++
	if ch.opts.ServerHeader != "" {
		m.SetHeader("Server", ch.opts.ServerHeader)
	}
	ch.count("downstream")
	ch.client.Send(m)
}

func (ch *Channel) onEnd(side conn.Role) {
	if ch.state == Closed {
		return
	}
	ch.logger.Debug("end of stream", "side", side.String())
	// Responses already relayed still reach the client.
	ch.shutdown(side == conn.ServerSide)
}

func (ch *Channel) onError(side conn.Role, err error) {
	if ch.state == Closed {
		return
	}
	switch {
	case side == conn.ClientSide && isFraming(err):
		// Answer only when no earlier request is still waiting.
		ch.requests++
		var resp *httpmsg.Message
		if ch.requests == ch.responses+1 {
			resp = requestStatus(err)
		}
		ch.fail(KindParse, err, resp)
	case side == conn.ClientSide:
		ch.record(KindSocket, err)
		ch.shutdown(false)
	case isFraming(err):
		ch.fail(KindParse, err, upstreamStatus(err, http.StatusBadGateway, "invalid upstream response"))
	case ch.state == Connecting:
		ch.cancelTimer()
		ch.observeConnect(err)
		ch.fail(KindConnect, err, upstreamStatus(err, http.StatusBadGateway, "upstream connection failed"))
	default:
		ch.fail(KindSocket, err, upstreamStatus(err, http.StatusBadGateway, "upstream connection failed"))
	}
}

func (ch *Channel) onClientClosed() {
	ch.shutdown(false)
	if ch.released {
		return
	}
	ch.released = true
	ch.logger.Debug("channel closed", "requests", ch.requests, "responses", ch.responses)
	if ch.opts.OnClose != nil {
		ch.opts.OnClose(ch)
	}
}

// fail records err and, when the client still waits for a response, answers
// with a synthetic one before closing.
func (ch *Channel) fail(kind string, err error, resp *httpmsg.Message) {
	ch.record(kind, err)
	if ch.state == Closed {
		return
	}
	if resp != nil && ch.requests > ch.responses {
		ch.responses++
		ch.client.Send(resp)
	}
	ch.shutdown(true)
}

func (ch *Channel) record(kind string, err error) {
	ch.logger.Warn("channel error", "kind", kind, "state", ch.state.String(), "err", err)
	if ch.metrics != nil {
		ch.metrics.ChannelErrors.WithLabelValues(kind).Inc()
	}
}

// shutdown closes the server side at once. The client side is closed at once
// too unless graceful, in which case queued responses are flushed first.
func (ch *Channel) shutdown(graceful bool) {
	if ch.state == Closed {
		return
	}
	ch.state = Closed
	if ch.cancelResolve != nil {
		ch.cancelResolve()
		ch.cancelResolve = nil
	}
	ch.cancelTimer()
	ch.server.Close()
	if graceful {
		ch.client.CloseWhenDrained()
	} else {
		ch.client.Close()
	}
}

func (ch *Channel) cancelTimer() {
	if ch.stopTimer != nil {
		ch.stopTimer()
		ch.stopTimer = nil
	}
}

func (ch *Channel) observeConnect(err error) {
	if ch.metrics == nil || ch.connectStart.IsZero() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	ch.metrics.ConnectDuration.WithLabelValues(result).Observe(time.Since(ch.connectStart).Seconds())
	ch.connectStart = time.Time{}
}

func (ch *Channel) count(direction string) {
	if ch.metrics != nil {
		ch.metrics.MessagesRelayed.WithLabelValues(direction).Inc()
	}
}

func isFraming(err error) bool {
	return errors.Is(err, httpmsg.ErrMalformed) ||
		errors.Is(err, httpmsg.ErrHeaderTooLarge) ||
		errors.Is(err, httpmsg.ErrBodyTooLarge)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// requestStatus maps a client-side request failure to a response.
func requestStatus(err error) *httpmsg.Message {
	switch {
	case errors.Is(err, httpmsg.ErrHeaderTooLarge):
		return httpmsg.NewStatus(http.StatusRequestHeaderFieldsTooLarge, "request header too large")
	case errors.Is(err, httpmsg.ErrBodyTooLarge):
		return httpmsg.NewStatus(http.StatusRequestEntityTooLarge, "request body too large")
	case errors.Is(err, ErrTunnelUnsupported):
		return httpmsg.NewStatus(http.StatusNotImplemented, "CONNECT is not supported")
	case errors.Is(err, ErrNoDestination):
		return httpmsg.NewStatus(http.StatusBadRequest, "request target must be an absolute URI")
	default:
		return httpmsg.NewStatus(http.StatusBadRequest, "malformed request")
	}
}

// upstreamStatus maps an origin-side failure to a response. Timeouts always
// become 504.
func upstreamStatus(err error, code int, text string) *httpmsg.Message {
	if isTimeout(err) {
		return httpmsg.NewStatus(http.StatusGatewayTimeout, "upstream timed out")
	}
	return httpmsg.NewStatus(code, text)
}
