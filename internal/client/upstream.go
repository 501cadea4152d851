// Package client resolves and dials origin servers on behalf of channels.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"dproxy/internal/config"
	"dproxy/internal/metrics"
	"dproxy/internal/reactor"
)

// ErrNoAddresses is returned when a lookup succeeds with an empty answer.
var ErrNoAddresses = errors.New("client: no addresses for host")

type lookupFunc func(ctx context.Context, network, host string) ([]netip.Addr, error)

// Upstream resolves origin hostnames off the reactor goroutine and opens
// non-blocking connections to them.
type Upstream struct {
	reactor reactor.Reactor
	lookup  lookupFunc
	dial    func(netip.AddrPort) (reactor.Socket, error)
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewUpstream creates an Upstream using the system resolver.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstream(cfg *config.Config, r reactor.Reactor, logger *slog.Logger, m *metrics.Metrics) *Upstream {
	return &Upstream{
		reactor: r,
		lookup:  net.DefaultResolver.LookupNetIP,
		dial:    reactor.DialTCP,
		timeout: cfg.Upstream.ResolveTimeout(),
		logger:  logger.With("component", "upstream"),
		metrics: m,
	}
}

// Resolve looks host up and reports the addresses to done on the reactor
// goroutine. IP literals resolve without a lookup. The returned cancel
// function guarantees done is not called afterwards.
func (u *Upstream) Resolve(host string, done func([]netip.Addr, error)) (cancel func()) {
	var canceled atomic.Bool
	deliver := func(addrs []netip.Addr, err error) {
		u.reactor.Post(func() {
			if !canceled.Load() {
				done(addrs, err)
			}
		})
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		deliver([]netip.Addr{ip.Unmap()}, nil)
		return func() { canceled.Store(true) }
	}

	var (
		ctx  context.Context
		stop context.CancelFunc
	)
	if u.timeout > 0 {
		ctx, stop = context.WithTimeout(context.Background(), u.timeout)
	} else {
		ctx, stop = context.WithCancel(context.Background())
	}

	go func() {
		defer stop()
		start := time.Now()
		addrs, err := u.lookup(ctx, "ip", host)
		if err == nil && len(addrs) == 0 {
			err = ErrNoAddresses
		}
		if err != nil {
			u.observe("error", start)
			deliver(nil, fmt.Errorf("resolve %s: %w", host, err))
			return
		}
		u.observe("ok", start)
		for i := range addrs {
			addrs[i] = addrs[i].Unmap()
		}
		u.logger.Debug("resolved", "host", host, "addrs", len(addrs), "first", addrs[0].String())
		deliver(addrs, nil)
	}()

	return func() {
		canceled.Store(true)
		stop()
	}
}

// Dial starts a non-blocking connect to addr. The socket completes through
// the reactor's OnOpen or OnError.
func (u *Upstream) Dial(addr netip.AddrPort) (reactor.Socket, error) {
	s, err := u.dial(addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	u.logger.Debug("connecting", "addr", addr.String())
	return s, nil
}

func (u *Upstream) observe(result string, start time.Time) {
	if u.metrics != nil {
		u.metrics.ResolveDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	}
}
