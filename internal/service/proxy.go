// Package service turns accepted client sockets into channels and keeps
// track of the ones still open.
package service

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"golang.org/x/time/rate"

	"dproxy/internal/channel"
	"dproxy/internal/config"
	"dproxy/internal/conn"
	"dproxy/internal/httpmsg"
	"dproxy/internal/metrics"
	"dproxy/internal/model"
	"dproxy/internal/reactor"
)

// ProxyService is the channel factory. Accept, CloseAll and the channel
// registry belong to the reactor goroutine; Summary and Status are safe
// from any goroutine.
type ProxyService struct {
	reactor  reactor.Reactor
	upstream channel.Upstream
	opts     channel.Options
	limiter  *rate.Limiter
	logger   *slog.Logger
	metrics  *metrics.Metrics

	channels map[uint64]*channel.Channel
	nextID   uint64
	closing  bool

	active    atomic.Int64
	total     atomic.Uint64
	throttled atomic.Uint64
}

// NewProxyService creates a ProxyService.
// The metrics parameter is optional; pass nil to disable metrics recording.
func NewProxyService(cfg *config.Config, r reactor.Reactor, up channel.Upstream, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	logger = logger.With("component", "proxy_service")

	s := &ProxyService{
		reactor:  r,
		upstream: up,
		logger:   logger,
		metrics:  m,
		channels: make(map[uint64]*channel.Channel),
	}

	serverHeader := cfg.Proxy.ServerHeader
	if cfg.Proxy.PreserveServerHeader {
		serverHeader = ""
	}
	s.opts = channel.Options{
		ServerHeader:       serverHeader,
		NonHTTPDefaultPort: cfg.Upstream.NonHTTPDefaultPort,
		ConnectTimeout:     cfg.Upstream.ConnectTimeout(),
		Conn: conn.Options{
			Limits: httpmsg.Limits{
				MaxHeaderBytes: cfg.Proxy.MaxHeaderBytes,
				MaxBodyBytes:   cfg.Proxy.MaxBodyBytes,
			},
			ReadBufferBytes: cfg.Proxy.ReadBufferBytes,
		},
		Metrics: m,
		Logger:  logger,
		OnClose: s.release,
	}

	if rl := cfg.Proxy.AcceptRateLimit; rl.Enabled {
		s.limiter = rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), max(rl.Burst, 1))
	}
	return s
}

// Accept wraps a freshly accepted client socket in a channel. Sockets over
// the accept rate, or arriving during shutdown, are closed at once.
func (s *ProxyService) Accept(sock reactor.Socket) {
	if s.closing {
		_ = sock.Close()
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.throttled.Add(1)
		if s.metrics != nil {
			s.metrics.AcceptThrottled.Inc()
		}
		s.logger.Debug("accept throttled", "client", sock.String())
		_ = sock.Close()
		return
	}

	s.nextID++
	ch, err := channel.New(s.nextID, sock, s.reactor, s.upstream, s.opts)
	if err != nil {
		s.logger.Warn("channel setup failed", "client", sock.String(), "err", err)
		_ = sock.Close()
		return
	}
	s.channels[ch.ID()] = ch
	s.active.Add(1)
	s.total.Add(1)
	if s.metrics != nil {
		s.metrics.ChannelsActive.Inc()
		s.metrics.ChannelsTotal.Inc()
	}
}

func (s *ProxyService) release(ch *channel.Channel) {
	if _, ok := s.channels[ch.ID()]; !ok {
		return
	}
	delete(s.channels, ch.ID())
	s.active.Add(-1)
	if s.metrics != nil {
		s.metrics.ChannelsActive.Dec()
	}
}

// CloseAll closes every open channel and refuses new ones.
func (s *ProxyService) CloseAll() {
	s.closing = true
	n := len(s.channels)
	for _, ch := range s.channels {
		ch.Close()
	}
	if n > 0 {
		s.logger.Info("closed open channels", "count", n)
	}
}

// Summary returns the channel counters without touching the reactor.
func (s *ProxyService) Summary() model.ProxyStatus {
	return model.ProxyStatus{
		ActiveChannels: s.active.Load(),
		TotalChannels:  s.total.Load(),
		Throttled:      s.throttled.Load(),
	}
}

// Status snapshots every open channel on the reactor goroutine.
func (s *ProxyService) Status(ctx context.Context) (model.ProxyStatus, error) {
	result := make(chan []model.ChannelStatus, 1)
	s.reactor.Post(func() {
		list := make([]model.ChannelStatus, 0, len(s.channels))
		for _, ch := range s.channels {
			list = append(list, ch.Status())
		}
		slices.SortFunc(list, func(a, b model.ChannelStatus) int { return cmp.Compare(a.ID, b.ID) })
		result <- list
	})

	select {
	case list := <-result:
		st := s.Summary()
		st.Channels = list
		return st, nil
	case <-ctx.Done():
		return model.ProxyStatus{}, fmt.Errorf("proxy status: %w", ctx.Err())
	}
}
