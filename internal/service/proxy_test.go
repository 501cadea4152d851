package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"dproxy/internal/config"
	"dproxy/internal/metrics"
	"dproxy/internal/reactor"
	"dproxy/internal/reactor/reactortest"
)

// stubUpstream answers every lookup with one loopback address and dials
// scripted sockets.
type stubUpstream struct {
	r       *reactortest.Reactor
	sockets []*reactortest.Socket
}

func (u *stubUpstream) Resolve(_ string, done func([]netip.Addr, error)) func() {
	u.r.Post(func() { done([]netip.Addr{netip.MustParseAddr("127.0.0.1")}, nil) })
	return func() {}
}

func (u *stubUpstream) Dial(netip.AddrPort) (reactor.Socket, error) {
	s := reactortest.NewSocket("origin")
	u.sockets = append(u.sockets, s)
	return s, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Proxy.ServerHeader = "dproxy"
	cfg.Proxy.MaxHeaderBytes = 64 << 10
	cfg.Proxy.MaxBodyBytes = 1 << 20
	cfg.Upstream.NonHTTPDefaultPort = config.HistoricalNonHTTPPort
	cfg.Upstream.ConnectTimeoutSeconds = 30
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config) (*ProxyService, *reactortest.Reactor, *stubUpstream, *metrics.Metrics) {
	t.Helper()
	r := reactortest.NewReactor()
	up := &stubUpstream{r: r}
	m := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProxyService(cfg, r, up, logger, m), r, up, m
}

func TestAccept_RelaysThroughChannel(t *testing.T) {
	s, r, up, m := newTestService(t, testConfig())

	client := reactortest.NewSocket("client")
	s.Accept(client)
	if got := s.Summary().ActiveChannels; got != 1 {
		t.Fatalf("ActiveChannels = %d, want 1", got)
	}

	client.Feed("GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n")
	r.Readable(client)
	r.RunPosted()
	if len(up.sockets) != 1 {
		t.Fatalf("dialed %d sockets, want 1", len(up.sockets))
	}
	server := up.sockets[0]
	r.Open(server)
	server.Feed("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	r.Readable(server)

	if got := client.Written(); !strings.Contains(got, "Server: dproxy\r\n") {
		t.Errorf("client received %q, want injected Server header", got)
	}
	if got := testutil.ToFloat64(m.ChannelsActive); got != 1 {
		t.Errorf("channels_active = %v, want 1", got)
	}

	client.FeedEOF()
	r.Readable(client)
	if got := s.Summary(); got.ActiveChannels != 0 || got.TotalChannels != 1 {
		t.Errorf("Summary() = %+v, want 0 active, 1 total", got)
	}
	if got := testutil.ToFloat64(m.ChannelsActive); got != 0 {
		t.Errorf("channels_active = %v, want 0", got)
	}
}

func TestAccept_PreserveServerHeader(t *testing.T) {
	cfg := testConfig()
	cfg.Proxy.PreserveServerHeader = true
	s, r, up, _ := newTestService(t, cfg)

	client := reactortest.NewSocket("client")
	s.Accept(client)
	client.Feed("GET http://example.com/ HTTP/1.1\r\n\r\n")
	r.Readable(client)
	r.RunPosted()
	r.Open(up.sockets[0])
	up.sockets[0].Feed("HTTP/1.1 200 OK\r\nServer: origin\r\n\r\n")
	r.Readable(up.sockets[0])

	if got, want := client.Written(), "HTTP/1.1 200 OK\r\nServer: origin\r\n\r\n"; got != want {
		t.Errorf("client received %q, want %q", got, want)
	}
}

func TestAccept_Throttled(t *testing.T) {
	cfg := testConfig()
	cfg.Proxy.AcceptRateLimit = config.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 2}
	s, _, _, m := newTestService(t, cfg)

	var socks []*reactortest.Socket
	for i := 0; i < 4; i++ {
		sock := reactortest.NewSocket("client")
		socks = append(socks, sock)
		s.Accept(sock)
	}

	got := s.Summary()
	if got.ActiveChannels != 2 || got.Throttled != 2 {
		t.Errorf("Summary() = %+v, want 2 active, 2 throttled", got)
	}
	if socks[0].Closed() || !socks[3].Closed() {
		t.Error("want the first sockets kept and the later ones closed")
	}
	if v := testutil.ToFloat64(m.AcceptThrottled); v != 2 {
		t.Errorf("accept_throttled = %v, want 2", v)
	}
}

func TestAccept_RegisterFailure(t *testing.T) {
	s, r, _, _ := newTestService(t, testConfig())
	r.RegisterErr = errors.New("epoll_ctl: bad file descriptor")

	sock := reactortest.NewSocket("client")
	s.Accept(sock)
	if !sock.Closed() {
		t.Error("socket not closed after channel setup failed")
	}
	if got := s.Summary().ActiveChannels; got != 0 {
		t.Errorf("ActiveChannels = %d, want 0", got)
	}
}

func TestCloseAll(t *testing.T) {
	s, _, _, _ := newTestService(t, testConfig())
	a, b := reactortest.NewSocket("a"), reactortest.NewSocket("b")
	s.Accept(a)
	s.Accept(b)

	s.CloseAll()
	if !a.Closed() || !b.Closed() {
		t.Error("CloseAll left a client open")
	}
	if got := s.Summary().ActiveChannels; got != 0 {
		t.Errorf("ActiveChannels = %d, want 0", got)
	}

	late := reactortest.NewSocket("late")
	s.Accept(late)
	if !late.Closed() || s.Summary().TotalChannels != 2 {
		t.Error("Accept after CloseAll should close the socket")
	}
}

func TestStatus(t *testing.T) {
	s, r, _, _ := newTestService(t, testConfig())
	for _, name := range []string{"10.0.0.1:5000", "10.0.0.2:5000"} {
		s.Accept(reactortest.NewSocket(name))
	}

	type reply struct {
		n   int
		err error
		ids []uint64
	}
	done := make(chan reply, 1)
	go func() {
		st, err := s.Status(context.Background())
		var ids []uint64
		for _, c := range st.Channels {
			ids = append(ids, c.ID)
		}
		done <- reply{len(st.Channels), err, ids}
	}()

	var got reply
	deadline := time.After(5 * time.Second)
	for waiting := true; waiting; {
		r.AwaitPosted(50 * time.Millisecond)
		select {
		case got = <-done:
			waiting = false
		case <-deadline:
			t.Fatal("Status() did not return")
		default:
		}
	}
	if got.err != nil {
		t.Fatalf("Status() error = %v", got.err)
	}
	if got.n != 2 || got.ids[0] != 1 || got.ids[1] != 2 {
		t.Errorf("Status() channels = %v, want ids [1 2]", got.ids)
	}
}

func TestStatus_ContextDone(t *testing.T) {
	s, _, _, _ := newTestService(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	// Nothing runs posted work, so only the context can end the wait.
	if _, err := s.Status(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Status() error = %v, want DeadlineExceeded", err)
	}
}
