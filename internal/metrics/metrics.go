// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for upstream latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	ChannelsActive  prometheus.Gauge
	ChannelsTotal   prometheus.Counter
	ChannelErrors   *prometheus.CounterVec
	AcceptThrottled prometheus.Counter

	MessagesRelayed *prometheus.CounterVec
	BytesRead       *prometheus.CounterVec
	BytesWritten    *prometheus.CounterVec

	ResolveDuration *prometheus.HistogramVec
	ConnectDuration *prometheus.HistogramVec

	AdminRequestsTotal    *prometheus.CounterVec
	AdminRequestDuration  *prometheus.HistogramVec
	AdminRequestsInFlight prometheus.Gauge
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		ChannelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dproxy_channels_active",
			Help: "Number of proxied sessions currently open.",
		}),
		ChannelsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dproxy_channels_total",
			Help: "Total proxied sessions accepted.",
		}),
		ChannelErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dproxy_channel_errors_total",
			Help: "Channel failures by kind.",
		}, []string{"kind"}),
		AcceptThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dproxy_accept_throttled_total",
			Help: "Inbound connections closed by the accept rate limiter.",
		}),
		MessagesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dproxy_messages_relayed_total",
			Help: "HTTP messages relayed, by direction.",
		}, []string{"direction"}),
		BytesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dproxy_bytes_read_total",
			Help: "Bytes read from sockets, by connection role.",
		}, []string{"role"}),
		BytesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dproxy_bytes_written_total",
			Help: "Bytes written to sockets, by connection role.",
		}, []string{"role"}),
		ResolveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dproxy_upstream_resolve_duration_seconds",
			Help:    "Upstream hostname resolution latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"result"}),
		ConnectDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dproxy_upstream_connect_duration_seconds",
			Help:    "Upstream connect latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"result"}),
		AdminRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dproxy_admin_http_requests_total",
			Help: "Total admin HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),
		AdminRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dproxy_admin_http_request_duration_seconds",
			Help:    "Admin HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),
		AdminRequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dproxy_admin_http_requests_in_flight",
			Help: "Number of admin HTTP requests currently being processed.",
		}),
	}

	reg.MustRegister(
		m.ChannelsActive,
		m.ChannelsTotal,
		m.ChannelErrors,
		m.AcceptThrottled,
		m.MessagesRelayed,
		m.BytesRead,
		m.BytesWritten,
		m.ResolveDuration,
		m.ConnectDuration,
		m.AdminRequestsTotal,
		m.AdminRequestDuration,
		m.AdminRequestsInFlight,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed admin path label values (bounded cardinality).
var knownPrefixes = []string{"/healthz", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
