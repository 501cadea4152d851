// Package model defines shared types for the proxy.
package model

import (
	"net"
	"strconv"
	"time"
)

// Destination is the origin server a channel relays to.
type Destination struct {
	Scheme string
	Host   string
	Port   int
}

// Addr returns host:port, bracketing IPv6 literals.
func (d Destination) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

func (d Destination) String() string {
	if d.Scheme == "" {
		return d.Addr()
	}
	return d.Scheme + "://" + d.Addr()
}

// IsZero reports whether no destination has been set.
func (d Destination) IsZero() bool { return d.Host == "" }

// ChannelStatus is a snapshot of one proxied session.
type ChannelStatus struct {
	ID          uint64    `json:"id"`
	Client      string    `json:"client"`
	Destination string    `json:"destination,omitempty"`
	State       string    `json:"state"`
	Requests    uint64    `json:"requests"`
	Responses   uint64    `json:"responses"`
	OpenedAt    time.Time `json:"opened_at"`
}

// ProxyStatus summarizes the channel engine.
type ProxyStatus struct {
	ActiveChannels int64           `json:"active_channels"`
	TotalChannels  uint64          `json:"total_channels"`
	Throttled      uint64          `json:"throttled"`
	Channels       []ChannelStatus `json:"channels,omitempty"`
}
