package channel

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"dproxy/internal/httpmsg"
	"dproxy/internal/model"
)

var (
	// ErrNoDestination is returned when a request names no usable origin.
	ErrNoDestination = errors.New("channel: request has no destination")
	// ErrTunnelUnsupported is returned for CONNECT requests.
	ErrTunnelUnsupported = errors.New("channel: CONNECT is not supported")
)

// DestinationOf extracts the origin a request is addressed to. Absolute-form
// targets are authoritative; origin-form targets fall back to the Host field
// with scheme "http". Without an explicit port, "http" uses 80 and every
// other scheme uses nonHTTPPort.
func DestinationOf(m *httpmsg.Message, nonHTTPPort int) (model.Destination, error) {
	if strings.EqualFold(m.Method(), "CONNECT") {
		return model.Destination{}, ErrTunnelUnsupported
	}

	var scheme, host, port string
	if u, err := url.Parse(m.Target()); err == nil && u.IsAbs() && u.Host != "" {
		scheme, host, port = strings.ToLower(u.Scheme), u.Hostname(), u.Port()
	} else if h := m.Header("Host"); h != "" {
		u, err := url.Parse("http://" + h)
		if err != nil {
			return model.Destination{}, fmt.Errorf("%w: host field %q", ErrNoDestination, h)
		}
		scheme, host, port = "http", u.Hostname(), u.Port()
	}
	if host == "" {
		return model.Destination{}, fmt.Errorf("%w: target %q", ErrNoDestination, m.Target())
	}

	d := model.Destination{Scheme: scheme, Host: strings.ToLower(host)}
	switch {
	case port != "":
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return model.Destination{}, fmt.Errorf("%w: port %q", ErrNoDestination, port)
		}
		d.Port = n
	case scheme == "http":
		d.Port = 80
	default:
		d.Port = nonHTTPPort
	}
	return d, nil
}
