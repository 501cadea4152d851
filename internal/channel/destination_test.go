package channel

import (
	"errors"
	"testing"

	"dproxy/internal/httpmsg"
	"dproxy/internal/model"
)

func TestDestinationOf(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    model.Destination
		wantErr error
	}{
		{
			name: "absolute http",
			raw:  "GET http://example.com/index.html HTTP/1.1\r\nHost: example.com\r\n\r\n",
			want: model.Destination{Scheme: "http", Host: "example.com", Port: 80},
		},
		{
			name: "absolute with port",
			raw:  "GET http://example.com:8080/ HTTP/1.1\r\n\r\n",
			want: model.Destination{Scheme: "http", Host: "example.com", Port: 8080},
		},
		{
			name: "non-http scheme uses the configured port",
			raw:  "GET https://example.com/ HTTP/1.1\r\n\r\n",
			want: model.Destination{Scheme: "https", Host: "example.com", Port: 433},
		},
		{
			name: "scheme and host are case-insensitive",
			raw:  "GET HTTP://Example.COM/ HTTP/1.1\r\n\r\n",
			want: model.Destination{Scheme: "http", Host: "example.com", Port: 80},
		},
		{
			name: "ipv6 literal",
			raw:  "GET http://[::1]:8080/ HTTP/1.1\r\n\r\n",
			want: model.Destination{Scheme: "http", Host: "::1", Port: 8080},
		},
		{
			name: "absolute target wins over host field",
			raw:  "GET http://a.example/ HTTP/1.1\r\nHost: b.example\r\n\r\n",
			want: model.Destination{Scheme: "http", Host: "a.example", Port: 80},
		},
		{
			name: "origin-form falls back to host field",
			raw:  "GET /path HTTP/1.1\r\nHost: b.example:81\r\n\r\n",
			want: model.Destination{Scheme: "http", Host: "b.example", Port: 81},
		},
		{
			name:    "origin-form without host",
			raw:     "GET /path HTTP/1.1\r\n\r\n",
			wantErr: ErrNoDestination,
		},
		{
			name:    "bad port",
			raw:     "GET http://example.com:99999/ HTTP/1.1\r\n\r\n",
			wantErr: ErrNoDestination,
		},
		{
			name:    "connect",
			raw:     "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n",
			wantErr: ErrTunnelUnsupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := httpmsg.NewAssembler(httpmsg.Request, httpmsg.Limits{}).Consume([]byte(tt.raw))
			if err != nil || len(msgs) != 1 {
				t.Fatalf("Consume() = %d messages, %v", len(msgs), err)
			}
			got, err := DestinationOf(msgs[0], 433)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("DestinationOf() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DestinationOf() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("DestinationOf() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDestinationAddr(t *testing.T) {
	tests := []struct {
		d    model.Destination
		addr string
		str  string
	}{
		{model.Destination{Scheme: "http", Host: "example.com", Port: 80}, "example.com:80", "http://example.com:80"},
		{model.Destination{Scheme: "http", Host: "::1", Port: 8080}, "[::1]:8080", "http://[::1]:8080"},
		{model.Destination{Host: "example.com", Port: 433}, "example.com:433", "example.com:433"},
	}
	for _, tt := range tests {
		if got := tt.d.Addr(); got != tt.addr {
			t.Errorf("Addr() = %q, want %q", got, tt.addr)
		}
		if got := tt.d.String(); got != tt.str {
			t.Errorf("String() = %q, want %q", got, tt.str)
		}
	}
}
