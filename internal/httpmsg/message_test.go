package httpmsg

import (
	"strings"
	"testing"
)

func parse(t *testing.T, kind Kind, raw string) *Message {
	t.Helper()
	msgs, err := NewAssembler(kind, Limits{}).Consume([]byte(raw))
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	return msgs[0]
}

func TestMessage_RequestLine(t *testing.T) {
	m := parse(t, Request, "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n")
	if m.Method() != "GET" {
		t.Errorf("Method() = %q, want %q", m.Method(), "GET")
	}
	if m.Target() != "http://example.com/" {
		t.Errorf("Target() = %q, want %q", m.Target(), "http://example.com/")
	}
	if m.Proto() != "HTTP/1.1" {
		t.Errorf("Proto() = %q, want %q", m.Proto(), "HTTP/1.1")
	}
	if m.Kind() != Request {
		t.Errorf("Kind() = %v, want %v", m.Kind(), Request)
	}
}

func TestMessage_WireExactSerialization(t *testing.T) {
	raws := []string{
		"GET / HTTP/1.1\r\nhOsT:   spaced  \r\nX-Dup: 1\r\nX-Dup: 2\r\n\r\n",
		"HTTP/1.0 404 Not Found\r\nContent-Length: 3\r\n\r\nnop",
		"HTTP/1.1 200\r\nContent-Length: 0\r\n\r\n",
		"GET / HTTP/1.1\r\nX-Folded: a\r\n  b\r\n\r\n",
	}
	for _, raw := range raws {
		kind := Request
		if strings.HasPrefix(raw, "HTTP/") {
			kind = Response
		}
		m := parse(t, kind, raw)
		if got := string(m.Bytes()); got != raw {
			t.Errorf("Bytes() = %q, want %q", got, raw)
		}
		if m.Len() != len(raw) {
			t.Errorf("Len() = %d, want %d", m.Len(), len(raw))
		}
	}
}

func TestMessage_HeadersCaseInsensitiveAndOrdered(t *testing.T) {
	m := parse(t, Request, "GET / HTTP/1.1\r\nX-Dup: 1\r\nHost: x\r\nx-dup: 2\r\n\r\n")
	if got := m.Header("HOST"); got != "x" {
		t.Errorf("Header(HOST) = %q, want %q", got, "x")
	}
	vals := m.Values("X-DUP")
	if len(vals) != 2 || vals[0] != "1" || vals[1] != "2" {
		t.Errorf("Values(X-DUP) = %v, want [1 2]", vals)
	}
	fields := m.Fields()
	if len(fields) != 3 || fields[1].Name != "Host" {
		t.Errorf("Fields() = %v", fields)
	}
}

func TestMessage_SetHeader(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "appends when absent",
			raw:  "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello",
			want: "HTTP/1.1 200 OK\r\nContent-Length: 5\r\nServer: dproxy\r\n\r\nhello",
		},
		{
			name: "overwrites in place",
			raw:  "HTTP/1.1 200 OK\r\nserver: nginx\r\nContent-Length: 0\r\n\r\n",
			want: "HTTP/1.1 200 OK\r\nServer: dproxy\r\nContent-Length: 0\r\n\r\n",
		},
		{
			name: "drops duplicates",
			raw:  "HTTP/1.1 200 OK\r\nServer: a\r\nServer: b\r\n\r\n",
			want: "HTTP/1.1 200 OK\r\nServer: dproxy\r\n\r\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := parse(t, Response, tt.raw)
			m.SetHeader("Server", "dproxy")
			if got := string(m.Bytes()); got != tt.want {
				t.Errorf("Bytes() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessage_ContentLength(t *testing.T) {
	tests := []struct {
		value string
		want  int64
	}{
		{"5", 5},
		{" 12 ", 12},
		{"", 0},
		{"abc", 0},
		{"-3", 0},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			m := New(Request)
			m.AppendHead([]byte("GET / HTTP/1.1\r\nContent-Length: " + tt.value + "\r\n\r\n"))
			if err := m.ParseHead(); err != nil {
				t.Fatalf("ParseHead() error = %v", err)
			}
			if got := m.ContentLength(); got != tt.want {
				t.Errorf("ContentLength() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMessage_LeadingBlankLinesDropped(t *testing.T) {
	m := parse(t, Request, "\r\nGET / HTTP/1.1\r\nHost: x\r\n\r\n")
	if got := string(m.Bytes()); got != simpleRequest {
		t.Errorf("Bytes() = %q, want %q", got, simpleRequest)
	}
}

func TestNewStatus(t *testing.T) {
	m := NewStatus(502, "upstream host unreachable")
	if m.StatusCode() != 502 {
		t.Errorf("StatusCode() = %d, want 502", m.StatusCode())
	}
	if m.Reason() != "Bad Gateway" {
		t.Errorf("Reason() = %q, want %q", m.Reason(), "Bad Gateway")
	}
	if int(m.ContentLength()) != len(m.Body()) {
		t.Errorf("ContentLength() = %d, body length %d", m.ContentLength(), len(m.Body()))
	}
	if m.Header("Connection") != "close" {
		t.Errorf("Connection = %q, want close", m.Header("Connection"))
	}
	// The serialized form must frame back into the same message.
	again := parse(t, Response, string(m.Bytes()))
	if string(again.Body()) != string(m.Body()) {
		t.Errorf("reparsed body = %q, want %q", again.Body(), m.Body())
	}
}
