// Package httpmsg holds the HTTP/1.x message model and the incremental
// assembler that frames messages out of an arbitrarily chunked byte stream.
package httpmsg

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

var (
	// ErrMalformed is returned when a message head cannot be parsed.
	ErrMalformed = errors.New("httpmsg: malformed message")
	// ErrHeaderTooLarge is returned when a head grows past the configured cap.
	ErrHeaderTooLarge = errors.New("httpmsg: header too large")
	// ErrBodyTooLarge is returned when a Content-Length exceeds the configured cap.
	ErrBodyTooLarge = errors.New("httpmsg: body too large")
)

// Kind tells requests and responses apart.
type Kind int

const (
	Request Kind = iota
	Response
)

func (k Kind) String() string {
	switch k {
	case Request:
		return "request"
	case Response:
		return "response"
	default:
		return "unknown"
	}
}

// Field is one header field as seen on the wire.
type Field struct {
	Name  string
	Value string
}

type field struct {
	name  string
	value string
	raw   []byte // full wire line including its line ending
}

// Message is one HTTP request or response. It starts empty, is filled by
// AppendHead/AppendBody while the assembler frames it, and serializes back to
// the exact bytes it was built from.
type Message struct {
	kind Kind
	head []byte

	startLine []byte
	method    string
	target    string
	proto     string
	status    int
	reason    string
	fields    []field

	body []byte
}

// New returns an empty message of the given kind.
func New(kind Kind) *Message {
	return &Message{kind: kind}
}

func (m *Message) Kind() Kind { return m.kind }
func (m *Message) Method() string { return m.method }
func (m *Message) Target() string { return m.target }
func (m *Message) Proto() string { return m.proto }
func (m *Message) StatusCode() int { return m.status }
func (m *Message) Reason() string { return m.reason }
func (m *Message) Body() []byte { return m.body }
func (m *Message) HeadLen() int { return len(m.head) }
func (m *Message) FieldCount() int { return len(m.fields) }
func (m *Message) StartLine() string { return string(trimEOL(m.startLine)) }

// AppendHead appends raw head bytes. It is only valid before ParseHead.
func (m *Message) AppendHead(p []byte) {
	m.head = append(m.head, p...)
}

// AppendBody appends raw body bytes.
func (m *Message) AppendBody(p []byte) {
	m.body = append(m.body, p...)
}

// Header returns the first value of the named field. Names are matched
// case-insensitively.
func (m *Message) Header(name string) string {
	for _, f := range m.fields {
		if strings.EqualFold(f.name, name) {
			return f.value
		}
	}
	return ""
}

// Values returns every value of the named field in wire order.
func (m *Message) Values(name string) []string {
	var vals []string
	for _, f := range m.fields {
		if strings.EqualFold(f.name, name) {
			vals = append(vals, f.value)
		}
	}
	return vals
}

// Fields returns the header fields in wire order, duplicates included.
func (m *Message) Fields() []Field {
	out := make([]Field, len(m.fields))
	for i, f := range m.fields {
		out[i] = Field{Name: f.name, Value: f.value}
	}
	return out
}

// SetHeader overwrites the named field in place, dropping any further
// duplicates, or appends it after the last field when absent.
func (m *Message) SetHeader(name, value string) {
	nf := field{name: name, value: value, raw: []byte(name + ": " + value + "\r\n")}
	fields := make([]field, 0, len(m.fields)+1)
	replaced := false
	for _, f := range m.fields {
		if !strings.EqualFold(f.name, name) {
			fields = append(fields, f)
			continue
		}
		if !replaced {
			fields = append(fields, nf)
			replaced = true
		}
	}
	if !replaced {
		fields = append(fields, nf)
	}
	m.fields = fields
}

// ContentLength returns the declared body length. An absent, unparsable or
// negative Content-Length counts as zero.
func (m *Message) ContentLength() int64 {
	v := strings.TrimSpace(m.Header("Content-Length"))
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ParseHead parses the start line and header fields out of the accumulated
// head bytes. The head must end with the blank line.
func (m *Message) ParseHead() error {
	rest := m.head
	var line []byte
	// Leading empty lines before a start line are tolerated and dropped.
	for {
		line, rest = cutLine(rest)
		if len(line) == 0 || len(trimEOL(line)) > 0 {
			break
		}
	}
	if len(line) == 0 {
		return fmt.Errorf("%w: empty head", ErrMalformed)
	}
	if err := m.parseStartLine(string(trimEOL(line))); err != nil {
		return err
	}
	m.startLine = line
	m.fields = m.fields[:0]

	for len(rest) > 0 {
		line, rest = cutLine(rest)
		text := trimEOL(line)
		if len(text) == 0 {
			break
		}
		if text[0] == ' ' || text[0] == '\t' {
			if len(m.fields) == 0 {
				return fmt.Errorf("%w: continuation line before any field", ErrMalformed)
			}
			f := &m.fields[len(m.fields)-1]
			f.raw = append(append([]byte(nil), f.raw...), line...)
			f.value += " " + strings.TrimSpace(string(text))
			continue
		}
		i := bytes.IndexByte(text, ':')
		if i <= 0 {
			return fmt.Errorf("%w: header line %q", ErrMalformed, text)
		}
		name := string(text[:i])
		if strings.ContainsAny(name, " \t") {
			return fmt.Errorf("%w: header name %q", ErrMalformed, name)
		}
		m.fields = append(m.fields, field{
			name:  name,
			value: strings.TrimSpace(string(text[i+1:])),
			raw:   line,
		})
	}
	return nil
}

func (m *Message) parseStartLine(s string) error {
	parts := strings.SplitN(s, " ", 3)
	switch m.kind {
	case Request:
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || !strings.HasPrefix(parts[2], "HTTP/") {
			return fmt.Errorf("%w: request line %q", ErrMalformed, s)
		}
		m.method, m.target, m.proto = parts[0], parts[1], parts[2]
	case Response:
		if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") || len(parts[1]) != 3 {
			return fmt.Errorf("%w: status line %q", ErrMalformed, s)
		}
		code, err := strconv.Atoi(parts[1])
		if err != nil || code < 100 {
			return fmt.Errorf("%w: status code %q", ErrMalformed, parts[1])
		}
		m.proto, m.status = parts[0], code
		if len(parts) == 3 {
			m.reason = parts[2]
		}
	}
	return nil
}

// Len returns the length of the serialized message.
func (m *Message) Len() int {
	n := len(m.startLine) + 2 + len(m.body)
	for _, f := range m.fields {
		n += len(f.raw)
	}
	return n
}

// Bytes serializes the message: start line, header lines, blank line and body.
func (m *Message) Bytes() []byte {
	buf := make([]byte, 0, m.Len())
	buf = append(buf, m.startLine...)
	for _, f := range m.fields {
		buf = append(buf, f.raw...)
	}
	buf = append(buf, '\r', '\n')
	return append(buf, m.body...)
}

// NewStatus builds a complete plain-text response the proxy sends on its own
// behalf. The connection is announced as closing.
func NewStatus(code int, text string) *Message {
	body := text + "\n"
	raw := fmt.Sprintf("HTTP/1.1 %d %s\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"Content-Length: %d\r\n"+
		"Connection: close\r\n"+
		"\r\n", code, http.StatusText(code), len(body))
	m := New(Response)
	m.AppendHead([]byte(raw))
	if err := m.ParseHead(); err != nil {
		panic(err)
	}
	m.AppendBody([]byte(body))
	return m
}

func cutLine(b []byte) (line, rest []byte) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return b, nil
	}
	return b[:i+1], b[i+1:]
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}
