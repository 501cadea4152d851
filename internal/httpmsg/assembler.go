package httpmsg

import (
	"bytes"
	"fmt"
)

var terminator = []byte("\r\n\r\n")

// Phase is the framing state of an Assembler.
type Phase int

const (
	AwaitingHeaderEnd Phase = iota
	ReadingBody
)

func (p Phase) String() string {
	switch p {
	case AwaitingHeaderEnd:
		return "awaiting_header_end"
	case ReadingBody:
		return "reading_body"
	default:
		return "unknown"
	}
}

// Limits caps how much a single message may accumulate. A value <= 0 means
// no cap.
type Limits struct {
	MaxHeaderBytes int64
	MaxBodyBytes   int64
}

// Assembler turns a raw byte stream into complete messages regardless of how
// the transport chunks it. Body length is governed solely by Content-Length;
// chunked transfer-encoding is not recognized.
type Assembler struct {
	kind   Kind
	limits Limits

	phase   Phase
	partial *Message
	// carry counts the trailing bytes of the previous chunk that matched a
	// prefix of the terminator (0-3).
	carry        int
	bodyTarget   int64
	bodyConsumed int64
}

// NewAssembler returns an assembler producing messages of the given kind.
func NewAssembler(kind Kind, limits Limits) *Assembler {
	return &Assembler{kind: kind, limits: limits}
}

// Phase reports the current framing phase.
func (a *Assembler) Phase() Phase { return a.phase }

// InProgress reports whether a message has been started but not completed.
func (a *Assembler) InProgress() bool { return a.partial != nil }

// Consume feeds one chunk and returns the messages it completed, in arrival
// order. An empty chunk is a no-op. Bytes left after a completed message are
// scanned for the next, pipelined one.
//
// On error the messages completed before the failure are still returned and
// the in-progress message is discarded.
func (a *Assembler) Consume(chunk []byte) ([]*Message, error) {
	var done []*Message
	for len(chunk) > 0 {
		if a.partial == nil {
			a.partial = New(a.kind)
			a.phase = AwaitingHeaderEnd
		}
		switch a.phase {
		case AwaitingHeaderEnd:
			n, found := a.scanHead(chunk)
			if a.limits.MaxHeaderBytes > 0 && int64(a.partial.HeadLen()+n) > a.limits.MaxHeaderBytes {
				a.Reset()
				return done, fmt.Errorf("%w: more than %d bytes", ErrHeaderTooLarge, a.limits.MaxHeaderBytes)
			}
			a.partial.AppendHead(chunk[:n])
			chunk = chunk[n:]
			if !found {
				continue
			}
			if err := a.partial.ParseHead(); err != nil {
				a.Reset()
				return done, err
			}
			length := a.partial.ContentLength()
			if a.limits.MaxBodyBytes > 0 && length > a.limits.MaxBodyBytes {
				a.Reset()
				return done, fmt.Errorf("%w: content-length %d exceeds %d", ErrBodyTooLarge, length, a.limits.MaxBodyBytes)
			}
			if length > 0 {
				a.phase = ReadingBody
				a.bodyTarget = length
				a.bodyConsumed = 0
				continue
			}
			done = append(done, a.complete())
		case ReadingBody:
			n := min(a.bodyTarget-a.bodyConsumed, int64(len(chunk)))
			a.partial.AppendBody(chunk[:n])
			a.bodyConsumed += n
			chunk = chunk[n:]
			if a.bodyConsumed == a.bodyTarget {
				done = append(done, a.complete())
			}
		}
	}
	return done, nil
}

// scanHead returns how many bytes of chunk belong to the head and whether
// they complete it.
func (a *Assembler) scanHead(chunk []byte) (int, bool) {
	if a.carry > 0 {
		need := terminator[a.carry:]
		n := min(len(need), len(chunk))
		if bytes.Equal(chunk[:n], need[:n]) {
			if n == len(need) {
				a.carry = 0
				return n, true
			}
			a.carry += n
			return n, false
		}
		a.carry = 0
	}
	if i := bytes.Index(chunk, terminator); i >= 0 {
		return i + len(terminator), true
	}
	a.carry = terminatorPrefixSuffix(chunk)
	return len(chunk), false
}

// terminatorPrefixSuffix returns the length of the longest suffix of b (at
// most 3 bytes) that is a prefix of the terminator.
func terminatorPrefixSuffix(b []byte) int {
	for k := len(terminator) - 1; k > 0; k-- {
		if len(b) >= k && bytes.Equal(b[len(b)-k:], terminator[:k]) {
			return k
		}
	}
	return 0
}

func (a *Assembler) complete() *Message {
	m := a.partial
	a.Reset()
	return m
}

// Reset discards any in-progress message.
func (a *Assembler) Reset() {
	a.partial = nil
	a.phase = AwaitingHeaderEnd
	a.carry = 0
	a.bodyTarget = 0
	a.bodyConsumed = 0
}
