package conn

import (
	"io"

	"dproxy/internal/httpmsg"
	"dproxy/internal/reactor"
)

// WriteQueue holds messages awaiting transmission in arrival order. At most
// one message is active at a time; it leaves the queue only once every byte
// of its serialized form has been written.
type WriteQueue struct {
	pending []*httpmsg.Message

	active *httpmsg.Message
	buf    []byte
	off    int
}

// Push appends m behind everything already queued.
func (q *WriteQueue) Push(m *httpmsg.Message) {
	q.pending = append(q.pending, m)
}

// Len counts queued messages, the active one included.
func (q *WriteQueue) Len() int {
	n := len(q.pending)
	if q.active != nil {
		n++
	}
	return n
}

// Empty reports whether nothing is left to write.
func (q *WriteQueue) Empty() bool { return q.Len() == 0 }

// Offset returns how many bytes of the active message have been written.
func (q *WriteQueue) Offset() int { return q.off }

// Drain writes queued messages back to back for as long as w accepts every
// byte offered. It returns the bytes written and the number of messages
// completed. A nil error means the queue is empty; reactor.ErrWouldBlock
// means w stopped short and the rest waits for the next writable
// notification.
func (q *WriteQueue) Drain(w io.Writer) (int, int, error) {
	written, sent := 0, 0
	for {
		if q.active == nil {
			if len(q.pending) == 0 {
				return written, sent, nil
			}
			q.active = q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.buf = q.active.Bytes()
			q.off = 0
		}
		n, err := w.Write(q.buf[q.off:])
		q.off += n
		written += n
		if q.off == len(q.buf) {
			q.active, q.buf, q.off = nil, nil, 0
			sent++
		}
		if err != nil {
			return written, sent, err
		}
		if q.active != nil {
			return written, sent, reactor.ErrWouldBlock
		}
	}
}

// Reset drops everything, including a partially written message.
func (q *WriteQueue) Reset() {
	q.pending = nil
	q.active, q.buf, q.off = nil, nil, 0
}
