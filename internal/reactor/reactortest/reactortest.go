// Package reactortest provides an in-memory Reactor and Socket for tests.
// Readiness events are injected by the test instead of coming from the OS.
package reactortest

import (
	"bytes"
	"io"
	"sync"
	"time"

	"dproxy/internal/reactor"
)

// Socket is a scripted reactor.Socket.
type Socket struct {
	Name string

	mu      sync.Mutex
	inbound [][]byte
	eof     bool
	readErr error

	written  bytes.Buffer
	capacity int
	writeErr error
	writes   int

	closed bool
}

var _ reactor.Socket = (*Socket)(nil)

// NewSocket returns a socket that accepts every write.
func NewSocket(name string) *Socket {
	return &Socket{Name: name, capacity: -1}
}

// Feed queues chunks for Read. Each Read returns at most one chunk.
func (s *Socket) Feed(chunks ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		s.inbound = append(s.inbound, []byte(c))
	}
}

// FeedEOF makes Read return io.EOF once queued chunks are consumed.
func (s *Socket) FeedEOF() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eof = true
}

// FailReads makes the next Read after queued chunks fail with err.
func (s *Socket) FailReads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

// SetCapacity limits how many more bytes writes accept before reporting
// reactor.ErrWouldBlock. A negative value accepts everything.
func (s *Socket) SetCapacity(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capacity = n
}

// FailWrites makes every later Write fail with err.
func (s *Socket) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// Written returns everything written so far.
func (s *Socket) Written() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.String()
}

// Writes counts Write calls.
func (s *Socket) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Closed reports whether Close was called.
func (s *Socket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Socket) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, reactor.ErrClosed
	}
	if len(s.inbound) > 0 {
		chunk := s.inbound[0]
		n := copy(p, chunk)
		if n < len(chunk) {
			s.inbound[0] = chunk[n:]
		} else {
			s.inbound = s.inbound[1:]
		}
		return n, nil
	}
	if s.readErr != nil {
		return 0, s.readErr
	}
	if s.eof {
		return 0, io.EOF
	}
	return 0, reactor.ErrWouldBlock
}

func (s *Socket) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.closed {
		return 0, reactor.ErrClosed
	}
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	n := len(p)
	if s.capacity >= 0 && n > s.capacity {
		n = s.capacity
	}
	s.written.Write(p[:n])
	if s.capacity >= 0 {
		s.capacity -= n
	}
	if n < len(p) {
		return n, reactor.ErrWouldBlock
	}
	return n, nil
}

func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Socket) String() string { return s.Name }

type timer struct {
	d       time.Duration
	fn      func()
	stopped bool
	fired   bool
}

// Reactor records registrations and runs posted work when told to.
type Reactor struct {
	mu       sync.Mutex
	handlers map[reactor.Socket]reactor.Handler
	tasks    []func()
	timers   []*timer
	posted   chan struct{}

	// RegisterErr, when set, is returned by Register.
	RegisterErr error
}

var _ reactor.Reactor = (*Reactor)(nil)

func NewReactor() *Reactor {
	return &Reactor{
		handlers: make(map[reactor.Socket]reactor.Handler),
		posted:   make(chan struct{}, 1),
	}
}

func (r *Reactor) Register(s reactor.Socket, h reactor.Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.RegisterErr != nil {
		return r.RegisterErr
	}
	r.handlers[s] = h
	return nil
}

func (r *Reactor) Unregister(s reactor.Socket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[s]; !ok {
		return reactor.ErrClosed
	}
	delete(r.handlers, s)
	return nil
}

// Registered reports whether s currently has a handler.
func (r *Reactor) Registered(s reactor.Socket) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handlers[s]
	return ok
}

func (r *Reactor) Post(fn func()) {
	r.mu.Lock()
	r.tasks = append(r.tasks, fn)
	r.mu.Unlock()
	select {
	case r.posted <- struct{}{}:
	default:
	}
}

// RunPosted runs posted tasks, including ones posted while running, and
// returns how many ran.
func (r *Reactor) RunPosted() int {
	n := 0
	for {
		r.mu.Lock()
		tasks := r.tasks
		r.tasks = nil
		r.mu.Unlock()
		if len(tasks) == 0 {
			return n
		}
		for _, fn := range tasks {
			fn()
			n++
		}
	}
}

// AwaitPosted blocks until at least one task has been posted from another
// goroutine or the timeout passes, then runs whatever is queued.
func (r *Reactor) AwaitPosted(timeout time.Duration) int {
	if n := r.RunPosted(); n > 0 {
		return n
	}
	select {
	case <-r.posted:
	case <-time.After(timeout):
	}
	return r.RunPosted()
}

func (r *Reactor) AfterFunc(d time.Duration, fn func()) func() bool {
	t := &timer{d: d, fn: fn}
	r.mu.Lock()
	r.timers = append(r.timers, t)
	r.mu.Unlock()
	return func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		if t.stopped || t.fired {
			return false
		}
		t.stopped = true
		return true
	}
}

// FireTimers runs every timer that is neither stopped nor already fired.
func (r *Reactor) FireTimers() int {
	r.mu.Lock()
	var due []*timer
	for _, t := range r.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	r.mu.Unlock()
	for _, t := range due {
		t.fn()
	}
	return len(due)
}

// ActiveTimers counts timers that are neither stopped nor fired.
func (r *Reactor) ActiveTimers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (r *Reactor) handler(s reactor.Socket) reactor.Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handlers[s]
}

// Open delivers a connect completion to the handler of s, if any.
func (r *Reactor) Open(s reactor.Socket) {
	if h := r.handler(s); h != nil {
		h.OnOpen()
	}
}

func (r *Reactor) Readable(s reactor.Socket) {
	if h := r.handler(s); h != nil {
		h.OnReadable()
	}
}

func (r *Reactor) Writable(s reactor.Socket) {
	if h := r.handler(s); h != nil {
		h.OnWritable()
	}
}

func (r *Reactor) End(s reactor.Socket) {
	if h := r.handler(s); h != nil {
		h.OnEnd()
	}
}

func (r *Reactor) Error(s reactor.Socket, err error) {
	if h := r.handler(s); h != nil {
		h.OnError(err)
	}
}
