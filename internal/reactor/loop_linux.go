//go:build linux

package reactor

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

const maxEvents = 256

type entry struct {
	sock    *FDSocket
	handler Handler
}

// Loop is an edge-triggered epoll event loop. Run owns one locked OS thread
// and dispatches every notification and posted task on it.
type Loop struct {
	epfd   int
	wakefd int
	logger *slog.Logger

	mu      sync.Mutex
	tasks   []func()
	entries map[int]*entry

	stopping atomic.Bool
	done     chan struct{}
}

var _ Reactor = (*Loop)(nil)

// NewLoop creates the epoll instance and its wakeup eventfd.
func NewLoop(logger *slog.Logger) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, os.NewSyscallError("epoll_ctl", err)
	}
	return &Loop{
		epfd:    epfd,
		wakefd:  wakefd,
		logger:  logger.With("component", "reactor"),
		entries: make(map[int]*entry),
		done:    make(chan struct{}),
	}, nil
}

// Run dispatches events until Stop is called. It blocks the calling
// goroutine and pins it to its OS thread.
func (l *Loop) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(l.done)

	events := make([]unix.EpollEvent, maxEvents)
	for !l.stopping.Load() {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return os.NewSyscallError("epoll_wait", err)
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakefd {
				l.drainWake()
				continue
			}
			l.dispatch(fd, events[i].Events)
		}
		l.runTasks()
	}
	l.runTasks()
	return nil
}

// Stop makes Run return after the current iteration. Tasks posted before
// Stop still run.
func (l *Loop) Stop() {
	l.stopping.Store(true)
	l.wake()
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Close releases every socket still registered and the loop's own
// descriptors. Call it only after Run has returned.
func (l *Loop) Close() error {
	l.mu.Lock()
	entries := l.entries
	l.entries = make(map[int]*entry)
	l.mu.Unlock()
	for _, e := range entries {
		_ = e.sock.Close()
	}
	_ = unix.Close(l.wakefd)
	return unix.Close(l.epfd)
}

func (l *Loop) Register(s Socket, h Handler) error {
	fs, ok := s.(*FDSocket)
	if !ok {
		return fmt.Errorf("reactor: cannot register %T", s)
	}
	if fs.closed {
		return ErrClosed
	}
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLET,
		Fd:     int32(fs.fd),
	}
	l.mu.Lock()
	l.entries[fs.fd] = &entry{sock: fs, handler: h}
	l.mu.Unlock()
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fs.fd, &ev); err != nil {
		l.mu.Lock()
		delete(l.entries, fs.fd)
		l.mu.Unlock()
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

func (l *Loop) Unregister(s Socket) error {
	fs, ok := s.(*FDSocket)
	if !ok {
		return fmt.Errorf("reactor: cannot unregister %T", s)
	}
	l.mu.Lock()
	e, ok := l.entries[fs.fd]
	if ok && e.sock == fs {
		delete(l.entries, fs.fd)
	}
	l.mu.Unlock()
	if !ok || fs.closed {
		return nil
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fs.fd, nil); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.wake()
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) func() bool {
	t := time.AfterFunc(d, func() { l.Post(fn) })
	return t.Stop
}

func (l *Loop) lookup(fd int) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries[fd]
}

// live reports whether e is still the registration for fd; a handler may
// have closed its socket and the descriptor may have been reused.
func (l *Loop) live(fd int, e *entry) bool {
	return l.lookup(fd) == e
}

func (l *Loop) dispatch(fd int, events uint32) {
	e := l.lookup(fd)
	if e == nil {
		return
	}
	if e.sock.connecting {
		if events&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) == 0 {
			return
		}
		if err := e.sock.finishConnect(); err != nil {
			e.handler.OnError(err)
			return
		}
		e.handler.OnOpen()
		if !l.live(fd, e) {
			return
		}
	}
	if events&unix.EPOLLERR != 0 {
		err := e.sock.pendingError()
		if err == nil {
			err = fmt.Errorf("socket %s: error condition", e.sock.peer)
		}
		e.handler.OnError(err)
		return
	}
	switch {
	case events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0:
		e.handler.OnReadable()
		if !l.live(fd, e) {
			return
		}
	case events&unix.EPOLLHUP != 0:
		e.handler.OnEnd()
		return
	}
	if events&unix.EPOLLOUT != 0 {
		e.handler.OnWritable()
	}
}

func (l *Loop) runTasks() {
	l.mu.Lock()
	tasks := l.tasks
	l.tasks = nil
	l.mu.Unlock()
	for _, fn := range tasks {
		fn()
	}
}

func (l *Loop) wake() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(l.wakefd, buf[:]); err != nil && err != unix.EAGAIN {
		l.logger.Error("wake event loop", "err", err)
	}
}

func (l *Loop) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(l.wakefd, buf[:])
}
