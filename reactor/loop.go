// Package reactor implements the single-threaded readiness multiplexer at
// the core of tuyalink: a set of file descriptors plus a time-ordered
// delayed-work queue, dispatched as Events to registered Handlers and to a
// promiscuous EventBus. The reactor depends only on the Handler capability
// interface, never on a concrete socket or device type.
package reactor

import (
	"container/heap"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"tuyalink/logging"
)

const maxEpollEvents = 64

// Loop is the reactor: it owns an epoll instance, a self-pipe wakeup, and
// two fd maps (read, one-shot write) plus a promiscuous bus.
// All methods except PushWork are intended to be called only from the
// reactor's own goroutine; PushWork is the one sanctioned cross-thread
// entry point (see worker.Facade for the dedicated-thread runner).
type Loop struct {
	sink logging.Sink

	epfd  int
	wakeR int
	wakeW int

	mu            sync.Mutex
	readHandlers  map[int]Handler
	writeHandlers map[int]Handler
	timers        timerHeap
	timerSeq      uint64
	closed        bool

	bus *EventBus
}

// New creates a Loop backed by epoll. sink may be nil (logging.Discard is used).
func New(sink logging.Sink) (*Loop, error) {
	if sink == nil {
		sink = logging.Discard
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, newErr(WaitFailed, "epoll_create1: %v", err)
	}
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, newErr(WaitFailed, "pipe2: %v", err)
	}
	l := &Loop{
		sink:          sink,
		epfd:          epfd,
		wakeR:         fds[0],
		wakeW:         fds[1],
		readHandlers:  make(map[int]Handler),
		writeHandlers: make(map[int]Handler),
		bus:           NewEventBus(),
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, l.wakeR, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(l.wakeR)}); err != nil {
		l.Close()
		return nil, newErr(WaitFailed, "epoll_ctl wake fd: %v", err)
	}
	return l, nil
}

// AttachRead registers fd for exclusive readability. AlreadyAttached if fd
// already has a read handler.
func (l *Loop) AttachRead(fd int, h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.readHandlers[fd]; exists {
		return newErr(AlreadyAttached, "fd %d already attached for read", fd)
	}
	events := uint32(unix.EPOLLIN)
	op := unix.EPOLL_CTL_ADD
	if _, hasWrite := l.writeHandlers[fd]; hasWrite {
		events |= unix.EPOLLOUT
		op = unix.EPOLL_CTL_MOD
	}
	if err := unix.EpollCtl(l.epfd, op, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)}); err != nil {
		return newErr(WaitFailed, "epoll_ctl fd %d: %v", fd, err)
	}
	l.readHandlers[fd] = h
	return nil
}

// Detach removes fd from both the read and one-shot write registrations.
// NotAttached if fd carries neither.
func (l *Loop) Detach(fd int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, hasRead := l.readHandlers[fd]
	_, hasWrite := l.writeHandlers[fd]
	if !hasRead && !hasWrite {
		return newErr(NotAttached, "fd %d not attached", fd)
	}
	unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(l.readHandlers, fd)
	delete(l.writeHandlers, fd)
	return nil
}

// AttachWriteOnce registers fd for a single writability notification; the
// registration is removed automatically after it fires once (used by
// non-blocking connect).
func (l *Loop) AttachWriteOnce(fd int, h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.writeHandlers[fd]; exists {
		return newErr(AlreadyAttached, "fd %d already attached for write", fd)
	}
	events := uint32(unix.EPOLLOUT)
	op := unix.EPOLL_CTL_ADD
	if _, hasRead := l.readHandlers[fd]; hasRead {
		events |= unix.EPOLLIN
		op = unix.EPOLL_CTL_MOD
	}
	if err := unix.EpollCtl(l.epfd, op, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)}); err != nil {
		return newErr(WaitFailed, "epoll_ctl fd %d: %v", fd, err)
	}
	l.writeHandlers[fd] = h
	return nil
}

// AttachPromiscuous subscribes h to a copy of every dispatched event.
func (l *Loop) AttachPromiscuous(h Handler) Token {
	return l.bus.Subscribe(func(ev Event) { dispatchToHandler(h, ev) })
}

// DetachPromiscuous removes a promiscuous subscription by its token.
func (l *Loop) DetachPromiscuous(tok Token) {
	l.bus.Unsubscribe(tok)
}

// Bus exposes the underlying EventBus for components (scanner, worker) that
// want raw Event delivery instead of the Handler interface.
func (l *Loop) Bus() *EventBus {
	return l.bus
}

// PushWork enqueues fn to run after delay, ordered by earliest deadline.
// Safe to call from any goroutine; wakes the reactor if it is blocked in
// RunOnce. Equal deadlines run in enqueue order.
func (l *Loop) PushWork(fn func(), delay time.Duration) {
	l.mu.Lock()
	l.timerSeq++
	heap.Push(&l.timers, &delayedWork{deadline: time.Now().Add(delay), seq: l.timerSeq, fn: fn})
	l.mu.Unlock()
	l.wake()
}

func (l *Loop) wake() {
	_, _ = unix.Write(l.wakeW, []byte{0})
}

// Dispatch delivers ev synchronously to the fd-specific handler (if any)
// and then to every promiscuous subscriber, in registration order. A
// handler panic is caught, logged at WARN, and does not propagate across
// the reactor boundary.
func (l *Loop) Dispatch(ev Event) {
	l.mu.Lock()
	var h Handler
	switch ev.Type {
	case Writable:
		h = l.writeHandlers[ev.FD]
	default:
		h = l.readHandlers[ev.FD]
	}
	l.mu.Unlock()

	if h != nil {
		l.safeDispatch(h, ev)
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				l.sink.Log(logging.LevelWarn, "reactor", "promiscuous handler panic on %s fd=%d: %v", ev.Type, ev.FD, r)
			}
		}()
		l.bus.Emit(ev)
	}()
}

func (l *Loop) safeDispatch(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			l.sink.Log(logging.LevelWarn, "reactor", "handler panic on %s fd=%d: %v", ev.Type, ev.FD, r)
		}
	}()
	dispatchToHandler(h, ev)
}

func dispatchToHandler(h Handler, ev Event) {
	switch ev.Type {
	case Connected:
		h.OnConnected(ev)
	case Readable:
		h.OnReadable(ev)
	case Writable:
		h.OnWritable(ev)
	case Read:
		h.OnRead(ev)
	case MessageEvent:
		h.OnMessage(ev)
	case Close:
		h.OnClose(ev)
	}
}

// RunOnce performs one reactor tick: drain expired delayed work (in
// deadline order; work enqueued by a closure is re-evaluated before the
// wait), wait for readiness up to timeout (clipped to the next deadline),
// then dispatch Readable/Writable events for whatever became ready.
func (l *Loop) RunOnce(timeout time.Duration) error {
	l.drainTimers()

	waitMs := l.computeWaitMs(timeout)

	var events [maxEpollEvents]unix.EpollEvent
	n, err := unix.EpollWait(l.epfd, events[:], waitMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return newErr(WaitFailed, "epoll_wait: %v", err)
	}

	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if fd == l.wakeR {
			l.drainWake()
			continue
		}
		mask := events[i].Events
		if mask&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			l.Dispatch(Event{Type: Readable, FD: fd})
		}
		if mask&unix.EPOLLOUT != 0 {
			l.fireWriteOnce(fd)
		}
	}
	return nil
}

func (l *Loop) fireWriteOnce(fd int) {
	l.mu.Lock()
	_, stillRegistered := l.writeHandlers[fd]
	l.mu.Unlock()
	if !stillRegistered {
		return
	}

	l.Dispatch(Event{Type: Writable, FD: fd})

	l.mu.Lock()
	delete(l.writeHandlers, fd)
	if _, hasRead := l.readHandlers[fd]; hasRead {
		unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)})
	} else {
		unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	l.mu.Unlock()
}

func (l *Loop) drainTimers() {
	for {
		l.mu.Lock()
		if len(l.timers) == 0 {
			l.mu.Unlock()
			return
		}
		top := l.timers[0]
		if top.deadline.After(time.Now()) {
			l.mu.Unlock()
			return
		}
		heap.Pop(&l.timers)
		l.mu.Unlock()
		l.runTimer(top.fn)
	}
}

func (l *Loop) runTimer(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.sink.Log(logging.LevelWarn, "reactor", "delayed work panic: %v", r)
		}
	}()
	fn()
}

func (l *Loop) computeWaitMs(timeout time.Duration) int {
	waitMs := int(timeout / time.Millisecond)
	l.mu.Lock()
	if len(l.timers) > 0 {
		until := time.Until(l.timers[0].deadline)
		if until < 0 {
			until = 0
		}
		if ms := int(until / time.Millisecond); ms < waitMs {
			waitMs = ms
		}
	}
	l.mu.Unlock()
	if waitMs < 0 {
		waitMs = 0
	}
	return waitMs
}

func (l *Loop) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(l.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Close releases the epoll instance and self-pipe. It does not close any
// fd a Handler still owns; callers must detach and close those themselves.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	unix.Close(l.wakeR)
	unix.Close(l.wakeW)
	return unix.Close(l.epfd)
}
