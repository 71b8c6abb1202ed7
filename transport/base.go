// Package transport implements the socket-handler base behavior common to
// every tuyalink connection: a non-blocking fd, a reused read buffer, and
// the Readable->Read->Message pipeline that runs the wire codec over
// whatever bytes a recv call yields. UDPServer and TCPClient specialize it
// for discovery broadcasts and device connections respectively.
package transport

import (
	"sync"

	"golang.org/x/sys/unix"

	"tuyalink/logging"
	"tuyalink/reactor"
	"tuyalink/wire"
)

// readBufSize sizes the per-handler receive buffer. TCP reads can carry
// several concatenated frames, so this sits well above the 1 KiB floor a
// single frame needs.
const readBufSize = 8192

// Base holds the fd, read buffer, and codec parameters shared by every
// socket handler, plus the Read->Message and send_raw logic. It implements
// reactor.Handler's OnRead/OnClose; embedders implement OnReadable (and, for
// TCP, OnConnected/OnWritable) themselves since recv semantics differ by
// socket type.
type Base struct {
	reactor.BaseHandler

	mu        sync.Mutex
	fd        int
	connected bool
	addr      string

	buf []byte

	Loop      *reactor.Loop
	Key       []byte
	NoRetCode bool
}

// NewBase constructs a Base bound to loop, using key for codec operations.
func NewBase(loop *reactor.Loop, key []byte, noRetCode bool, sink logging.Sink, tag string) *Base {
	if sink == nil {
		sink = logging.Discard
	}
	return &Base{
		BaseHandler: reactor.BaseHandler{Sink: sink, Tag: tag},
		Loop:        loop,
		Key:         key,
		NoRetCode:   noRetCode,
		buf:         make([]byte, readBufSize),
	}
}

// FD returns the owned file descriptor, or 0 if unset.
func (b *Base) FD() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fd
}

// SetFD records the owned fd and peer address. A non-zero fd marks the
// handler connected; 0 marks it disconnected.
func (b *Base) SetFD(fd int, addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fd = fd
	b.addr = addr
	b.connected = fd != 0
}

// IsConnected reflects the last Connected/Close transition.
func (b *Base) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Addr returns the peer address associated with the current fd.
func (b *Base) Addr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addr
}

// SendRaw performs a synchronous send on the owned fd. This is safe from
// any goroutine: the reactor thread only ever reads from this fd, and the
// OS serializes send/recv on separate directions of the same socket.
func (b *Base) SendRaw(data []byte) error {
	b.mu.Lock()
	fd := b.fd
	connected := b.connected
	addr := b.addr
	b.mu.Unlock()
	if !connected || fd == 0 {
		return newErr(NotConnected, "no fd attached")
	}

	b.Sink.TX(b.Tag, addr, data)
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return newErr(SendFailed, "write fd %d: %v", fd, err)
		}
		data = data[n:]
	}
	return nil
}

// ReadBuf exposes the reused read buffer for embedders to recv into.
func (b *Base) ReadBuf() []byte {
	return b.buf
}

// DeliverRead dispatches a Read event for n bytes received from addr, or
// defers a Close dispatch if n is 0 or recvErr is non-nil. Deferring the
// Close via PushWork lets other readable fds in this tick observe
// consistent state; the fd-specific handler's own OnClose (reached through
// the normal Dispatch path) is where TCP-specific reconnection happens.
func (b *Base) DeliverRead(fd int, n int, addr string, recvErr error) {
	if n > 0 && recvErr == nil {
		raw := append([]byte(nil), b.buf[:n]...)
		b.Sink.RX(b.Tag, addr, raw)
		b.Loop.Dispatch(reactor.Event{Type: reactor.Read, FD: fd, Addr: addr, Raw: raw})
		return
	}
	b.Loop.PushWork(func() {
		b.Loop.Dispatch(reactor.Event{Type: reactor.Close, FD: fd, Addr: addr})
	}, 0)
}

// OnRead parses zero or more consecutive frames out of ev.Raw and
// dispatches a Message event per frame, looping until the buffer is
// exhausted. A parse error after some progress is logged but does not
// discard messages already dispatched from earlier in the same buffer.
func (b *Base) OnRead(ev reactor.Event) {
	buf := ev.Raw
	for len(buf) > 0 {
		msg, n, err := wire.ParseOne(buf, b.Key, b.NoRetCode)
		if err != nil {
			b.Sink.Log(logging.LevelWarn, b.Tag, "parse error addr=%s consumed=%d of %d: %v", ev.Addr, len(ev.Raw)-len(buf), len(ev.Raw), err)
			return
		}
		b.Loop.Dispatch(reactor.Event{Type: reactor.MessageEvent, FD: ev.FD, Addr: ev.Addr, Msg: msg})
		buf = buf[n:]
	}
}

// OnClose logs at WARN by default; TCPClient overrides it to drive
// reconnection.
func (b *Base) OnClose(ev reactor.Event) {
	b.Sink.Log(logging.LevelWarn, b.Tag, "closed addr=%s", ev.Addr)
}
