package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"tuyalink/logging"
	"tuyalink/reactor"
)

// DefaultReconnectDelay is the fallback non-blocking-connect retry interval
// when a caller does not supply one.
const DefaultReconnectDelay = 3000 * time.Millisecond

// TCPClient performs the usual non-blocking connect sequence: create
// the socket, register for one-shot writability, connect
// (InProgress expected), then complete on Writable by checking SO_ERROR and
// getpeername. It owns its fd exclusively while attached.
type TCPClient struct {
	*Base

	Host           string
	Port           int
	ReconnectDelay time.Duration

	mu         sync.Mutex
	generation uint64
}

// NewTCPClient returns a client that will dial host:port once Connect is called.
func NewTCPClient(loop *reactor.Loop, host string, port int, key []byte, reconnectDelay time.Duration, sink logging.Sink, tag string) *TCPClient {
	if reconnectDelay <= 0 {
		reconnectDelay = DefaultReconnectDelay
	}
	return &TCPClient{
		Base:           NewBase(loop, key, true, sink, tag),
		Host:           host,
		Port:           port,
		ReconnectDelay: reconnectDelay,
	}
}

// Connect starts a fresh non-blocking connect attempt, bumping the
// generation counter so any previously scheduled retry becomes a no-op
// once it observes a stale generation.
func (c *TCPClient) Connect() {
	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.mu.Unlock()
	c.attempt(gen)
}

func (c *TCPClient) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

func (c *TCPClient) attempt(gen uint64) {
	if gen != c.currentGeneration() {
		return
	}

	ip := net.ParseIP(c.Host)
	if ip == nil || ip.To4() == nil {
		c.Sink.Log(logging.LevelError, c.Tag, "invalid IPv4 address %q", c.Host)
		c.scheduleRetry(gen)
		return
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		c.Sink.Log(logging.LevelError, c.Tag, "socket: %v", err)
		c.scheduleRetry(gen)
		return
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		c.scheduleRetry(gen)
		return
	}

	var addr4 [4]byte
	copy(addr4[:], ip.To4())
	err = unix.Connect(fd, &unix.SockaddrInet4{Port: c.Port, Addr: addr4})
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		c.Sink.Log(logging.LevelWarn, c.Tag, "connect %s:%d: %v", c.Host, c.Port, err)
		c.scheduleRetry(gen)
		return
	}

	c.SetFD(fd, fmt.Sprintf("%s:%d", c.Host, c.Port))
	if err := c.Loop.AttachWriteOnce(fd, c); err != nil {
		unix.Close(fd)
		c.SetFD(0, "")
		c.scheduleRetry(gen)
	}
}

func (c *TCPClient) scheduleRetry(gen uint64) {
	c.Loop.PushWork(func() { c.attempt(gen) }, c.ReconnectDelay)
}

// OnWritable completes the non-blocking connect: SO_ERROR and getpeername
// both indicating success promote the fd to readable and dispatch
// Connected; otherwise the fd is closed and another attempt is scheduled.
func (c *TCPClient) OnWritable(ev reactor.Event) {
	fd := ev.FD
	gen := c.currentGeneration()

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || soErr != 0 {
		unix.Close(fd)
		c.SetFD(0, "")
		c.Sink.Log(logging.LevelWarn, c.Tag, "connect %s:%d failed: so_error=%d err=%v", c.Host, c.Port, soErr, err)
		c.scheduleRetry(gen)
		return
	}
	if _, err := unix.Getpeername(fd); err != nil {
		unix.Close(fd)
		c.SetFD(0, "")
		c.scheduleRetry(gen)
		return
	}

	addr := fmt.Sprintf("%s:%d", c.Host, c.Port)
	c.SetFD(fd, addr)
	if err := c.Loop.AttachRead(fd, c); err != nil {
		c.Sink.Log(logging.LevelError, c.Tag, "attach read fd %d: %v", fd, err)
		return
	}
	c.Sink.Log(logging.LevelInfo, c.Tag, "connected to %s", addr)
	c.Loop.Dispatch(reactor.Event{Type: reactor.Connected, FD: fd, Addr: addr})
}

// OnReadable issues a recv and translates the result into Read or a
// deferred Close.
func (c *TCPClient) OnReadable(ev reactor.Event) {
	n, err := unix.Read(ev.FD, c.ReadBuf())
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return
	}
	c.DeliverRead(ev.FD, n, c.Addr(), err)
}

// OnClose clears the connected flag, closes the fd, and schedules another
// connection attempt after ReconnectDelay.
func (c *TCPClient) OnClose(ev reactor.Event) {
	gen := c.currentGeneration()
	if fd := c.FD(); fd != 0 {
		c.Loop.Detach(fd)
		unix.Close(fd)
	}
	c.SetFD(0, "")
	c.scheduleRetry(gen)
}
