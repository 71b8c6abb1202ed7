package transport

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"tuyalink/logging"
	"tuyalink/reactor"
)

// UDPServer specializes Base to SOCK_DGRAM with SO_BROADCAST, bound to
// INADDR_ANY:port. It uses raw non-blocking syscalls because the reactor
// needs a registrable fd rather than net.Conn's blocking I/O.
type UDPServer struct {
	*Base

	Port           int
	ReconnectDelay time.Duration
}

// NewUDPServer returns a server bound to 0.0.0.0:port once Open is called.
func NewUDPServer(loop *reactor.Loop, port int, key []byte, reconnectDelay time.Duration, sink logging.Sink, tag string) *UDPServer {
	return &UDPServer{
		Base:           NewBase(loop, key, true, sink, tag),
		Port:           port,
		ReconnectDelay: reconnectDelay,
	}
}

// Open binds the socket and registers it for readability. A bind failure
// is retried via PushWork after ReconnectDelay rather than propagated;
// losing the well-known port is recoverable, not fatal.
func (u *UDPServer) Open() {
	fd, err := u.bind()
	if err != nil {
		u.Sink.Log(logging.LevelError, u.Tag, "bind 0.0.0.0:%d failed, retrying in %s: %v", u.Port, u.ReconnectDelay, err)
		u.Loop.PushWork(u.Open, u.ReconnectDelay)
		return
	}
	u.SetFD(fd, "")
	if err := u.Loop.AttachRead(fd, u); err != nil {
		u.Sink.Log(logging.LevelError, u.Tag, "attach read fd %d: %v", fd, err)
		return
	}
	u.Sink.Log(logging.LevelInfo, u.Tag, "listening on 0.0.0.0:%d", u.Port)
}

func (u *UDPServer) bind() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
		unix.Close(fd)
		return 0, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, err
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: u.Port}); err != nil {
		unix.Close(fd)
		return 0, err
	}
	return fd, nil
}

// OnReadable issues a recvfrom and fills the peer address into the
// dispatched event.
func (u *UDPServer) OnReadable(ev reactor.Event) {
	n, from, err := unix.Recvfrom(ev.FD, u.ReadBuf(), 0)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return
	}
	addr := ""
	if sa4, ok := from.(*unix.SockaddrInet4); ok {
		addr = fmt.Sprintf("%d.%d.%d.%d:%d", sa4.Addr[0], sa4.Addr[1], sa4.Addr[2], sa4.Addr[3], sa4.Port)
	}
	u.DeliverRead(ev.FD, n, addr, err)
}

// Close closes the UDP socket and detaches it from the reactor.
func (u *UDPServer) Close() error {
	fd := u.FD()
	if fd == 0 {
		return nil
	}
	u.Loop.Detach(fd)
	u.SetFD(0, "")
	return unix.Close(fd)
}
