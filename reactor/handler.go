package reactor

import "tuyalink/logging"

// Handler is the capability set a reactor-attached object exposes. The
// reactor depends only on this interface, never on a concrete socket or
// device type.
//
// The reactor itself calls only OnReadable/OnWritable directly; the higher-
// level events (Read, Message, Close, Connected) are produced by handler
// code that re-dispatches through Loop.Dispatch.
type Handler interface {
	OnConnected(ev Event)
	OnReadable(ev Event)
	OnWritable(ev Event)
	OnRead(ev Event)
	OnMessage(ev Event)
	OnClose(ev Event)
}

// BaseHandler implements Handler with DEBUG-logging no-ops. Concrete
// handlers embed BaseHandler and override only the methods they care
// about, instead of re-implementing the full interface every time.
type BaseHandler struct {
	Sink logging.Sink
	Tag  string
}

func (b BaseHandler) sink() logging.Sink {
	if b.Sink == nil {
		return logging.Discard
	}
	return b.Sink
}

func (b BaseHandler) OnConnected(ev Event) {
	b.sink().Log(logging.LevelDebug, b.Tag, "unhandled Connected fd=%d addr=%s", ev.FD, ev.Addr)
}
func (b BaseHandler) OnReadable(ev Event) {
	b.sink().Log(logging.LevelDebug, b.Tag, "unhandled Readable fd=%d", ev.FD)
}
func (b BaseHandler) OnWritable(ev Event) {
	b.sink().Log(logging.LevelDebug, b.Tag, "unhandled Writable fd=%d", ev.FD)
}
func (b BaseHandler) OnRead(ev Event) {
	b.sink().Log(logging.LevelDebug, b.Tag, "unhandled Read fd=%d len=%d", ev.FD, len(ev.Raw))
}
func (b BaseHandler) OnMessage(ev Event) {
	b.sink().Log(logging.LevelDebug, b.Tag, "unhandled Message fd=%d cmd=%s", ev.FD, ev.Msg.Cmd)
}
func (b BaseHandler) OnClose(ev Event) {
	b.sink().Log(logging.LevelDebug, b.Tag, "unhandled Close fd=%d addr=%s", ev.FD, ev.Addr)
}
