// Package worker runs the reactor loop on a dedicated OS thread and
// translates selected bus events into Observer callbacks. A headless
// deployment passes a nil Observer: the loop still runs, only the
// translation is skipped.
package worker

import (
	"context"
	"runtime"
	"time"

	"tuyalink/logging"
	"tuyalink/reactor"
	"tuyalink/wire"
)

// DefaultRunOnceTimeout is the reactor poll interval the façade thread uses
// between checking for shutdown.
const DefaultRunOnceTimeout = 1000 * time.Millisecond

// Observer receives device lifecycle notifications translated from reactor
// bus events. A nil Observer (headless deployment) disables translation
// without affecting the underlying reactor loop.
type Observer interface {
	DeviceConnected(addr string)
	DeviceDisconnected(addr string)
	DeviceDiscovered(addr string)
	NewDeviceData(addr string, data wire.Value)
}

// Config configures a Facade.
type Config struct {
	Observer Observer
	// DiscoveryFD, if non-nil, is consulted on every MessageEvent to decide
	// whether it originated on the UDP discovery socket (-> DeviceDiscovered)
	// or a device TCP socket (-> NewDeviceData).
	DiscoveryFD    func() int
	RunOnceTimeout time.Duration
}

// Facade owns the dedicated reactor thread.
type Facade struct {
	loop    *reactor.Loop
	sink    logging.Sink
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration

	observer    Observer
	discoveryFD func() int
	busToken    reactor.Token
}

// New constructs a Facade bound to loop. Start must be called to begin
// running the reactor thread.
func New(ctx context.Context, loop *reactor.Loop, cfg Config, sink logging.Sink) *Facade {
	if sink == nil {
		sink = logging.Discard
	}
	timeout := cfg.RunOnceTimeout
	if timeout <= 0 {
		timeout = DefaultRunOnceTimeout
	}
	childCtx, cancel := context.WithCancel(ctx)
	f := &Facade{
		loop:        loop,
		sink:        sink,
		ctx:         childCtx,
		cancel:      cancel,
		timeout:     timeout,
		observer:    cfg.Observer,
		discoveryFD: cfg.DiscoveryFD,
	}
	if f.observer != nil {
		f.busToken = loop.Bus().SubscribeTypes(f.onEvent, reactor.Connected, reactor.Close, reactor.MessageEvent)
	}
	return f
}

// Start spawns the dedicated reactor thread and blocks until the first
// RunOnce has been scheduled to run. The loop itself never fails to start,
// so the error return always reports nil; the handshake keeps the signature
// stable for a runner variant that can.
func (f *Facade) Start() error {
	started := make(chan error, 1)
	go f.ioLoop(started)
	return <-started
}

func (f *Facade) ioLoop(started chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if started != nil {
		started <- nil
	}

	for {
		select {
		case <-f.ctx.Done():
			f.sink.Log(logging.LevelDebug, "worker", "reactor thread stopping")
			return
		default:
		}
		if err := f.loop.RunOnce(f.timeout); err != nil {
			f.sink.Log(logging.LevelWarn, "worker", "run_once: %v", err)
		}
	}
}

func (f *Facade) onEvent(ev reactor.Event) {
	switch ev.Type {
	case reactor.Connected:
		f.observer.DeviceConnected(ev.Addr)
	case reactor.Close:
		f.observer.DeviceDisconnected(ev.Addr)
	case reactor.MessageEvent:
		if f.discoveryFD != nil && ev.FD == f.discoveryFD() {
			f.observer.DeviceDiscovered(ev.Addr)
		} else {
			f.observer.NewDeviceData(ev.Addr, ev.Msg.Data)
		}
	}
}

// Stop cancels the reactor thread's context and unsubscribes the façade's
// bus observer, if any. The reactor loop itself is left running; callers
// that own the *reactor.Loop decide when to Close it.
func (f *Facade) Stop() {
	f.cancel()
	if f.observer != nil {
		f.loop.Bus().Unsubscribe(f.busToken)
	}
}
