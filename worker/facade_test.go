package worker

import (
	"context"
	"testing"
	"time"

	"tuyalink/reactor"
	"tuyalink/wire"
)

type recordingObserver struct {
	connected    []string
	disconnected []string
	discovered   []string
	data         []string
}

func (r *recordingObserver) DeviceConnected(addr string)    { r.connected = append(r.connected, addr) }
func (r *recordingObserver) DeviceDisconnected(addr string) { r.disconnected = append(r.disconnected, addr) }
func (r *recordingObserver) DeviceDiscovered(addr string)   { r.discovered = append(r.discovered, addr) }
func (r *recordingObserver) NewDeviceData(addr string, data wire.Value) {
	r.data = append(r.data, addr)
}

func newTestLoop(t *testing.T) *reactor.Loop {
	t.Helper()
	l, err := reactor.New(nil)
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestObserverTranslation(t *testing.T) {
	loop := newTestLoop(t)
	obs := &recordingObserver{}
	const discoveryFD = 7

	f := New(context.Background(), loop, Config{
		Observer:    obs,
		DiscoveryFD: func() int { return discoveryFD },
	}, nil)
	defer f.Stop()

	loop.Dispatch(reactor.Event{Type: reactor.Connected, FD: 9, Addr: "10.0.0.5:6668"})
	loop.Dispatch(reactor.Event{Type: reactor.Close, FD: 9, Addr: "10.0.0.5:6668"})
	loop.Dispatch(reactor.Event{Type: reactor.MessageEvent, FD: discoveryFD, Addr: "192.0.2.7:6667"})
	loop.Dispatch(reactor.Event{Type: reactor.MessageEvent, FD: 9, Addr: "10.0.0.5:6668", Msg: wire.Message{Cmd: wire.CmdStatus}})

	if len(obs.connected) != 1 || obs.connected[0] != "10.0.0.5:6668" {
		t.Errorf("connected = %v", obs.connected)
	}
	if len(obs.disconnected) != 1 {
		t.Errorf("disconnected = %v", obs.disconnected)
	}
	if len(obs.discovered) != 1 || obs.discovered[0] != "192.0.2.7:6667" {
		t.Errorf("discovered = %v", obs.discovered)
	}
	if len(obs.data) != 1 || obs.data[0] != "10.0.0.5:6668" {
		t.Errorf("data = %v", obs.data)
	}
}

func TestHeadlessFacadeSubscribesNothing(t *testing.T) {
	loop := newTestLoop(t)

	f := New(context.Background(), loop, Config{}, nil)
	defer f.Stop()

	// With no observer nothing listens, and dispatching must not panic.
	loop.Dispatch(reactor.Event{Type: reactor.Connected, FD: 9, Addr: "10.0.0.5:6668"})
}

func TestStopUnsubscribesObserver(t *testing.T) {
	loop := newTestLoop(t)
	obs := &recordingObserver{}

	f := New(context.Background(), loop, Config{Observer: obs}, nil)
	f.Stop()

	loop.Dispatch(reactor.Event{Type: reactor.Connected, FD: 9, Addr: "10.0.0.5:6668"})
	if len(obs.connected) != 0 {
		t.Errorf("stopped facade still translated events: %v", obs.connected)
	}
}

func TestStartRunsReactorThread(t *testing.T) {
	loop := newTestLoop(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := New(ctx, loop, Config{RunOnceTimeout: 10 * time.Millisecond}, nil)
	if err := f.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Work pushed from this goroutine must run on the reactor thread.
	ran := make(chan struct{})
	loop.PushWork(func() { close(ran) }, 0)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("reactor thread did not execute pushed work")
	}
	f.Stop()
}
