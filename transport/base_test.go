package transport

import (
	"errors"
	"testing"
	"time"

	"tuyalink/reactor"
	"tuyalink/wire"
)

func newTestLoop(t *testing.T) *reactor.Loop {
	t.Helper()
	l, err := reactor.New(nil)
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func serializeFrame(t *testing.T, seq uint32, key []byte) []byte {
	t.Helper()
	obj := wire.NewObject()
	obj.SetString("devId", "D")
	obj.SetString("uid", "D")
	obj.SetString("t", "0")
	raw, err := wire.Serialize(wire.Message{SeqNo: seq, Cmd: wire.CmdDPQuery, Data: wire.ValueFromObject(obj)}, key, true)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	return raw
}

func TestOnReadDispatchesEachFrame(t *testing.T) {
	loop := newTestLoop(t)
	key := wire.DefaultKey()
	b := NewBase(loop, key[:], true, nil, "test")

	var got []wire.Message
	loop.Bus().SubscribeTypes(func(ev reactor.Event) {
		got = append(got, ev.Msg)
	}, reactor.MessageEvent)

	frameA := serializeFrame(t, 1, key[:])
	frameB := serializeFrame(t, 2, key[:])
	raw := append(append([]byte{}, frameA...), frameB...)

	b.OnRead(reactor.Event{Type: reactor.Read, FD: 9, Addr: "10.0.0.5:6668", Raw: raw})

	if len(got) != 2 {
		t.Fatalf("dispatched %d messages, want 2", len(got))
	}
	if got[0].SeqNo != 1 || got[1].SeqNo != 2 {
		t.Fatalf("message order = %d, %d", got[0].SeqNo, got[1].SeqNo)
	}
}

func TestOnReadKeepsEarlierFramesOnParseError(t *testing.T) {
	loop := newTestLoop(t)
	key := wire.DefaultKey()
	b := NewBase(loop, key[:], true, nil, "test")

	count := 0
	loop.Bus().SubscribeTypes(func(ev reactor.Event) { count++ }, reactor.MessageEvent)

	raw := serializeFrame(t, 1, key[:])
	raw = append(raw, 0xDE, 0xAD) // trailing garbage

	b.OnRead(reactor.Event{Type: reactor.Read, FD: 9, Addr: "10.0.0.5:6668", Raw: raw})

	if count != 1 {
		t.Fatalf("dispatched %d messages, want the 1 valid frame before the error", count)
	}
}

func TestDeliverReadZeroBytesDefersClose(t *testing.T) {
	loop := newTestLoop(t)
	key := wire.DefaultKey()
	b := NewBase(loop, key[:], true, nil, "test")

	var closes []string
	loop.Bus().SubscribeTypes(func(ev reactor.Event) {
		closes = append(closes, ev.Addr)
	}, reactor.Close)

	b.DeliverRead(9, 0, "10.0.0.5:6668", nil)

	// The Close is deferred through the delayed-work queue, not dispatched
	// inline.
	if len(closes) != 0 {
		t.Fatalf("Close dispatched synchronously: %v", closes)
	}
	if err := loop.RunOnce(10 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if len(closes) != 1 || closes[0] != "10.0.0.5:6668" {
		t.Fatalf("closes after tick = %v", closes)
	}
}

func TestDeliverReadDispatchesRead(t *testing.T) {
	loop := newTestLoop(t)
	key := wire.DefaultKey()
	b := NewBase(loop, key[:], true, nil, "test")

	var reads [][]byte
	loop.Bus().SubscribeTypes(func(ev reactor.Event) {
		reads = append(reads, ev.Raw)
	}, reactor.Read)

	copy(b.ReadBuf(), []byte{0x01, 0x02, 0x03})
	b.DeliverRead(9, 3, "10.0.0.5:6668", nil)

	if len(reads) != 1 || len(reads[0]) != 3 {
		t.Fatalf("reads = %v", reads)
	}
}

func TestSendRawNotConnected(t *testing.T) {
	loop := newTestLoop(t)
	key := wire.DefaultKey()
	b := NewBase(loop, key[:], true, nil, "test")

	err := b.SendRaw([]byte{0x01})
	var terr *Error
	if !errors.As(err, &terr) || terr.Kind != NotConnected {
		t.Fatalf("SendRaw without fd = %v, want NotConnected", err)
	}
}

func TestConnectedFlagFollowsFD(t *testing.T) {
	loop := newTestLoop(t)
	key := wire.DefaultKey()
	b := NewBase(loop, key[:], true, nil, "test")

	if b.IsConnected() {
		t.Error("new Base should not be connected")
	}
	b.SetFD(7, "10.0.0.5:6668")
	if !b.IsConnected() || b.Addr() != "10.0.0.5:6668" {
		t.Errorf("connected=%v addr=%q", b.IsConnected(), b.Addr())
	}
	b.SetFD(0, "")
	if b.IsConnected() {
		t.Error("clearing the fd should clear the connected flag")
	}
}
