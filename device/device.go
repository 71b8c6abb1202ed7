// Package device implements the per-device session state machine: connect
// lifecycle, command/response correlation, data-point cache, and the
// small high-level on/off/brightness/colour-temp API, wired on top of
// transport.TCPClient and reactor.Loop.
package device

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"tuyalink/logging"
	"tuyalink/reactor"
	"tuyalink/transport"
	"tuyalink/wire"
)

// State is the session's position in the connect/command lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Idle
	Awaiting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Idle:
		return "idle"
	case Awaiting:
		return "awaiting"
	default:
		return "unknown"
	}
}

// CommandStatus discriminates the outcome delivered to a command callback.
type CommandStatus int

const (
	CommandOK CommandStatus = iota
	CommandDisconnected
)

// Callback receives the outcome of a SendCommand call exactly once.
type Callback func(status CommandStatus, data wire.Value)

// Result is the channel-based alternative to Callback, returned by
// SendCommandChan for callers that prefer to select/await.
type Result struct {
	Status CommandStatus
	Data   wire.Value
}

// DefaultCommandTimeout is the per-command response deadline.
const DefaultCommandTimeout = 3000 * time.Millisecond

type cmdCtx struct {
	seqNo    uint32
	cmd      wire.Command
	callback Callback
}

// Device is one per-IP session: connect lifecycle, command correlation, and
// the DP cache. The registry (scanner.Registry) owns the only strong
// reference to a Device; other components query it by IP.
type Device struct {
	IP       string
	Name     string
	GwID     string
	DevID    string
	LocalKey []byte

	conn *transport.TCPClient
	loop *reactor.Loop
	sink logging.Sink
	tag  string

	commandTimeout time.Duration

	mu             sync.Mutex
	state          State
	nextSeq        uint32
	dps            *wire.Object
	initialQueried bool
	trackedFD      int
	cmd            cmdCtx

	busToken reactor.Token
}

// New constructs a Device bound to loop, wraps a transport.TCPClient for
// ip:port, and subscribes to the loop's EventBus for Connected/Message/Close
// delivery. Connect must be called to initiate the first connection attempt.
func New(loop *reactor.Loop, ip string, port int, name, gwID, devID string, localKey []byte, reconnectDelay, commandTimeout time.Duration, sink logging.Sink) *Device {
	if sink == nil {
		sink = logging.Discard
	}
	if commandTimeout <= 0 {
		commandTimeout = DefaultCommandTimeout
	}
	tag := "device:" + ip
	d := &Device{
		IP:             ip,
		Name:           name,
		GwID:           gwID,
		DevID:          devID,
		LocalKey:       localKey,
		loop:           loop,
		sink:           sink,
		tag:            tag,
		commandTimeout: commandTimeout,
		state:          Disconnected,
		nextSeq:        1,
		dps:            wire.NewObject(),
	}
	d.conn = transport.NewTCPClient(loop, ip, port, localKey, reconnectDelay, sink, tag)
	d.busToken = loop.Bus().SubscribeTypes(d.onEvent, reactor.Connected, reactor.MessageEvent, reactor.Close)
	return d
}

// Connect starts (or restarts) the TCP connect attempt.
func (d *Device) Connect() {
	d.mu.Lock()
	d.state = Connecting
	d.mu.Unlock()
	d.conn.Connect()
}

// Close detaches the device from the loop's bus. It does not close the
// underlying socket; callers that want to tear down the connection as well
// should let the registry drop its reference after the next Close event.
func (d *Device) Close() {
	d.loop.Bus().Unsubscribe(d.busToken)
}

// State returns the current lifecycle state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// IsConnected reports whether the device is Idle or Awaiting (i.e. has a
// live TCP connection), as opposed to Disconnected or Connecting.
func (d *Device) IsConnected() bool {
	s := d.State()
	return s == Idle || s == Awaiting
}

// DPs returns a snapshot of the current data-point cache.
func (d *Device) DPs() *wire.Object {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap := wire.NewObject()
	for _, k := range d.dps.Keys() {
		v, _ := d.dps.Get(k)
		snap.Set(k, v)
	}
	return snap
}

func (d *Device) onEvent(ev reactor.Event) {
	switch ev.Type {
	case reactor.Connected:
		d.handleConnected(ev)
	case reactor.MessageEvent:
		d.mu.Lock()
		match := ev.FD == d.trackedFD
		d.mu.Unlock()
		if match {
			d.handleMessage(ev.Msg)
		}
	case reactor.Close:
		d.mu.Lock()
		match := ev.FD == d.trackedFD
		d.mu.Unlock()
		if match {
			d.handleClose()
		}
	}
}

func (d *Device) handleConnected(ev reactor.Event) {
	want := fmt.Sprintf("%s:%d", d.IP, d.conn.Port)
	if ev.Addr != want {
		return
	}
	d.mu.Lock()
	d.trackedFD = ev.FD
	d.state = Idle
	firstTime := !d.initialQueried
	d.initialQueried = true
	d.mu.Unlock()
	if firstTime {
		d.queryDPs()
	}
}

func (d *Device) queryDPs() {
	err := d.SendCommand(wire.CmdDPQuery, wire.Null, func(status CommandStatus, data wire.Value) {
		if status != CommandOK {
			return
		}
		obj, ok := data.Object()
		if !ok {
			return
		}
		dpsVal, ok := obj.Get("dps")
		if !ok {
			return
		}
		dpsObj, ok := dpsVal.Object()
		if !ok {
			return
		}
		d.mu.Lock()
		d.dps = dpsObj
		d.mu.Unlock()
	})
	if err != nil {
		d.sink.Log(logging.LevelWarn, d.tag, "initial dp_query failed: %v", err)
	}
}

// SendCommand rejects with Busy if a command is already in flight. Otherwise
// it allocates seq_no, builds the request payload, serializes and sends the
// frame, and schedules a self-validating timeout that synthesizes a Close
// event if no matching response arrives within commandTimeout.
func (d *Device) SendCommand(cmd wire.Command, data wire.Value, cb Callback) error {
	d.mu.Lock()
	if d.cmd.seqNo != 0 {
		d.mu.Unlock()
		return newErr(Busy, "command seq=%d already in flight", d.cmd.seqNo)
	}
	seq := d.nextSeq
	d.nextSeq++

	payload := wire.NewObject()
	payload.SetString("gwId", d.GwID)
	payload.SetString("devId", d.DevID)
	payload.SetString("uid", d.DevID)
	payload.SetString("t", strconv.FormatInt(time.Now().Unix(), 10))
	if cmd != wire.CmdDPQuery {
		payload.Delete("gwId")
	}
	if !data.IsNull() {
		payload.Set("dps", data)
	}

	msg := wire.Message{SeqNo: seq, Cmd: cmd, Data: wire.ValueFromObject(payload)}
	frame, err := wire.Serialize(msg, d.LocalKey, true)
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("device: serialize seq=%d: %w", seq, err)
	}

	d.cmd = cmdCtx{seqNo: seq, cmd: cmd, callback: cb}
	d.state = Awaiting
	d.mu.Unlock()

	if err := d.conn.SendRaw(frame); err != nil {
		d.mu.Lock()
		d.cmd = cmdCtx{}
		d.state = Idle
		d.mu.Unlock()
		return fmt.Errorf("device: send seq=%d: %w", seq, err)
	}

	d.loop.PushWork(func() { d.checkTimeout(seq) }, d.commandTimeout)
	return nil
}

// SendCommandChan is the channel-based convenience wrapper around
// SendCommand: the returned channel receives exactly one Result (and is then
// closed) under the identical at-most-once contract as the callback form.
func (d *Device) SendCommandChan(cmd wire.Command, data wire.Value) (<-chan Result, error) {
	ch := make(chan Result, 1)
	err := d.SendCommand(cmd, data, func(status CommandStatus, data wire.Value) {
		ch <- Result{Status: status, Data: data}
		close(ch)
	})
	if err != nil {
		close(ch)
		return ch, err
	}
	return ch, nil
}

func (d *Device) checkTimeout(seq uint32) {
	d.mu.Lock()
	stillPending := d.cmd.seqNo == seq
	fd := d.trackedFD
	d.mu.Unlock()
	if !stillPending {
		return
	}
	d.sink.Log(logging.LevelWarn, d.tag, "command seq=%d timed out", seq)
	d.loop.Dispatch(reactor.Event{Type: reactor.Close, FD: fd, Addr: d.IP})
}

func (d *Device) handleMessage(msg wire.Message) {
	d.mu.Lock()
	matches := d.cmd.seqNo != 0 && msg.SeqNo == d.cmd.seqNo && msg.Cmd == d.cmd.cmd
	var cb Callback
	if matches {
		cb = d.cmd.callback
		d.cmd = cmdCtx{}
		d.state = Idle
	}
	d.mu.Unlock()

	if matches {
		if cb != nil {
			cb(CommandOK, msg.Data)
		}
		return
	}

	if msg.Cmd == wire.CmdStatus {
		d.mergeStatus(msg.Data)
		return
	}

	d.sink.Log(logging.LevelInfo, d.tag, "ignored message seq=%d cmd=%s", msg.SeqNo, msg.Cmd)
}

func (d *Device) mergeStatus(data wire.Value) {
	obj, ok := data.Object()
	if !ok {
		return
	}
	dpsVal, ok := obj.Get("dps")
	if !ok {
		return
	}
	dpsObj, ok := dpsVal.Object()
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dps == nil {
		d.dps = wire.NewObject()
	}
	for _, k := range dpsObj.Keys() {
		v, _ := dpsObj.Get(k)
		d.dps.Set(k, v)
	}
}

func (d *Device) handleClose() {
	d.mu.Lock()
	var cb Callback
	if d.cmd.seqNo != 0 {
		cb = d.cmd.callback
		d.cmd = cmdCtx{}
	}
	d.state = Disconnected
	d.trackedFD = 0
	d.initialQueried = false
	d.mu.Unlock()
	if cb != nil {
		cb(CommandDisconnected, wire.Null)
	}
}

// dpKey returns whichever of primary/fallback is present in the DP cache,
// primary taking precedence, matching the "1|20", "2|22", "3|23" alias pairs.
func (d *Device) dpKey(primary, fallback string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dps == nil {
		return "", false
	}
	if _, ok := d.dps.Get(primary); ok {
		return primary, true
	}
	if _, ok := d.dps.Get(fallback); ok {
		return fallback, true
	}
	return "", false
}

// IsOn reports the cached switch DP value.
func (d *Device) IsOn() (bool, error) {
	key, ok := d.dpKey("20", "1")
	if !ok {
		return false, newErr(InvalidArgument, "no switch dp present")
	}
	d.mu.Lock()
	v, _ := d.dps.Get(key)
	d.mu.Unlock()
	b, _ := v.Bool()
	return b, nil
}

// SetOn writes the switch DP.
func (d *Device) SetOn(on bool, cb Callback) error {
	key, ok := d.dpKey("20", "1")
	if !ok {
		return newErr(InvalidArgument, "no switch dp present")
	}
	dps := wire.NewObject()
	dps.Set(key, wire.ValueFromRaw(on))
	return d.SendCommand(wire.CmdControl, wire.ValueFromObject(dps), cb)
}

// Toggle flips the cached switch DP value.
func (d *Device) Toggle(cb Callback) error {
	key, ok := d.dpKey("20", "1")
	if !ok {
		return newErr(InvalidArgument, "no switch dp present")
	}
	d.mu.Lock()
	cur, _ := d.dps.Get(key)
	d.mu.Unlock()
	b, _ := cur.Bool()
	dps := wire.NewObject()
	dps.Set(key, wire.ValueFromRaw(!b))
	return d.SendCommand(wire.CmdControl, wire.ValueFromObject(dps), cb)
}

// SetBrightness writes the brightness DP, clamping up to a minimum of 25
// when the only present brightness DP is the legacy "2" (255-scale).
func (d *Device) SetBrightness(v int, cb Callback) error {
	key, ok := d.dpKey("22", "2")
	if !ok {
		return newErr(InvalidArgument, "no brightness dp present")
	}
	if key == "2" && v < 25 {
		v = 25
	}
	dps := wire.NewObject()
	dps.Set(key, wire.ValueFromRaw(v))
	return d.SendCommand(wire.CmdControl, wire.ValueFromObject(dps), cb)
}

// SetColourTemp writes the colour-temperature DP.
func (d *Device) SetColourTemp(v int, cb Callback) error {
	key, ok := d.dpKey("23", "3")
	if !ok {
		return newErr(InvalidArgument, "no colourtemp dp present")
	}
	dps := wire.NewObject()
	dps.Set(key, wire.ValueFromRaw(v))
	return d.SendCommand(wire.CmdControl, wire.ValueFromObject(dps), cb)
}
