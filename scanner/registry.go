// Package scanner binds the UDP discovery port and maintains the set of
// known and live device sessions, instantiating device.Device on demand and
// acting as a promiscuous observer for discovery broadcasts.
package scanner

import (
	"sync"
	"time"

	"tuyalink/device"
	"tuyalink/logging"
	"tuyalink/reactor"
	"tuyalink/transport"
	"tuyalink/wire"
)

// DefaultDiscoveryPort is the UDP broadcast port devices announce on.
const DefaultDiscoveryPort = 6667

// DefaultDevicePort is the TCP port a device session connects to.
const DefaultDevicePort = 6668

// Config holds the tunables a Registry needs at construction.
type Config struct {
	DiscoveryPort  int
	DevicePort     int
	InventoryPath  string
	ReconnectDelay time.Duration
	CommandTimeout time.Duration
}

// Registry owns every live device.Device, keyed by IP, plus the UDP
// discovery socket. It is itself a promiscuous reactor observer.
type Registry struct {
	loop *reactor.Loop
	sink logging.Sink
	cfg  Config

	udp *transport.UDPServer

	mu      sync.Mutex
	devices map[string]*device.Device

	busToken reactor.Token
}

// New binds the UDP discovery socket, loads the inventory file (non-fatal if
// absent), constructs a Device per inventory entry (each eagerly initiating
// a TCP connect), and subscribes to the loop's bus for discovery traffic.
func New(loop *reactor.Loop, cfg Config, sink logging.Sink) (*Registry, error) {
	if sink == nil {
		sink = logging.Discard
	}
	if cfg.DiscoveryPort == 0 {
		cfg.DiscoveryPort = DefaultDiscoveryPort
	}
	if cfg.DevicePort == 0 {
		cfg.DevicePort = DefaultDevicePort
	}

	r := &Registry{
		loop:    loop,
		sink:    sink,
		cfg:     cfg,
		devices: make(map[string]*device.Device),
	}

	defaultKey := wire.DefaultKey()
	r.udp = transport.NewUDPServer(loop, cfg.DiscoveryPort, defaultKey[:], cfg.ReconnectDelay, sink, "scanner")
	r.udp.Open()

	records, err := LoadInventory(cfg.InventoryPath)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		d := r.newDevice(rec.IP, rec.Name, rec.UUID, rec.ID, []byte(rec.Key))
		r.devices[rec.IP] = d
		d.Connect()
	}

	r.busToken = loop.Bus().SubscribeTypes(r.onEvent, reactor.MessageEvent, reactor.Close)
	return r, nil
}

func (r *Registry) newDevice(ip, name, gwID, devID string, key []byte) *device.Device {
	if len(key) == 0 {
		defaultKey := wire.DefaultKey()
		key = defaultKey[:]
	}
	return device.New(r.loop, ip, r.cfg.DevicePort, name, gwID, devID, key, r.cfg.ReconnectDelay, r.cfg.CommandTimeout, r.sink)
}

func (r *Registry) onEvent(ev reactor.Event) {
	switch ev.Type {
	case reactor.MessageEvent:
		if ev.FD == r.udp.FD() {
			r.handleDiscovery(ev.Msg)
		}
	case reactor.Close:
		r.sink.Log(logging.LevelInfo, "scanner", "close observed addr=%s (owning device handles reconnect)", ev.Addr)
	}
}

func (r *Registry) handleDiscovery(msg wire.Message) {
	obj, ok := msg.Data.Object()
	if !ok {
		return
	}
	ipVal, ok := obj.Get("ip")
	if !ok {
		return
	}
	ip, ok := ipVal.String()
	if !ok || ip == "" {
		return
	}

	r.mu.Lock()
	_, known := r.devices[ip]
	r.mu.Unlock()
	if known {
		return
	}

	r.sink.Log(logging.LevelInfo, "scanner", "discovered new device at %s", ip)
	d := r.newDevice(ip, "unknown", "unknown", "unknown", nil)
	r.mu.Lock()
	r.devices[ip] = d
	r.mu.Unlock()
	d.Connect()
}

// KnownDevices returns every IP the registry has a session for, connected or not.
func (r *Registry) KnownDevices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.devices))
	for ip := range r.devices {
		out = append(out, ip)
	}
	return out
}

// GetDevice returns the session for ip, if any.
func (r *Registry) GetDevice(ip string) (*device.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[ip]
	return d, ok
}

// GetDevices returns the IPs of currently-connected (Idle or Awaiting) sessions.
func (r *Registry) GetDevices() []string {
	r.mu.Lock()
	snapshot := make([]*device.Device, 0, len(r.devices))
	for _, d := range r.devices {
		snapshot = append(snapshot, d)
	}
	r.mu.Unlock()

	out := make([]string, 0, len(snapshot))
	for _, d := range snapshot {
		if d.IsConnected() {
			out = append(out, d.IP)
		}
	}
	return out
}

// DiscoveryFD returns the UDP discovery socket's fd, suitable for
// worker.Config.DiscoveryFD.
func (r *Registry) DiscoveryFD() int {
	return r.udp.FD()
}

// Close unsubscribes the registry from the loop's bus and closes the
// discovery socket.
func (r *Registry) Close() error {
	r.loop.Bus().Unsubscribe(r.busToken)
	return r.udp.Close()
}
