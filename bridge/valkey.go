package bridge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"tuyalink/config"
	"tuyalink/logging"
	"tuyalink/wire"
)

// joinKey joins key segments with colons, trimming stray colons from each
// segment so keys never contain empty parts.
func joinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// Valkey publishes device events to a Valkey/Redis server: every event goes
// to the namespace channel, and device state lands in a per-device key so a
// restarted consumer can warm-start before the first live update. It
// implements worker.Observer.
type Valkey struct {
	cfg       config.ValkeyConfig
	namespace string
	sink      logging.Sink

	client  *redis.Client
	running bool
	mu      sync.RWMutex
}

// NewValkey creates a Valkey bridge. Start must be called to connect.
func NewValkey(cfg config.ValkeyConfig, namespace string, sink logging.Sink) *Valkey {
	if sink == nil {
		sink = logging.Discard
	}
	return &Valkey{cfg: cfg, namespace: namespace, sink: sink}
}

// Name returns the bridge's configured name.
func (v *Valkey) Name() string {
	return v.cfg.Name
}

// IsRunning reports whether the bridge is connected.
func (v *Valkey) IsRunning() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.running
}

// Start connects to the server and verifies it with a ping.
func (v *Valkey) Start() error {
	v.mu.RLock()
	if v.running {
		v.mu.RUnlock()
		return nil
	}
	v.mu.RUnlock()

	opts := &redis.Options{
		Addr:         v.cfg.Address,
		Password:     v.cfg.Password,
		DB:           v.cfg.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if v.cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)
	v.sink.Log(logging.LevelInfo, "bridge:valkey", "%s: connecting to %s (db %d)", v.cfg.Name, v.cfg.Address, v.cfg.Database)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("valkey %s: connect %s: %w", v.cfg.Name, v.cfg.Address, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.running {
		client.Close()
		return nil
	}
	v.client = client
	v.running = true
	return nil
}

// Stop disconnects from the server.
func (v *Valkey) Stop() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.running {
		return nil
	}
	v.running = false
	client := v.client
	v.client = nil
	if client != nil {
		return client.Close()
	}
	return nil
}

// eventsChannel is <namespace>:events.
func (v *Valkey) eventsChannel() string {
	return joinKey(v.namespace, "events")
}

// deviceKey is <namespace>:device:<ip>.
func (v *Valkey) deviceKey(ip string) string {
	return joinKey(v.namespace, "device", ip)
}

func (v *Valkey) publish(ip, event string, data wire.Value) {
	v.mu.RLock()
	client := v.client
	running := v.running
	v.mu.RUnlock()
	if !running || client == nil {
		return
	}

	env := newEnvelope(v.namespace, ip, event, data)
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}

	// Publishing runs on the façade's observer path; keep the deadline short
	// and never propagate a failure toward the reactor.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := client.Publish(ctx, v.eventsChannel(), payload).Err(); err != nil {
			v.sink.Log(logging.LevelWarn, "bridge:valkey", "%s: publish: %v", v.cfg.Name, err)
		}

		if event == EventData {
			key := v.deviceKey(ip)
			var setErr error
			if v.cfg.KeyTTL > 0 {
				setErr = client.Set(ctx, key, payload, v.cfg.KeyTTL).Err()
			} else {
				setErr = client.Set(ctx, key, payload, 0).Err()
			}
			if setErr != nil {
				v.sink.Log(logging.LevelWarn, "bridge:valkey", "%s: set %s: %v", v.cfg.Name, key, setErr)
			}
		}
	}()
}

// DeviceConnected implements worker.Observer.
func (v *Valkey) DeviceConnected(addr string) {
	v.publish(hostOf(addr), EventConnected, wire.Null)
}

// DeviceDisconnected implements worker.Observer.
func (v *Valkey) DeviceDisconnected(addr string) {
	v.publish(hostOf(addr), EventDisconnected, wire.Null)
}

// DeviceDiscovered implements worker.Observer.
func (v *Valkey) DeviceDiscovered(addr string) {
	v.publish(hostOf(addr), EventDiscovered, wire.Null)
}

// NewDeviceData implements worker.Observer.
func (v *Valkey) NewDeviceData(addr string, data wire.Value) {
	v.publish(hostOf(addr), EventData, data)
}
