package bridge

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"tuyalink/config"
	"tuyalink/logging"
	"tuyalink/wire"
)

// MaxPublishWorkers is the number of concurrent publish goroutines per MQTT bridge.
const MaxPublishWorkers = 5

// MaxPublishQueueSize bounds the pending publish queue; events past the
// bound are dropped rather than blocking the reactor-facing callback.
const MaxPublishQueueSize = 100

type publishJob struct {
	topic   string
	payload []byte
}

// MQTT publishes device events to a single MQTT broker. It implements
// worker.Observer; the observer callbacks only enqueue, the worker pool
// does the broker I/O.
type MQTT struct {
	cfg       config.MQTTConfig
	namespace string
	sink      logging.Sink

	client  pahomqtt.Client
	running bool
	mu      sync.RWMutex

	// Last published dps per device, to skip republishing unchanged state.
	lastData map[string]string
	lastMu   sync.Mutex

	queue    chan publishJob
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewMQTT creates an MQTT bridge. Start must be called to connect.
func NewMQTT(cfg config.MQTTConfig, namespace string, sink logging.Sink) *MQTT {
	if sink == nil {
		sink = logging.Discard
	}
	return &MQTT{
		cfg:       cfg,
		namespace: namespace,
		sink:      sink,
		lastData:  make(map[string]string),
		queue:     make(chan publishJob, MaxPublishQueueSize),
		stopChan:  make(chan struct{}),
	}
}

// Name returns the bridge's configured name.
func (m *MQTT) Name() string {
	return m.cfg.Name
}

// IsRunning reports whether the bridge is connected.
func (m *MQTT) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Address returns the broker address string.
func (m *MQTT) Address() string {
	if m.cfg.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", m.cfg.Broker, m.cfg.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", m.cfg.Broker, m.cfg.Port)
}

// Start connects to the broker and spins up the publish workers.
func (m *MQTT) Start() error {
	m.mu.RLock()
	if m.running {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(m.Address())
	if m.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetClientID(m.cfg.ClientID)
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	client := pahomqtt.NewClient(opts)
	m.sink.Log(logging.LevelInfo, "bridge:mqtt", "%s: connecting to %s", m.cfg.Name, m.Address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt %s: connection timeout", m.cfg.Name)
	}
	if token.Error() != nil {
		return fmt.Errorf("mqtt %s: %w", m.cfg.Name, token.Error())
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	m.client = client
	m.running = true
	m.mu.Unlock()

	m.lastMu.Lock()
	m.lastData = make(map[string]string)
	m.lastMu.Unlock()

	for i := 0; i < MaxPublishWorkers; i++ {
		m.wg.Add(1)
		go m.publishWorker()
	}
	return nil
}

// Stop disconnects from the broker and drains the worker pool.
func (m *MQTT) Stop() {
	m.mu.Lock()
	if !m.running || m.client == nil {
		m.mu.Unlock()
		return
	}
	m.running = false
	client := m.client
	m.client = nil

	oldStop := m.stopChan
	m.stopChan = make(chan struct{})
	m.queue = make(chan publishJob, MaxPublishQueueSize)
	m.mu.Unlock()

	close(oldStop)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		m.sink.Log(logging.LevelWarn, "bridge:mqtt", "%s: timeout waiting for publish workers", m.cfg.Name)
	}

	client.Disconnect(500)
}

func (m *MQTT) publishWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopChan:
			return
		case job, ok := <-m.queue:
			if !ok {
				return
			}
			m.mu.RLock()
			client := m.client
			running := m.running
			m.mu.RUnlock()
			if !running || client == nil {
				continue
			}
			token := client.Publish(job.topic, 1, true, job.payload)
			if !token.WaitTimeout(2 * time.Second) {
				m.sink.Log(logging.LevelWarn, "bridge:mqtt", "%s: publish timeout on %s", m.cfg.Name, job.topic)
				continue
			}
			if err := token.Error(); err != nil {
				m.sink.Log(logging.LevelWarn, "bridge:mqtt", "%s: publish %s: %v", m.cfg.Name, job.topic, err)
			}
		}
	}
}

// topic builds <root>/<ip>/event.
func (m *MQTT) topic(ip string) string {
	return fmt.Sprintf("%s/%s/event", m.cfg.RootTopic, ip)
}

func (m *MQTT) enqueue(ip, event string, data wire.Value) {
	env := newEnvelope(m.namespace, ip, event, data)
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case m.queue <- publishJob{topic: m.topic(ip), payload: payload}:
	default:
		m.sink.Log(logging.LevelWarn, "bridge:mqtt", "%s: publish queue full, dropping %s for %s", m.cfg.Name, event, ip)
	}
}

// DeviceConnected implements worker.Observer.
func (m *MQTT) DeviceConnected(addr string) {
	m.enqueue(hostOf(addr), EventConnected, wire.Null)
}

// DeviceDisconnected implements worker.Observer.
func (m *MQTT) DeviceDisconnected(addr string) {
	m.enqueue(hostOf(addr), EventDisconnected, wire.Null)
}

// DeviceDiscovered implements worker.Observer.
func (m *MQTT) DeviceDiscovered(addr string) {
	m.enqueue(hostOf(addr), EventDiscovered, wire.Null)
}

// NewDeviceData implements worker.Observer, skipping publication when the
// payload matches the last one published for the same device.
func (m *MQTT) NewDeviceData(addr string, data wire.Value) {
	ip := hostOf(addr)
	raw := string(data.Raw())

	m.lastMu.Lock()
	last, seen := m.lastData[ip]
	if seen && last == raw {
		m.lastMu.Unlock()
		return
	}
	m.lastData[ip] = raw
	m.lastMu.Unlock()

	m.enqueue(ip, EventData, data)
}
