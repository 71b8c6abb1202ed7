package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"tuyalink/config"
	"tuyalink/logging"
	"tuyalink/wire"
)

// MaxKafkaQueueSize bounds the pending event queue; the observer callbacks
// never block on broker I/O.
const MaxKafkaQueueSize = 256

// Kafka produces device events to a single topic, serving as a durable
// audit trail of connect/disconnect/discovery traffic. It implements
// worker.Observer.
type Kafka struct {
	cfg       config.KafkaConfig
	namespace string
	sink      logging.Sink

	writer  *kafkago.Writer
	running bool
	mu      sync.RWMutex

	queue    chan kafkago.Message
	stopChan chan struct{}
	wg       sync.WaitGroup

	messagesSent  int64
	messagesError int64
}

// NewKafka creates a Kafka bridge. Start must be called to connect.
func NewKafka(cfg config.KafkaConfig, namespace string, sink logging.Sink) *Kafka {
	if sink == nil {
		sink = logging.Discard
	}
	return &Kafka{
		cfg:       cfg,
		namespace: namespace,
		sink:      sink,
		queue:     make(chan kafkago.Message, MaxKafkaQueueSize),
		stopChan:  make(chan struct{}),
	}
}

// Name returns the bridge's configured name.
func (k *Kafka) Name() string {
	return k.cfg.Name
}

// Topic returns the event-log topic, one per namespace.
func (k *Kafka) Topic() string {
	return k.namespace + ".device-events"
}

// IsRunning reports whether the bridge is connected.
func (k *Kafka) IsRunning() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.running
}

// Stats returns the sent/error counters.
func (k *Kafka) Stats() (sent, errors int64) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.messagesSent, k.messagesError
}

// Start verifies broker connectivity and spins up the produce worker.
func (k *Kafka) Start() error {
	k.mu.RLock()
	if k.running {
		k.mu.RUnlock()
		return nil
	}
	k.mu.RUnlock()

	if len(k.cfg.Brokers) == 0 {
		return fmt.Errorf("kafka %s: no brokers configured", k.cfg.Name)
	}

	k.sink.Log(logging.LevelInfo, "bridge:kafka", "%s: connecting to %v", k.cfg.Name, k.cfg.Brokers)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := kafkago.DialContext(ctx, "tcp", k.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka %s: connect: %w", k.cfg.Name, err)
	}
	conn.Close()

	maxAttempts := k.cfg.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(k.cfg.Brokers...),
		Topic:                  k.Topic(),
		Balancer:               &kafkago.LeastBytes{},
		RequiredAcks:           kafkago.RequiredAcks(k.cfg.RequiredAcks),
		Async:                  false,
		MaxAttempts:            maxAttempts,
		AllowAutoTopicCreation: true,
	}

	k.mu.Lock()
	if k.running {
		k.mu.Unlock()
		writer.Close()
		return nil
	}
	k.writer = writer
	k.running = true
	k.stopChan = make(chan struct{})
	k.mu.Unlock()

	k.wg.Add(1)
	go k.produceWorker()
	return nil
}

// Stop closes the writer and drains the produce worker.
func (k *Kafka) Stop() {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return
	}
	k.running = false
	writer := k.writer
	k.writer = nil
	oldStop := k.stopChan
	k.queue = make(chan kafkago.Message, MaxKafkaQueueSize)
	k.mu.Unlock()

	close(oldStop)

	done := make(chan struct{})
	go func() {
		k.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		k.sink.Log(logging.LevelWarn, "bridge:kafka", "%s: timeout waiting for produce worker", k.cfg.Name)
	}

	if writer != nil {
		writer.Close()
	}
}

func (k *Kafka) produceWorker() {
	defer k.wg.Done()
	for {
		select {
		case <-k.stopChan:
			return
		case msg, ok := <-k.queue:
			if !ok {
				return
			}
			k.mu.RLock()
			writer := k.writer
			k.mu.RUnlock()
			if writer == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := writer.WriteMessages(ctx, msg)
			cancel()
			k.mu.Lock()
			if err != nil {
				k.messagesError++
				k.mu.Unlock()
				k.sink.Log(logging.LevelWarn, "bridge:kafka", "%s: produce: %v", k.cfg.Name, err)
				continue
			}
			k.messagesSent++
			k.mu.Unlock()
		}
	}
}

func (k *Kafka) enqueue(ip, event string, data wire.Value) {
	k.mu.RLock()
	running := k.running
	k.mu.RUnlock()
	if !running {
		return
	}
	env := newEnvelope(k.namespace, ip, event, data)
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	msg := kafkago.Message{Key: []byte(ip), Value: payload, Time: time.Now()}
	select {
	case k.queue <- msg:
	default:
		k.sink.Log(logging.LevelWarn, "bridge:kafka", "%s: queue full, dropping %s for %s", k.cfg.Name, event, ip)
	}
}

// DeviceConnected implements worker.Observer.
func (k *Kafka) DeviceConnected(addr string) {
	k.enqueue(hostOf(addr), EventConnected, wire.Null)
}

// DeviceDisconnected implements worker.Observer.
func (k *Kafka) DeviceDisconnected(addr string) {
	k.enqueue(hostOf(addr), EventDisconnected, wire.Null)
}

// DeviceDiscovered implements worker.Observer.
func (k *Kafka) DeviceDiscovered(addr string) {
	k.enqueue(hostOf(addr), EventDiscovered, wire.Null)
}

// NewDeviceData implements worker.Observer.
func (k *Kafka) NewDeviceData(addr string, data wire.Value) {
	k.enqueue(hostOf(addr), EventData, data)
}
