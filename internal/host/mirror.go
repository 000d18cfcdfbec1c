package host

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-esphome/internal/link"
)

// SourceMQTT is the write source for property sets arriving over MQTT.
const SourceMQTT = "mqtt"

// defaultOutboxSize bounds publishes waiting for the broker.
const defaultOutboxSize = 512

// Publisher is the MQTT surface the mirror needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

type outMsg struct {
	topic    string
	payload  []byte
	retained bool
}

// Mirror publishes host property values as retained MQTT messages and
// applies writes from graylogic/core/object/{object}/{property}/set.
//
// It also implements link.Notifier, publishing broadcasts as core events.
//
// Publishes are queued and sent by the mirror's own goroutine, so a slow
// broker never blocks the registry writer or the session worker. When the
// queue is full the message is dropped and counted.
type Mirror struct {
	registry *Registry
	client   Publisher
	qos      byte
	logger   Logger
	topics   mqtt.Topics

	outbox  chan outMsg
	dropped atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	quit      chan struct{}
	done      chan struct{}
}

var _ link.Notifier = (*Mirror)(nil)

// NewMirror creates a mirror. Call Start to begin publishing.
func NewMirror(registry *Registry, client Publisher, qos byte, logger Logger) *Mirror {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Mirror{
		registry: registry,
		client:   client,
		qos:      qos,
		logger:   logger,
		outbox:   make(chan outMsg, defaultOutboxSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the publisher, queues every current value, then follows
// changes and listens for set requests.
func (m *Mirror) Start() error {
	started := false
	m.startOnce.Do(func() {
		started = true
		go m.run()
	})
	if !started {
		return nil
	}

	for _, obj := range m.registry.Snapshot() {
		for prop, v := range obj.Properties {
			m.publishValue(obj.Name, prop, v)
		}
	}
	m.registry.Observe(func(c Change) { m.publishValue(c.Object, c.Property, c.Value) })

	if err := m.client.Subscribe(m.topics.AllCoreObjectSets(), m.qos, m.handleSet); err != nil {
		return fmt.Errorf("subscribing to object sets: %w", err)
	}
	return nil
}

// Stop stops listening for set requests and sends what is already queued.
// Published values stay retained.
func (m *Mirror) Stop() error {
	var err error
	m.stopOnce.Do(func() {
		err = m.client.Unsubscribe(m.topics.AllCoreObjectSets())
		close(m.quit)
		m.startOnce.Do(func() { close(m.done) })
		<-m.done
	})
	return err
}

// Dropped returns how many publishes were discarded for a full queue.
func (m *Mirror) Dropped() uint64 {
	return m.dropped.Load()
}

func (m *Mirror) run() {
	defer close(m.done)
	for {
		select {
		case msg := <-m.outbox:
			m.send(msg)
		case <-m.quit:
			for {
				select {
				case msg := <-m.outbox:
					m.send(msg)
				default:
					return
				}
			}
		}
	}
}

func (m *Mirror) send(msg outMsg) {
	if err := m.client.Publish(msg.topic, msg.payload, m.qos, msg.retained); err != nil {
		m.logger.Warn("mirror publish failed", "topic", msg.topic, "error", err)
	}
}

// enqueue never blocks.
func (m *Mirror) enqueue(msg outMsg) {
	select {
	case <-m.quit:
		return
	default:
	}
	select {
	case m.outbox <- msg:
	default:
		if n := m.dropped.Add(1); n == 1 || n%100 == 0 {
			m.logger.Warn("mirror queue full, publish dropped", "topic", msg.topic, "dropped", n)
		}
	}
}

func (m *Mirror) publishValue(object, property string, value any) {
	payload, err := json.Marshal(value)
	if err != nil {
		m.logger.Warn("object value not serialisable", "object", object, "property", property, "error", err)
		return
	}
	m.enqueue(outMsg{topic: m.topics.CoreObjectProperty(object, property), payload: payload, retained: true})
}

// handleSet accepts a JSON value. A payload that is not valid JSON is taken
// as a plain string.
func (m *Mirror) handleSet(topic string, payload []byte) error {
	object, property, ok := mqtt.ParseObjectSet(topic)
	if !ok {
		return fmt.Errorf("unexpected topic %q", topic)
	}
	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		value = string(payload)
	}
	return m.registry.UpdateProperty(object, property, value, SourceMQTT)
}

// Broadcast queues payload for graylogic/core/event/{channel}.
func (m *Mirror) Broadcast(channel string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.Warn("broadcast payload not serialisable", "channel", channel, "error", err)
		return
	}
	m.enqueue(outMsg{topic: m.topics.CoreEvent(channel), payload: data})
}
