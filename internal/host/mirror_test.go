package host

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/mqtt"
)

type published struct {
	topic    string
	payload  string
	retained bool
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []published
	handlers map[string]mqtt.MessageHandler

	// gate, when set, holds every Publish until it is closed.
	gate chan struct{}
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{handlers: make(map[string]mqtt.MessageHandler)}
}

func (p *fakePublisher) Publish(topic string, payload []byte, _ byte, retained bool) error {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, published{topic, string(payload), retained})
	return nil
}

func (p *fakePublisher) Subscribe(topic string, _ byte, h mqtt.MessageHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[topic] = h
	return nil
}

func (p *fakePublisher) Unsubscribe(topic string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers, topic)
	return nil
}

func (p *fakePublisher) find(topic string) (published, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.messages) - 1; i >= 0; i-- {
		if p.messages[i].topic == topic {
			return p.messages[i], true
		}
	}
	return published{}, false
}

// await polls for the latest message on topic until want holds.
func (p *fakePublisher) await(topic string, want func(published) bool) (published, bool) {
	deadline := time.Now().Add(2 * time.Second)
	for {
		msg, ok := p.find(topic)
		if ok && want(msg) {
			return msg, true
		}
		if time.Now().After(deadline) {
			return msg, false
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

func (p *fakePublisher) handler(topic string) mqtt.MessageHandler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlers[topic]
}

func TestMirrorPublishesRetainedValues(t *testing.T) {
	r := newPorch(t)
	pub := newFakePublisher()
	m := NewMirror(r, pub, 1, nil)
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Stop() })

	topic := mqtt.Topics{}.CoreObjectProperty("Porch", "Light")
	msg, ok := pub.await(topic, func(p published) bool { return p.payload == "false" })
	if !ok || !msg.retained {
		t.Fatalf("initial publish = %+v, %v", msg, ok)
	}

	if err := r.UpdateProperty("Porch", "Light", true, "esphome"); err != nil {
		t.Fatal(err)
	}
	if msg, ok := pub.await(topic, func(p published) bool { return p.payload == "true" }); !ok {
		t.Errorf("after change payload = %q", msg.payload)
	}
}

func TestMirrorSlowBrokerDoesNotBlockWriters(t *testing.T) {
	r := newPorch(t)
	pub := newFakePublisher()
	pub.gate = make(chan struct{})
	m := NewMirror(r, pub, 1, nil)
	m.outbox = make(chan outMsg, 4)
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			//nolint:errcheck // values are valid
			r.UpdateProperty("Porch", "Temperature", float64(i), "esphome")
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("registry writes blocked on a stalled broker")
	}
	if m.Dropped() == 0 {
		t.Error("Dropped() = 0, want overflow counted")
	}

	close(pub.gate)
	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}
	// Two initial values plus 19 changes; the first write repeats 0.
	// Everything queued is flushed on Stop.
	sent := pub.count()
	if sent == 0 || uint64(sent)+m.Dropped() != 21 {
		t.Errorf("sent %d, dropped %d", sent, m.Dropped())
	}
	if err := r.UpdateProperty("Porch", "Temperature", 99.0, "esphome"); err != nil {
		t.Fatal(err)
	}
	if pub.count() != sent {
		t.Error("published after Stop")
	}
}

func TestMirrorAppliesSets(t *testing.T) {
	r := newPorch(t)
	rec := &recorder{}
	r.SetLinkListener("esphome", rec.listen)
	r.SetLink("Porch", "Temperature", "esphome")

	pub := newFakePublisher()
	m := NewMirror(r, pub, 1, nil)
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	handler := pub.handler(mqtt.Topics{}.AllCoreObjectSets())
	if handler == nil {
		t.Fatal("no set subscription")
	}

	if err := handler(mqtt.Topics{}.CoreObjectSet("Porch", "Temperature"), []byte("21.5")); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if v, _ := r.GetProperty("Porch", "Temperature"); v != 21.5 {
		t.Errorf("Temperature = %v", v)
	}
	if calls := rec.get(); len(calls) != 1 {
		t.Errorf("listener calls = %v", calls)
	}

	// Non-JSON payloads are taken as strings.
	if err := r.Define("Note", map[string]any{"Text": ""}, nil); err != nil {
		t.Fatal(err)
	}
	if err := handler(mqtt.Topics{}.CoreObjectSet("Note", "Text"), []byte("hello there")); err != nil {
		t.Fatal(err)
	}
	if v, _ := r.GetProperty("Note", "Text"); v != "hello there" {
		t.Errorf("Text = %v", v)
	}

	if err := handler(mqtt.Topics{}.CoreObjectSet("Nope", "X"), []byte("1")); err == nil {
		t.Error("set on unknown object: expected error")
	}

	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}
	if pub.handler(mqtt.Topics{}.AllCoreObjectSets()) != nil {
		t.Error("Stop() left subscription")
	}
}

func TestMirrorBroadcast(t *testing.T) {
	pub := newFakePublisher()
	m := NewMirror(NewRegistry(nil), pub, 0, nil)
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = m.Stop() })
	m.Broadcast("device_update", map[string]any{"device": "porch", "status": "online"})

	msg, ok := pub.await(mqtt.Topics{}.CoreEvent("device_update"), func(published) bool { return true })
	if !ok || msg.retained {
		t.Fatalf("broadcast = %+v, %v", msg, ok)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(msg.payload), &got); err != nil || got["device"] != "porch" {
		t.Errorf("payload = %s (%v)", msg.payload, err)
	}
}
