package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-esphome/internal/device"
	"github.com/nerrad567/gray-logic-esphome/internal/esphome"
	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/mqtt"
)

// fakeBroker delivers publishes to matching subscriptions synchronously.
// respond, when set, plays the gateway for request topics.
type fakeBroker struct {
	mu        sync.Mutex
	subs      map[string]mqtt.MessageHandler
	published []published
	connected bool
	respond   func(req RequestMessage) *ResponseMessage
}

type published struct {
	topic   string
	payload []byte
}

func newFakeBroker() *fakeBroker {
	b := &fakeBroker{subs: map[string]mqtt.MessageHandler{}, connected: true}
	b.respond = func(req RequestMessage) *ResponseMessage {
		return &ResponseMessage{ID: req.ID, Success: true}
	}
	return b
}

func (b *fakeBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBroker) Subscribe(topic string, _ byte, h mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = h
	return nil
}

func (b *fakeBroker) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, topic)
	return nil
}

func (b *fakeBroker) Publish(topic string, payload []byte, _ byte, _ bool) error {
	b.mu.Lock()
	b.published = append(b.published, published{topic, payload})
	respond := b.respond
	b.mu.Unlock()

	if strings.HasPrefix(topic, "graylogic/request/") && respond != nil {
		var req RequestMessage
		if err := json.Unmarshal(payload, &req); err != nil {
			return err
		}
		if resp := respond(req); resp != nil {
			data, _ := json.Marshal(resp)
			go b.deliver("graylogic/response/esphome/"+req.ID, data)
		}
	}
	return nil
}

// deliver routes one message to every matching subscription.
func (b *fakeBroker) deliver(topic string, payload []byte) {
	b.mu.Lock()
	var handlers []mqtt.MessageHandler
	for pattern, h := range b.subs {
		if topicMatches(pattern, topic) {
			handlers = append(handlers, h)
		}
	}
	b.mu.Unlock()
	for _, h := range handlers {
		_ = h(topic, payload)
	}
}

func (b *fakeBroker) hasSub(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[topic]
	return ok
}

func (b *fakeBroker) commands() []CommandMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []CommandMessage
	for _, p := range b.published {
		if !strings.HasPrefix(p.topic, "graylogic/command/") {
			continue
		}
		var c CommandMessage
		if json.Unmarshal(p.payload, &c) == nil {
			out = append(out, c)
		}
	}
	return out
}

func (b *fakeBroker) requests() []RequestMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []RequestMessage
	for _, p := range b.published {
		if !strings.HasPrefix(p.topic, "graylogic/request/") {
			continue
		}
		var r RequestMessage
		if json.Unmarshal(p.payload, &r) == nil {
			out = append(out, r)
		}
	}
	return out
}

func topicMatches(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	for i, seg := range pp {
		if seg == "#" {
			return true
		}
		if i >= len(tp) || (seg != "+" && seg != tp[i]) {
			return false
		}
	}
	return len(pp) == len(tp)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func newTestDialer(b *fakeBroker, timeout time.Duration) *Dialer {
	return NewDialer(b, config.GatewayConfig{RequestTimeout: timeout}, nil)
}

var porch = esphome.Target{Name: "porch", Host: "10.0.0.5", Port: 6053, Password: "pw", ClientInfo: "hub"}

func TestDial_SendsConnectRequest(t *testing.T) {
	b := newFakeBroker()
	d := newTestDialer(b, time.Second)

	tr, err := d.Dial(context.Background(), porch, esphome.TransportEvents{})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if !tr.Connected() {
		t.Error("Connected() = false after Dial")
	}

	reqs := b.requests()
	if len(reqs) != 1 || reqs[0].Action != ActionConnect || reqs[0].Device != "porch" {
		t.Fatalf("requests = %+v", reqs)
	}
	want := TargetPayload{Host: "10.0.0.5", Port: 6053, Password: "pw", ClientInfo: "hub"}
	if reqs[0].Target == nil || *reqs[0].Target != want {
		t.Errorf("target = %+v", reqs[0].Target)
	}
	for _, topic := range []string{
		"graylogic/response/esphome/+",
		"graylogic/state/esphome/porch",
		"graylogic/event/esphome/porch",
		"graylogic/health/esphome/porch",
	} {
		if !b.hasSub(topic) {
			t.Errorf("missing subscription %s", topic)
		}
	}
}

func TestDial_GatewayError(t *testing.T) {
	b := newFakeBroker()
	b.respond = func(req RequestMessage) *ResponseMessage {
		return &ResponseMessage{ID: req.ID, Error: "invalid password"}
	}
	d := newTestDialer(b, time.Second)

	_, err := d.Dial(context.Background(), porch, esphome.TransportEvents{})
	if !errors.Is(err, ErrRequestFailed) || !strings.Contains(err.Error(), "invalid password") {
		t.Errorf("Dial() error = %v, want ErrRequestFailed", err)
	}
	if b.hasSub("graylogic/state/esphome/porch") {
		t.Error("device topics left subscribed after failed dial")
	}
}

func TestDial_Timeout(t *testing.T) {
	b := newFakeBroker()
	b.respond = func(RequestMessage) *ResponseMessage { return nil }
	d := newTestDialer(b, 30*time.Millisecond)

	if _, err := d.Dial(context.Background(), porch, esphome.TransportEvents{}); !errors.Is(err, ErrRequestTimeout) {
		t.Errorf("Dial() error = %v, want ErrRequestTimeout", err)
	}
}

func TestDial_BrokerDown(t *testing.T) {
	b := newFakeBroker()
	b.connected = false
	d := newTestDialer(b, time.Second)
	if _, err := d.Dial(context.Background(), porch, esphome.TransportEvents{}); !errors.Is(err, ErrBrokerUnavailable) {
		t.Errorf("Dial() error = %v, want ErrBrokerUnavailable", err)
	}
}

func TestTransport_DeviceInfoAndEntities(t *testing.T) {
	b := newFakeBroker()
	acc := 1
	b.respond = func(req RequestMessage) *ResponseMessage {
		resp := &ResponseMessage{ID: req.ID, Success: true}
		switch req.Action {
		case ActionDeviceInfo:
			resp.Data = json.RawMessage(`{"name":"porch","esphome_version":"2024.6.1","mac_address":"AA:BB:CC:DD:EE:FF"}`)
		case ActionListEntities:
			resp.Data = mustJSON(t, []EntityPayload{
				{ObjectID: "porch_temp", Key: 1, Name: "Temperature", Type: "sensor", Unit: "°C", AccuracyDecimals: &acc},
				{ObjectID: "porch_status", Key: 2, Name: "Status", Type: "text_sensor"},
			})
		}
		return resp
	}
	d := newTestDialer(b, time.Second)
	tr, err := d.Dial(context.Background(), porch, esphome.TransportEvents{})
	if err != nil {
		t.Fatal(err)
	}

	info, err := tr.DeviceInfo(context.Background())
	if err != nil {
		t.Fatalf("DeviceInfo() error = %v", err)
	}
	if info.FirmwareVersion != "2024.6.1" || info.MACAddress != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("DeviceInfo() = %+v", info)
	}

	entities, err := tr.ListEntities(context.Background())
	if err != nil {
		t.Fatalf("ListEntities() error = %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("ListEntities() = %d entities", len(entities))
	}
	if entities[0].UniqueID != "porch_temp" || entities[0].Unit != "°C" || *entities[0].AccuracyDecimals != 1 {
		t.Errorf("entity[0] = %+v", entities[0])
	}
	if entities[1].Type != device.EntityTypeTextSensor {
		t.Errorf("entity[1].Type = %q, want textsensor", entities[1].Type)
	}

	if err := tr.SubscribeStates(context.Background()); err != nil {
		t.Errorf("SubscribeStates() error = %v", err)
	}
	if err := tr.SubscribeExternalStates(context.Background()); err != nil {
		t.Errorf("SubscribeExternalStates() error = %v", err)
	}
}

func TestTransport_Commands(t *testing.T) {
	b := newFakeBroker()
	d := newTestDialer(b, time.Second)
	tr, err := d.Dial(context.Background(), porch, esphome.TransportEvents{})
	if err != nil {
		t.Fatal(err)
	}

	bright := 0.5
	rgb := [3]float64{1, 0, 0}
	pos := 0.0
	for _, err := range []error{
		tr.SwitchCommand(1, true),
		tr.NumberCommand(2, 21.5),
		tr.TextCommand(3, "hello"),
		tr.LightCommand(4, device.LightCommand{State: true, Brightness: &bright, RGB: &rgb}),
		tr.CoverCommand(5, device.CoverCommand{Position: &pos}),
		tr.SendExternalState("sensor.outside", "", "12.5"),
	} {
		if err != nil {
			t.Fatalf("command error = %v", err)
		}
	}

	cmds := b.commands()
	if len(cmds) != 6 {
		t.Fatalf("commands = %d, want 6", len(cmds))
	}
	if c := cmds[0]; c.Command != CommandSwitch || c.Key != 1 || c.State == nil || !*c.State || c.Device != "porch" {
		t.Errorf("switch = %+v", c)
	}
	if c := cmds[1]; c.Command != CommandNumber || c.Value != 21.5 {
		t.Errorf("number = %+v", c)
	}
	if c := cmds[3]; c.Brightness == nil || *c.Brightness != 0.5 || c.RGB == nil || *c.RGB != rgb {
		t.Errorf("light = %+v", c)
	}
	if c := cmds[4]; c.Position == nil || *c.Position != 0 || c.Stop {
		t.Errorf("cover = %+v", c)
	}
	if c := cmds[5]; c.Command != CommandExternalState || c.EntityID != "sensor.outside" || c.Value != "12.5" {
		t.Errorf("external = %+v", c)
	}
}

func TestTransport_EventsRouted(t *testing.T) {
	b := newFakeBroker()
	d := newTestDialer(b, time.Second)

	var mu sync.Mutex
	var states []esphome.StateEvent
	var subs [][2]string
	var calls []esphome.ServiceCall
	var drops []error
	events := esphome.TransportEvents{
		OnState: func(ev esphome.StateEvent) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, ev)
		},
		OnExternalStateSubscribe: func(id, attr string) {
			mu.Lock()
			defer mu.Unlock()
			subs = append(subs, [2]string{id, attr})
		},
		OnServiceCall: func(c esphome.ServiceCall) {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, c)
		},
		OnDisconnect: func(err error) {
			mu.Lock()
			defer mu.Unlock()
			drops = append(drops, err)
		},
	}
	tr, err := d.Dial(context.Background(), porch, events)
	if err != nil {
		t.Fatal(err)
	}

	b.deliver("graylogic/state/esphome/porch", []byte(`{"key":1,"fields":{"state":21.5,"missing_state":false}}`))
	b.deliver("graylogic/event/esphome/porch", []byte(`{"type":"external_state_subscribe","entity_id":"sensor.outside","attribute":"temperature"}`))
	b.deliver("graylogic/event/esphome/porch", []byte(`{"type":"service_call","service":"doorbell","data":{"button":"1"}}`))
	b.deliver("graylogic/health/esphome/porch", []byte(`{"status":"disconnected","error":"wifi lost"}`))
	b.deliver("graylogic/health/esphome/porch", []byte(`{"status":"disconnected"}`))

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 1 || states[0].Key != 1 || states[0].Fields["state"] != 21.5 {
		t.Errorf("states = %+v", states)
	}
	if len(subs) != 1 || subs[0] != [2]string{"sensor.outside", "temperature"} {
		t.Errorf("external subscriptions = %v", subs)
	}
	if len(calls) != 1 || calls[0].Service != "doorbell" || calls[0].Data["button"] != "1" {
		t.Errorf("service calls = %+v", calls)
	}
	if len(drops) != 1 || !strings.Contains(drops[0].Error(), "wifi lost") {
		t.Errorf("disconnects = %v, want exactly one", drops)
	}
	if tr.Connected() {
		t.Error("Connected() = true after disconnect health message")
	}
	if err := tr.SwitchCommand(1, true); !errors.Is(err, esphome.ErrNotConnected) {
		t.Errorf("command after drop error = %v", err)
	}
}

func TestTransport_CloseReleasesTopics(t *testing.T) {
	b := newFakeBroker()
	d := newTestDialer(b, time.Second)

	var mu sync.Mutex
	delivered := 0
	tr, err := d.Dial(context.Background(), porch, esphome.TransportEvents{
		OnState: func(esphome.StateEvent) {
			mu.Lock()
			delivered++
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	reqs := b.requests()
	if last := reqs[len(reqs)-1]; last.Action != ActionDisconnect {
		t.Errorf("last request = %s, want disconnect", last.Action)
	}
	if b.hasSub("graylogic/state/esphome/porch") {
		t.Error("state topic still subscribed after Close")
	}
	b.deliver("graylogic/state/esphome/porch", []byte(`{"key":1,"fields":{"state":1}}`))
	mu.Lock()
	defer mu.Unlock()
	if delivered != 0 {
		t.Error("state delivered after Close")
	}
}

func TestDial_RedialKeepsRouting(t *testing.T) {
	b := newFakeBroker()
	d := newTestDialer(b, time.Second)

	first, err := d.Dial(context.Background(), porch, esphome.TransportEvents{})
	if err != nil {
		t.Fatal(err)
	}
	got := make(chan uint32, 1)
	second, err := d.Dial(context.Background(), porch, esphome.TransportEvents{
		OnState: func(ev esphome.StateEvent) { got <- ev.Key },
	})
	if err != nil {
		t.Fatal(err)
	}
	if first.Connected() {
		t.Error("replaced transport still connected")
	}

	// Closing the replaced transport must not drop the live one's topics.
	_ = first.Close()
	if !b.hasSub("graylogic/state/esphome/porch") {
		t.Fatal("closing replaced transport unsubscribed device topics")
	}
	b.deliver("graylogic/state/esphome/porch", []byte(`{"key":7,"fields":{}}`))
	select {
	case k := <-got:
		if k != 7 {
			t.Errorf("key = %d", k)
		}
	case <-time.After(time.Second):
		t.Error("state not routed to current transport")
	}
	_ = second.Close()
}

func TestDialer_BrokerDisconnectDropsSessions(t *testing.T) {
	b := newFakeBroker()
	d := newTestDialer(b, time.Second)

	var mu sync.Mutex
	drops := map[string][]error{}
	dial := func(target esphome.Target) esphome.Transport {
		t.Helper()
		tr, err := d.Dial(context.Background(), target, esphome.TransportEvents{
			OnDisconnect: func(err error) {
				mu.Lock()
				defer mu.Unlock()
				drops[target.Name] = append(drops[target.Name], err)
			},
		})
		if err != nil {
			t.Fatalf("Dial(%s) error = %v", target.Name, err)
		}
		return tr
	}
	attic := porch
	attic.Name = "attic"
	transports := []esphome.Transport{dial(porch), dial(attic)}

	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	d.HandleBrokerDisconnect(errors.New("EOF"))
	d.HandleBrokerDisconnect(errors.New("EOF"))

	mu.Lock()
	defer mu.Unlock()
	for _, name := range []string{"porch", "attic"} {
		got := drops[name]
		if len(got) != 1 {
			t.Errorf("%s disconnects = %v, want exactly one", name, got)
			continue
		}
		if !errors.Is(got[0], ErrBrokerUnavailable) {
			t.Errorf("%s disconnect error = %v, want ErrBrokerUnavailable", name, got[0])
		}
	}
	for _, tr := range transports {
		if tr.Connected() {
			t.Error("transport still connected after broker loss")
		}
	}
}

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		pattern, topic string
		want           bool
	}{
		{"graylogic/response/esphome/+", "graylogic/response/esphome/abc", true},
		{"graylogic/response/esphome/+", "graylogic/response/esphome/abc/x", false},
		{"graylogic/#", "graylogic/state/esphome/porch", true},
		{"graylogic/state/esphome/porch", "graylogic/state/esphome/attic", false},
	}
	for _, tt := range tests {
		if got := topicMatches(tt.pattern, tt.topic); got != tt.want {
			t.Errorf("topicMatches(%q, %q) = %v", tt.pattern, tt.topic, got)
		}
	}
}
