package esphome

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-esphome/internal/device"
)

var errDialRefused = errors.New("connection refused")

// mockTransport records commands and lets tests push events.
type mockTransport struct {
	mu        sync.Mutex
	events    TransportEvents
	info      DeviceInfo
	infoErr   error
	entities  []device.Discovered
	listErr   error
	subErr    error
	connected bool
	closed    bool
	commands  []string
	external  [][3]string

	// onSubscribe runs inside SubscribeStates, as a device pushing its
	// initial states would.
	onSubscribe func(t *mockTransport)
}

func (t *mockTransport) DeviceInfo(context.Context) (DeviceInfo, error) {
	return t.info, t.infoErr
}

func (t *mockTransport) ListEntities(context.Context) ([]device.Discovered, error) {
	return t.entities, t.listErr
}

func (t *mockTransport) SubscribeStates(context.Context) error {
	if t.onSubscribe != nil {
		t.onSubscribe(t)
	}
	return t.subErr
}

func (t *mockTransport) SubscribeExternalStates(context.Context) error { return nil }

func (t *mockTransport) record(cmd string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commands = append(t.commands, cmd)
	return nil
}

func (t *mockTransport) SwitchCommand(uint32, bool) error { return t.record("switch") }

func (t *mockTransport) NumberCommand(uint32, float64) error { return t.record("number") }

func (t *mockTransport) TextCommand(uint32, string) error { return t.record("text") }

func (t *mockTransport) LightCommand(uint32, device.LightCommand) error { return t.record("light") }

func (t *mockTransport) CoverCommand(uint32, device.CoverCommand) error { return t.record("cover") }

func (t *mockTransport) SendExternalState(entityID, attribute, value string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.external = append(t.external, [3]string{entityID, attribute, value})
	return nil
}

func (t *mockTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && !t.closed
}

func (t *mockTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *mockTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *mockTransport) getCommands() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.commands...)
}

func (t *mockTransport) getExternal() [][3]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][3]string(nil), t.external...)
}

// drop simulates the device going away.
func (t *mockTransport) drop(err error) {
	t.mu.Lock()
	t.connected = false
	ev := t.events
	t.mu.Unlock()
	if ev.OnDisconnect != nil {
		ev.OnDisconnect(err)
	}
}

func (t *mockTransport) pushState(key uint32, fields map[string]any) {
	t.mu.Lock()
	ev := t.events
	t.mu.Unlock()
	if ev.OnState != nil {
		ev.OnState(StateEvent{Key: key, Fields: fields})
	}
}

// mockDialer hands out transports built by newTransport, or fails while
// failures remain.
type mockDialer struct {
	mu           sync.Mutex
	failures     int
	err          error
	delay        time.Duration
	entities     []device.Discovered
	info         DeviceInfo
	dials        int
	targets      []Target
	transports   []*mockTransport
	dialed       chan struct{}
	failForever  bool
	blockUntilCx bool
	onSubscribe  func(t *mockTransport, dial int)
}

func newMockDialer() *mockDialer {
	return &mockDialer{err: errDialRefused, dialed: make(chan struct{}, 64)}
}

func (d *mockDialer) Dial(ctx context.Context, target Target, events TransportEvents) (Transport, error) {
	d.mu.Lock()
	d.dials++
	d.targets = append(d.targets, target)
	fail := d.failForever || d.failures > 0
	if d.failures > 0 {
		d.failures--
	}
	delay, block, dial := d.delay, d.blockUntilCx, d.dials
	d.mu.Unlock()

	select {
	case d.dialed <- struct{}{}:
	default:
	}

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, d.err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	tr := &mockTransport{events: events, entities: d.entities, info: d.info, connected: true}
	if hook := d.onSubscribe; hook != nil {
		tr.onSubscribe = func(t *mockTransport) { hook(t, dial) }
	}
	d.transports = append(d.transports, tr)
	return tr, nil
}

// setEntities changes what the next dial enumerates.
func (d *mockDialer) setEntities(entities []device.Discovered) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entities = entities
}

func (d *mockDialer) setOnSubscribe(hook func(t *mockTransport, dial int)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSubscribe = hook
}

func (d *mockDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *mockDialer) last() *mockTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

func (d *mockDialer) transport(i int) *mockTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[i]
}

func (d *mockDialer) transportCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

// fastBackoff keeps retry tests quick.
func fastBackoff(maxAttempts int) BackoffConfig {
	return BackoffConfig{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, MaxAttempts: maxAttempts}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func (t *mockTransport) pushExternalSubscribe(entityID, attribute string) {
	t.mu.Lock()
	ev := t.events
	t.mu.Unlock()
	if ev.OnExternalStateSubscribe != nil {
		ev.OnExternalStateSubscribe(entityID, attribute)
	}
}

func (t *mockTransport) pushServiceCall(call ServiceCall) {
	t.mu.Lock()
	ev := t.events
	t.mu.Unlock()
	if ev.OnServiceCall != nil {
		ev.OnServiceCall(call)
	}
}
