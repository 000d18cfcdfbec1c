package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-esphome/internal/esphome"
	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/mqtt"
)

// Defaults.
const (
	DefaultProtocol       = "esphome"
	DefaultRequestTimeout = 10 * time.Second
)

// MQTTClient is the slice of the MQTT client the gateway needs.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// Logger is the logging interface used by the gateway.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Dialer opens device transports through an MQTT protocol gateway. It
// implements esphome.Dialer.
//
// One response subscription serves every request. Per-device state, event
// and health topics are subscribed on first dial and routed to whichever
// transport is current for that device.
type Dialer struct {
	client   MQTTClient
	protocol string
	timeout  time.Duration
	qos      byte
	logger   Logger
	topics   mqtt.Topics

	// mu guards routing state read by message handlers.
	mu      sync.Mutex
	pending map[string]chan ResponseMessage
	current map[string]*transport

	// subMu serialises subscription changes. It is never held by message
	// handlers, so broker round trips can run under it.
	subMu   sync.Mutex
	devSubs map[string]bool
	started bool
}

// NewDialer creates a dialer. Call Start once the broker is connected.
func NewDialer(client MQTTClient, cfg config.GatewayConfig, logger Logger) *Dialer {
	if logger == nil {
		logger = noopLogger{}
	}
	d := &Dialer{
		client:   client,
		protocol: cfg.Protocol,
		timeout:  cfg.RequestTimeout,
		qos:      byte(cfg.QoS), //nolint:gosec // validated to 0..2 by config
		logger:   logger,
		pending:  make(map[string]chan ResponseMessage),
		current:  make(map[string]*transport),
		devSubs:  make(map[string]bool),
	}
	if d.protocol == "" {
		d.protocol = DefaultProtocol
	}
	if d.timeout <= 0 {
		d.timeout = DefaultRequestTimeout
	}
	return d
}

// Start subscribes to gateway responses.
func (d *Dialer) Start() error {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	if d.started {
		return nil
	}
	if err := d.client.Subscribe(d.topics.AllGatewayResponses(d.protocol), d.qos, d.handleResponse); err != nil {
		return fmt.Errorf("subscribing to gateway responses: %w", err)
	}
	d.started = true
	return nil
}

// Dial asks the gateway to connect to target and returns the transport once
// the handshake succeeded.
func (d *Dialer) Dial(ctx context.Context, target esphome.Target, events esphome.TransportEvents) (esphome.Transport, error) {
	if !d.client.IsConnected() {
		return nil, ErrBrokerUnavailable
	}
	if err := d.Start(); err != nil {
		return nil, err
	}

	t := &transport{dialer: d, name: target.Name, events: events}
	d.mu.Lock()
	prev := d.current[target.Name]
	d.current[target.Name] = t
	d.mu.Unlock()
	if prev != nil {
		prev.markClosed()
	}
	if err := d.ensureDeviceSubscriptions(target.Name); err != nil {
		d.release(t)
		return nil, err
	}

	_, err := d.request(ctx, RequestMessage{
		Action: ActionConnect,
		Device: target.Name,
		Target: &TargetPayload{
			Host:       target.Host,
			Port:       target.Port,
			Password:   target.Password,
			ClientInfo: target.ClientInfo,
		},
	})
	if err != nil {
		d.release(t)
		return nil, fmt.Errorf("connecting %s via gateway: %w", target.Name, err)
	}
	t.setConnected(true)
	d.logger.Debug("gateway session open", "device", target.Name, "address", target.Address())
	return t, nil
}

func (d *Dialer) ensureDeviceSubscriptions(name string) error {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	if d.devSubs[name] {
		return nil
	}
	subs := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{d.topics.GatewayState(d.protocol, name), d.routeTo(name, (*transport).handleState)},
		{d.topics.GatewayEvent(d.protocol, name), d.routeTo(name, (*transport).handleEvent)},
		{d.topics.GatewayHealth(d.protocol, name), d.routeTo(name, (*transport).handleHealth)},
	}
	for i, s := range subs {
		if err := d.client.Subscribe(s.topic, d.qos, s.handler); err != nil {
			for _, done := range subs[:i] {
				_ = d.client.Unsubscribe(done.topic) //nolint:errcheck // best-effort rollback
			}
			return fmt.Errorf("subscribing to %s: %w", s.topic, err)
		}
	}
	d.devSubs[name] = true
	return nil
}

// routeTo delivers a device topic message to the device's current transport.
func (d *Dialer) routeTo(name string, fn func(*transport, []byte) error) mqtt.MessageHandler {
	return func(_ string, payload []byte) error {
		d.mu.Lock()
		t := d.current[name]
		d.mu.Unlock()
		if t == nil {
			return nil
		}
		return fn(t, payload)
	}
}

// HandleBrokerDisconnect reports every live transport as dropped. Wire it
// to the MQTT client's disconnect callback: the gateway cannot send health
// messages while the broker link is down.
func (d *Dialer) HandleBrokerDisconnect(err error) {
	d.mu.Lock()
	live := make([]*transport, 0, len(d.current))
	for _, t := range d.current {
		live = append(live, t)
	}
	d.mu.Unlock()

	reason := fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	dropped := 0
	for _, t := range live {
		if t.lost(reason) {
			dropped++
		}
	}
	if dropped > 0 {
		d.logger.Warn("broker connection lost, gateway sessions dropped", "sessions", dropped, "error", err)
	}
}

// release forgets t if it is still current and drops the device topics.
func (d *Dialer) release(t *transport) {
	d.mu.Lock()
	if d.current[t.name] != t {
		d.mu.Unlock()
		return
	}
	delete(d.current, t.name)
	d.mu.Unlock()

	d.subMu.Lock()
	defer d.subMu.Unlock()
	d.mu.Lock()
	replaced := d.current[t.name] != nil
	d.mu.Unlock()
	if replaced || !d.devSubs[t.name] {
		return
	}
	delete(d.devSubs, t.name)
	if !d.client.IsConnected() {
		return
	}
	for _, topic := range []string{
		d.topics.GatewayState(d.protocol, t.name),
		d.topics.GatewayEvent(d.protocol, t.name),
		d.topics.GatewayHealth(d.protocol, t.name),
	} {
		if err := d.client.Unsubscribe(topic); err != nil {
			d.logger.Debug("unsubscribing device topic", "topic", topic, "error", err)
		}
	}
}

// request publishes msg and waits for the matching response.
func (d *Dialer) request(ctx context.Context, msg RequestMessage) (json.RawMessage, error) {
	msg.ID = uuid.NewString()
	msg.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", msg.Action, err)
	}

	reply := make(chan ResponseMessage, 1)
	d.mu.Lock()
	d.pending[msg.ID] = reply
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, msg.ID)
		d.mu.Unlock()
	}()

	if err := d.client.Publish(d.topics.GatewayRequest(d.protocol, msg.Device), payload, d.qos, false); err != nil {
		return nil, fmt.Errorf("publishing %s request: %w", msg.Action, err)
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()
	select {
	case resp := <-reply:
		if !resp.Success {
			return nil, fmt.Errorf("%w: %s: %s", ErrRequestFailed, msg.Action, resp.Error)
		}
		return resp.Data, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %v", ErrRequestTimeout, msg.Action, d.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dialer) handleResponse(_ string, payload []byte) error {
	var resp ResponseMessage
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("decoding gateway response: %w", err)
	}
	d.mu.Lock()
	reply, ok := d.pending[resp.ID]
	d.mu.Unlock()
	if !ok {
		d.logger.Debug("response for unknown request", "id", resp.ID)
		return nil
	}
	select {
	case reply <- resp:
	default:
	}
	return nil
}

// publishCommand sends a fire-and-forget command.
func (d *Dialer) publishCommand(cmd CommandMessage) error {
	if !d.client.IsConnected() {
		return ErrBrokerUnavailable
	}
	cmd.ID = uuid.NewString()
	cmd.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encoding %s command: %w", cmd.Command, err)
	}
	return d.client.Publish(d.topics.GatewayCommand(d.protocol, cmd.Device), payload, d.qos, false)
}
