package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-esphome/internal/device"
	"github.com/nerrad567/gray-logic-esphome/internal/esphome"
)

// transport is one gateway-relayed device connection.
type transport struct {
	dialer *Dialer
	name   string
	events esphome.TransportEvents

	mu        sync.Mutex
	connected bool
	closed    bool
}

var _ esphome.Transport = (*transport)(nil)

func (t *transport) setConnected(v bool) {
	t.mu.Lock()
	t.connected = v
	t.mu.Unlock()
}

func (t *transport) markClosed() {
	t.mu.Lock()
	t.closed = true
	t.connected = false
	t.mu.Unlock()
}

func (t *transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *transport) call(ctx context.Context, action string) (json.RawMessage, error) {
	if t.isClosed() {
		return nil, ErrTransportClosed
	}
	return t.dialer.request(ctx, RequestMessage{Action: action, Device: t.name})
}

func (t *transport) DeviceInfo(ctx context.Context) (esphome.DeviceInfo, error) {
	data, err := t.call(ctx, ActionDeviceInfo)
	if err != nil {
		return esphome.DeviceInfo{}, err
	}
	var info esphome.DeviceInfo
	if len(data) > 0 {
		if err := json.Unmarshal(data, &info); err != nil {
			return esphome.DeviceInfo{}, fmt.Errorf("decoding device info: %w", err)
		}
	}
	return info, nil
}

func (t *transport) ListEntities(ctx context.Context) ([]device.Discovered, error) {
	data, err := t.call(ctx, ActionListEntities)
	if err != nil {
		return nil, err
	}
	var payload []EntityPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("decoding entity list: %w", err)
		}
	}
	out := make([]device.Discovered, 0, len(payload))
	for _, p := range payload {
		out = append(out, p.Discovered())
	}
	return out, nil
}

func (t *transport) SubscribeStates(ctx context.Context) error {
	_, err := t.call(ctx, ActionSubscribeStates)
	return err
}

func (t *transport) SubscribeExternalStates(ctx context.Context) error {
	_, err := t.call(ctx, ActionSubscribeExternalStates)
	return err
}

func (t *transport) command(cmd CommandMessage) error {
	if !t.Connected() {
		return esphome.ErrNotConnected
	}
	cmd.Device = t.name
	return t.dialer.publishCommand(cmd)
}

func (t *transport) SwitchCommand(key uint32, on bool) error {
	return t.command(CommandMessage{Command: CommandSwitch, Key: key, State: &on})
}

func (t *transport) NumberCommand(key uint32, value float64) error {
	return t.command(CommandMessage{Command: CommandNumber, Key: key, Value: value})
}

func (t *transport) TextCommand(key uint32, value string) error {
	return t.command(CommandMessage{Command: CommandText, Key: key, Value: value})
}

func (t *transport) LightCommand(key uint32, cmd device.LightCommand) error {
	on := cmd.State
	return t.command(CommandMessage{
		Command:    CommandLight,
		Key:        key,
		State:      &on,
		Brightness: cmd.Brightness,
		RGB:        cmd.RGB,
	})
}

func (t *transport) CoverCommand(key uint32, cmd device.CoverCommand) error {
	return t.command(CommandMessage{Command: CommandCover, Key: key, Position: cmd.Position, Stop: cmd.Stop})
}

func (t *transport) SendExternalState(entityID, attribute, state string) error {
	return t.command(CommandMessage{
		Command:   CommandExternalState,
		EntityID:  entityID,
		Attribute: attribute,
		Value:     state,
	})
}

func (t *transport) Connected() bool {
	t.mu.Lock()
	ok := t.connected && !t.closed
	t.mu.Unlock()
	return ok && t.dialer.client.IsConnected()
}

// Close tells the gateway to drop the device connection without waiting
// for a reply, then releases the device topics.
func (t *transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	t.mu.Unlock()

	defer t.dialer.release(t)
	if !t.dialer.client.IsConnected() {
		return nil
	}
	payload, err := json.Marshal(RequestMessage{
		ID:        uuid.NewString(),
		Action:    ActionDisconnect,
		Device:    t.name,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return t.dialer.client.Publish(t.dialer.topics.GatewayRequest(t.dialer.protocol, t.name), payload, t.dialer.qos, false)
}

func (t *transport) handleState(payload []byte) error {
	if t.isClosed() || t.events.OnState == nil {
		return nil
	}
	var msg StateMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decoding state for %s: %w", t.name, err)
	}
	t.events.OnState(esphome.StateEvent{Key: msg.Key, Fields: msg.Fields})
	return nil
}

func (t *transport) handleEvent(payload []byte) error {
	if t.isClosed() {
		return nil
	}
	var msg EventMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decoding event for %s: %w", t.name, err)
	}
	switch msg.Type {
	case EventExternalStateSubscribe:
		if t.events.OnExternalStateSubscribe != nil && msg.EntityID != "" {
			t.events.OnExternalStateSubscribe(msg.EntityID, msg.Attribute)
		}
	case EventServiceCall:
		if t.events.OnServiceCall != nil && msg.Service != "" {
			t.events.OnServiceCall(esphome.ServiceCall{Service: msg.Service, Data: msg.Data, IsEvent: msg.IsEvent})
		}
	default:
		t.dialer.logger.Debug("unknown gateway event", "device", t.name, "type", msg.Type)
	}
	return nil
}

func (t *transport) handleHealth(payload []byte) error {
	var msg HealthMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decoding health for %s: %w", t.name, err)
	}
	if msg.Status != HealthDisconnected {
		return nil
	}

	reason := errors.New("gateway reported disconnect")
	if msg.Error != "" {
		reason = fmt.Errorf("gateway reported disconnect: %s", msg.Error)
	}
	if t.lost(reason) {
		t.dialer.logger.Warn("device dropped by gateway", "device", t.name, "error", reason)
	}
	return nil
}

// lost marks a live transport down and fires OnDisconnect once. It reports
// whether the transport was live.
func (t *transport) lost(reason error) bool {
	t.mu.Lock()
	wasUp := t.connected && !t.closed
	t.connected = false
	t.mu.Unlock()
	if !wasUp {
		return false
	}
	if t.events.OnDisconnect != nil {
		t.events.OnDisconnect(reason)
	}
	return true
}
