package esphome

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/nerrad567/gray-logic-esphome/internal/device"
	"github.com/nerrad567/gray-logic-esphome/internal/link"
)

// ConnectResult is what a successful Connect learned about the device.
type ConnectResult struct {
	Info     DeviceInfo
	Entities []device.Discovered
}

// SessionHandlers are the callbacks a session delivers. They are fixed at
// construction and invoked on the transport's goroutine; nil handlers are
// skipped.
type SessionHandlers struct {
	OnState                  func(key uint32, state device.State)
	OnDisconnect             func(err error)
	OnExternalStateSubscribe func(entityID, attribute string)
	OnServiceCall            func(call ServiceCall)
}

// Session wraps one device's authenticated connection.
//
// Each Connect dials a fresh transport and bumps a generation counter;
// events from an older transport are dropped. After Disconnect the session
// cannot be reconnected.
//
// Session implements device.Commander.
type Session struct {
	target   Target
	dialer   Dialer
	handlers SessionHandlers
	logger   Logger

	mu        sync.Mutex
	transport Transport
	gen       uint64
	types     map[uint32]device.EntityType
	closed    bool
}

// NewSession creates a disconnected session.
func NewSession(target Target, dialer Dialer, handlers SessionHandlers, logger Logger) *Session {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Session{
		target:   target,
		dialer:   dialer,
		handlers: handlers,
		logger:   logger,
		types:    make(map[uint32]device.EntityType),
	}
}

// Target returns the connection target.
func (s *Session) Target() Target {
	return s.target
}

// Connect performs the handshake, queries device info and enumerates
// entities. A device-info failure is tolerated; an enumeration failure
// fails the connect.
func (s *Session) Connect(ctx context.Context) (*ConnectResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	old := s.transport
	s.transport = nil
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	if old != nil {
		_ = old.Close() //nolint:errcheck // replaced transport
	}

	tr, err := s.dialer.Dial(ctx, s.target, s.eventsFor(gen))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s (%s): %w", s.target.Name, s.target.Address(), err)
	}

	info, err := tr.DeviceInfo(ctx)
	if err != nil {
		s.logger.Warn("device info unavailable", "device", s.target.Name, "error", err)
		info = DeviceInfo{}
	}

	entities, err := tr.ListEntities(ctx)
	if err != nil {
		_ = tr.Close() //nolint:errcheck // connect failed
		return nil, fmt.Errorf("listing entities on %s: %w", s.target.Name, err)
	}

	types := make(map[uint32]device.EntityType, len(entities))
	for _, e := range entities {
		types[e.Key] = e.Type
	}

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		_ = tr.Close() //nolint:errcheck // closed while connecting
		return nil, ErrSessionClosed
	case s.gen != gen:
		s.mu.Unlock()
		_ = tr.Close() //nolint:errcheck // superseded
		return nil, ErrSuperseded
	}
	s.transport = tr
	s.types = types
	s.mu.Unlock()

	return &ConnectResult{Info: info, Entities: entities}, nil
}

// Subscribe starts state and external-state pushes.
func (s *Session) Subscribe(ctx context.Context) error {
	tr := s.live()
	if tr == nil {
		return ErrNotConnected
	}
	if err := tr.SubscribeStates(ctx); err != nil {
		return fmt.Errorf("subscribing to states on %s: %w", s.target.Name, err)
	}
	if err := tr.SubscribeExternalStates(ctx); err != nil {
		return fmt.Errorf("subscribing to external states on %s: %w", s.target.Name, err)
	}
	return nil
}

// IsConnected reports whether the current transport is live.
func (s *Session) IsConnected() bool {
	return s.live() != nil
}

// Disconnect closes the session for good. Safe to call more than once.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	tr := s.transport
	s.transport = nil
	s.mu.Unlock()

	if tr != nil {
		if err := tr.Close(); err != nil {
			s.logger.Debug("closing transport", "device", s.target.Name, "error", err)
		}
	}
}

// live returns the transport if it is still connected.
func (s *Session) live() Transport {
	s.mu.Lock()
	tr := s.transport
	s.mu.Unlock()
	if tr == nil || !tr.Connected() {
		return nil
	}
	return tr
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.gen == gen
}

func (s *Session) entityType(key uint32) (device.EntityType, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.types[key]
	return t, ok
}

func (s *Session) eventsFor(gen uint64) TransportEvents {
	return TransportEvents{
		OnState: func(ev StateEvent) {
			if !s.current(gen) || s.handlers.OnState == nil {
				return
			}
			typ, _ := s.entityType(ev.Key)
			s.handlers.OnState(ev.Key, DecodeState(typ, ev.Fields))
		},
		OnDisconnect: func(err error) {
			if !s.current(gen) {
				return
			}
			s.mu.Lock()
			s.transport = nil
			s.mu.Unlock()
			if s.handlers.OnDisconnect != nil {
				s.handlers.OnDisconnect(err)
			}
		},
		OnExternalStateSubscribe: func(entityID, attribute string) {
			if s.current(gen) && s.handlers.OnExternalStateSubscribe != nil {
				s.handlers.OnExternalStateSubscribe(entityID, attribute)
			}
		},
		OnServiceCall: func(call ServiceCall) {
			if s.current(gen) && s.handlers.OnServiceCall != nil {
				s.handlers.OnServiceCall(call)
			}
		},
	}
}

// send runs fn against the live transport, logging instead of failing.
func (s *Session) send(what string, fn func(Transport) error) bool {
	tr := s.live()
	if tr == nil {
		s.logger.Warn("command dropped, not connected", "device", s.target.Name, "command", what)
		return false
	}
	if err := fn(tr); err != nil {
		s.logger.Warn("command failed", "device", s.target.Name, "command", what, "error", err)
		return false
	}
	return true
}

// SetSwitch turns a switch entity on or off.
func (s *Session) SetSwitch(key uint32, on bool) bool {
	return s.send("switch", func(tr Transport) error { return tr.SwitchCommand(key, on) })
}

// SetNumber sets a number entity.
func (s *Session) SetNumber(key uint32, value float64) bool {
	return s.send("number", func(tr Transport) error { return tr.NumberCommand(key, value) })
}

// SetText sets a text entity.
func (s *Session) SetText(key uint32, value string) bool {
	return s.send("text", func(tr Transport) error { return tr.TextCommand(key, value) })
}

// SetLight sends a light command.
func (s *Session) SetLight(key uint32, cmd device.LightCommand) bool {
	return s.send("light", func(tr Transport) error { return tr.LightCommand(key, cmd) })
}

// SetCover moves or stops a cover.
func (s *Session) SetCover(key uint32, cmd device.CoverCommand) bool {
	return s.send("cover", func(tr Transport) error { return tr.CoverCommand(key, cmd) })
}

// SendExternalState answers a device's subscription to automation state.
func (s *Session) SendExternalState(entityID, attribute, value string) bool {
	return s.send("external_state", func(tr Transport) error {
		return tr.SendExternalState(entityID, attribute, value)
	})
}

// generic dump fields that carry no state.
var droppedFields = map[string]struct{}{
	"key":           {},
	"device_id":     {},
	"missing_state": {},
}

// DecodeState turns a raw state push into entity state sub-fields.
//
// Scalar entity types yield {"state": v}, with NaN or a missing_state flag
// mapped to nil. Lights yield state, brightness in percent and rgb as hex.
// Other types keep every field except bookkeeping ones.
func DecodeState(typ device.EntityType, fields map[string]any) device.State {
	switch typ {
	case device.EntityTypeSensor, device.EntityTypeBinarySensor, device.EntityTypeSwitch,
		device.EntityTypeNumber, device.EntityTypeText, device.EntityTypeTextSensor:
		return device.State{device.FieldState: scalarState(fields)}

	case device.EntityTypeLight:
		st := device.State{device.FieldState: fields["state"]}
		if b, ok := fields["brightness"].(float64); ok && !math.IsNaN(b) {
			st[device.FieldBrightness] = b * 100
		}
		r, rok := fields["red"].(float64)
		g, gok := fields["green"].(float64)
		b, bok := fields["blue"].(float64)
		if rok && gok && bok {
			st[device.FieldRGB] = link.RGBFloatToHex([3]float64{r, g, b})
		}
		return st
	}

	st := make(device.State, len(fields))
	for k, v := range fields {
		if _, drop := droppedFields[k]; drop {
			continue
		}
		st[k] = v
	}
	return st
}

func scalarState(fields map[string]any) any {
	if missing, _ := fields["missing_state"].(bool); missing {
		return nil
	}
	v := fields["state"]
	if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return nil
	}
	return v
}
