package esphome

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-esphome/internal/device"
)

// ConnectionState is a supervisor's lifecycle state.
type ConnectionState int

// Connection states.
const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	// StateStopped is terminal: Stop was called or the attempt ceiling
	// was passed.
	StateStopped
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	default:
		return "disconnected"
	}
}

// MarshalText renders the state name in JSON.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *ConnectionState) UnmarshalText(b []byte) error {
	for _, st := range []ConnectionState{StateDisconnected, StateConnecting, StateConnected, StateStopped} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", b)
}

// defaultConnectTimeout bounds one connect-and-subscribe attempt.
const defaultConnectTimeout = 30 * time.Second

// SupervisorHandlers receive supervisor events. Each carries the supervisor
// so receivers can ignore events from one they have replaced.
//
// OnConnected runs on the attempt's goroutine after the handshake and
// before states are subscribed. The attempt waits for it, so entity keys
// are reconciled before the first state push; a non-nil error fails the
// attempt and schedules a retry.
type SupervisorHandlers struct {
	OnStatus                 func(s *Supervisor, state ConnectionState, err error)
	OnConnected              func(ctx context.Context, s *Supervisor, res *ConnectResult) error
	OnState                  func(s *Supervisor, key uint32, state device.State)
	OnExternalStateSubscribe func(s *Supervisor, entityID, attribute string)
	OnServiceCall            func(s *Supervisor, call ServiceCall)
}

// SupervisorOptions configures a Supervisor.
type SupervisorOptions struct {
	Device         device.Device
	ClientInfo     string
	Dialer         Dialer
	Backoff        BackoffConfig
	ConnectTimeout time.Duration
	Handlers       SupervisorHandlers
	Logger         Logger
}

// Supervisor keeps one device connected.
//
// Connect attempts run on the supervisor's own goroutine. Failures and
// disconnects schedule a retry with exponential backoff; every successful
// connect resets the failure count and re-subscribes. Passing
// Backoff.MaxAttempts consecutive failures moves to StateStopped.
//
// Thread Safety: all methods are safe for concurrent use.
type Supervisor struct {
	dev      device.Device
	session  *Session
	backoff  BackoffConfig
	timeout  time.Duration
	handlers SupervisorHandlers
	logger   Logger

	mu       sync.Mutex
	state    ConnectionState
	failures int
	started  bool
	stopped  bool
	lastErr  error
	timer    *time.Timer
	cancel   context.CancelFunc
	rng      *rand.Rand
	attempts uint64
}

// NewSupervisor creates a supervisor in StateDisconnected. Call Start.
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	s := &Supervisor{
		dev:      opts.Device,
		backoff:  opts.Backoff.withDefaults(),
		timeout:  opts.ConnectTimeout,
		handlers: opts.Handlers,
		logger:   opts.Logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // jitter only
	}
	s.session = NewSession(TargetFor(&opts.Device, opts.ClientInfo), opts.Dialer, SessionHandlers{
		OnState: func(key uint32, st device.State) {
			if h := s.handlers.OnState; h != nil {
				h(s, key, st)
			}
		},
		OnDisconnect: s.handleDisconnect,
		OnExternalStateSubscribe: func(entityID, attribute string) {
			if h := s.handlers.OnExternalStateSubscribe; h != nil {
				h(s, entityID, attribute)
			}
		},
		OnServiceCall: func(call ServiceCall) {
			if h := s.handlers.OnServiceCall; h != nil {
				h(s, call)
			}
		},
	}, opts.Logger)
	return s
}

// Name returns the supervised device's name.
func (s *Supervisor) Name() string {
	return s.dev.Name
}

// Device returns a copy of the device the supervisor was created for.
func (s *Supervisor) Device() device.Device {
	return s.dev
}

// Session returns the supervised session.
func (s *Supervisor) Session() *Session {
	return s.session
}

// State returns the current connection state.
func (s *Supervisor) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status is a point-in-time snapshot of a supervisor.
type Status struct {
	State    ConnectionState `json:"state"`
	Failures int             `json:"failures"`
	Attempts uint64          `json:"attempts"`
	LastErr  string          `json:"last_error,omitempty"`
}

// Status returns a snapshot.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state, Failures: s.failures, Attempts: s.attempts}
	if s.lastErr != nil {
		st.LastErr = s.lastErr.Error()
	}
	return st
}

// Connected reports whether the session is live.
func (s *Supervisor) Connected() bool {
	return s.State() == StateConnected && s.session.IsConnected()
}

// Start begins connecting. It returns immediately.
func (s *Supervisor) Start() {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.attempt()
}

// Stop cancels any pending retry or in-flight attempt and closes the
// session. No callbacks are delivered after Stop returns except ones
// already running.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.state = StateStopped
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.session.Disconnect()
}

func (s *Supervisor) attempt() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	s.cancel = cancel
	s.state = StateConnecting
	s.attempts++
	n := s.attempts
	s.mu.Unlock()
	defer cancel()

	s.notifyStatus(StateConnecting, nil)
	s.logger.Debug("connecting", "device", s.dev.Name, "attempt", n)

	res, err := s.session.Connect(ctx)
	if err == nil {
		err = s.prepare(ctx, res)
	}
	if err == nil {
		err = s.session.Subscribe(ctx)
	}

	s.mu.Lock()
	s.cancel = nil
	if s.stopped {
		s.mu.Unlock()
		return
	}
	// A drop during the handshake arrives while still connecting and is
	// not handled by handleDisconnect. A disconnect after this check
	// blocks on s.mu and sees StateConnected.
	if err == nil && !s.session.IsConnected() {
		err = ErrConnectionLost
	}
	if err != nil {
		state, retryIn := s.failLocked(err)
		s.mu.Unlock()
		s.reportFailure(state, retryIn, err)
		return
	}
	s.failures = 0
	s.lastErr = nil
	s.state = StateConnected
	s.mu.Unlock()

	s.logger.Info("device connected", "device", s.dev.Name, "entities", len(res.Entities))
	s.notifyStatus(StateConnected, nil)
}

func (s *Supervisor) prepare(ctx context.Context, res *ConnectResult) error {
	h := s.handlers.OnConnected
	if h == nil {
		return nil
	}
	if err := h(ctx, s, res); err != nil {
		return fmt.Errorf("preparing %s: %w", s.dev.Name, err)
	}
	return nil
}

func (s *Supervisor) handleDisconnect(err error) {
	if err == nil {
		err = errors.New("connection closed")
	}
	s.mu.Lock()
	if s.stopped || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	state, retryIn := s.failLocked(err)
	s.mu.Unlock()

	s.logger.Warn("device disconnected", "device", s.dev.Name, "error", err)
	s.reportFailure(state, retryIn, err)
}

// failLocked records a failure and schedules the next attempt, or stops
// when the ceiling is passed. Caller holds s.mu.
func (s *Supervisor) failLocked(err error) (ConnectionState, time.Duration) {
	s.failures++
	s.lastErr = err
	if s.backoff.MaxAttempts > 0 && s.failures > s.backoff.MaxAttempts {
		s.state = StateStopped
		s.stopped = true
		return StateStopped, 0
	}
	delay := NextDelay(s.backoff, s.failures-1, s.rng)
	s.state = StateDisconnected
	s.timer = time.AfterFunc(delay, s.retry)
	return StateDisconnected, delay
}

func (s *Supervisor) reportFailure(state ConnectionState, retryIn time.Duration, err error) {
	if state == StateStopped {
		s.logger.Error("giving up on device, marking offline",
			"device", s.dev.Name, "failures", s.backoff.MaxAttempts+1, "error", err)
		s.session.Disconnect()
	} else {
		s.logger.Warn("connect failed, retrying",
			"device", s.dev.Name, "retry_in", retryIn.String(), "error", err)
	}
	s.notifyStatus(state, err)
}

func (s *Supervisor) retry() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()
	s.attempt()
}

func (s *Supervisor) notifyStatus(state ConnectionState, err error) {
	if h := s.handlers.OnStatus; h != nil {
		h(s, state, err)
	}
}
