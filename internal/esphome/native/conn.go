package native

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-esphome/internal/device"
	"github.com/nerrad567/gray-logic-esphome/internal/esphome"
)

// conn is one plaintext native API connection. A read goroutine answers
// pings and time requests, hands replies to the request in flight and
// delivers everything else as transport events.
type conn struct {
	name      string
	nc        net.Conn
	events    esphome.TransportEvents
	timeout   time.Duration
	keepAlive time.Duration
	logger    Logger

	writeMu sync.Mutex
	// reqMu allows one request in flight; replies are matched by type.
	reqMu sync.Mutex

	mu        sync.Mutex
	waiter    *waiter
	connected bool
	closed    bool
	err       error

	lastRead atomic.Int64
	stopOnce sync.Once
	done     chan struct{}
}

type waiter struct {
	want   func(typ uint32) bool
	frames chan frame
	gone   chan struct{}
}

var _ esphome.Transport = (*conn)(nil)

func newConn(name string, nc net.Conn, events esphome.TransportEvents, timeout, keepAlive time.Duration, logger Logger) *conn {
	c := &conn{
		name:      name,
		nc:        nc,
		events:    events,
		timeout:   timeout,
		keepAlive: keepAlive,
		logger:    logger,
		done:      make(chan struct{}),
	}
	c.lastRead.Store(time.Now().UnixNano())
	return c
}

func (c *conn) start() {
	go c.readLoop(bufio.NewReader(c.nc))
}

// handshake sends the hello and the password and marks the connection live.
func (c *conn) handshake(ctx context.Context, clientInfo, password string) error {
	hello, err := c.request(ctx, msgHelloRequest, helloRequest(clientInfo), msgHelloResponse)
	if err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	if major := hello.varint(1); major != apiVersionMajor {
		return fmt.Errorf("%w: unsupported api version %d.%d", ErrProtocol, major, hello.varint(2))
	}

	resp, err := c.request(ctx, msgConnectRequest, connectRequest(password), msgConnectResponse)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if resp.boolean(1) {
		return ErrInvalidPassword
	}

	c.mu.Lock()
	c.connected = !c.closed
	c.mu.Unlock()
	if c.keepAlive > 0 {
		go c.keepAliveLoop()
	}
	c.logger.Debug("native api session open", "device", c.name, "server", hello.str(3))
	return nil
}

func (c *conn) readLoop(r *bufio.Reader) {
	for {
		f, err := readFrame(r)
		if err != nil {
			c.fail(err)
			return
		}
		c.lastRead.Store(time.Now().UnixNano())
		c.dispatch(f)
	}
}

func (c *conn) dispatch(f frame) {
	c.mu.Lock()
	w := c.waiter
	c.mu.Unlock()
	if w != nil && w.want(f.typ) {
		select {
		case w.frames <- f:
		case <-w.gone:
		case <-c.done:
		}
		return
	}

	switch f.typ {
	case msgPingRequest:
		c.reply(msgPingResponse, nil)
		return
	case msgPingResponse:
		return
	case msgGetTimeRequest:
		c.reply(msgGetTimeResponse, (&encoder{}).fixed32(1, uint32(time.Now().Unix())).b) //nolint:gosec // epoch seconds fit until 2106
		return
	case msgDisconnectRequest:
		c.reply(msgDisconnectReply, nil)
		c.fail(ErrDeviceDisconnected)
		return
	}

	msg, err := parseFields(f.payload)
	if err != nil {
		c.logger.Warn("dropping malformed message", "device", c.name, "type", f.typ, "error", err)
		return
	}
	switch f.typ {
	case msgSubscribeHAState:
		if c.events.OnExternalStateSubscribe != nil && msg.str(1) != "" {
			c.events.OnExternalStateSubscribe(msg.str(1), msg.str(2))
		}
	case msgServiceCall:
		call, err := decodeServiceCall(msg)
		if err != nil {
			c.logger.Warn("dropping malformed service call", "device", c.name, "error", err)
			return
		}
		if c.events.OnServiceCall != nil && call.Service != "" {
			c.events.OnServiceCall(call)
		}
	default:
		ev, ok := decodeState(f.typ, msg)
		if !ok {
			c.logger.Debug("unhandled native api message", "device", c.name, "type", f.typ)
			return
		}
		if c.events.OnState != nil {
			c.events.OnState(ev)
		}
	}
}

// request writes one message and waits for a reply of type want.
func (c *conn) request(ctx context.Context, typ uint32, payload []byte, want uint32) (fields, error) {
	var out fields
	err := c.exchange(ctx, typ, payload, func(t uint32) bool { return t == want }, func(f frame) (bool, error) {
		msg, err := parseFields(f.payload)
		out = msg
		return true, err
	})
	return out, err
}

// exchange writes one message and feeds matching replies to collect until
// it reports done.
func (c *conn) exchange(ctx context.Context, typ uint32, payload []byte, want func(uint32) bool, collect func(frame) (bool, error)) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	w := &waiter{want: want, frames: make(chan frame), gone: make(chan struct{})}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.waiter = w
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.waiter = nil
		c.mu.Unlock()
		close(w.gone)
	}()

	if err := c.write(typ, payload); err != nil {
		return err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	for {
		select {
		case f := <-w.frames:
			done, err := collect(f)
			if err != nil || done {
				return err
			}
		case <-timer.C:
			return fmt.Errorf("%w: message %d after %v", ErrRequestTimeout, typ, c.timeout)
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return c.closeErr()
		}
	}
}

// closeErr returns why the connection ended.
func (c *conn) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

func (c *conn) write(typ uint32, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	//nolint:errcheck // a failed deadline surfaces as a write error
	c.nc.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := c.nc.Write(appendFrame(nil, typ, payload)); err != nil {
		return fmt.Errorf("writing message %d: %w", typ, err)
	}
	return nil
}

// reply answers a device request from the read goroutine.
func (c *conn) reply(typ uint32, payload []byte) {
	if err := c.write(typ, payload); err != nil {
		c.logger.Debug("native api reply failed", "device", c.name, "type", typ, "error", err)
	}
}

func (c *conn) keepAliveLoop() {
	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			idle := time.Since(time.Unix(0, c.lastRead.Load()))
			if idle > 2*c.keepAlive {
				c.fail(fmt.Errorf("%w: silent for %v", ErrKeepaliveTimeout, idle.Round(time.Second)))
				return
			}
			if err := c.write(msgPingRequest, nil); err != nil {
				c.fail(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// fail closes the connection and reports the drop if it was live.
func (c *conn) fail(err error) {
	c.mu.Lock()
	wasUp := c.connected && !c.closed
	if !c.closed {
		c.err = err
	}
	c.connected = false
	c.closed = true
	c.mu.Unlock()
	c.shutdown()

	if wasUp {
		c.logger.Warn("native api connection lost", "device", c.name, "error", err)
		if c.events.OnDisconnect != nil {
			c.events.OnDisconnect(err)
		}
	}
}

func (c *conn) shutdown() {
	c.stopOnce.Do(func() {
		close(c.done)
		_ = c.nc.Close() //nolint:errcheck // connection is going away
	})
}

func (c *conn) DeviceInfo(ctx context.Context) (esphome.DeviceInfo, error) {
	msg, err := c.request(ctx, msgDeviceInfoRequest, nil, msgDeviceInfoReply)
	if err != nil {
		return esphome.DeviceInfo{}, err
	}
	return decodeDeviceInfo(msg), nil
}

func (c *conn) ListEntities(ctx context.Context) ([]device.Discovered, error) {
	var out []device.Discovered
	err := c.exchange(ctx, msgListEntities, nil, isListReply, func(f frame) (bool, error) {
		if f.typ == msgListEntitiesDone {
			return true, nil
		}
		msg, err := parseFields(f.payload)
		if err != nil {
			return false, err
		}
		if d, ok := decodeEntity(f.typ, msg); ok {
			out = append(out, d)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *conn) SubscribeStates(context.Context) error {
	return c.write(msgSubscribeStates, nil)
}

func (c *conn) SubscribeExternalStates(context.Context) error {
	if err := c.write(msgSubscribeHAStates, nil); err != nil {
		return err
	}
	return c.write(msgSubscribeServices, nil)
}

func (c *conn) command(typ uint32, payload []byte) error {
	if !c.Connected() {
		return esphome.ErrNotConnected
	}
	return c.write(typ, payload)
}

func (c *conn) SwitchCommand(key uint32, on bool) error {
	return c.command(msgSwitchCommand, switchCommand(key, on))
}

func (c *conn) NumberCommand(key uint32, value float64) error {
	return c.command(msgNumberCommand, numberCommand(key, value))
}

func (c *conn) TextCommand(key uint32, value string) error {
	return c.command(msgTextCommand, textCommand(key, value))
}

func (c *conn) LightCommand(key uint32, cmd device.LightCommand) error {
	return c.command(msgLightCommand, lightCommand(key, cmd))
}

func (c *conn) CoverCommand(key uint32, cmd device.CoverCommand) error {
	return c.command(msgCoverCommand, coverCommand(key, cmd))
}

func (c *conn) SendExternalState(entityID, attribute, state string) error {
	return c.command(msgHomeAssistantStateReply, homeAssistantState(entityID, attribute, state))
}

func (c *conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.closed
}

// Close says goodbye without waiting for the reply. Safe to call more than
// once; it never fires OnDisconnect.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	wasUp := c.connected
	c.connected = false
	c.closed = true
	c.mu.Unlock()

	if wasUp {
		if err := c.write(msgDisconnectRequest, nil); err != nil {
			c.logger.Debug("native api goodbye failed", "device", c.name, "error", err)
		}
	}
	c.shutdown()
	return nil
}
