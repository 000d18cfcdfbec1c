package native

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/nerrad567/gray-logic-esphome/internal/esphome"
	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/config"
)

// Defaults.
const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultKeepAlive      = 20 * time.Second
)

// Logger is the logging interface used by the native transport.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Dialer opens plaintext native API connections straight to devices. It
// implements esphome.Dialer.
type Dialer struct {
	timeout   time.Duration
	keepAlive time.Duration
	logger    Logger
	dial      func(ctx context.Context, network, address string) (net.Conn, error)
}

var _ esphome.Dialer = (*Dialer)(nil)

// NewDialer creates a dialer. A zero keepalive uses the default; a
// negative one disables pings.
func NewDialer(cfg config.NativeConfig, logger Logger) *Dialer {
	if logger == nil {
		logger = noopLogger{}
	}
	d := &Dialer{
		timeout:   cfg.RequestTimeout,
		keepAlive: cfg.KeepAlive,
		logger:    logger,
		dial:      (&net.Dialer{}).DialContext,
	}
	if d.timeout <= 0 {
		d.timeout = DefaultRequestTimeout
	}
	if d.keepAlive == 0 {
		d.keepAlive = DefaultKeepAlive
	}
	return d
}

// Dial connects to target and completes the hello and password exchange.
func (d *Dialer) Dial(ctx context.Context, target esphome.Target, events esphome.TransportEvents) (esphome.Transport, error) {
	nc, err := d.dial(ctx, "tcp", target.Address())
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", target.Address(), err)
	}

	c := newConn(target.Name, nc, events, d.timeout, d.keepAlive, d.logger)
	c.start()
	if err := c.handshake(ctx, target.ClientInfo, target.Password); err != nil {
		_ = c.Close() //nolint:errcheck // handshake failed
		return nil, fmt.Errorf("native api handshake with %s: %w", target.Name, err)
	}
	return c, nil
}
