package esphome

import (
	"math/rand"
	"time"

	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/config"
)

// Reconnect defaults.
const (
	DefaultBaseDelay   = 5 * time.Second
	DefaultMaxDelay    = 300 * time.Second
	DefaultMaxAttempts = 10
)

// BackoffConfig controls reconnect timing.
type BackoffConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxAttempts is the consecutive failure ceiling; 0 is unlimited.
	MaxAttempts int
	// JitterRatio adds up to this fraction of the delay at random.
	JitterRatio float64
}

// BackoffFromConfig maps the esphome.reconnect config section.
func BackoffFromConfig(c config.ReconnectConfig) BackoffConfig {
	return BackoffConfig{
		BaseDelay:   c.BaseDelay,
		MaxDelay:    c.MaxDelay,
		MaxAttempts: c.MaxAttempts,
		JitterRatio: c.JitterRatio,
	}
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.JitterRatio < 0 {
		c.JitterRatio = 0
	}
	return c
}

// BackoffDelay returns min(base * 2^failures, max) for a zero-based failure
// count.
func BackoffDelay(cfg BackoffConfig, failures int) time.Duration {
	cfg = cfg.withDefaults()
	delay := cfg.BaseDelay
	for range max(failures, 0) {
		if delay >= cfg.MaxDelay/2 {
			return cfg.MaxDelay
		}
		delay *= 2
	}
	return min(delay, cfg.MaxDelay)
}

// NextDelay is BackoffDelay plus a random jitter in [0, JitterRatio*delay).
// A nil rng disables jitter.
func NextDelay(cfg BackoffConfig, failures int, rng *rand.Rand) time.Duration {
	cfg = cfg.withDefaults()
	delay := BackoffDelay(cfg, failures)
	if rng == nil || cfg.JitterRatio == 0 {
		return delay
	}
	return delay + time.Duration(rng.Float64()*cfg.JitterRatio*float64(delay))
}
