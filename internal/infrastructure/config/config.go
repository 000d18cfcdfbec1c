package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the ESPHome hub.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	ESPHome   ESPHomeConfig   `yaml:"esphome"`
	Host      HostConfig      `yaml:"host"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP admin API settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains push channel settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings for sensor telemetry.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// ESPHomeConfig contains device session settings.
type ESPHomeConfig struct {
	// SourceName identifies this plugin to the host registry when writing
	// properties and calling methods.
	SourceName string `yaml:"source_name"`

	// ClientInfo is sent to devices during the handshake.
	ClientInfo string `yaml:"client_info"`

	// DefaultPort is used when a device is registered without a port.
	DefaultPort int `yaml:"default_port"`

	// QueueSize bounds the session worker's task queue.
	QueueSize int `yaml:"queue_size"`

	// Transport selects how devices are reached: "native" dials each
	// device's API port directly, "gateway" relays through an MQTT
	// protocol gateway.
	Transport string `yaml:"transport"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Native    NativeConfig    `yaml:"native"`
	Gateway   GatewayConfig   `yaml:"gateway"`
}

// Device transports.
const (
	TransportNative  = "native"
	TransportGateway = "gateway"
)

// ReconnectConfig controls the per-device reconnect backoff.
type ReconnectConfig struct {
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`

	// MaxAttempts is the consecutive failure ceiling. 0 means unlimited.
	MaxAttempts int `yaml:"max_attempts"`

	// JitterRatio is the upper bound of the random delay added to each
	// retry, as a fraction of the computed delay.
	JitterRatio float64 `yaml:"jitter_ratio"`
}

// DiscoveryConfig contains mDNS discovery settings.
type DiscoveryConfig struct {
	Service string        `yaml:"service"`
	Domain  string        `yaml:"domain"`
	Timeout time.Duration `yaml:"timeout"`
}

// NativeConfig contains settings for the direct native API transport.
type NativeConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// KeepAlive is the ping interval. Negative disables pings.
	KeepAlive time.Duration `yaml:"keepalive"`
}

// GatewayConfig contains settings for the MQTT protocol gateway transport.
type GatewayConfig struct {
	// Protocol is the topic segment used for gateway topics ("esphome").
	Protocol       string        `yaml:"protocol"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	QoS            int           `yaml:"qos"`
}

// HostConfig contains host object registry settings.
type HostConfig struct {
	// ObjectsFile is an optional YAML file declaring host objects.
	ObjectsFile string `yaml:"objects_file"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_DATABASE_PATH, GRAYLOGIC_API_PORT
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "./data/esphome.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-esphome",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		ESPHome: ESPHomeConfig{
			SourceName:  "esphome",
			ClientInfo:  "graylogic-esphome",
			DefaultPort: 6053,
			QueueSize:   256,
			Transport:   TransportNative,
			Reconnect: ReconnectConfig{
				BaseDelay:   5 * time.Second,
				MaxDelay:    300 * time.Second,
				MaxAttempts: 10,
				JitterRatio: 0.1,
			},
			Discovery: DiscoveryConfig{
				Service: "_esphomelib._tcp",
				Domain:  "local.",
				Timeout: 5 * time.Second,
			},
			Native: NativeConfig{
				RequestTimeout: 10 * time.Second,
				KeepAlive:      20 * time.Second,
			},
			Gateway: GatewayConfig{
				Protocol:       "esphome",
				RequestTimeout: 10 * time.Second,
				QoS:            1,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GRAYLOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("GRAYLOGIC_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("GRAYLOGIC_ESPHOME_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ESPHome.Reconnect.MaxAttempts = n
		}
	}
	if v := os.Getenv("GRAYLOGIC_ESPHOME_TRANSPORT"); v != "" {
		cfg.ESPHome.Transport = v
	}
	if v := os.Getenv("GRAYLOGIC_HOST_OBJECTS_FILE"); v != "" {
		cfg.Host.ObjectsFile = v
	}
}

// Validate checks the configuration for errors.
// All problems are collected and reported together.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	errs = append(errs, c.ESPHome.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (e ESPHomeConfig) validate() []string {
	var errs []string

	if e.SourceName == "" {
		errs = append(errs, "esphome.source_name is required")
	}
	if e.DefaultPort < 1 || e.DefaultPort > 65535 {
		errs = append(errs, "esphome.default_port must be between 1 and 65535")
	}
	if e.QueueSize < 1 {
		errs = append(errs, "esphome.queue_size must be positive")
	}

	r := e.Reconnect
	if r.BaseDelay <= 0 {
		errs = append(errs, "esphome.reconnect.base_delay must be positive")
	}
	if r.MaxDelay < r.BaseDelay {
		errs = append(errs, "esphome.reconnect.max_delay must not be less than base_delay")
	}
	if r.MaxAttempts < 0 {
		errs = append(errs, "esphome.reconnect.max_attempts must not be negative")
	}
	if r.JitterRatio < 0 || r.JitterRatio > 1 {
		errs = append(errs, "esphome.reconnect.jitter_ratio must be between 0 and 1")
	}

	if e.Discovery.Timeout <= 0 {
		errs = append(errs, "esphome.discovery.timeout must be positive")
	}
	switch e.Transport {
	case TransportNative:
		if e.Native.RequestTimeout <= 0 {
			errs = append(errs, "esphome.native.request_timeout must be positive")
		}
	case TransportGateway:
	default:
		errs = append(errs, "esphome.transport must be native or gateway")
	}
	if e.Gateway.Protocol == "" {
		errs = append(errs, "esphome.gateway.protocol is required")
	}
	if e.Gateway.RequestTimeout <= 0 {
		errs = append(errs, "esphome.gateway.request_timeout must be positive")
	}
	if e.Gateway.QoS < 0 || e.Gateway.QoS > 2 {
		errs = append(errs, "esphome.gateway.qos must be 0, 1, or 2")
	}

	return errs
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
