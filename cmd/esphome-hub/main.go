// Gray Logic ESPHome Hub
//
// This is the main entry point for the ESPHome hub. The hub keeps one
// session per registered ESPHome device, mirrors entity state into the
// host object registry and relays linked host properties back to the
// devices.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/nerrad567/gray-logic-esphome/migrations"

	"github.com/nerrad567/gray-logic-esphome/internal/api"
	"github.com/nerrad567/gray-logic-esphome/internal/audit"
	"github.com/nerrad567/gray-logic-esphome/internal/device"
	"github.com/nerrad567/gray-logic-esphome/internal/discovery"
	"github.com/nerrad567/gray-logic-esphome/internal/esphome"
	"github.com/nerrad567/gray-logic-esphome/internal/esphome/gateway"
	"github.com/nerrad567/gray-logic-esphome/internal/esphome/native"
	"github.com/nerrad567/gray-logic-esphome/internal/host"
	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-esphome/internal/link"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
//
// Returns nil on clean shutdown, or the first startup failure.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting ESPHome hub",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	store := device.NewSQLiteRepository(db.DB)

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	registry, err := loadHostObjects(cfg.Host, log)
	if err != nil {
		return err
	}

	// Telemetry stays a nil interface when InfluxDB is disabled.
	var influxClient *influxdb.Client
	var telemetry link.Telemetry
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		telemetry = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	hub := api.NewHub(cfg.WebSocket, log)
	mirror := host.NewMirror(registry, mqttClient, byte(cfg.MQTT.QoS), log)
	notifier := link.Notifiers{hub, mirror}

	resolver, err := link.NewResolver(link.Options{
		Store:     store,
		Host:      registry,
		Notifier:  notifier,
		Telemetry: telemetry,
		Source:    cfg.ESPHome.SourceName,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("creating link resolver: %w", err)
	}

	dialer, err := newDeviceDialer(cfg.ESPHome, mqttClient, log)
	if err != nil {
		return err
	}

	manager, err := esphome.NewManager(esphome.ManagerOptions{
		Store:      store,
		Resolver:   resolver,
		Dialer:     dialer,
		Notifier:   notifier,
		Backoff:    esphome.BackoffFromConfig(cfg.ESPHome.Reconnect),
		ClientInfo: cfg.ESPHome.ClientInfo,
		QueueSize:  cfg.ESPHome.QueueSize,
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}
	registry.SetLinkListener(resolver.Source(), manager.ChangeLinkedProperty)

	if startErr := mirror.Start(); startErr != nil {
		return fmt.Errorf("starting host mirror: %w", startErr)
	}
	defer func() {
		log.Info("stopping host mirror")
		if stopErr := mirror.Stop(); stopErr != nil {
			log.Error("error stopping host mirror", "error", stopErr)
		}
	}()

	if startErr := manager.Start(ctx); startErr != nil {
		return fmt.Errorf("starting session manager: %w", startErr)
	}
	defer func() {
		log.Info("stopping session manager")
		manager.Stop()
	}()
	log.Info("session manager started")

	var scanner api.Scanner
	if s, scanErr := discovery.NewScanner(cfg.ESPHome.Discovery, log); scanErr != nil {
		log.Warn("mDNS discovery unavailable", "error", scanErr)
	} else {
		scanner = s
	}

	server, err := api.New(api.Deps{
		Config:  cfg.API,
		WS:      cfg.WebSocket,
		Logger:  log,
		Store:   store,
		Manager: manager,
		Scanner: scanner,
		Host:    registry,
		MQTT:    mqttClient,
		DB:      db.DB,
		Hub:     hub,
		Audit:   audit.NewSQLiteLog(db.DB),
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()
	log.Info("API server started", "address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port))

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse: API, manager, mirror, InfluxDB, MQTT,
	// database.
	return nil
}

// newDeviceDialer builds the configured device transport. The gateway
// dialer also hears about broker drops, since the gateway cannot report
// them itself.
func newDeviceDialer(cfg config.ESPHomeConfig, mqttClient *mqtt.Client, log *logging.Logger) (esphome.Dialer, error) {
	onBrokerLoss := func(err error) { log.Warn("MQTT disconnected", "error", err) }
	defer func() { mqttClient.SetOnDisconnect(onBrokerLoss) }()

	if cfg.Transport != config.TransportGateway {
		log.Info("using native API transport")
		return native.NewDialer(cfg.Native, log), nil
	}

	dialer := gateway.NewDialer(mqttClient, cfg.Gateway, log)
	if err := dialer.Start(); err != nil {
		return nil, fmt.Errorf("starting gateway dialer: %w", err)
	}
	onBrokerLoss = func(err error) {
		log.Warn("MQTT disconnected", "error", err)
		dialer.HandleBrokerDisconnect(err)
	}
	log.Info("using MQTT gateway transport", "protocol", cfg.Gateway.Protocol)
	return dialer, nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadHostObjects builds the host registry and loads the optional objects
// file into it.
func loadHostObjects(cfg config.HostConfig, log *logging.Logger) (*host.Registry, error) {
	registry := host.NewRegistry(log)
	if cfg.ObjectsFile == "" {
		return registry, nil
	}
	defs, err := host.LoadObjectsFile(cfg.ObjectsFile)
	if err != nil {
		return nil, fmt.Errorf("loading host objects: %w", err)
	}
	if err := registry.Load(defs); err != nil {
		return nil, fmt.Errorf("defining host objects: %w", err)
	}
	log.Info("host objects loaded", "path", cfg.ObjectsFile, "objects", len(defs))
	return registry, nil
}

// healthCheck verifies all infrastructure connections are healthy.
// influxClient may be nil when InfluxDB is disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
