package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/logging"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("GRAYLOGIC_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MissingDatabasePath verifies run fails validation without a
// database path.
func TestRun_MissingDatabasePath(t *testing.T) {
	t.Setenv("GRAYLOGIC_CONFIG", writeConfig(t, `
database:
  path: ""

mqtt:
  broker:
    host: "127.0.0.1"
    port: 1883
    client_id: "esphome-hub-test"

influxdb:
  enabled: false

logging:
  level: info
  format: text
`))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with empty database path")
	}
}

// TestRun_BrokerUnavailable verifies run gives up when MQTT is unreachable.
func TestRun_BrokerUnavailable(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	t.Setenv("GRAYLOGIC_CONFIG", writeConfig(t, `
database:
  path: "`+dbPath+`"
  wal_mode: true
  busy_timeout: 5

mqtt:
  broker:
    host: "127.0.0.1"
    port: 19999
    client_id: "esphome-hub-test"
  reconnect:
    initial_delay: 1
    max_delay: 5

logging:
  level: error
  format: text
`))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Log("run() completed without error (context cancelled before connect failed)")
	} else {
		t.Logf("run() returned error (expected): %v", err)
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		t.Setenv("GRAYLOGIC_CONFIG", "")
		if got := getConfigPath(); got != defaultConfigPath {
			t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
		}
	})
	t.Run("env override", func(t *testing.T) {
		want := "/custom/path/config.yaml"
		t.Setenv("GRAYLOGIC_CONFIG", want)
		if got := getConfigPath(); got != want {
			t.Errorf("getConfigPath() = %q, want %q", got, want)
		}
	})
}

func TestLoadHostObjects(t *testing.T) {
	log := logging.Default()

	t.Run("no file", func(t *testing.T) {
		registry, err := loadHostObjects(config.HostConfig{}, log)
		if err != nil {
			t.Fatalf("loadHostObjects() error = %v", err)
		}
		if got := len(registry.Snapshot()); got != 0 {
			t.Errorf("objects = %d, want 0", got)
		}
	})

	t.Run("objects file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "objects.yaml")
		content := `
objects:
  - name: Porch
    properties:
      Light: false
      Temperature: 0
`
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		registry, err := loadHostObjects(config.HostConfig{ObjectsFile: path}, log)
		if err != nil {
			t.Fatalf("loadHostObjects() error = %v", err)
		}
		if v, ok := registry.GetProperty("Porch", "Light"); !ok || v != false {
			t.Errorf("Porch.Light = %v, %v", v, ok)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := loadHostObjects(config.HostConfig{ObjectsFile: "/nonexistent/objects.yaml"}, log)
		if err == nil {
			t.Fatal("expected error for missing objects file")
		}
	})
}
