package host

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeObjects(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "objects.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadObjectsFile(t *testing.T) {
	path := writeObjects(t, `
objects:
  - name: Porch
    properties:
      Light: false
      Brightness: 40
      LastRing: ""
    methods:
      Doorbell:
        set: Porch.LastRing
      Chime:
        log: true
`)
	defs, err := LoadObjectsFile(path)
	if err != nil {
		t.Fatalf("LoadObjectsFile() error = %v", err)
	}
	if len(defs) != 1 || defs[0].Name != "Porch" || len(defs[0].Methods) != 2 {
		t.Fatalf("defs = %+v", defs)
	}

	r := NewRegistry(nil)
	if err := r.Load(defs); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// YAML integers are stored as float64.
	if v, _ := r.GetProperty("Porch", "Brightness"); v != 40.0 {
		t.Errorf("Brightness = %#v, want 40.0", v)
	}

	done := make(chan struct{})
	r.Observe(func(c Change) {
		if c.Property == "LastRing" {
			close(done)
		}
	})
	r.CallMethodAsync("Porch", "Doorbell", map[string]any{"value": "now"}, "esphome")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("set method did not write")
	}
	if v, _ := r.GetProperty("Porch", "LastRing"); v != "now" {
		t.Errorf("LastRing = %v", v)
	}
}

func TestLoadObjectsFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"duplicate object", "objects:\n  - name: A\n  - name: A\n"},
		{"method without action", "objects:\n  - name: A\n    methods:\n      Go: {}\n"},
		{"bad set target", "objects:\n  - name: A\n    methods:\n      Go:\n        set: nodot\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadObjectsFile(writeObjects(t, tt.content))
			if !errors.Is(err, ErrInvalidDefinition) {
				t.Errorf("error = %v, want ErrInvalidDefinition", err)
			}
		})
	}

	if _, err := LoadObjectsFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file: expected error")
	}
	if _, err := LoadObjectsFile(writeObjects(t, "objects: [")); err == nil {
		t.Error("invalid YAML: expected error")
	}
}
