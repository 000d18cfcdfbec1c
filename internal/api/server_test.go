package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-esphome/internal/audit"
	"github.com/nerrad567/gray-logic-esphome/internal/device"
	"github.com/nerrad567/gray-logic-esphome/internal/discovery"
	"github.com/nerrad567/gray-logic-esphome/internal/esphome"
	"github.com/nerrad567/gray-logic-esphome/internal/host"
	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/logging"
	_ "github.com/nerrad567/gray-logic-esphome/migrations"
)

// fakeManager applies device changes straight to the store.
type fakeManager struct {
	mu         sync.Mutex
	store      device.Repository
	states     map[string]esphome.Status
	reconnects []int64
	deleted    []int64
	stopped    bool
}

func (m *fakeManager) AddOrUpdateDevice(ctx context.Context, cfg esphome.DeviceConfig) (*device.Device, error) {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return nil, esphome.ErrManagerStopped
	}

	d := &device.Device{
		ID: cfg.ID, Name: cfg.Name, Host: cfg.Host, Port: cfg.Port,
		Password: cfg.Password, ClientInfo: cfg.ClientInfo, Enabled: cfg.Enabled,
	}
	if err := device.ValidateDevice(d); err != nil {
		return nil, err
	}
	if d.ID == 0 {
		if err := m.store.CreateDevice(ctx, d); err != nil {
			return nil, err
		}
	} else if err := m.store.UpdateDevice(ctx, d); err != nil {
		return nil, err
	}
	for entityID, links := range cfg.Links {
		e, err := m.store.GetEntity(ctx, entityID)
		if err != nil {
			return nil, err
		}
		if e.DeviceID != d.ID {
			return nil, esphome.ErrEntityMismatch
		}
		if err := m.store.UpdateEntityLinks(ctx, entityID, links); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (m *fakeManager) DeleteDevice(ctx context.Context, id int64) error {
	if err := m.store.DeleteDevice(ctx, id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *fakeManager) Reconnect(ctx context.Context, id int64) error {
	if _, err := m.store.GetDevice(ctx, id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnects = append(m.reconnects, id)
	return nil
}

func (m *fakeManager) AddDiscoveredDevice(ctx context.Context, svc discovery.Service) (*device.Device, bool, error) {
	if d, err := m.store.FindDeviceByAddress(ctx, svc.Host, svc.Port); err == nil {
		return d, false, nil
	}
	d := &device.Device{Name: svc.Name, Host: svc.Host, Port: svc.Port, Enabled: true}
	if err := device.ValidateDevice(d); err != nil {
		return nil, false, err
	}
	if err := m.store.CreateDevice(ctx, d); err != nil {
		return nil, false, err
	}
	return d, true, nil
}

func (m *fakeManager) ConnectionStates(context.Context) (map[string]esphome.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]esphome.Status, len(m.states))
	for k, v := range m.states {
		out[k] = v
	}
	return out, nil
}

func (m *fakeManager) setState(name string, st esphome.ConnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[name] = esphome.Status{State: st}
}

type fakeScanner struct {
	services []discovery.Service
	err      error
}

func (s *fakeScanner) Scan(context.Context) ([]discovery.Service, error) {
	return s.services, s.err
}

type testEnv struct {
	srv     *Server
	router  http.Handler
	store   *device.SQLiteRepository
	manager *fakeManager
	scanner *fakeScanner
	host    *host.Registry
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

func testWSConfig() config.WebSocketConfig {
	return config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}
}

// newTestEnv creates a server over a migrated SQLite store.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "api.db"), BusyTimeout: 5})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}

	store := device.NewSQLiteRepository(db.DB)
	manager := &fakeManager{store: store, states: make(map[string]esphome.Status)}
	scanner := &fakeScanner{}
	registry := host.NewRegistry(nil)

	srv, err := New(Deps{
		Config:  config.APIConfig{Host: "127.0.0.1", Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5}},
		WS:      testWSConfig(),
		Logger:  testLogger(),
		Store:   store,
		Manager: manager,
		Scanner: scanner,
		Host:    registry,
		DB:      db.DB,
		Audit:   audit.NewSQLiteLog(db.DB),
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	return &testEnv{srv: srv, router: srv.buildRouter(), store: store, manager: manager, scanner: scanner, host: registry}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// seedDevice stores porch with two entities.
func (e *testEnv) seedDevice(t *testing.T) *device.Device {
	t.Helper()
	ctx := context.Background()
	d := &device.Device{Name: "porch", Host: "10.0.0.5", Port: 6053, Enabled: true}
	if err := e.store.CreateDevice(ctx, d); err != nil {
		t.Fatal(err)
	}
	_, err := e.store.ReconcileEntities(ctx, d.ID, []device.Discovered{
		{UniqueID: "porch_temp", Key: 1, Name: "temperature", Type: device.EntityTypeSensor},
		{UniqueID: "porch_relay", Key: 2, Name: "Relay", Type: device.EntityTypeSwitch},
	})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return v
}

// ─── Health and Middleware ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/health", "")

	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	resp := decode[map[string]any](t, w)
	if resp["status"] != "ok" || resp["version"] != "test" {
		t.Errorf("health = %v", resp)
	}
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/health", "")
	if got := w.Header().Get("X-Request-ID"); len(got) != 36 {
		t.Errorf("generated X-Request-ID = %q, want a UUID", got)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want client-123", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/devices", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q", got)
	}
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if e := decode[Error](t, w); e.Code != ErrCodeNotFound {
		t.Errorf("error body = %+v", e)
	}
}

// ─── Devices ───────────────────────────────────────────────────────

func TestListDevices(t *testing.T) {
	env := newTestEnv(t)
	d := env.seedDevice(t)
	env.manager.setState("porch", esphome.StateConnected)

	w := env.do(t, http.MethodGet, "/api/v1/devices", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}

	resp := decode[struct {
		Devices []DeviceView `json:"devices"`
		Count   int          `json:"count"`
	}](t, w)
	if resp.Count != 1 || resp.Devices[0].ID != d.ID {
		t.Fatalf("devices = %+v", resp)
	}
	view := resp.Devices[0]
	if !view.Connected {
		t.Error("connected = false, want true")
	}
	// Entities sort by name, ignoring case.
	if len(view.Entities) != 2 || view.Entities[0].Name != "Relay" || view.Entities[1].Name != "temperature" {
		t.Errorf("entities = %+v", view.Entities)
	}
	if strings.Contains(w.Body.String(), "password") {
		t.Error("response exposes password")
	}
}

func TestCreateDevice(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/devices", `{"name":"garage","host":"10.0.0.7","password":"pw"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	d := decode[device.Device](t, w)
	if d.ID == 0 || d.Port != device.DefaultPort || !d.Enabled {
		t.Errorf("created = %+v", d)
	}

	stored, err := env.store.GetDevice(context.Background(), d.ID)
	if err != nil || stored.Password != "pw" {
		t.Errorf("stored = %+v, %v", stored, err)
	}
}

func TestCreateDevice_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.seedDevice(t)

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"invalid JSON", `{"name":`, http.StatusBadRequest, ErrCodeBadRequest},
		{"invalid name", `{"name":"bad name!","host":"10.0.0.9"}`, http.StatusBadRequest, ErrCodeValidation},
		{"missing host", `{"name":"attic"}`, http.StatusBadRequest, ErrCodeValidation},
		{"duplicate name", `{"name":"porch","host":"10.0.0.9"}`, http.StatusConflict, ErrCodeConflict},
		{"bad link key", `{"name":"attic","host":"10.0.0.9","links":{"x":{"state":"A.B"}}}`, http.StatusBadRequest, ErrCodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/devices", tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d; body: %s", w.Code, tt.wantCode, w.Body.String())
			}
			if e := decode[Error](t, w); e.Code != tt.wantErr || e.Status != tt.wantCode {
				t.Errorf("error = %+v, want code %s", e, tt.wantErr)
			}
		})
	}
}

func TestUpdateDevice_LinksAndPassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	d := env.seedDevice(t)
	d.Password = "secret"
	if err := env.store.UpdateDevice(ctx, d); err != nil {
		t.Fatal(err)
	}
	temp, err := env.store.GetEntityByUniqueID(ctx, d.ID, "porch_temp")
	if err != nil {
		t.Fatal(err)
	}

	body := fmt.Sprintf(`{"name":"porch","host":"10.0.0.5","port":6053,"links":{"%d":{"state":"Porch.Temperature"}}}`, temp.ID)
	w := env.do(t, http.MethodPut, fmt.Sprintf("/api/v1/devices/%d", d.ID), body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}

	got, _ := env.store.GetEntity(ctx, temp.ID)
	if got.Links["state"] != "Porch.Temperature" {
		t.Errorf("links = %v", got.Links)
	}
	stored, _ := env.store.GetDevice(ctx, d.ID)
	if stored.Password != "secret" {
		t.Errorf("password = %q, want kept", stored.Password)
	}
}

func TestUpdateDevice_ForeignEntity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	porch := env.seedDevice(t)
	temp, _ := env.store.GetEntityByUniqueID(ctx, porch.ID, "porch_temp")

	other := &device.Device{Name: "garage", Host: "10.0.0.7", Port: 6053}
	if err := env.store.CreateDevice(ctx, other); err != nil {
		t.Fatal(err)
	}

	body := fmt.Sprintf(`{"name":"garage","host":"10.0.0.7","links":{"%d":{"state":"A.B"}}}`, temp.ID)
	w := env.do(t, http.MethodPut, fmt.Sprintf("/api/v1/devices/%d", other.ID), body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
}

func TestDeviceByID_NotFoundAndBadID(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		method, path string
		wantCode     int
	}{
		{http.MethodGet, "/api/v1/devices/999", http.StatusNotFound},
		{http.MethodDelete, "/api/v1/devices/999", http.StatusNotFound},
		{http.MethodPost, "/api/v1/devices/999/reconnect", http.StatusNotFound},
		{http.MethodGet, "/api/v1/devices/abc", http.StatusBadRequest},
		{http.MethodDelete, "/api/v1/devices/0", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			if w := env.do(t, tt.method, tt.path, ""); w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
		})
	}
}

func TestDeleteDevice(t *testing.T) {
	env := newTestEnv(t)
	d := env.seedDevice(t)

	w := env.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/devices/%d", d.ID), "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	if _, err := env.store.GetDevice(context.Background(), d.ID); !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("device still stored: %v", err)
	}
	if es, _ := env.store.ListEntities(context.Background(), d.ID); len(es) != 0 {
		t.Errorf("entities not cascaded: %d", len(es))
	}
}

func TestReconnectDevice(t *testing.T) {
	env := newTestEnv(t)
	d := env.seedDevice(t)

	w := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/devices/%d/reconnect", d.ID), "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	env.manager.mu.Lock()
	defer env.manager.mu.Unlock()
	if len(env.manager.reconnects) != 1 || env.manager.reconnects[0] != d.ID {
		t.Errorf("reconnects = %v", env.manager.reconnects)
	}
}

func TestManagerStopped(t *testing.T) {
	env := newTestEnv(t)
	env.manager.stopped = true

	w := env.do(t, http.MethodPost, "/api/v1/devices", `{"name":"garage","host":"10.0.0.7"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestDeviceStats(t *testing.T) {
	env := newTestEnv(t)
	env.seedDevice(t)
	if err := env.store.CreateDevice(context.Background(), &device.Device{Name: "garage", Host: "10.0.0.7", Port: 6053}); err != nil {
		t.Fatal(err)
	}
	env.manager.setState("porch", esphome.StateConnected)
	env.manager.setState("garage", esphome.StateDisconnected)

	w := env.do(t, http.MethodGet, "/api/v1/devices/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	stats := decode[DeviceStats](t, w)
	if stats != (DeviceStats{Total: 2, Enabled: 1, Connected: 1}) {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSearch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	d := env.seedDevice(t)
	relay, _ := env.store.GetEntityByUniqueID(ctx, d.ID, "porch_relay")
	if err := env.store.UpdateEntityLinks(ctx, relay.ID, device.Links{"state": "Porch.Light"}); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, http.MethodGet, "/api/v1/search?q=porch", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode[struct {
		Devices  []device.Device `json:"devices"`
		Entities []device.Entity `json:"entities"`
		Links    []device.Entity `json:"links"`
	}](t, w)
	if len(resp.Devices) != 1 || len(resp.Links) != 1 {
		t.Errorf("search = %d devices, %d links", len(resp.Devices), len(resp.Links))
	}

	if w := env.do(t, http.MethodGet, "/api/v1/search", ""); w.Code != http.StatusBadRequest {
		t.Errorf("missing q status = %d", w.Code)
	}
}

// ─── Discovery ─────────────────────────────────────────────────────

func TestDiscoveryScan(t *testing.T) {
	env := newTestEnv(t)
	d := env.seedDevice(t)
	env.scanner.services = []discovery.Service{
		{Name: "porch", Host: "10.0.0.5", Port: 6053},
		{Name: "kitchen", Host: "10.0.0.8", Port: 6053, Extra: map[string]string{"mac": "aabbccddeeff"}},
	}

	w := env.do(t, http.MethodPost, "/api/v1/discovery/scan", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	resp := decode[struct {
		Services []DiscoveredView `json:"services"`
	}](t, w)
	if len(resp.Services) != 2 {
		t.Fatalf("services = %+v", resp.Services)
	}
	if resp.Services[0].DeviceID == nil || *resp.Services[0].DeviceID != d.ID {
		t.Error("known device not matched")
	}
	if resp.Services[1].DeviceID != nil {
		t.Error("new device matched")
	}

	env.scanner.err = errors.New("no multicast")
	if w := env.do(t, http.MethodPost, "/api/v1/discovery/scan", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("failed scan status = %d", w.Code)
	}
}

func TestAddDiscovered(t *testing.T) {
	env := newTestEnv(t)

	body := `{"name":"kitchen","host":"10.0.0.8","port":6053}`
	w := env.do(t, http.MethodPost, "/api/v1/discovery/devices", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/api/v1/discovery/devices", body)
	if w.Code != http.StatusOK {
		t.Fatalf("repeat status = %d", w.Code)
	}
	if resp := decode[map[string]any](t, w); resp["created"] != false {
		t.Errorf("repeat created = %v", resp["created"])
	}

	if w := env.do(t, http.MethodPost, "/api/v1/discovery/devices", `{"name":""}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty name status = %d", w.Code)
	}
}

func TestDiscoveryUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.srv.scanner = nil
	env.router = env.srv.buildRouter()

	if w := env.do(t, http.MethodPost, "/api/v1/discovery/scan", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

// ─── Host Objects ──────────────────────────────────────────────────

func TestObjects(t *testing.T) {
	env := newTestEnv(t)
	if err := env.host.Define("Porch", map[string]any{"Light": false}, nil); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, http.MethodGet, "/api/v1/objects", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"Porch"`) {
		t.Fatalf("list = %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPut, "/api/v1/objects/Porch/Light", "true")
	if w.Code != http.StatusOK {
		t.Fatalf("set status = %d; body: %s", w.Code, w.Body.String())
	}
	if v, _ := env.host.GetProperty("Porch", "Light"); v != true {
		t.Errorf("Light = %v", v)
	}

	if w := env.do(t, http.MethodPut, "/api/v1/objects/Porch/Missing", "1"); w.Code != http.StatusNotFound {
		t.Errorf("unknown property status = %d", w.Code)
	}
	if w := env.do(t, http.MethodPut, "/api/v1/objects/Porch/Light", "{"); w.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d", w.Code)
	}
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.manager.setState("porch", esphome.StateConnected)

	w := env.do(t, http.MethodGet, "/api/v1/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	m := decode[SystemMetrics](t, w)
	if m.Sessions.Total != 1 || m.Sessions.ByState["connected"] != 1 || m.Database == nil {
		t.Errorf("metrics = %+v", m)
	}
}

// ─── Audit ─────────────────────────────────────────────────────────

func TestAudit_RecordsChanges(t *testing.T) {
	env := newTestEnv(t)
	if err := env.host.Define("Porch", map[string]any{"Light": false}, nil); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, http.MethodPost, "/api/v1/devices", `{"name":"garage","host":"10.0.0.7"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d; body: %s", w.Code, w.Body.String())
	}
	d := decode[device.Device](t, w)
	id := strconv.FormatInt(d.ID, 10)

	env.do(t, http.MethodPost, "/api/v1/devices/"+id+"/reconnect", "")
	env.do(t, http.MethodPut, "/api/v1/objects/Porch/Light", "true")
	env.do(t, http.MethodDelete, "/api/v1/devices/"+id, "")
	// Failed requests leave no trace.
	env.do(t, http.MethodDelete, "/api/v1/devices/9999", "")

	w = env.do(t, http.MethodGet, "/api/v1/audit", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	page := decode[audit.Page](t, w)
	var actions []string
	for _, e := range page.Entries {
		actions = append(actions, e.Action)
		if e.Source != SourceAPI || e.RequestID == "" {
			t.Errorf("entry = %+v", e)
		}
	}
	want := []string{audit.ActionDelete, audit.ActionSet, audit.ActionReconnect, audit.ActionCreate}
	if strings.Join(actions, ",") != strings.Join(want, ",") {
		t.Errorf("actions = %v, want %v", actions, want)
	}

	w = env.do(t, http.MethodGet, "/api/v1/audit?target=property", "")
	page = decode[audit.Page](t, w)
	if page.Total != 1 || page.Entries[0].TargetID != "Porch.Light" {
		t.Errorf("property entries = %+v", page)
	}

	if w := env.do(t, http.MethodGet, "/api/v1/audit?limit=abc", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", w.Code)
	}
}

// ─── WebSocket Hub ─────────────────────────────────────────────────

func TestHub_BroadcastToSubscribed(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: map[string]struct{}{esphome.ChannelDeviceUpdate: {}},
	}
	hub.Register(client)

	hub.Broadcast(esphome.ChannelDeviceUpdate, map[string]any{"device": "porch", "status": "connected"})

	select {
	case msg := <-client.send:
		wsMsg := WSMessage{}
		if err := json.Unmarshal(msg, &wsMsg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if wsMsg.EventType != esphome.ChannelDeviceUpdate || wsMsg.Type != WSTypeEvent {
			t.Errorf("message = %+v", wsMsg)
		}
	case <-time.After(time.Second):
		t.Error("timed out waiting for broadcast message")
	}
}

func TestHub_Subscriptions(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())

	tests := []struct {
		name string
		subs map[string]struct{}
		want bool
	}{
		{"other channel", map[string]struct{}{"sensor_update": {}}, false},
		{"wildcard", map[string]struct{}{WSChannelAll: {}}, true},
		{"none", map[string]struct{}{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &WSClient{hub: hub, send: make(chan []byte, 1), subscriptions: tt.subs}
			hub.Register(client)
			defer hub.Unregister(client)

			hub.Broadcast(esphome.ChannelDeviceUpdate, map[string]any{"device": "porch"})
			select {
			case <-client.send:
				if !tt.want {
					t.Error("received message for unsubscribed channel")
				}
			case <-time.After(100 * time.Millisecond):
				if tt.want {
					t.Error("no message received")
				}
			}
		})
	}
}

func TestHub_ClientCount(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())

	client := &WSClient{hub: hub, send: make(chan []byte, wsSendBufferSize), subscriptions: make(map[string]struct{})}
	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Errorf("after register count = %d, want 1", hub.ClientCount())
	}
	hub.Unregister(client)
	hub.Unregister(client)
	if hub.ClientCount() != 0 {
		t.Errorf("after unregister count = %d, want 0", hub.ClientCount())
	}
}

func TestHub_SlowClientMissesEvents(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())
	client := &WSClient{hub: hub, send: make(chan []byte, 1), subscriptions: parseChannels(WSChannelAll)}
	hub.Register(client)
	defer hub.Unregister(client)

	hub.Broadcast("sensor_update", 1)
	hub.Broadcast("sensor_update", 2)
	hub.Broadcast("sensor_update", 3)

	if got := hub.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}
	if len(client.send) != 1 {
		t.Errorf("buffered = %d, want 1", len(client.send))
	}
}

func TestParseChannels(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"sensor_update", []string{"sensor_update"}},
		{" device_update , ,sensor_update", []string{"device_update", "sensor_update"}},
	}
	for _, tt := range tests {
		got := parseChannels(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("parseChannels(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for _, ch := range tt.want {
			if !got.matches(ch) {
				t.Errorf("parseChannels(%q) missing %q", tt.in, ch)
			}
		}
	}
}

func TestWebSocket_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.srv.hub.Run(ctx)

	ts := httptest.NewServer(env.router)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws?channels=sensor_update"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Ping round trip confirms the client is registered.
	if err := conn.WriteJSON(WSMessage{Type: WSTypePing, ID: "1"}); err != nil {
		t.Fatal(err)
	}
	var pong WSMessage
	if err := conn.ReadJSON(&pong); err != nil || pong.Type != WSTypePong {
		t.Fatalf("pong = %+v, %v", pong, err)
	}

	env.srv.hub.Broadcast("sensor_update", map[string]any{"entity": "porch_temp", "state": 21.5})

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	var event WSMessage
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read: %v", err)
	}
	if event.EventType != "sensor_update" {
		t.Errorf("event = %+v", event)
	}
}
