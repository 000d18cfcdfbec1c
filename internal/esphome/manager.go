package esphome

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-esphome/internal/device"
	"github.com/nerrad567/gray-logic-esphome/internal/discovery"
	"github.com/nerrad567/gray-logic-esphome/internal/link"
)

// ChannelDeviceUpdate is the notifier channel for connection and metadata
// changes.
const ChannelDeviceUpdate = "device_update"

const (
	defaultQueueSize = 256
	// servicePrefix marks external entities created from service calls.
	servicePrefix = "service:"
	stopTimeout   = 10 * time.Second
)

// ManagerOptions configures a Manager. Store, Resolver and Dialer are
// required.
type ManagerOptions struct {
	Store      device.Repository
	Resolver   *link.Resolver
	Dialer     Dialer
	Notifier   link.Notifier
	Backoff    BackoffConfig
	ClientInfo string
	QueueSize  int
	Logger     Logger

	// ConnectTimeout bounds one connect attempt; zero uses the default.
	ConnectTimeout time.Duration
}

// DeviceConfig is an add-or-update request from the admin surface.
type DeviceConfig struct {
	// ID selects the device to update; zero creates one.
	ID         int64
	Name       string
	Host       string
	Port       int
	Password   string
	ClientInfo string
	Enabled    bool

	// Links are per-entity link edits keyed by entity ID.
	Links map[int64]device.Links
}

// Manager owns every device session.
//
// A single worker goroutine owns the registry and runs tasks in submission
// order: connection updates, supervisor callbacks and host property
// changes. Network work happens on supervisor goroutines, so a slow device
// never stalls the worker.
type Manager struct {
	store      device.Repository
	resolver   *link.Resolver
	dialer     Dialer
	notifier   link.Notifier
	backoff    BackoffConfig
	clientInfo string
	timeout    time.Duration
	logger     Logger

	registry *Registry
	tasks    chan func(context.Context)
	quit     chan struct{}
	done     chan struct{}

	// ctx is the worker's context, cancelled on Stop.
	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
	started   chan struct{}
}

// NewManager creates a manager. Call Start to load devices.
func NewManager(opts ManagerOptions) (*Manager, error) {
	switch {
	case opts.Store == nil:
		return nil, fmt.Errorf("%w: store", ErrMissingDependency)
	case opts.Resolver == nil:
		return nil, fmt.Errorf("%w: resolver", ErrMissingDependency)
	case opts.Dialer == nil:
		return nil, fmt.Errorf("%w: dialer", ErrMissingDependency)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:      opts.Store,
		resolver:   opts.Resolver,
		dialer:     opts.Dialer,
		notifier:   opts.Notifier,
		backoff:    opts.Backoff.withDefaults(),
		clientInfo: opts.ClientInfo,
		timeout:    opts.ConnectTimeout,
		logger:     opts.Logger,
		registry:   NewRegistry(),
		tasks:      make(chan func(context.Context), opts.QueueSize),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		started:    make(chan struct{}),
	}, nil
}

// Start launches the worker, restores host links and connects every
// enabled device.
func (m *Manager) Start(ctx context.Context) error {
	devices, err := m.store.ListEnabledDevices(ctx)
	if err != nil {
		return fmt.Errorf("loading enabled devices: %w", err)
	}

	var linked []device.Entity
	for _, d := range devices {
		entities, err := m.store.ListEntities(ctx, d.ID)
		if err != nil {
			return fmt.Errorf("loading entities for %s: %w", d.Name, err)
		}
		linked = append(linked, entities...)
	}
	m.resolver.RestoreLinks(linked)

	m.startOnce.Do(func() {
		close(m.started)
		go m.run()
	})

	for _, d := range devices {
		m.submit(m.updateConnectionTask(d, "", false))
	}
	m.logger.Info("session manager started", "devices", len(devices))
	return nil
}

// Stop disconnects every session and ends the worker. Safe to call more
// than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		select {
		case <-m.started:
		default:
			m.cancel()
			return
		}

		flushed := make(chan struct{})
		m.submit(func(context.Context) {
			m.registry.Each(func(s *Supervisor) { s.Stop() })
			for _, n := range m.registry.Names() {
				m.registry.Delete(n)
			}
			close(flushed)
		})
		select {
		case <-flushed:
		case <-time.After(stopTimeout):
			m.logger.Warn("timed out waiting for sessions to close")
		}

		close(m.quit)
		<-m.done
		m.cancel()
		m.logger.Info("session manager stopped")
	})
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case task := <-m.tasks:
			m.runTask(task)
		case <-m.quit:
			return
		}
	}
}

func (m *Manager) runTask(task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("session task panicked", "panic", fmt.Sprint(r))
		}
	}()
	task(m.ctx)
}

// submit enqueues a task. It blocks while the queue is full and drops the
// task once the manager has stopped.
func (m *Manager) submit(task func(context.Context)) bool {
	select {
	case <-m.quit:
		return false
	default:
	}
	select {
	case m.tasks <- task:
		return true
	case <-m.quit:
		return false
	}
}

// AddOrUpdateDevice validates and stores a device, applies entity link
// edits and reconciles its session. Validation errors wrap
// device.ErrValidation and are returned before any session is touched.
func (m *Manager) AddOrUpdateDevice(ctx context.Context, cfg DeviceConfig) (*device.Device, error) {
	d := &device.Device{
		ID:         cfg.ID,
		Name:       cfg.Name,
		Host:       cfg.Host,
		Port:       cfg.Port,
		Password:   cfg.Password,
		ClientInfo: cfg.ClientInfo,
		Enabled:    cfg.Enabled,
	}
	if err := device.ValidateDevice(d); err != nil {
		return nil, err
	}
	// Link edits are checked before the device is written so a rejected
	// request leaves the store untouched.
	linked := make(map[int64]*device.Entity, len(cfg.Links))
	for entityID, links := range cfg.Links {
		if err := device.ValidateLinks(links); err != nil {
			return nil, err
		}
		e, err := m.store.GetEntity(ctx, entityID)
		if err != nil {
			return nil, fmt.Errorf("entity %d: %w", entityID, err)
		}
		if d.ID == 0 || e.DeviceID != d.ID {
			return nil, fmt.Errorf("%w: entity %d", ErrEntityMismatch, entityID)
		}
		linked[entityID] = e
	}

	prevName := ""
	if d.ID == 0 {
		if err := m.store.CreateDevice(ctx, d); err != nil {
			return nil, err
		}
	} else {
		existing, err := m.store.GetDevice(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		prevName = existing.Name
		if err := m.store.UpdateDevice(ctx, d); err != nil {
			return nil, err
		}
		d.CreatedAt = existing.CreatedAt
		d.FirmwareVersion = existing.FirmwareVersion
		d.MACAddress = existing.MACAddress
		d.Model = existing.Model
		d.LastSeen = existing.LastSeen
		d.DiscoveredAt = existing.DiscoveredAt
	}

	for entityID, links := range cfg.Links {
		if err := m.resolver.ApplyLinks(ctx, linked[entityID], links); err != nil {
			return nil, fmt.Errorf("applying links for entity %d: %w", entityID, err)
		}
	}

	if !m.submit(m.updateConnectionTask(*d, prevName, false)) {
		return d, ErrManagerStopped
	}
	return d, nil
}

// RemoveDevice disconnects the named device and forgets its session. The
// caller deletes the stored device afterwards.
func (m *Manager) RemoveDevice(name string) {
	m.submit(func(context.Context) {
		if s := m.registry.Delete(name); s != nil {
			s.Stop()
			m.logger.Info("device session removed", "device", name)
		}
	})
}

// DeleteDevice disconnects a device, then deletes it with its entities and
// releases host links no remaining entity uses.
func (m *Manager) DeleteDevice(ctx context.Context, id int64) error {
	d, err := m.store.GetDevice(ctx, id)
	if err != nil {
		return err
	}
	entities, err := m.store.ListEntities(ctx, id)
	if err != nil {
		return err
	}

	removed := make(chan struct{})
	if !m.submit(func(context.Context) {
		defer close(removed)
		if s := m.registry.Delete(d.Name); s != nil {
			s.Stop()
		}
	}) {
		return ErrManagerStopped
	}
	select {
	case <-removed:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := m.store.DeleteDevice(ctx, id); err != nil {
		return err
	}
	for _, e := range entities {
		m.resolver.ReleaseLinks(ctx, e.Links)
	}
	m.logger.Info("device deleted", "device", d.Name, "entities", len(entities))
	m.broadcastStatus(d.Name, StateStopped, nil)
	return nil
}

// Reconnect re-reads a device from the store and recreates its session.
func (m *Manager) Reconnect(ctx context.Context, id int64) error {
	d, err := m.store.GetDevice(ctx, id)
	if err != nil {
		return err
	}
	if !m.submit(m.updateConnectionTask(*d, "", true)) {
		return ErrManagerStopped
	}
	return nil
}

// AddDiscoveredDevice registers a discovered device unless one already
// exists at the same host and port. created is false for a known device.
func (m *Manager) AddDiscoveredDevice(ctx context.Context, svc discovery.Service) (d *device.Device, created bool, err error) {
	port := svc.Port
	if port == 0 {
		port = device.DefaultPort
	}
	existing, err := m.store.FindDeviceByAddress(ctx, svc.Host, port)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, device.ErrDeviceNotFound):
		return nil, false, err
	}

	now := time.Now().UTC()
	d = &device.Device{
		Name:         svc.Name,
		Host:         svc.Host,
		Port:         port,
		Enabled:      true,
		DiscoveredAt: &now,
		MACAddress:   normaliseMAC(svc.Extra["mac"]),
	}
	if err := device.ValidateDevice(d); err != nil {
		return nil, false, err
	}
	if err := m.store.CreateDevice(ctx, d); err != nil {
		return nil, false, err
	}
	m.logger.Info("discovered device added", "device", d.Name, "host", d.Host, "port", d.Port)

	if !m.submit(m.updateConnectionTask(*d, "", false)) {
		return d, true, ErrManagerStopped
	}
	return d, true, nil
}

// ChangeLinkedProperty forwards a host property change to linked entities.
// It is the host registry's link listener and never blocks on devices.
func (m *Manager) ChangeLinkedProperty(object, property string, value any) {
	m.submit(func(ctx context.Context) {
		if err := m.resolver.HandleHostChange(ctx, object, property, value, m.commanderFor); err != nil {
			m.logger.Error("host change failed", "object", object, "property", property, "error", err)
		}
	})
}

// ConnectionStates returns a snapshot of every registered session.
func (m *Manager) ConnectionStates(ctx context.Context) (map[string]Status, error) {
	reply := make(chan map[string]Status, 1)
	if !m.submit(func(context.Context) {
		out := make(map[string]Status, m.registry.Len())
		m.registry.Each(func(s *Supervisor) { out[s.Name()] = s.Status() })
		reply <- out
	}) {
		return nil, ErrManagerStopped
	}
	select {
	case states := <-reply:
		return states, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// commanderFor is the resolver's session lookup. Worker only.
func (m *Manager) commanderFor(name string) device.Commander {
	s := m.registry.Get(name)
	if s == nil || !s.Connected() {
		return nil
	}
	return s.Session()
}

// updateConnectionTask brings the registry in line with d. prevName is the
// name before a rename; force recreates the session even if nothing changed.
func (m *Manager) updateConnectionTask(d device.Device, prevName string, force bool) func(context.Context) {
	return func(context.Context) {
		if prevName != "" && prevName != d.Name {
			if s := m.registry.Delete(prevName); s != nil {
				s.Stop()
			}
		}

		cur := m.registry.Get(d.Name)
		if !d.Enabled {
			if cur != nil {
				m.registry.Delete(d.Name)
				cur.Stop()
				m.logger.Info("device disabled, session closed", "device", d.Name)
			}
			m.broadcastStatus(d.Name, StateStopped, nil)
			return
		}

		if cur != nil && !force && cur.State() != StateStopped {
			curDev := cur.Device()
			if !curDev.ConnectionChanged(&d) && curDev.ID == d.ID {
				return
			}
		}
		if cur != nil {
			m.registry.Delete(d.Name)
			cur.Stop()
		}

		s := m.newSupervisor(d)
		m.registry.Put(s)
		s.Start()
	}
}

func (m *Manager) newSupervisor(d device.Device) *Supervisor {
	return NewSupervisor(SupervisorOptions{
		Device:         d,
		ClientInfo:     m.clientInfo,
		Dialer:         m.dialer,
		Backoff:        m.backoff,
		ConnectTimeout: m.timeout,
		Logger:         m.logger,
		Handlers: SupervisorHandlers{
			OnStatus: func(s *Supervisor, state ConnectionState, err error) {
				m.onSupervisor(s, func(context.Context) { m.broadcastStatus(s.Name(), state, err) })
			},
			OnConnected: func(ctx context.Context, s *Supervisor, res *ConnectResult) error {
				return m.awaitSupervisor(ctx, s, func(wctx context.Context) error { return m.handleConnected(wctx, s, res) })
			},
			OnState: func(s *Supervisor, key uint32, st device.State) {
				m.onSupervisor(s, func(ctx context.Context) { m.handleState(ctx, s, key, st) })
			},
			OnExternalStateSubscribe: func(s *Supervisor, entityID, attribute string) {
				m.onSupervisor(s, func(ctx context.Context) { m.handleExternalSubscribe(ctx, s, entityID, attribute) })
			},
			OnServiceCall: func(s *Supervisor, call ServiceCall) {
				m.onSupervisor(s, func(ctx context.Context) { m.handleServiceCall(ctx, s, call) })
			},
		},
	})
}

// onSupervisor enqueues fn, dropping it if s has been replaced by the time
// it runs.
func (m *Manager) onSupervisor(s *Supervisor, fn func(context.Context)) {
	m.submit(func(ctx context.Context) {
		if !m.registry.IsCurrent(s) {
			m.logger.Debug("dropping event from replaced session", "device", s.Name())
			return
		}
		fn(ctx)
	})
}

// awaitSupervisor runs fn on the worker and waits for its result. It fails
// with ErrSuperseded when s has been replaced, and gives up when ctx ends
// or the manager stops.
func (m *Manager) awaitSupervisor(ctx context.Context, s *Supervisor, fn func(context.Context) error) error {
	errc := make(chan error, 1)
	if !m.submit(func(wctx context.Context) {
		if !m.registry.IsCurrent(s) {
			errc <- ErrSuperseded
			return
		}
		errc <- fn(wctx)
	}) {
		return ErrManagerStopped
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.quit:
		return ErrManagerStopped
	}
}

// handleConnected records metadata and reconciles entities against the
// fresh enumeration. A reconcile failure fails the connect attempt.
func (m *Manager) handleConnected(ctx context.Context, s *Supervisor, res *ConnectResult) error {
	d := s.Device()
	meta := device.Metadata{
		FirmwareVersion: res.Info.FirmwareVersion,
		MACAddress:      normaliseMAC(res.Info.MACAddress),
		Model:           res.Info.Model,
		LastSeen:        time.Now(),
	}
	if err := m.store.UpdateDeviceMetadata(ctx, d.ID, meta); err != nil {
		m.logger.Error("updating device metadata failed", "device", d.Name, "error", err)
	}

	result, err := m.store.ReconcileEntities(ctx, d.ID, res.Entities)
	if err != nil {
		m.logger.Error("reconciling entities failed", "device", d.Name, "error", err)
		return fmt.Errorf("reconciling entities: %w", err)
	}
	m.logger.Info("entities reconciled", "device", d.Name,
		"added", result.Added, "updated", result.Updated, "unchanged", result.Unchanged)

	m.broadcast(map[string]any{
		"device":   d.Name,
		"status":   StateConnecting.String(),
		"firmware": meta.FirmwareVersion,
		"added":    result.Added,
		"updated":  result.Updated,
	})
	return nil
}

func (m *Manager) handleState(ctx context.Context, s *Supervisor, key uint32, st device.State) {
	d := s.Device()
	if _, err := m.resolver.HandleState(ctx, link.DeviceRef{ID: d.ID, Name: d.Name}, key, st); err != nil {
		m.logger.Debug("state update dropped", "device", d.Name, "key", key, "error", err)
	}
}

func (m *Manager) handleExternalSubscribe(ctx context.Context, s *Supervisor, entityID, attribute string) {
	d := s.Device()
	e, created, err := m.store.EnsureEntity(ctx, d.ID, device.Discovered{
		UniqueID: entityID,
		Name:     entityID,
		Type:     device.EntityTypeExternal,
	})
	if err != nil {
		m.logger.Error("creating external entity failed", "device", d.Name, "entity", entityID, "error", err)
		return
	}
	if created {
		m.logger.Info("external entity created", "device", d.Name, "entity", entityID)
	}

	field := attribute
	if field == "" {
		field = device.FieldState
	}
	if _, ok := e.Links[field]; !ok {
		links := e.Links.Clone()
		links[field] = ""
		if err := m.store.UpdateEntityLinks(ctx, e.ID, links); err != nil {
			m.logger.Error("recording external attribute failed", "entity", entityID, "field", field, "error", err)
			return
		}
		e.Links = links
	}

	if m.resolver.SyncExternal(e, field, s.Session()) {
		m.logger.Debug("sent current value for external subscription", "device", d.Name, "entity", entityID, "field", field)
	}
}

func (m *Manager) handleServiceCall(ctx context.Context, s *Supervisor, call ServiceCall) {
	d := s.Device()
	e, _, err := m.store.EnsureEntity(ctx, d.ID, device.Discovered{
		UniqueID: servicePrefix + call.Service,
		Name:     call.Service,
		Type:     device.EntityTypeExternal,
	})
	if err != nil {
		m.logger.Error("creating service entity failed", "device", d.Name, "service", call.Service, "error", err)
		return
	}

	st := make(device.State, len(call.Data))
	for k, v := range call.Data {
		st[k] = v
	}
	if _, err := m.resolver.HandleEntityState(ctx, link.DeviceRef{ID: d.ID, Name: d.Name}, e, st); err != nil {
		m.logger.Error("service call dropped", "device", d.Name, "service", call.Service, "error", err)
	}
}

func (m *Manager) broadcastStatus(name string, state ConnectionState, err error) {
	payload := map[string]any{"device": name, "status": state.String()}
	if state == StateStopped && err != nil {
		payload["status"] = "offline"
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	m.broadcast(payload)
}

func (m *Manager) broadcast(payload map[string]any) {
	if m.notifier != nil {
		m.notifier.Broadcast(ChannelDeviceUpdate, payload)
	}
}

// normaliseMAC accepts colon, dash or bare hex forms and returns the
// canonical lower-case colon form, or "" when s is not a MAC.
func normaliseMAC(s string) string {
	s = strings.TrimSpace(s)
	if len(s) == 12 && !strings.ContainsAny(s, ":-.") {
		var b strings.Builder
		for i := 0; i < 12; i += 2 {
			if i > 0 {
				b.WriteByte(':')
			}
			b.WriteString(s[i : i+2])
		}
		s = b.String()
	}
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return ""
	}
	return hw.String()
}
