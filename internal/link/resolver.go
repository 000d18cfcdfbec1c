package link

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"strings"

	"github.com/nerrad567/gray-logic-esphome/internal/device"
)

// Kind classifies what a reference names on the host.
type Kind int

// Reference kinds.
const (
	Unresolved Kind = iota
	Property
	Method
)

func (k Kind) String() string {
	switch k {
	case Property:
		return "property"
	case Method:
		return "method"
	default:
		return "unresolved"
	}
}

// Resolution is the outcome of resolving "Object.Member" against the host.
type Resolution struct {
	Kind   Kind
	Object string
	Member string
}

// Host is the automation engine side of a link.
type Host interface {
	// ResolveReference looks ref up fresh on every call; objects may come
	// and go between calls.
	ResolveReference(ref string) Resolution
	GetProperty(object, property string) (any, bool)
	UpdateProperty(object, property string, value any, source string) error
	// CallMethodAsync schedules a method call and returns immediately.
	CallMethodAsync(object, method string, args map[string]any, source string)
	// SetLink and RemoveLink register interest in a property so that host
	// changes are reported back for the given source.
	SetLink(object, property, source string)
	RemoveLink(object, property, source string)
}

// Store is the slice of the entity store the resolver needs.
type Store interface {
	GetEntityByKey(ctx context.Context, deviceID int64, key uint32) (*device.Entity, error)
	ReplaceEntityState(ctx context.Context, id int64, state device.State) (device.State, error)
	UpdateEntityLinks(ctx context.Context, id int64, links device.Links) error
	ListEntitiesLinkedTo(ctx context.Context, ref string) ([]device.Entity, error)
	CountEntitiesLinkedTo(ctx context.Context, ref string) (int, error)
}

// Notifier broadcasts UI events. The WebSocket hub satisfies it.
type Notifier interface {
	Broadcast(channel string, payload any)
}

// Telemetry receives numeric sub-fields of every state update.
type Telemetry interface {
	WriteEntityState(deviceName string, e *device.Entity, fields map[string]float64)
}

// SessionLookup returns the commander for a connected device, or nil.
type SessionLookup func(deviceName string) device.Commander

// Logger is the logging interface used by the resolver.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// ChannelSensorUpdate is the notifier channel for entity state changes.
const ChannelSensorUpdate = "sensor_update"

// DefaultSource identifies this hub to the host's link bookkeeping.
const DefaultSource = "esphome"

// Options configures a Resolver. Store and Host are required.
type Options struct {
	Store     Store
	Host      Host
	Notifier  Notifier
	Telemetry Telemetry
	// Source tags host writes so the host does not echo them back.
	Source string
	Logger Logger
}

// Resolver maps entity state to host properties and methods, and host
// property changes back to device commands.
//
// Thread Safety: methods are safe for concurrent use but are normally
// called from the session manager's worker.
type Resolver struct {
	store     Store
	host      Host
	notifier  Notifier
	telemetry Telemetry
	source    string
	logger    Logger
}

// NewResolver creates a resolver.
func NewResolver(opts Options) (*Resolver, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: store", ErrMissingDependency)
	}
	if opts.Host == nil {
		return nil, fmt.Errorf("%w: host", ErrMissingDependency)
	}
	if opts.Source == "" {
		opts.Source = DefaultSource
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &Resolver{
		store:     opts.Store,
		host:      opts.Host,
		notifier:  opts.Notifier,
		telemetry: opts.Telemetry,
		source:    opts.Source,
		logger:    opts.Logger,
	}, nil
}

// Source returns the tag used for host writes and link registrations.
func (r *Resolver) Source() string {
	return r.source
}

// DeviceRef identifies the device a state update came from.
type DeviceRef struct {
	ID   int64
	Name string
}

// Update describes one applied state change.
type Update struct {
	Entity  *device.Entity
	Old     device.State
	New     device.State
	Changed []string
}

// HandleState applies a state push identified by session key.
func (r *Resolver) HandleState(ctx context.Context, dev DeviceRef, key uint32, state device.State) (*Update, error) {
	e, err := r.store.GetEntityByKey(ctx, dev.ID, key)
	if err != nil {
		r.logger.Warn("state for unknown entity", "device", dev.Name, "key", key, "error", err)
		return nil, fmt.Errorf("%w: device %s key %d", ErrUnknownEntity, dev.Name, key)
	}
	return r.HandleEntityState(ctx, dev, e, state)
}

// HandleEntityState stores state for e, forwards changed linked sub-fields
// to the host and broadcasts the update.
func (r *Resolver) HandleEntityState(ctx context.Context, dev DeviceRef, e *device.Entity, state device.State) (*Update, error) {
	newState := RoundState(state, e.AccuracyDecimals)

	old, err := r.store.ReplaceEntityState(ctx, e.ID, newState)
	if err != nil {
		return nil, fmt.Errorf("storing state for %s: %w", e.UniqueID, err)
	}
	e.State = newState

	upd := &Update{Entity: e, Old: old, New: newState, Changed: changedFields(old, newState)}

	for _, field := range upd.Changed {
		ref := e.Links[field]
		if ref == "" {
			continue
		}
		r.forward(e, field, ref, old[field], newState[field])
	}

	if r.notifier != nil {
		r.notifier.Broadcast(ChannelSensorUpdate, map[string]any{
			"device":      dev.Name,
			"sensor":      e.Name,
			"state":       newState,
			"key":         e.Key,
			"entity_type": e.Type,
		})
	}
	if r.telemetry != nil {
		if fields := numericFields(newState); len(fields) > 0 {
			r.telemetry.WriteEntityState(dev.Name, e, fields)
		}
	}
	return upd, nil
}

func (r *Resolver) forward(e *device.Entity, field, ref string, oldVal, newVal any) {
	res := r.host.ResolveReference(ref)
	switch res.Kind {
	case Method:
		r.host.CallMethodAsync(res.Object, res.Member, map[string]any{
			"value":     newVal,
			"new_value": newVal,
			"old_value": oldVal,
			"title":     e.Name,
		}, r.source)
	case Property:
		if err := r.host.UpdateProperty(res.Object, res.Member, newVal, r.source); err != nil {
			r.logger.Warn("updating linked property failed",
				"entity", e.UniqueID, "field", field, "ref", ref, "error", err)
		}
	default:
		r.logger.Warn("link does not resolve", "entity", e.UniqueID, "field", field, "ref", ref)
	}
}

// changedFields returns sub-fields whose value differs, sorted.
func changedFields(old, cur device.State) []string {
	var changed []string
	for k, v := range cur {
		ov, ok := old[k]
		if !ok || !reflect.DeepEqual(ov, v) {
			changed = append(changed, k)
		}
	}
	for k := range old {
		if _, ok := cur[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

func numericFields(s device.State) map[string]float64 {
	var out map[string]float64
	for k, v := range s {
		switch x := v.(type) {
		case float64:
			if out == nil {
				out = make(map[string]float64)
			}
			out[k] = x
		case bool:
			if out == nil {
				out = make(map[string]float64)
			}
			if x {
				out[k] = 1
			} else {
				out[k] = 0
			}
		}
	}
	return out
}

// ApplyLinks stores new links for e and keeps host link registrations in
// step: new property references are registered, references no entity uses
// any more are released.
func (r *Resolver) ApplyLinks(ctx context.Context, e *device.Entity, links device.Links) error {
	if err := device.ValidateLinks(links); err != nil {
		return err
	}
	oldRefs := e.Links.References()
	if err := r.store.UpdateEntityLinks(ctx, e.ID, links); err != nil {
		return err
	}
	e.Links = links.Clone()

	newRefs := links.References()
	for _, ref := range newRefs {
		if slices.Contains(oldRefs, ref) {
			continue
		}
		r.register(ref)
	}
	for _, ref := range oldRefs {
		if slices.Contains(newRefs, ref) {
			continue
		}
		r.releaseIfUnused(ctx, ref)
	}
	return nil
}

// ReleaseLinks drops host registrations for refs in links that no stored
// entity uses any more. Call it after the owning entities are deleted.
func (r *Resolver) ReleaseLinks(ctx context.Context, links device.Links) {
	for _, ref := range links.References() {
		r.releaseIfUnused(ctx, ref)
	}
}

// RestoreLinks re-registers property links for entities loaded at startup.
func (r *Resolver) RestoreLinks(entities []device.Entity) {
	seen := make(map[string]struct{})
	for _, e := range entities {
		for _, ref := range e.Links.References() {
			if _, ok := seen[ref]; ok {
				continue
			}
			seen[ref] = struct{}{}
			r.register(ref)
		}
	}
}

func (r *Resolver) register(ref string) {
	res := r.host.ResolveReference(ref)
	switch res.Kind {
	case Property:
		r.host.SetLink(res.Object, res.Member, r.source)
	case Method:
		// Methods are outbound only.
	default:
		r.logger.Warn("link does not resolve", "ref", ref)
	}
}

func (r *Resolver) releaseIfUnused(ctx context.Context, ref string) {
	n, err := r.store.CountEntitiesLinkedTo(ctx, ref)
	if err != nil {
		r.logger.Error("counting link users failed", "ref", ref, "error", err)
		return
	}
	if n > 0 {
		return
	}
	if obj, member, ok := device.SplitReference(ref); ok {
		r.host.RemoveLink(obj, member, r.source)
	}
}

// HandleHostChange forwards a host property change to every enabled entity
// linked to it. With no linked entity left, the host link is released.
func (r *Resolver) HandleHostChange(ctx context.Context, object, property string, value any, lookup SessionLookup) error {
	ref := device.JoinReference(object, property)
	entities, err := r.store.ListEntitiesLinkedTo(ctx, ref)
	if err != nil {
		return fmt.Errorf("listing entities linked to %s: %w", ref, err)
	}
	if len(entities) == 0 {
		r.logger.Debug("no entity linked, releasing", "ref", ref)
		r.host.RemoveLink(object, property, r.source)
		return nil
	}

	for i := range entities {
		e := &entities[i]
		cmd := lookup(e.DeviceName)
		if cmd == nil {
			r.logger.Debug("device not connected, dropping host change", "device", e.DeviceName, "entity", e.UniqueID)
			continue
		}
		field := subFieldFor(e.Links, ref)
		if !r.dispatch(cmd, e, field, value) {
			r.logger.Warn("command not dispatched",
				"device", e.DeviceName, "entity", e.UniqueID, "field", field, "ref", ref)
		}
	}
	return nil
}

// SyncExternal sends the current value of the property linked to field on
// an external entity, answering a device's subscription. It returns false
// when the field is unlinked or does not resolve to a property.
func (r *Resolver) SyncExternal(e *device.Entity, field string, cmd device.Commander) bool {
	ref := e.Links[field]
	if ref == "" || cmd == nil {
		return false
	}
	res := r.host.ResolveReference(ref)
	if res.Kind != Property {
		return false
	}
	v, ok := r.host.GetProperty(res.Object, res.Member)
	if !ok {
		return false
	}
	return r.dispatch(cmd, e, field, v)
}

// subFieldFor returns the single sub-field linked to ref, or "state" when
// none or several are.
func subFieldFor(links device.Links, ref string) string {
	fields := links.SubFieldsFor(ref)
	if len(fields) == 1 {
		return fields[0]
	}
	return device.FieldState
}

func (r *Resolver) dispatch(cmd device.Commander, e *device.Entity, field string, value any) bool {
	switch e.Type {
	case device.EntityTypeSwitch:
		return cmd.SetSwitch(e.Key, CoerceBool(value))

	case device.EntityTypeNumber:
		f, ok := parseNumber(value)
		if !ok {
			r.logger.Warn("non-numeric value for number entity", "entity", e.UniqueID, "value", value)
			return false
		}
		return cmd.SetNumber(e.Key, f)

	case device.EntityTypeText, device.EntityTypeTextSensor:
		return cmd.SetText(e.Key, stringify(value))

	case device.EntityTypeLight:
		if field == device.FieldState {
			return cmd.SetLight(e.Key, device.LightCommand{State: CoerceBool(value)})
		}
		return cmd.SetLight(e.Key, r.lightCommand(e, field, value))

	case device.EntityTypeCover:
		return cmd.SetCover(e.Key, coverCommand(value))

	case device.EntityTypeExternal:
		attr := field
		if attr == device.FieldState {
			attr = ""
		}
		return cmd.SendExternalState(e.UniqueID, attr, stringify(value))

	default:
		r.logger.Debug("entity type is read-only", "entity", e.UniqueID, "type", e.Type)
		return false
	}
}

// lightCommand rebuilds a full light command from every linked sub-field,
// using value for the one that changed.
func (r *Resolver) lightCommand(e *device.Entity, changed string, value any) device.LightCommand {
	current := func(field string) (any, bool) {
		if field == changed {
			return value, true
		}
		ref := e.Links[field]
		if ref == "" {
			return nil, false
		}
		res := r.host.ResolveReference(ref)
		if res.Kind != Property {
			return nil, false
		}
		return r.host.GetProperty(res.Object, res.Member)
	}

	cmd := device.LightCommand{State: true}
	if v, ok := current(device.FieldState); ok {
		cmd.State = CoerceBool(v)
	}
	if v, ok := current(device.FieldBrightness); ok {
		if f, ok := parseNumber(v); ok {
			b := f / 100
			cmd.Brightness = &b
		}
	}
	if v, ok := current(device.FieldRGB); ok {
		if hex, isStr := v.(string); isStr {
			rgb, err := HexToRGBFloat(hex)
			if err != nil {
				r.logger.Warn("invalid rgb value", "entity", e.UniqueID, "value", hex)
			} else {
				cmd.RGB = &rgb
			}
		}
	}
	return cmd
}

func coverCommand(value any) device.CoverCommand {
	switch strings.ToLower(strings.TrimSpace(stringify(value))) {
	case "open", "1", "true":
		pos := 1.0
		return device.CoverCommand{Position: &pos}
	case "close", "0", "false":
		pos := 0.0
		return device.CoverCommand{Position: &pos}
	}
	return device.CoverCommand{Stop: true}
}

// Notifiers fans a broadcast out to several notifiers.
type Notifiers []Notifier

// Broadcast implements Notifier.
func (ns Notifiers) Broadcast(channel string, payload any) {
	for _, n := range ns {
		n.Broadcast(channel, payload)
	}
}
