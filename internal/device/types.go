package device

import (
	"maps"
	"sort"
	"time"
)

// DefaultPort is the native API port ESPHome devices listen on.
const DefaultPort = 6053

// Device is an ESPHome node registered with the hub.
//
// Name is the durable identity used by the session registry; ID is the
// store's row identifier.
type Device struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Password   string `json:"-"`
	ClientInfo string `json:"client_info,omitempty"`
	Enabled    bool   `json:"enabled"`

	// Observed metadata, refreshed on every successful connection.
	FirmwareVersion string     `json:"firmware_version,omitempty"`
	MACAddress      string     `json:"mac_address,omitempty"`
	Model           string     `json:"model,omitempty"`
	LastSeen        *time.Time `json:"last_seen,omitempty"`

	DiscoveredAt *time.Time `json:"discovered_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Metadata is the device-reported information refreshed on connect.
type Metadata struct {
	FirmwareVersion string
	MACAddress      string
	Model           string
	LastSeen        time.Time
}

// ConnectionChanged reports whether switching from d to other requires the
// live session to be torn down and recreated.
func (d *Device) ConnectionChanged(other *Device) bool {
	return d.Name != other.Name ||
		d.Host != other.Host ||
		d.Port != other.Port ||
		d.Password != other.Password ||
		d.ClientInfo != other.ClientInfo
}

// EntityType classifies an entity by the component it mirrors on the device.
type EntityType string

// Entity types.
const (
	EntityTypeSensor       EntityType = "sensor"
	EntityTypeBinarySensor EntityType = "binary_sensor"
	EntityTypeSwitch       EntityType = "switch"
	EntityTypeLight        EntityType = "light"
	EntityTypeCover        EntityType = "cover"
	EntityTypeNumber       EntityType = "number"
	EntityTypeText         EntityType = "text"
	EntityTypeTextSensor   EntityType = "textsensor"
	// EntityTypeExternal represents automation state or a service call
	// proxied through a device session rather than enumerated from it.
	EntityTypeExternal EntityType = "external"
)

// AllEntityTypes returns every known entity type.
func AllEntityTypes() []EntityType {
	return []EntityType{
		EntityTypeSensor,
		EntityTypeBinarySensor,
		EntityTypeSwitch,
		EntityTypeLight,
		EntityTypeCover,
		EntityTypeNumber,
		EntityTypeText,
		EntityTypeTextSensor,
		EntityTypeExternal,
	}
}

// State is the decoded state of an entity: sub-field name → value.
// Plain entities use the single sub-field "state"; lights add
// "brightness" and "rgb".
type State map[string]any

// Sub-field names used across entity types.
const (
	FieldState      = "state"
	FieldBrightness = "brightness"
	FieldRGB        = "rgb"
)

// Clone returns a shallow copy of the state.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	return maps.Clone(s)
}

// Links maps a state sub-field to a host reference "Object.Member".
// An empty reference means discovered but unlinked.
type Links map[string]string

// Clone returns a copy of the links.
func (l Links) Clone() Links {
	if l == nil {
		return Links{}
	}
	return maps.Clone(l)
}

// SubFieldsFor returns the sub-fields whose reference equals ref, sorted.
func (l Links) SubFieldsFor(ref string) []string {
	var fields []string
	for field, r := range l {
		if r == ref {
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)
	return fields
}

// References returns the distinct non-empty references, sorted.
func (l Links) References() []string {
	seen := make(map[string]struct{}, len(l))
	refs := make([]string, 0, len(l))
	for _, r := range l {
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		refs = append(refs, r)
	}
	sort.Strings(refs)
	return refs
}

// Entity is a single observable or controllable point on a device.
//
// UniqueID is the durable identity within a device; Key is the session's
// volatile handle and may change across reconnects.
type Entity struct {
	ID         int64  `json:"id"`
	DeviceID   int64  `json:"device_id"`
	DeviceName string `json:"device_name,omitempty"`

	UniqueID string     `json:"unique_id"`
	Key      uint32     `json:"key"`
	Name     string     `json:"name"`
	Type     EntityType `json:"type"`

	DeviceClass      string `json:"device_class,omitempty"`
	Unit             string `json:"unit_of_measurement,omitempty"`
	Icon             string `json:"icon,omitempty"`
	AccuracyDecimals *int   `json:"accuracy_decimals,omitempty"`

	State   State `json:"state"`
	Links   Links `json:"links"`
	Enabled bool  `json:"enabled"`

	DiscoveredAt time.Time  `json:"discovered_at"`
	LastUpdated  *time.Time `json:"last_updated,omitempty"`
}

// Discovered is the device-reported description of an entity, as produced
// by enumeration or by reactive external-proxy creation.
type Discovered struct {
	UniqueID         string
	Key              uint32
	Name             string
	Type             EntityType
	DeviceClass      string
	Unit             string
	Icon             string
	AccuracyDecimals *int
}

// ReconcileResult summarises a discovery reconciliation pass.
type ReconcileResult struct {
	Added     int
	Updated   int
	Unchanged int
}

// SearchResult groups devices and entities matching a name query.
type SearchResult struct {
	Devices  []Device `json:"devices"`
	Entities []Entity `json:"entities"`
}
