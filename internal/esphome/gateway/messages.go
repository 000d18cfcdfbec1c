package gateway

import (
	"encoding/json"
	"time"

	"github.com/nerrad567/gray-logic-esphome/internal/device"
)

// Request actions.
const (
	ActionConnect                 = "connect"
	ActionDeviceInfo              = "device_info"
	ActionListEntities            = "list_entities"
	ActionSubscribeStates         = "subscribe_states"
	ActionSubscribeExternalStates = "subscribe_external_states"
	ActionDisconnect              = "disconnect"
)

// Command kinds.
const (
	CommandSwitch        = "switch"
	CommandNumber        = "number"
	CommandText          = "text"
	CommandLight         = "light"
	CommandCover         = "cover"
	CommandExternalState = "external_state"
)

// Event types published by the gateway.
const (
	EventExternalStateSubscribe = "external_state_subscribe"
	EventServiceCall            = "service_call"
)

// Health statuses published by the gateway.
const (
	HealthConnected    = "connected"
	HealthDisconnected = "disconnected"
)

// RequestMessage is sent from the hub to the gateway.
// Topic: graylogic/request/{protocol}/{device}
type RequestMessage struct {
	// ID correlates the response.
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	Device    string    `json:"device"`
	Timestamp time.Time `json:"timestamp"`

	// Target is only set for ActionConnect.
	Target *TargetPayload `json:"target,omitempty"`
}

// TargetPayload tells the gateway where and how to connect.
type TargetPayload struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Password   string `json:"password,omitempty"`
	ClientInfo string `json:"client_info,omitempty"`
}

// ResponseMessage answers one request.
// Topic: graylogic/response/{protocol}/{request_id}
type ResponseMessage struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// EntityPayload is one entry of a list_entities response.
type EntityPayload struct {
	ObjectID         string `json:"object_id"`
	Key              uint32 `json:"key"`
	Name             string `json:"name"`
	Type             string `json:"type"`
	DeviceClass      string `json:"device_class,omitempty"`
	Unit             string `json:"unit_of_measurement,omitempty"`
	Icon             string `json:"icon,omitempty"`
	AccuracyDecimals *int   `json:"accuracy_decimals,omitempty"`
}

// Discovered converts the payload to a discovery descriptor.
func (p EntityPayload) Discovered() device.Discovered {
	return device.Discovered{
		UniqueID:         p.ObjectID,
		Key:              p.Key,
		Name:             p.Name,
		Type:             entityType(p.Type),
		DeviceClass:      p.DeviceClass,
		Unit:             p.Unit,
		Icon:             p.Icon,
		AccuracyDecimals: p.AccuracyDecimals,
	}
}

// entityType maps the gateway's type names onto entity types. Unknown
// names pass through and are rejected during reconciliation.
func entityType(s string) device.EntityType {
	switch s {
	case "text_sensor":
		return device.EntityTypeTextSensor
	case "binarysensor":
		return device.EntityTypeBinarySensor
	}
	return device.EntityType(s)
}

// CommandMessage is a fire-and-forget entity command.
// Topic: graylogic/command/{protocol}/{device}
type CommandMessage struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Device    string    `json:"device"`
	Command   string    `json:"command"`
	Key       uint32    `json:"key,omitempty"`

	State      *bool       `json:"state,omitempty"`
	Value      any         `json:"value,omitempty"`
	Brightness *float64    `json:"brightness,omitempty"`
	RGB        *[3]float64 `json:"rgb,omitempty"`
	Position   *float64    `json:"position,omitempty"`
	Stop       bool        `json:"stop,omitempty"`
	EntityID   string      `json:"entity_id,omitempty"`
	Attribute  string      `json:"attribute,omitempty"`
}

// StateMessage is a state push from a device.
// Topic: graylogic/state/{protocol}/{device}
type StateMessage struct {
	Key    uint32         `json:"key"`
	Fields map[string]any `json:"fields"`
}

// EventMessage carries a device-initiated request.
// Topic: graylogic/event/{protocol}/{device}
type EventMessage struct {
	Type      string         `json:"type"`
	EntityID  string         `json:"entity_id,omitempty"`
	Attribute string         `json:"attribute,omitempty"`
	Service   string         `json:"service,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	IsEvent   bool           `json:"is_event,omitempty"`
}

// HealthMessage is the gateway's view of one device connection.
// Topic: graylogic/health/{protocol}/{device}
type HealthMessage struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
