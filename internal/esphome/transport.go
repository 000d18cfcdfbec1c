package esphome

import (
	"context"
	"net"
	"strconv"

	"github.com/nerrad567/gray-logic-esphome/internal/device"
)

// Target is everything needed to open a session to one device.
type Target struct {
	Name       string
	Host       string
	Port       int
	Password   string
	ClientInfo string
}

// Address returns host:port.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// TargetFor builds a Target from a stored device.
func TargetFor(d *device.Device, clientInfo string) Target {
	ci := d.ClientInfo
	if ci == "" {
		ci = clientInfo
	}
	return Target{
		Name:       d.Name,
		Host:       d.Host,
		Port:       d.Port,
		Password:   d.Password,
		ClientInfo: ci,
	}
}

// DeviceInfo is what a device reports about itself after the handshake.
// Every field is optional.
type DeviceInfo struct {
	Name            string `json:"name,omitempty"`
	FriendlyName    string `json:"friendly_name,omitempty"`
	MACAddress      string `json:"mac_address,omitempty"`
	FirmwareVersion string `json:"esphome_version,omitempty"`
	Model           string `json:"model,omitempty"`
	CompilationTime string `json:"compilation_time,omitempty"`
	HasDeepSleep    bool   `json:"has_deep_sleep,omitempty"`
}

// StateEvent is a raw state push. Fields holds the decoded message as the
// transport received it, keyed by protocol field name ("state",
// "brightness", "red", "missing_state", ...).
type StateEvent struct {
	Key    uint32
	Fields map[string]any
}

// ServiceCall is an automation service call or event issued by a device.
type ServiceCall struct {
	Service string         `json:"service"`
	Data    map[string]any `json:"data,omitempty"`
	IsEvent bool           `json:"is_event,omitempty"`
}

// TransportEvents receives asynchronous transport callbacks. They run on the
// transport's own delivery goroutine, concurrently with command calls.
type TransportEvents struct {
	OnState                  func(StateEvent)
	OnDisconnect             func(error)
	OnExternalStateSubscribe func(entityID, attribute string)
	OnServiceCall            func(ServiceCall)
}

// Dialer opens authenticated transports. The returned transport has
// completed the handshake.
type Dialer interface {
	Dial(ctx context.Context, target Target, events TransportEvents) (Transport, error)
}

// Transport is one live connection to a device.
//
// Command methods are fire-and-forget: a nil error means the command was
// sent, not that the device applied it.
type Transport interface {
	DeviceInfo(ctx context.Context) (DeviceInfo, error)
	ListEntities(ctx context.Context) ([]device.Discovered, error)
	SubscribeStates(ctx context.Context) error
	SubscribeExternalStates(ctx context.Context) error

	SwitchCommand(key uint32, on bool) error
	NumberCommand(key uint32, value float64) error
	TextCommand(key uint32, value string) error
	LightCommand(key uint32, cmd device.LightCommand) error
	CoverCommand(key uint32, cmd device.CoverCommand) error
	SendExternalState(entityID, attribute, state string) error

	Connected() bool
	Close() error
}
