package esphome

import "errors"

var (
	// ErrNotConnected is returned when an operation needs a live transport.
	ErrNotConnected = errors.New("esphome: not connected")

	// ErrConnectionLost is returned when the device drops mid-handshake.
	ErrConnectionLost = errors.New("esphome: connection lost during handshake")

	// ErrSessionClosed is returned by Connect after Disconnect.
	ErrSessionClosed = errors.New("esphome: session closed")

	// ErrSuperseded is returned when a newer Connect replaced this one.
	ErrSuperseded = errors.New("esphome: connect superseded")

	// ErrManagerStopped is returned once the session manager has stopped.
	ErrManagerStopped = errors.New("esphome: manager stopped")

	// ErrMissingDependency is returned by NewManager for a nil collaborator.
	ErrMissingDependency = errors.New("esphome: missing dependency")

	// ErrEntityMismatch is returned when a link edit names an entity that
	// belongs to another device.
	ErrEntityMismatch = errors.New("esphome: entity does not belong to device")
)
