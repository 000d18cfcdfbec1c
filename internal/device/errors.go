package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID or name does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when a device name is already registered.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrEntityNotFound is returned when an entity lookup misses.
	ErrEntityNotFound = errors.New("device: entity not found")

	// ErrValidation wraps every configuration error reported by the
	// validators in this package.
	ErrValidation = errors.New("device: invalid configuration")

	// ErrInvalidName is returned when a device name is empty or too long.
	ErrInvalidName = errors.New("device: invalid name")

	// ErrInvalidAddress is returned when the host or port is unusable.
	ErrInvalidAddress = errors.New("device: invalid address")

	// ErrInvalidEntityType is returned for an entity type outside the enum.
	ErrInvalidEntityType = errors.New("device: invalid entity type")

	// ErrInvalidLink is returned when a link reference is malformed.
	ErrInvalidLink = errors.New("device: invalid link reference")
)
