package native

import "errors"

var (
	// ErrEncryptionRequired is returned when the device only speaks the
	// Noise-encrypted protocol.
	ErrEncryptionRequired = errors.New("native: device requires api encryption")

	// ErrProtocol wraps a malformed frame or message.
	ErrProtocol = errors.New("native: protocol error")

	// ErrInvalidPassword is returned when the device rejects the password.
	ErrInvalidPassword = errors.New("native: invalid password")

	// ErrRequestTimeout is returned when the device does not answer in time.
	ErrRequestTimeout = errors.New("native: request timed out")

	// ErrKeepaliveTimeout drops a connection that stopped answering pings.
	ErrKeepaliveTimeout = errors.New("native: keepalive timeout")

	// ErrDeviceDisconnected is returned when the device asks to disconnect.
	ErrDeviceDisconnected = errors.New("native: device requested disconnect")

	// ErrClosed is returned for requests on a closed connection.
	ErrClosed = errors.New("native: connection closed")
)
