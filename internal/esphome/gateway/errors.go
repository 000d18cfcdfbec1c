package gateway

import "errors"

var (
	// ErrRequestTimeout is returned when the gateway does not answer in time.
	ErrRequestTimeout = errors.New("gateway: request timed out")

	// ErrRequestFailed wraps an error reported by the gateway.
	ErrRequestFailed = errors.New("gateway: request failed")

	// ErrBrokerUnavailable is returned when the MQTT client is disconnected.
	ErrBrokerUnavailable = errors.New("gateway: broker not connected")

	// ErrTransportClosed is returned for calls on a closed transport.
	ErrTransportClosed = errors.New("gateway: transport closed")
)
