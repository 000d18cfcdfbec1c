// Package native implements esphome.Dialer over the ESPHome native API.
//
// Each transport is one TCP connection speaking the plaintext framing:
//
//	0x00 | varint body length | varint message type | protobuf body
//
// Bodies are encoded and decoded field by field with protowire, covering
// the hello and password handshake, device info, entity listing, state
// pushes, entity commands, automation state subscriptions and service
// calls. The read goroutine answers pings and time requests; a device
// silent for two keepalive periods is dropped.
//
// Noise-encrypted devices are refused with ErrEncryptionRequired; use the
// MQTT gateway transport for those.
package native
