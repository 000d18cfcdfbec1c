// Package gateway implements esphome.Dialer over MQTT.
//
// The ESPHome native API codec runs in a separate protocol gateway. The hub
// sends it requests and commands on the broker and receives state pushes,
// device events and connection health back:
//
//	hub → graylogic/request/esphome/{device}    connect, device_info, list_entities, ...
//	hub ← graylogic/response/esphome/{id}       correlated by request ID
//	hub → graylogic/command/esphome/{device}    switch, light, cover, external_state, ...
//	hub ← graylogic/state/esphome/{device}      {"key": 1, "fields": {...}}
//	hub ← graylogic/event/esphome/{device}      external_state_subscribe, service_call
//	hub ← graylogic/health/esphome/{device}     connected / disconnected
//
// Requests time out after config.GatewayConfig.RequestTimeout. A
// "disconnected" health message drops the transport, which the session
// supervisor turns into a reconnect.
package gateway
