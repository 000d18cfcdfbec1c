// Package api provides the HTTP admin API and WebSocket push hub for the
// ESPHome hub.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
//
// # Endpoints
//
// All routes live under /api/v1:
//
//	GET    /health                   liveness and version
//	GET    /metrics                  runtime, session, broker and database metrics
//	GET    /devices                  devices with connected flag and entities
//	POST   /devices                  add a device (connects when enabled)
//	GET    /devices/stats            total, enabled and connected counts
//	GET    /devices/{id}             one device
//	PUT    /devices/{id}             update configuration and link edits
//	DELETE /devices/{id}             disconnect, then delete with entities
//	POST   /devices/{id}/reconnect   recreate the session
//	GET    /search?q=                substring search over devices, entities and links
//	POST   /discovery/scan           browse mDNS
//	POST   /discovery/devices        add a discovered device (dedup host and port)
//	GET    /objects                  host objects and their values
//	PUT    /objects/{object}/{prop}  write a host property
//	GET    /audit                    admin change history (action, target, target_id, limit, offset)
//	GET    /ws?channels=a,b          WebSocket push channel
//
// # Errors
//
// Failures return {"status", "code", "message"}. Configuration errors map
// to 400 validation_error, unknown devices to 404 and duplicate names to
// 409.
//
// Successful changes are recorded in the audit log when Deps.Audit is set.
//
// # Push Channel
//
// The Hub implements link.Notifier. Clients subscribe to channels such as
// device_update and sensor_update, or to "*" for everything, by query
// parameter or with a subscribe message.
package api
