// Package esphome manages connections to ESPHome devices for Gray Logic.
//
// Each enabled device gets one Supervisor, which owns one Session. The
// Manager keeps exactly one supervisor per device name and serialises all
// state changes on a single worker goroutine.
//
// # Architecture
//
//	┌──────────────┐  tasks  ┌──────────────┐        ┌──────────────┐
//	│   Manager    │────────►│  Supervisor  │───────►│   Session    │──► Transport
//	│  (worker)    │◄────────│  (backoff)   │◄───────│ (generation) │◄── (Dialer)
//	└──────┬───────┘ events  └──────────────┘        └──────────────┘
//	       │
//	       ▼
//	  device.Repository, link.Resolver, Notifier
//
// # Wire Protocol
//
// The native API codec is not implemented here. Sessions talk to a device
// through the Dialer and Transport interfaces; package gateway provides an
// implementation that relays requests over MQTT to a protocol gateway.
//
// # Reconnection
//
// A failed connect or a dropped connection schedules a retry after
// min(base * 2^n, max) plus optional jitter. A successful connect resets the
// count. With Backoff.MaxAttempts > 0 the supervisor gives up after that many
// consecutive retries, logs an error and reports the device offline.
//
// # Stale Events
//
// Events carry the generation of the transport that produced them and the
// supervisor that owns it. Anything from a replaced transport or a
// supervisor no longer in the registry is dropped.
//
// # Thread Safety
//
// Manager, Supervisor and Session are safe for concurrent use. Registry is
// owned by the manager's worker.
package esphome
