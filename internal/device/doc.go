// Package device provides the Entity Store for the ESPHome hub.
//
// It persists ESPHome devices and the entities discovered on them, and
// keeps an index of entity links so the link resolver can answer
// "which entities point at Object.Property" without scanning JSON.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                         Entity Store                          │
//	│                                                               │
//	│  ┌──────────────────┐  ┌──────────────────┐  ┌─────────────┐  │
//	│  │  repository.go   │  │   reconcile.go   │  │  links.go   │  │
//	│  │ • device CRUD    │  │ • merge live     │  │ • links     │  │
//	│  │ • metadata       │  │   enumeration    │  │   column +  │  │
//	│  │ entities.go      │  │ • match on       │  │   index     │  │
//	│  │ • entity lookups │  │   unique_id      │  │ • reverse   │  │
//	│  │ • state swap     │  │                  │  │   lookups   │  │
//	│  └──────────────────┘  └──────────────────┘  └─────────────┘  │
//	└──────────────────────────────────────────────────────────────┘
//	                 │
//	                 ▼
//	   SQLite: devices ─┬─< entities ─┬─< entity_links
//	                    (cascade)      (cascade)
//
// # Identity
//
// A device is identified by its name. An entity is identified by
// (device, unique_id); its numeric key is a session-scoped handle that may
// change after a reconnect or firmware update, so reconciliation never
// matches on it.
//
// # State
//
// Entity state is a small JSON object of sub-fields. Plain entities carry
// {"state": value}; lights carry state, brightness (percent) and rgb (hex).
// ReplaceEntityState reads the old value and writes the new one in a single
// transaction.
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db.DB)
//	res, err := repo.ReconcileEntities(ctx, dev.ID, discovered)
//	old, err := repo.ReplaceEntityState(ctx, entity.ID, device.State{"state": 21.5})
//
// # Thread Safety
//
// SQLiteRepository is safe for concurrent use; the database handle is
// limited to a single connection so transactions serialise.
package device
