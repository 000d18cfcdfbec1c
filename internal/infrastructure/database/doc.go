// Package database provides SQLite connectivity for the ESPHome hub.
//
// It opens the store with foreign keys enforced (device deletion cascades to
// entities and link index rows), optional WAL journaling and a busy timeout,
// and applies embedded schema migrations.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql, and are registered by the migrations package
// through RegisterMigrations.
package database
