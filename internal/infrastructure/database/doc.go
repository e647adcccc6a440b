// Package database opens the SQLite file behind the event history journal
// and applies its schema migrations.
//
// Migrations are plain SQL files passed in as an fs.FS (the migrations
// package embeds them into the binary). Each version has an .up.sql and,
// optionally, a .down.sql:
//
//	20260101_000000_event_history.up.sql
//	20260101_000000_event_history.down.sql
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// The database file is created with 0600 permissions and all queries use
// parameterised statements.
package database
