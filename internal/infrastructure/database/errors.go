package database

import "errors"

var (
	// ErrNoPath is returned by Open when no database path is configured.
	ErrNoPath = errors.New("database: path is required")

	// ErrNoDownMigration is returned by MigrateDown when the latest
	// migration has no .down.sql file.
	ErrNoDownMigration = errors.New("database: migration has no down SQL")

	// ErrUnknownMigration is returned by MigrateDown when the applied
	// version is missing from the migration set.
	ErrUnknownMigration = errors.New("database: applied migration not found")
)
