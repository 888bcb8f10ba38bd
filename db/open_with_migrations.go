package db

import (
	"database/sql"

	"go.uber.org/zap"

	"github.com/picobot/picobot/errors"
)

// OpenWithMigrations opens the database and brings the schema up to date.
// This is the entry point used by cmd wiring and tests.
func OpenWithMigrations(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	database, err := Open(path, logger)
	if err != nil {
		return nil, err
	}

	if err := Migrate(database, logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "migrate database at %s", path)
	}

	return database, nil
}
