package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpenWithMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "picobot.db")
	log := zap.NewNop().Sugar()

	conn, err := OpenWithMigrations(path, log)
	require.NoError(t, err)
	defer conn.Close()

	for _, table := range []string{"schema_migrations", "schedules", "schedule_executions", "notifications"} {
		var name string
		err := conn.QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
	}

	// Running migrations again is a no-op.
	require.NoError(t, Migrate(conn, log))

	var applied int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied))
	assert.Equal(t, 4, applied)
}

func TestOpenEnablesWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "picobot.db")
	conn, err := Open(path, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer conn.Close()

	// WAL mode is persistent in the database file, so any connection
	// observes it.
	var mode string
	require.NoError(t, conn.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)
}
