package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebindPostgresPlaceholders(t *testing.T) {
	got := Rebind(DialectPostgres, "SELECT * FROM t WHERE a = ? AND b = '?' AND c IN (?, ?)")
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = '?' AND c IN ($2, $3)", got)
}

func TestRebindSQLiteUnchanged(t *testing.T) {
	query := "UPDATE t SET a = ? WHERE id = ?"
	assert.Equal(t, query, Rebind(DialectSQLite, query))
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	_, err := Open("redis://localhost:6379")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidDSN))

	_, err = Open("  ")
	assert.True(t, errors.Is(err, ErrInvalidDSN))
}

func TestOpenMemoryAndMigrate(t *testing.T) {
	ctx := context.Background()
	db, err := Open("memory://")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	assert.Equal(t, DialectSQLite, db.Dialect())

	for i := 0; i < 2; i++ {
		require.NoError(t, Migrate(ctx, db), "migrate run %d", i+1)
	}
	version, err := SchemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)

	for _, table := range []string{"sync_queue", "sync_locks", "sync_conflicts", "webhook_events", "sync_metrics", "sync_entities"} {
		var count int
		err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		require.NoError(t, err, "table %s", table)
	}
}

func TestOpenFileDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "crmsync.db")
	db, err := OpenMigrated(ctx, "file://"+path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var mode string
	require.NoError(t, db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	db, err := OpenMigrated(ctx, "memory://")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	boom := errors.New("boom")
	err = db.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO sync_locks (workspace_id, entity_type, entity_id, holder_token, acquired_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)",
			"ws", "person", "p1", "tok", 1, 2); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_locks").Scan(&count))
	assert.Zero(t, count)
}

func TestIsUniqueViolation(t *testing.T) {
	ctx := context.Background()
	db, err := OpenMigrated(ctx, "memory://")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	insert := "INSERT INTO sync_entities (workspace_id, entity_type, internal_id, external_id, direction, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)"
	_, err = db.ExecContext(ctx, insert, "ws", "person", "p1", "501", "bidirectional", 1, 1)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, insert, "ws", "person", "p2", "501", "bidirectional", 1, 1)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
	assert.True(t, IsUniqueViolation(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsUniqueViolation(errors.New("UNIQUE but not a driver error")))
	assert.False(t, IsUniqueViolation(nil))
}
