package database

import (
	"context"
	"fmt"
	"time"
)

// migrations is an ordered list of schema versions. Each entry runs in its
// own transaction and is recorded in schema_migrations. All timestamps are
// unix milliseconds so the same statements work on SQLite and PostgreSQL.
var migrations = [][]string{
	// 1: internal records and the explicit mapping table.
	{
		`CREATE TABLE IF NOT EXISTS crm_records (
			workspace_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			id TEXT NOT NULL,
			fields TEXT NOT NULL,
			field_times TEXT NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (workspace_id, entity_type, id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_entities (
			workspace_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			internal_id TEXT NOT NULL,
			external_id TEXT,
			last_synced_hash TEXT NOT NULL DEFAULT '',
			last_synced_at BIGINT NOT NULL DEFAULT 0,
			direction TEXT NOT NULL,
			baseline TEXT NOT NULL DEFAULT '{}',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (workspace_id, entity_type, internal_id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_entities_external
			ON sync_entities (workspace_id, entity_type, external_id)`,
	},
	// 2: queue, locks, conflicts.
	{
		`CREATE TABLE IF NOT EXISTS sync_queue (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			direction TEXT NOT NULL,
			payload TEXT NOT NULL,
			priority INTEGER NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			error_kind TEXT NOT NULL DEFAULT '',
			claim_token TEXT NOT NULL DEFAULT '',
			claimed_until BIGINT NOT NULL DEFAULT 0,
			available_at BIGINT NOT NULL,
			conflict_id TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			processed_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_claim
			ON sync_queue (status, available_at, priority, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_workspace
			ON sync_queue (workspace_id, status, updated_at)`,
		`CREATE TABLE IF NOT EXISTS sync_locks (
			workspace_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			holder_token TEXT NOT NULL,
			acquired_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			PRIMARY KEY (workspace_id, entity_type, entity_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_conflicts (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			external_id TEXT NOT NULL DEFAULT '',
			internal_snapshot TEXT NOT NULL,
			external_snapshot TEXT NOT NULL,
			baseline TEXT NOT NULL,
			diffs TEXT NOT NULL,
			status TEXT NOT NULL,
			strategy TEXT NOT NULL DEFAULT '',
			resolved_data TEXT NOT NULL DEFAULT '',
			resolved_by TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			resolved_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_conflicts_pending
			ON sync_conflicts (workspace_id, entity_type, entity_id) WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS idx_sync_conflicts_status
			ON sync_conflicts (workspace_id, status, created_at)`,
	},
	// 3: webhook events and metrics rollup.
	{
		`CREATE TABLE IF NOT EXISTS webhook_events (
			account_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			external_id TEXT NOT NULL,
			change_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			available_at BIGINT NOT NULL,
			received_at BIGINT NOT NULL,
			processed_at BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (account_id, event_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_events_status
			ON webhook_events (status, available_at, received_at)`,
		`CREATE TABLE IF NOT EXISTS sync_metrics (
			workspace_id TEXT NOT NULL,
			day TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			attempted BIGINT NOT NULL DEFAULT 0,
			succeeded BIGINT NOT NULL DEFAULT 0,
			failed BIGINT NOT NULL DEFAULT 0,
			conflicts BIGINT NOT NULL DEFAULT 0,
			dead_lettered BIGINT NOT NULL DEFAULT 0,
			latency_ms_total BIGINT NOT NULL DEFAULT 0,
			latency_count BIGINT NOT NULL DEFAULT 0,
			closed INTEGER NOT NULL DEFAULT 0,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (workspace_id, day, entity_type)
		)`,
	},
	// 4: workspace and per-object settings.
	{
		`CREATE TABLE IF NOT EXISTS sync_workspaces (
			workspace_id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL DEFAULT '',
			webhook_secret TEXT NOT NULL DEFAULT '',
			delete_policy TEXT NOT NULL DEFAULT 'mapping_only',
			auto_resolve TEXT NOT NULL DEFAULT '',
			updated_at BIGINT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_workspaces_account
			ON sync_workspaces (account_id) WHERE account_id <> ''`,
		`CREATE TABLE IF NOT EXISTS sync_object_settings (
			workspace_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			direction TEXT NOT NULL,
			rules TEXT NOT NULL DEFAULT '[]',
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (workspace_id, entity_type)
		)`,
	},
	// 5: webhook claim tokens and unfinished-create lookups.
	{
		`ALTER TABLE webhook_events ADD COLUMN claim_token TEXT NOT NULL DEFAULT ''`,
		`CREATE INDEX IF NOT EXISTS idx_sync_entities_unmapped
			ON sync_entities (workspace_id, entity_type, updated_at) WHERE external_id IS NULL`,
	},
}

// Migrate runs all pending schema migrations.
func Migrate(ctx context.Context, db *DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for i, stmts := range migrations {
		version := i + 1

		var exists int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		err := db.WithTx(ctx, func(tx *Tx) error {
			for _, stmt := range stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d: %w", version, err)
				}
			}
			if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", version, time.Now().UnixMilli()); err != nil {
				return fmt.Errorf("record migration %d: %w", version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration version.
func SchemaVersion(ctx context.Context, db *DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	return version, nil
}

// OpenMigrated opens the DSN and applies migrations.
func OpenMigrated(ctx context.Context, dsn string) (*DB, error) {
	db, err := Open(dsn)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
