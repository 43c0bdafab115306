package crmsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentworkforce/crmsync/internal/database"
)

const mappingColumns = `workspace_id, entity_type, internal_id, external_id, last_synced_hash, last_synced_at, direction, baseline, created_at, updated_at`

// MappingStore owns sync_entities, the explicit internal-to-external id
// mapping and last-synced baseline. Domain records never carry sync state.
type MappingStore struct {
	db  *database.DB
	now func() time.Time
}

func NewMappingStore(db *database.DB) *MappingStore {
	return &MappingStore{db: db, now: utcNow}
}

func (s *MappingStore) Get(ctx context.Context, key EntityKey) (SyncEntity, error) {
	return s.get(ctx, s.db, key)
}

func (s *MappingStore) get(ctx context.Context, db database.Queryer, key EntityKey) (SyncEntity, error) {
	row := db.QueryRowContext(ctx, "SELECT "+mappingColumns+` FROM sync_entities
		WHERE workspace_id = ? AND entity_type = ? AND internal_id = ?`,
		key.WorkspaceID, string(key.EntityType), key.EntityID)
	entity, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncEntity{}, ErrNotFound
	}
	return entity, err
}

func (s *MappingStore) FindByExternal(ctx context.Context, workspaceID string, entityType EntityType, externalID string) (SyncEntity, error) {
	return s.findByExternal(ctx, s.db, workspaceID, entityType, externalID)
}

func (s *MappingStore) findByExternal(ctx context.Context, db database.Queryer, workspaceID string, entityType EntityType, externalID string) (SyncEntity, error) {
	row := db.QueryRowContext(ctx, "SELECT "+mappingColumns+` FROM sync_entities
		WHERE workspace_id = ? AND entity_type = ? AND external_id = ?`,
		workspaceID, string(entityType), externalID)
	entity, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncEntity{}, ErrNotFound
	}
	return entity, err
}

func (s *MappingStore) List(ctx context.Context, workspaceID string, entityType EntityType) ([]SyncEntity, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+mappingColumns+` FROM sync_entities
		WHERE workspace_id = ? AND entity_type = ? ORDER BY internal_id`,
		workspaceID, string(entityType))
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()
	var out []SyncEntity
	for rows.Next() {
		entity, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entity)
	}
	return out, rows.Err()
}

// upsert records a successful sync: the external id plus the converged
// baseline and its hash.
func (s *MappingStore) upsert(ctx context.Context, db database.Queryer, entity SyncEntity) (SyncEntity, error) {
	if err := entity.Key().validate(); err != nil {
		return SyncEntity{}, err
	}
	now := s.now()
	if entity.Direction == "" {
		entity.Direction = DirectionBidirectional
	}
	if entity.Baseline == nil {
		entity.Baseline = Fields{}
	}
	if entity.LastSyncedHash == "" {
		entity.LastSyncedHash = ContentHash(entity.Baseline)
	}
	if entity.LastSyncedAt.IsZero() {
		entity.LastSyncedAt = now
	}
	baseline, err := json.Marshal(entity.Baseline)
	if err != nil {
		return SyncEntity{}, fmt.Errorf("%w: baseline: %v", ErrInvalidInput, err)
	}
	externalID := sql.NullString{String: entity.ExternalID, Valid: entity.ExternalID != ""}
	_, err = db.ExecContext(ctx, `
		INSERT INTO sync_entities (workspace_id, entity_type, internal_id, external_id, last_synced_hash, last_synced_at,
			direction, baseline, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, entity_type, internal_id) DO UPDATE SET
			external_id = excluded.external_id,
			last_synced_hash = excluded.last_synced_hash,
			last_synced_at = excluded.last_synced_at,
			direction = excluded.direction,
			baseline = excluded.baseline,
			updated_at = excluded.updated_at`,
		entity.WorkspaceID, string(entity.EntityType), entity.InternalID, externalID, entity.LastSyncedHash,
		millis(entity.LastSyncedAt), string(entity.Direction), string(baseline), millis(now), millis(now))
	if err != nil {
		return SyncEntity{}, fmt.Errorf("upsert mapping %s: %w", entity.Key(), err)
	}
	return s.get(ctx, db, entity.Key())
}

// creating reports whether an outbound create for the workspace and type is
// unfinished: its mapping row was reserved after since and has no external
// id yet. Older reservations belong to creates that failed.
func (s *MappingStore) creating(ctx context.Context, db database.Queryer, workspaceID string, entityType EntityType, since time.Time) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_entities
		WHERE workspace_id = ? AND entity_type = ? AND external_id IS NULL AND updated_at >= ?`,
		workspaceID, string(entityType), millis(since)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check unfinished creates: %w", err)
	}
	return count > 0, nil
}

func (s *MappingStore) delete(ctx context.Context, db database.Queryer, key EntityKey) error {
	_, err := db.ExecContext(ctx, `DELETE FROM sync_entities WHERE workspace_id = ? AND entity_type = ? AND internal_id = ?`,
		key.WorkspaceID, string(key.EntityType), key.EntityID)
	if err != nil {
		return fmt.Errorf("delete mapping %s: %w", key, err)
	}
	return nil
}

func scanMapping(row rowScanner) (SyncEntity, error) {
	var (
		entity                          SyncEntity
		entityType, direction, baseline string
		externalID                      sql.NullString
		lastSynced, created, updated    int64
	)
	err := row.Scan(&entity.WorkspaceID, &entityType, &entity.InternalID, &externalID, &entity.LastSyncedHash,
		&lastSynced, &direction, &baseline, &created, &updated)
	if err != nil {
		return SyncEntity{}, err
	}
	entity.EntityType = EntityType(entityType)
	entity.ExternalID = externalID.String
	entity.Direction = Direction(direction)
	entity.LastSyncedAt = fromMillis(lastSynced)
	entity.CreatedAt = fromMillis(created)
	entity.UpdatedAt = fromMillis(updated)
	if err := json.Unmarshal([]byte(baseline), &entity.Baseline); err != nil {
		return SyncEntity{}, fmt.Errorf("decode baseline: %w", err)
	}
	if entity.Baseline == nil {
		entity.Baseline = Fields{}
	}
	return entity, nil
}
