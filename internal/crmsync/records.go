package crmsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/crmsync/internal/database"
)

// RecordStore is the internal side of the sync: the contact/deal records
// the rest of the product edits.
type RecordStore struct {
	db  *database.DB
	now func() time.Time
}

func NewRecordStore(db *database.DB) *RecordStore {
	return &RecordStore{db: db, now: utcNow}
}

func (s *RecordStore) Get(ctx context.Context, key EntityKey) (Record, error) {
	return s.get(ctx, s.db, key)
}

func (s *RecordStore) get(ctx context.Context, db database.Queryer, key EntityKey) (Record, error) {
	row := db.QueryRowContext(ctx, `
		SELECT workspace_id, entity_type, id, fields, field_times, deleted, created_at, updated_at
		FROM crm_records WHERE workspace_id = ? AND entity_type = ? AND id = ?`,
		key.WorkspaceID, string(key.EntityType), key.EntityID)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return record, err
}

type RecordFilter struct {
	WorkspaceID string
	EntityType  EntityType
	IDs         []string
	Limit       int
}

// List returns live (not tombstoned) records.
func (s *RecordStore) List(ctx context.Context, filter RecordFilter) ([]Record, error) {
	query := `SELECT workspace_id, entity_type, id, fields, field_times, deleted, created_at, updated_at
		FROM crm_records WHERE workspace_id = ? AND entity_type = ? AND deleted = 0`
	args := []any{filter.WorkspaceID, string(filter.EntityType)}
	if len(filter.IDs) > 0 {
		placeholders := make([]string, len(filter.IDs))
		for i, id := range filter.IDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		query += " AND id IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (s *RecordStore) create(ctx context.Context, db database.Queryer, workspaceID string, entityType EntityType, id string, fields Fields) (Record, error) {
	if strings.TrimSpace(workspaceID) == "" || entityType == "" {
		return Record{}, fmt.Errorf("%w: workspace and entity type are required", ErrInvalidInput)
	}
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now()
	record := Record{
		WorkspaceID:    workspaceID,
		EntityType:     entityType,
		ID:             id,
		Fields:         fields.Clone(),
		FieldUpdatedAt: map[string]time.Time{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for field := range record.Fields {
		record.FieldUpdatedAt[field] = now
	}
	fieldsJSON, timesJSON, err := encodeRecord(record)
	if err != nil {
		return Record{}, err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO crm_records (workspace_id, entity_type, id, fields, field_times, deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		workspaceID, string(entityType), id, fieldsJSON, timesJSON, millis(now), millis(now))
	if err != nil {
		return Record{}, fmt.Errorf("create record: %w", err)
	}
	return s.get(ctx, db, record.Key())
}

// update merges patch into the record and returns the fields whose value
// actually changed. A no-op patch does not touch the row.
func (s *RecordStore) update(ctx context.Context, db database.Queryer, key EntityKey, patch Fields) (Record, []string, error) {
	record, err := s.get(ctx, db, key)
	if err != nil {
		return Record{}, nil, err
	}
	if record.Deleted {
		return Record{}, nil, ErrNotFound
	}
	now := s.now()
	var changed []string
	for field, value := range patch {
		if current, ok := record.Fields[field]; ok && valuesEqual(current, value) {
			continue
		}
		record.Fields[field] = value
		record.FieldUpdatedAt[field] = now
		changed = append(changed, field)
	}
	if len(changed) == 0 {
		return record, nil, nil
	}
	sort.Strings(changed)
	record.UpdatedAt = now
	fieldsJSON, timesJSON, err := encodeRecord(record)
	if err != nil {
		return Record{}, nil, err
	}
	_, err = db.ExecContext(ctx, `
		UPDATE crm_records SET fields = ?, field_times = ?, updated_at = ?
		WHERE workspace_id = ? AND entity_type = ? AND id = ?`,
		fieldsJSON, timesJSON, millis(now), key.WorkspaceID, string(key.EntityType), key.EntityID)
	if err != nil {
		return Record{}, nil, fmt.Errorf("update record: %w", err)
	}
	record, err = s.get(ctx, db, key)
	return record, changed, err
}

func (s *RecordStore) markDeleted(ctx context.Context, db database.Queryer, key EntityKey) error {
	res, err := db.ExecContext(ctx, `
		UPDATE crm_records SET deleted = 1, updated_at = ?
		WHERE workspace_id = ? AND entity_type = ? AND id = ? AND deleted = 0`,
		millis(s.now()), key.WorkspaceID, string(key.EntityType), key.EntityID)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if database.RowsAffected(res) != 1 {
		return ErrNotFound
	}
	return nil
}

func encodeRecord(record Record) (string, string, error) {
	fieldsJSON, err := json.Marshal(record.Fields)
	if err != nil {
		return "", "", fmt.Errorf("%w: fields: %v", ErrInvalidInput, err)
	}
	times := make(map[string]int64, len(record.FieldUpdatedAt))
	for field, at := range record.FieldUpdatedAt {
		times[field] = millis(at)
	}
	timesJSON, err := json.Marshal(times)
	if err != nil {
		return "", "", err
	}
	return string(fieldsJSON), string(timesJSON), nil
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		record               Record
		entityType           string
		fieldsJSON, times    string
		deleted              int
		createdAt, updatedAt int64
	)
	if err := row.Scan(&record.WorkspaceID, &entityType, &record.ID, &fieldsJSON, &times, &deleted, &createdAt, &updatedAt); err != nil {
		return Record{}, err
	}
	record.EntityType = EntityType(entityType)
	record.Deleted = deleted != 0
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	if err := json.Unmarshal([]byte(fieldsJSON), &record.Fields); err != nil {
		return Record{}, fmt.Errorf("decode record fields: %w", err)
	}
	if record.Fields == nil {
		record.Fields = Fields{}
	}
	var fieldTimes map[string]int64
	if err := json.Unmarshal([]byte(times), &fieldTimes); err != nil {
		return Record{}, fmt.Errorf("decode record field times: %w", err)
	}
	record.FieldUpdatedAt = make(map[string]time.Time, len(fieldTimes))
	for field, at := range fieldTimes {
		record.FieldUpdatedAt[field] = fromMillis(at)
	}
	return record, nil
}
