package crmsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/crmsync/internal/database"
)

// DetectConflicts compares both sides of one entity against the last-synced
// baseline. Only fields that changed on at least one side are returned. A
// side that omits a field has not changed it.
func DetectConflicts(baseline, internal, external Fields, fields []string, internalTimes, externalTimes map[string]time.Time) []FieldDiff {
	var diffs []FieldDiff
	for _, field := range fields {
		base, hasBase := baseline[field]
		in, hasIn := internal[field]
		ex, hasEx := external[field]
		internalChanged := hasIn && (!hasBase || !valuesEqual(base, in))
		externalChanged := hasEx && (!hasBase || !valuesEqual(base, ex))
		if !internalChanged && !externalChanged {
			continue
		}
		diff := FieldDiff{
			Field:           field,
			Baseline:        base,
			Internal:        in,
			External:        ex,
			InternalChanged: internalChanged,
			ExternalChanged: externalChanged,
			Conflicting:     internalChanged && externalChanged && !valuesEqual(in, ex),
		}
		if internalChanged {
			diff.InternalChangedAt = internalTimes[field]
		}
		if externalChanged {
			diff.ExternalChangedAt = externalTimes[field]
		}
		diffs = append(diffs, diff)
	}
	return diffs
}

func HasConflict(diffs []FieldDiff) bool {
	for _, diff := range diffs {
		if diff.Conflicting {
			return true
		}
	}
	return false
}

// MergeFields resolves every diff by field-level union: one-sided changes
// keep that side's value, two-sided changes keep the more recently changed
// side, with ties going to the internal value.
func MergeFields(diffs []FieldDiff) Fields {
	merged := Fields{}
	for _, diff := range diffs {
		switch {
		case diff.InternalChanged && !diff.ExternalChanged:
			merged[diff.Field] = diff.Internal
		case diff.ExternalChanged && !diff.InternalChanged:
			merged[diff.Field] = diff.External
		case diff.ExternalChangedAt.After(diff.InternalChangedAt):
			merged[diff.Field] = diff.External
		default:
			merged[diff.Field] = diff.Internal
		}
	}
	return merged
}

func overlay(base Fields, patches ...Fields) Fields {
	out := base.Clone()
	for _, patch := range patches {
		for k, v := range patch {
			out[k] = v
		}
	}
	return out
}

// differing returns the fields of want whose value differs from have.
func differing(want, have Fields) Fields {
	out := Fields{}
	for k, v := range want {
		if current, ok := have[k]; ok && valuesEqual(current, v) {
			continue
		}
		out[k] = v
	}
	return out
}

const conflictColumns = `id, workspace_id, entity_type, entity_id, external_id, internal_snapshot, external_snapshot, baseline, diffs,
	status, strategy, resolved_data, resolved_by, created_at, updated_at, resolved_at`

type ConflictStore struct {
	db  *database.DB
	now func() time.Time
}

func NewConflictStore(db *database.DB) *ConflictStore {
	return &ConflictStore{db: db, now: utcNow}
}

// record stores a pending conflict. An entity has at most one pending
// conflict; when one exists it is returned with created=false.
func (s *ConflictStore) record(ctx context.Context, db database.Queryer, conflict SyncConflict) (SyncConflict, bool, error) {
	now := s.now()
	conflict.ID = uuid.NewString()
	conflict.Status = ConflictPending
	conflict.CreatedAt = now
	conflict.UpdatedAt = now
	var encoded [4][]byte
	for i, value := range []any{conflict.InternalSnapshot, conflict.ExternalSnapshot, conflict.Baseline, conflict.Diffs} {
		raw, err := json.Marshal(value)
		if err != nil {
			return SyncConflict{}, false, fmt.Errorf("encode conflict %s: %w", conflict.Key(), err)
		}
		encoded[i] = raw
	}
	internal, external, baseline, diffs := encoded[0], encoded[1], encoded[2], encoded[3]
	res, err := db.ExecContext(ctx, `
		INSERT INTO sync_conflicts (id, workspace_id, entity_type, entity_id, external_id, internal_snapshot, external_snapshot,
			baseline, diffs, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)
		ON CONFLICT DO NOTHING`,
		conflict.ID, conflict.WorkspaceID, string(conflict.EntityType), conflict.EntityID, conflict.ExternalID,
		string(internal), string(external), string(baseline), string(diffs), millis(now), millis(now))
	if err != nil {
		return SyncConflict{}, false, fmt.Errorf("record conflict: %w", err)
	}
	if database.RowsAffected(res) == 0 {
		existing, err := s.pendingFor(ctx, db, conflict.Key())
		return existing, false, err
	}
	return conflict, true, nil
}

func (s *ConflictStore) Get(ctx context.Context, workspaceID, id string) (SyncConflict, error) {
	conflict, err := scanConflict(s.db.QueryRowContext(ctx, "SELECT "+conflictColumns+" FROM sync_conflicts WHERE id = ? AND workspace_id = ?", id, workspaceID))
	if errors.Is(err, sql.ErrNoRows) {
		return SyncConflict{}, ErrNotFound
	}
	return conflict, err
}

func (s *ConflictStore) PendingFor(ctx context.Context, key EntityKey) (SyncConflict, error) {
	return s.pendingFor(ctx, s.db, key)
}

func (s *ConflictStore) pendingFor(ctx context.Context, db database.Queryer, key EntityKey) (SyncConflict, error) {
	conflict, err := scanConflict(db.QueryRowContext(ctx, "SELECT "+conflictColumns+` FROM sync_conflicts
		WHERE workspace_id = ? AND entity_type = ? AND entity_id = ? AND status = 'pending'`,
		key.WorkspaceID, string(key.EntityType), key.EntityID))
	if errors.Is(err, sql.ErrNoRows) {
		return SyncConflict{}, ErrNotFound
	}
	return conflict, err
}

type ConflictFilter struct {
	WorkspaceID string
	Status      ConflictStatus
	EntityType  EntityType
	Limit       int
}

func (s *ConflictStore) List(ctx context.Context, filter ConflictFilter) ([]SyncConflict, error) {
	where := []string{"workspace_id = ?"}
	args := []any{filter.WorkspaceID}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, string(filter.EntityType))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, "SELECT "+conflictColumns+" FROM sync_conflicts WHERE "+
		strings.Join(where, " AND ")+" ORDER BY created_at DESC, id LIMIT ?", args...)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()
	var out []SyncConflict
	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conflict)
	}
	return out, rows.Err()
}

func (s *ConflictStore) close(ctx context.Context, db database.Queryer, conflict SyncConflict) (SyncConflict, error) {
	now := s.now()
	resolved := ""
	if conflict.ResolvedData != nil {
		encoded, err := json.Marshal(conflict.ResolvedData)
		if err != nil {
			return SyncConflict{}, err
		}
		resolved = string(encoded)
	}
	res, err := db.ExecContext(ctx, `
		UPDATE sync_conflicts SET status = ?, strategy = ?, resolved_data = ?, resolved_by = ?, resolved_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		string(conflict.Status), string(conflict.Strategy), resolved, conflict.ResolvedBy, millis(now), millis(now), conflict.ID)
	if err != nil {
		return SyncConflict{}, fmt.Errorf("close conflict %s: %w", conflict.ID, err)
	}
	if database.RowsAffected(res) != 1 {
		return SyncConflict{}, ErrConflictClosed
	}
	conflict.UpdatedAt = now
	conflict.ResolvedAt = &now
	return conflict, nil
}

func scanConflict(row rowScanner) (SyncConflict, error) {
	var (
		conflict                            SyncConflict
		entityType, status, strategy        string
		internal, external, baseline, diffs string
		resolved                            string
		createdAt, updatedAt, resolvedAt    int64
	)
	err := row.Scan(&conflict.ID, &conflict.WorkspaceID, &entityType, &conflict.EntityID, &conflict.ExternalID,
		&internal, &external, &baseline, &diffs, &status, &strategy, &resolved, &conflict.ResolvedBy,
		&createdAt, &updatedAt, &resolvedAt)
	if err != nil {
		return SyncConflict{}, err
	}
	conflict.EntityType = EntityType(entityType)
	conflict.Status = ConflictStatus(status)
	conflict.Strategy = Strategy(strategy)
	conflict.CreatedAt = fromMillis(createdAt)
	conflict.UpdatedAt = fromMillis(updatedAt)
	conflict.ResolvedAt = optionalMillis(resolvedAt)
	for _, part := range []struct {
		raw string
		dst any
	}{
		{internal, &conflict.InternalSnapshot},
		{external, &conflict.ExternalSnapshot},
		{baseline, &conflict.Baseline},
		{diffs, &conflict.Diffs},
	} {
		if err := json.Unmarshal([]byte(part.raw), part.dst); err != nil {
			return SyncConflict{}, fmt.Errorf("decode conflict %s: %w", conflict.ID, err)
		}
	}
	if resolved != "" {
		if err := json.Unmarshal([]byte(resolved), &conflict.ResolvedData); err != nil {
			return SyncConflict{}, fmt.Errorf("decode conflict %s resolution: %w", conflict.ID, err)
		}
	}
	return conflict, nil
}

// Resolver turns a conflict decision into new queue items. It never writes
// either system itself, so resolutions go through the dispatcher's retry
// and dead-letter handling like any other change.
type Resolver struct {
	db        *database.DB
	conflicts *ConflictStore
	queue     *Queue
	locks     *LockManager
	lockTTL   time.Duration
	logger    *slog.Logger
}

type ResolveRequest struct {
	WorkspaceID string
	ConflictID  string
	Strategy    Strategy
	// Manual, when set with StrategyMerge, replaces the computed merge for
	// the fields it names.
	Manual     Fields
	ResolvedBy string
}

type Resolution struct {
	Conflict SyncConflict    `json:"conflict"`
	Enqueued []SyncQueueItem `json:"enqueued"`
}

type BulkResolution struct {
	Resolved []Resolution     `json:"resolved"`
	Failed   map[string]string `json:"failed,omitempty"`
}

func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (Resolution, error) {
	conflict, err := r.conflicts.Get(ctx, req.WorkspaceID, req.ConflictID)
	if err != nil {
		return Resolution{}, err
	}
	if conflict.Status != ConflictPending {
		return Resolution{}, ErrConflictClosed
	}
	token, err := r.locks.Acquire(ctx, conflict.Key(), r.lockTTL)
	if err != nil {
		return Resolution{}, err
	}
	defer func() {
		if err := r.locks.Release(context.WithoutCancel(ctx), conflict.Key(), token); err != nil {
			r.logger.Warn("release lock after resolve", "entity", conflict.Key().String(), "error", err)
		}
	}()
	return r.resolveLocked(ctx, conflict, req.Strategy, req.Manual, req.ResolvedBy)
}

// BulkResolve applies one strategy to several conflicts. All affected
// entities are locked up front in ascending order.
func (r *Resolver) BulkResolve(ctx context.Context, workspaceID string, ids []string, strategy Strategy, resolvedBy string) (BulkResolution, error) {
	result := BulkResolution{Failed: map[string]string{}}
	var (
		pending []SyncConflict
		keys    []EntityKey
	)
	for _, id := range ids {
		conflict, err := r.conflicts.Get(ctx, workspaceID, id)
		if err != nil {
			result.Failed[id] = err.Error()
			continue
		}
		if conflict.Status != ConflictPending {
			result.Failed[id] = ErrConflictClosed.Error()
			continue
		}
		pending = append(pending, conflict)
		keys = append(keys, conflict.Key())
	}
	if len(pending) == 0 {
		return result, nil
	}
	held, err := r.locks.AcquireAll(ctx, keys, r.lockTTL)
	if err != nil {
		return result, err
	}
	defer func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("release locks after bulk resolve", "error", err)
		}
	}()
	for _, conflict := range pending {
		resolution, err := r.resolveLocked(ctx, conflict, strategy, nil, resolvedBy)
		if err != nil {
			result.Failed[conflict.ID] = err.Error()
			continue
		}
		result.Resolved = append(result.Resolved, resolution)
	}
	return result, nil
}

// resolveLocked expects the caller to hold the entity lock.
func (r *Resolver) resolveLocked(ctx context.Context, conflict SyncConflict, strategy Strategy, manual Fields, resolvedBy string) (Resolution, error) {
	strategy, err := ParseStrategy(string(strategy))
	if err != nil {
		return Resolution{}, err
	}
	resolved, outbound, inbound := planResolution(conflict, strategy, manual)

	conflict.Strategy = strategy
	conflict.ResolvedBy = resolvedBy
	conflict.ResolvedData = resolved
	conflict.Status = ConflictResolved
	if strategy == StrategyIgnore {
		conflict.Status = ConflictIgnored
	}

	// Follow-ups run ahead of work that was deferred behind the conflict.
	priority := OpDelete.DefaultPriority()
	resolution := Resolution{}
	err = r.db.WithTx(ctx, func(tx *database.Tx) error {
		closed, err := r.conflicts.close(ctx, tx, conflict)
		if err != nil {
			return err
		}
		resolution.Conflict = closed
		if outbound != nil {
			item, err := r.queue.enqueue(ctx, tx, EnqueueRequest{
				WorkspaceID: conflict.WorkspaceID,
				EntityType:  conflict.EntityType,
				EntityID:    conflict.EntityID,
				Operation:   OpUpdate,
				Direction:   DirectionToExternal,
				Payload:     outbound,
				Priority:    &priority,
				ConflictID:  conflict.ID,
			})
			if err != nil {
				return err
			}
			resolution.Enqueued = append(resolution.Enqueued, item)
		}
		if inbound != nil {
			item, err := r.queue.enqueue(ctx, tx, EnqueueRequest{
				WorkspaceID: conflict.WorkspaceID,
				EntityType:  conflict.EntityType,
				EntityID:    conflict.EntityID,
				Operation:   OpUpdate,
				Direction:   DirectionFromExternal,
				Payload:     inbound,
				Priority:    &priority,
				ConflictID:  conflict.ID,
			})
			if err != nil {
				return err
			}
			resolution.Enqueued = append(resolution.Enqueued, item)
		}
		return nil
	})
	if err != nil {
		return Resolution{}, err
	}
	r.logger.Info("conflict resolved",
		"conflict_id", conflict.ID,
		"entity", conflict.Key().String(),
		"strategy", string(strategy),
		"enqueued", len(resolution.Enqueued),
	)
	return resolution, nil
}

// planResolution returns the resolved view of the entity, the full payload
// to push externally (nil for none) and the patch to apply internally (nil
// for none).
func planResolution(conflict SyncConflict, strategy Strategy, manual Fields) (Fields, Fields, Fields) {
	internal := conflict.InternalSnapshot.Clone()
	external := conflict.ExternalSnapshot.Clone()
	switch strategy {
	case StrategyPreferInternal:
		return internal, internal, nil
	case StrategyPreferExternal:
		patch := Fields{}
		for _, diff := range conflict.Diffs {
			if diff.ExternalChanged {
				patch[diff.Field] = diff.External
			}
		}
		if len(patch) == 0 {
			return internal, nil, nil
		}
		return overlay(internal, patch), nil, patch
	case StrategyMerge:
		merged := MergeFields(conflict.Diffs)
		if manual != nil {
			merged = overlay(merged, manual)
		}
		resolved := overlay(internal, merged)
		var outbound, inbound Fields
		if toExternal := differing(resolved, external); len(toExternal) > 0 {
			outbound = resolved
		}
		if toInternal := differing(merged, internal); len(toInternal) > 0 {
			inbound = toInternal
		}
		return resolved, outbound, inbound
	default:
		return nil, nil, nil
	}
}
