package crmsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/agentworkforce/crmsync/internal/database"
)

const (
	DefaultMaxAttempts = 5
	DefaultClaimLease  = 2 * time.Minute
	maxClaimWorkspaces = 512
)

const queueColumns = `id, workspace_id, entity_type, entity_id, operation, direction, payload, priority, status,
	attempts, max_attempts, last_error, error_kind, claim_token, conflict_id, available_at, created_at, updated_at, processed_at`

// claimable matches items a worker may take: waiting items whose backoff has
// elapsed, and processing items whose lease ran out because a worker died.
const claimable = `((status IN ('pending', 'failed') AND available_at <= ?) OR (status = 'processing' AND claimed_until <= ?))`

type QueueOptions struct {
	MaxAttempts int
	Lease       time.Duration
	Backoff     BackoffPolicy
}

// Queue is the durable sync_queue table.
type Queue struct {
	db     *database.DB
	opts   QueueOptions
	now    func() time.Time
	cursor atomic.Uint64
}

func NewQueue(db *database.DB, opts QueueOptions) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Lease <= 0 {
		opts.Lease = DefaultClaimLease
	}
	opts.Backoff = opts.Backoff.normalized()
	return &Queue{db: db, opts: opts, now: utcNow}
}

type EnqueueRequest struct {
	WorkspaceID string
	EntityType  EntityType
	EntityID    string
	Operation   Operation
	Direction   Direction
	Payload     Fields
	Priority    *int
	MaxAttempts int
	// ConflictID marks an item produced by resolving that conflict.
	ConflictID string
}

func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (SyncQueueItem, error) {
	return q.enqueue(ctx, q.db, req)
}

func (q *Queue) enqueue(ctx context.Context, db database.Queryer, req EnqueueRequest) (SyncQueueItem, error) {
	key := EntityKey{WorkspaceID: req.WorkspaceID, EntityType: req.EntityType, EntityID: req.EntityID}
	if err := key.validate(); err != nil {
		return SyncQueueItem{}, err
	}
	if !req.Operation.Valid() {
		return SyncQueueItem{}, fmt.Errorf("%w: unknown operation %q", ErrInvalidInput, req.Operation)
	}
	if req.Direction == "" {
		req.Direction = DirectionToExternal
	}
	priority := req.Operation.DefaultPriority()
	if req.Priority != nil {
		priority = *req.Priority
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.opts.MaxAttempts
	}
	payload, err := json.Marshal(req.Payload.Clone())
	if err != nil {
		return SyncQueueItem{}, fmt.Errorf("%w: payload: %v", ErrInvalidInput, err)
	}
	now := q.now()
	item := SyncQueueItem{
		ID:          ulid.Make().String(),
		WorkspaceID: req.WorkspaceID,
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		Operation:   req.Operation,
		Direction:   req.Direction,
		Priority:    priority,
		Status:      QueuePending,
		MaxAttempts: maxAttempts,
		ConflictID:  req.ConflictID,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	// Decode the stored bytes so the returned snapshot matches what a
	// worker will later read.
	if err := json.Unmarshal(payload, &item.Payload); err != nil {
		return SyncQueueItem{}, err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO sync_queue (id, workspace_id, entity_type, entity_id, operation, direction, payload, priority, status,
			attempts, max_attempts, conflict_id, available_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		item.ID, item.WorkspaceID, string(item.EntityType), item.EntityID, string(item.Operation), string(item.Direction),
		string(payload), item.Priority, string(item.Status), item.MaxAttempts, item.ConflictID, millis(now), millis(now), millis(now),
	)
	if err != nil {
		return SyncQueueItem{}, fmt.Errorf("enqueue: %w", err)
	}
	return item, nil
}

func (q *Queue) Get(ctx context.Context, id string) (SyncQueueItem, error) {
	row := q.db.QueryRowContext(ctx, "SELECT "+queueColumns+" FROM sync_queue WHERE id = ?", id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncQueueItem{}, ErrNotFound
	}
	return item, err
}

// Claim claims the next runnable item. ok is false when nothing is runnable.
func (q *Queue) Claim(ctx context.Context) (item SyncQueueItem, ok bool, err error) {
	items, err := q.ClaimBatch(ctx, 1)
	if err != nil || len(items) == 0 {
		return SyncQueueItem{}, false, err
	}
	return items[0], true, nil
}

// ClaimBatch claims up to limit items. Each workspace contributes one item
// per round, starting from a workspace that rotates between calls; within a
// round items run in priority order.
func (q *Queue) ClaimBatch(ctx context.Context, limit int) ([]SyncQueueItem, error) {
	if limit <= 0 {
		limit = 1
	}
	now := millis(q.now())
	workspaces, err := q.claimableWorkspaces(ctx, now)
	if err != nil || len(workspaces) == 0 {
		return nil, err
	}
	start := int((q.cursor.Add(1) - 1) % uint64(len(workspaces)))
	rotated := make([]string, 0, len(workspaces))
	rotated = append(rotated, workspaces[start:]...)
	rotated = append(rotated, workspaces[:start]...)

	perWorkspace := make([][]SyncQueueItem, 0, len(rotated))
	for _, workspaceID := range rotated {
		items, err := q.claimableForWorkspace(ctx, workspaceID, now, limit)
		if err != nil {
			return nil, err
		}
		perWorkspace = append(perWorkspace, items)
	}

	claimed := make([]SyncQueueItem, 0, limit)
	for round := 0; len(claimed) < limit; round++ {
		var heads []SyncQueueItem
		for _, items := range perWorkspace {
			if round < len(items) {
				heads = append(heads, items[round])
			}
		}
		if len(heads) == 0 {
			break
		}
		sort.SliceStable(heads, func(i, j int) bool { return heads[i].Priority < heads[j].Priority })
		for _, candidate := range heads {
			if len(claimed) >= limit {
				break
			}
			item, ok, err := q.claim(ctx, candidate)
			if err != nil {
				return claimed, err
			}
			if ok {
				claimed = append(claimed, item)
			}
		}
	}
	return claimed, nil
}

// ClaimItem claims one specific item if it is claimable right now.
func (q *Queue) ClaimItem(ctx context.Context, id string) (SyncQueueItem, bool, error) {
	item, err := q.Get(ctx, id)
	if err != nil {
		return SyncQueueItem{}, false, err
	}
	return q.claim(ctx, item)
}

func (q *Queue) claim(ctx context.Context, item SyncQueueItem) (SyncQueueItem, bool, error) {
	now := q.now()
	token := uuid.NewString()
	res, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'processing', claim_token = ?, claimed_until = ?, updated_at = ?
		WHERE id = ? AND `+claimable,
		token, millis(now.Add(q.opts.Lease)), millis(now), item.ID, millis(now), millis(now),
	)
	if err != nil {
		return SyncQueueItem{}, false, fmt.Errorf("claim %s: %w", item.ID, err)
	}
	if database.RowsAffected(res) != 1 {
		return SyncQueueItem{}, false, nil
	}
	item.Status = QueueProcessing
	item.UpdatedAt = now
	item.claimToken = token
	return item, true, nil
}

func (q *Queue) claimableWorkspaces(ctx context.Context, now int64) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT DISTINCT workspace_id FROM sync_queue
		WHERE `+claimable+`
		ORDER BY workspace_id
		LIMIT ?`, now, now, maxClaimWorkspaces)
	if err != nil {
		return nil, fmt.Errorf("list claimable workspaces: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var workspaceID string
		if err := rows.Scan(&workspaceID); err != nil {
			return nil, err
		}
		out = append(out, workspaceID)
	}
	return out, rows.Err()
}

// claimableForWorkspace keeps each entity's ordinary items in FIFO order:
// only the oldest open one is eligible. Conflict resolution follow-ups are
// exempt since older work is waiting on them.
func (q *Queue) claimableForWorkspace(ctx context.Context, workspaceID string, now int64, limit int) ([]SyncQueueItem, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM sync_queue
		WHERE workspace_id = ? AND `+claimable+`
			AND (conflict_id <> '' OR NOT EXISTS (
				SELECT 1 FROM sync_queue older
				WHERE older.workspace_id = sync_queue.workspace_id
					AND older.entity_type = sync_queue.entity_type
					AND older.entity_id = sync_queue.entity_id
					AND older.conflict_id = ''
					AND older.status IN ('pending', 'failed', 'processing')
					AND (older.created_at < sync_queue.created_at
						OR (older.created_at = sync_queue.created_at AND older.id < sync_queue.id))))
		ORDER BY priority, created_at, id
		LIMIT ?`, workspaceID, now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list claimable items: %w", err)
	}
	return collectQueueItems(rows)
}

// Complete marks a claimed item done. It fails with ErrNotHolder when the
// claim was lost to lease expiry.
func (q *Queue) Complete(ctx context.Context, item SyncQueueItem, conflictID string) error {
	now := millis(q.now())
	res, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'completed', attempts = attempts + 1, last_error = '', error_kind = '',
			claim_token = '', claimed_until = 0, conflict_id = ?, processed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing' AND claim_token = ?`,
		conflictID, now, now, item.ID, item.claimToken,
	)
	if err != nil {
		return fmt.Errorf("complete %s: %w", item.ID, err)
	}
	if database.RowsAffected(res) != 1 {
		return ErrNotHolder
	}
	return nil
}

// Fail records a failed attempt. Transient failures wait out the backoff
// and retry until MaxAttempts; permanent failures dead-letter immediately.
func (q *Queue) Fail(ctx context.Context, item SyncQueueItem, cause error) (QueueStatus, error) {
	kind := Classify(cause)
	if kind == "" {
		kind = ErrorTransient
	}
	attempts := item.Attempts + 1
	status := QueueFailed
	now := q.now()
	availableAt := now
	if kind == ErrorPermanent || attempts >= item.MaxAttempts {
		status = QueueDeadLetter
	} else {
		availableAt = now.Add(q.opts.Backoff.Delay(attempts, RetryAfter(cause)))
	}
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = ?, attempts = ?, last_error = ?, error_kind = ?, claim_token = '', claimed_until = 0,
			available_at = ?, processed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing' AND claim_token = ?`,
		string(status), attempts, message, string(kind), millis(availableAt), millis(now), millis(now), item.ID, item.claimToken,
	)
	if err != nil {
		return "", fmt.Errorf("fail %s: %w", item.ID, err)
	}
	if database.RowsAffected(res) != 1 {
		return "", ErrNotHolder
	}
	return status, nil
}

// Defer hands a claimed item back without consuming an attempt.
func (q *Queue) Defer(ctx context.Context, item SyncQueueItem, delay time.Duration) error {
	now := q.now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'pending', claim_token = '', claimed_until = 0, available_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing' AND claim_token = ?`,
		millis(now.Add(delay)), millis(now), item.ID, item.claimToken,
	)
	if err != nil {
		return fmt.Errorf("defer %s: %w", item.ID, err)
	}
	if database.RowsAffected(res) != 1 {
		return ErrNotHolder
	}
	return nil
}

// Depth counts items per status for one workspace, or all when empty.
func (q *Queue) Depth(ctx context.Context, workspaceID string) (map[QueueStatus]int, error) {
	query := "SELECT status, COUNT(*) FROM sync_queue"
	var args []any
	if workspaceID != "" {
		query += " WHERE workspace_id = ?"
		args = append(args, workspaceID)
	}
	query += " GROUP BY status"
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue depth: %w", err)
	}
	defer rows.Close()
	depth := make(map[QueueStatus]int, len(queueStatuses))
	for _, status := range queueStatuses {
		depth[status] = 0
	}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		depth[QueueStatus(status)] = count
	}
	return depth, rows.Err()
}

type QueueFilter struct {
	WorkspaceID string
	Statuses    []QueueStatus
	EntityType  EntityType
	EntityID    string
	Limit       int
}

// List returns matching items, most recently updated first.
func (q *Queue) List(ctx context.Context, filter QueueFilter) ([]SyncQueueItem, error) {
	var (
		where []string
		args  []any
	)
	if filter.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, string(filter.EntityType))
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT " + queueColumns + " FROM sync_queue"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id DESC LIMIT ?"
	args = append(args, limit)
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	return collectQueueItems(rows)
}

// ListFailed returns retrying and dead-lettered items with their errors.
func (q *Queue) ListFailed(ctx context.Context, workspaceID string, limit int) ([]SyncQueueItem, error) {
	return q.List(ctx, QueueFilter{
		WorkspaceID: workspaceID,
		Statuses:    []QueueStatus{QueueFailed, QueueDeadLetter},
		Limit:       limit,
	})
}

// Replay puts a dead-lettered item back in line with a fresh retry budget.
func (q *Queue) Replay(ctx context.Context, workspaceID, id string) (SyncQueueItem, error) {
	now := millis(q.now())
	res, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'pending', attempts = 0, available_at = ?, updated_at = ?
		WHERE id = ? AND workspace_id = ? AND status = 'dead_letter'`,
		now, now, id, workspaceID,
	)
	if err != nil {
		return SyncQueueItem{}, fmt.Errorf("replay %s: %w", id, err)
	}
	if database.RowsAffected(res) != 1 {
		return SyncQueueItem{}, q.missingOrInvalid(ctx, workspaceID, id)
	}
	return q.Get(ctx, id)
}

// Acknowledge closes a dead-lettered item as ignored by operator decision.
func (q *Queue) Acknowledge(ctx context.Context, workspaceID, id string) (SyncQueueItem, error) {
	now := millis(q.now())
	res, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'ignored', updated_at = ?
		WHERE id = ? AND workspace_id = ? AND status = 'dead_letter'`,
		now, id, workspaceID,
	)
	if err != nil {
		return SyncQueueItem{}, fmt.Errorf("acknowledge %s: %w", id, err)
	}
	if database.RowsAffected(res) != 1 {
		return SyncQueueItem{}, q.missingOrInvalid(ctx, workspaceID, id)
	}
	return q.Get(ctx, id)
}

func (q *Queue) missingOrInvalid(ctx context.Context, workspaceID, id string) error {
	item, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if item.WorkspaceID != workspaceID {
		return ErrNotFound
	}
	return fmt.Errorf("%w: item %s is %s", ErrInvalidState, id, item.Status)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row rowScanner) (SyncQueueItem, error) {
	var (
		item                                         SyncQueueItem
		entityType, operation, direction, status     string
		payload, errorKind                           string
		availableAt, createdAt, updatedAt, processed int64
	)
	err := row.Scan(&item.ID, &item.WorkspaceID, &entityType, &item.EntityID, &operation, &direction, &payload,
		&item.Priority, &status, &item.Attempts, &item.MaxAttempts, &item.LastError, &errorKind, &item.claimToken,
		&item.ConflictID, &availableAt, &createdAt, &updatedAt, &processed)
	if err != nil {
		return SyncQueueItem{}, err
	}
	item.EntityType = EntityType(entityType)
	item.Operation = Operation(operation)
	item.Direction = Direction(direction)
	item.Status = QueueStatus(status)
	item.ErrorKind = ErrorKind(errorKind)
	item.AvailableAt = fromMillis(availableAt)
	item.CreatedAt = fromMillis(createdAt)
	item.UpdatedAt = fromMillis(updatedAt)
	item.ProcessedAt = optionalMillis(processed)
	if err := json.Unmarshal([]byte(payload), &item.Payload); err != nil {
		return SyncQueueItem{}, fmt.Errorf("decode payload of %s: %w", item.ID, err)
	}
	return item, nil
}

func collectQueueItems(rows *sql.Rows) ([]SyncQueueItem, error) {
	defer rows.Close()
	var out []SyncQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
