package crmsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/crmsync/internal/database"
)

const DefaultLockTTL = 30 * time.Second

// LockManager hands out per-entity leases stored in sync_locks. Acquisition
// is a single conditional upsert, so any number of processes may share it.
type LockManager struct {
	db  database.Queryer
	now func() time.Time
}

func NewLockManager(db database.Queryer) *LockManager {
	return &LockManager{db: db, now: utcNow}
}

func utcNow() time.Time {
	return time.Now().UTC()
}

// Acquire returns a fresh holder token, or ErrLockBusy while another holder's
// lease is unexpired.
func (m *LockManager) Acquire(ctx context.Context, key EntityKey, ttl time.Duration) (string, error) {
	if err := key.validate(); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	token := uuid.NewString()
	now := m.now()
	res, err := m.db.ExecContext(ctx, `
		INSERT INTO sync_locks (workspace_id, entity_type, entity_id, holder_token, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, entity_type, entity_id) DO UPDATE SET
			holder_token = excluded.holder_token,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE sync_locks.expires_at <= ?`,
		key.WorkspaceID, string(key.EntityType), key.EntityID, token, millis(now), millis(now.Add(ttl)), millis(now),
	)
	if err != nil {
		return "", fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if database.RowsAffected(res) != 1 {
		return "", ErrLockBusy
	}
	return token, nil
}

// Release deletes the lock only if token still holds it.
func (m *LockManager) Release(ctx context.Context, key EntityKey, token string) error {
	if token == "" {
		return ErrNotHolder
	}
	res, err := m.db.ExecContext(ctx, `
		DELETE FROM sync_locks
		WHERE workspace_id = ? AND entity_type = ? AND entity_id = ? AND holder_token = ?`,
		key.WorkspaceID, string(key.EntityType), key.EntityID, token,
	)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	if database.RowsAffected(res) != 1 {
		return ErrNotHolder
	}
	return nil
}

// Renew extends an unexpired lease held by token.
func (m *LockManager) Renew(ctx context.Context, key EntityKey, token string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	now := m.now()
	res, err := m.db.ExecContext(ctx, `
		UPDATE sync_locks SET expires_at = ?
		WHERE workspace_id = ? AND entity_type = ? AND entity_id = ? AND holder_token = ? AND expires_at > ?`,
		millis(now.Add(ttl)), key.WorkspaceID, string(key.EntityType), key.EntityID, token, millis(now),
	)
	if err != nil {
		return fmt.Errorf("renew lock %s: %w", key, err)
	}
	if database.RowsAffected(res) != 1 {
		return ErrNotHolder
	}
	return nil
}

func (m *LockManager) Get(ctx context.Context, key EntityKey) (SyncLock, error) {
	var (
		lock                  SyncLock
		entityType            string
		acquiredAt, expiresAt int64
	)
	err := m.db.QueryRowContext(ctx, `
		SELECT workspace_id, entity_type, entity_id, holder_token, acquired_at, expires_at
		FROM sync_locks WHERE workspace_id = ? AND entity_type = ? AND entity_id = ?`,
		key.WorkspaceID, string(key.EntityType), key.EntityID,
	).Scan(&lock.WorkspaceID, &entityType, &lock.EntityID, &lock.HolderToken, &acquiredAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncLock{}, ErrNotFound
	}
	if err != nil {
		return SyncLock{}, fmt.Errorf("get lock %s: %w", key, err)
	}
	lock.EntityType = EntityType(entityType)
	lock.AcquiredAt = fromMillis(acquiredAt)
	lock.ExpiresAt = fromMillis(expiresAt)
	return lock, nil
}

// HeldLocks is a set of leases taken together by AcquireAll.
type HeldLocks struct {
	manager *LockManager
	keys    []EntityKey
	tokens  []string
}

func (h *HeldLocks) Keys() []EntityKey {
	return append([]EntityKey(nil), h.keys...)
}

// Release frees the locks in reverse acquisition order.
func (h *HeldLocks) Release(ctx context.Context) error {
	if h == nil {
		return nil
	}
	var firstErr error
	for i := len(h.keys) - 1; i >= 0; i-- {
		if err := h.manager.Release(ctx, h.keys[i], h.tokens[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	h.keys, h.tokens = nil, nil
	return firstErr
}

// AcquireAll locks several entities in ascending key order, so two callers
// working on overlapping sets cannot deadlock. On the first busy key every
// lock taken so far is released and ErrLockBusy is returned.
func (m *LockManager) AcquireAll(ctx context.Context, keys []EntityKey, ttl time.Duration) (*HeldLocks, error) {
	ordered := sortedUniqueKeys(keys)
	held := &HeldLocks{manager: m}
	for _, key := range ordered {
		token, err := m.Acquire(ctx, key, ttl)
		if err != nil {
			_ = held.Release(ctx)
			return nil, err
		}
		held.keys = append(held.keys, key)
		held.tokens = append(held.tokens, token)
	}
	return held, nil
}

func sortedUniqueKeys(keys []EntityKey) []EntityKey {
	seen := map[EntityKey]struct{}{}
	out := make([]EntityKey, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.WorkspaceID != b.WorkspaceID {
			return a.WorkspaceID < b.WorkspaceID
		}
		if a.EntityType != b.EntityType {
			return a.EntityType < b.EntityType
		}
		return a.EntityID < b.EntityID
	})
	return out
}
