package crmsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentworkforce/crmsync/internal/database"
)

// Outcome is what happened to one unit of sync work.
type Outcome string

const (
	OutcomeSynced       Outcome = "synced"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeConflict     Outcome = "conflict"
	OutcomeDeferred     Outcome = "deferred"
	OutcomeRetrying     Outcome = "retrying"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

type applyResult struct {
	outcome    Outcome
	conflictID string
	externalID string
	// pendingConflict marks a deferral that waits on an operator decision
	// rather than on a lock.
	pendingConflict bool
}

// engine holds the stores shared by the dispatcher, the webhook ingestor and
// the service. Every method expects the caller to hold the entity lock.
type engine struct {
	db        *database.DB
	records   *RecordStore
	mappings  *MappingStore
	settings  *SettingsStore
	queue     *Queue
	locks     *LockManager
	conflicts *ConflictStore
	metrics   *MetricsStore
	registry  *Registry
	resolver  *Resolver
	events    *Broadcaster
	logger    *slog.Logger
	lockTTL   time.Duration
	now       func() time.Time
}

func (e *engine) setClock(now func() time.Time) {
	e.now = now
	e.records.now = now
	e.mappings.now = now
	e.settings.now = now
	e.queue.now = now
	e.locks.now = now
	e.conflicts.now = now
	e.metrics.now = now
}

func (e *engine) withLock(ctx context.Context, key EntityKey, fn func() error) error {
	token, err := e.locks.Acquire(ctx, key, e.lockTTL)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.locks.Release(context.WithoutCancel(ctx), key, token); err != nil {
			e.logger.Warn("release entity lock", "entity", key.String(), "error", err)
		}
	}()
	return fn()
}

func (e *engine) mappingFor(ctx context.Context, key EntityKey) (SyncEntity, bool, error) {
	mapping, err := e.mappings.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return SyncEntity{}, false, nil
	}
	if err != nil {
		return SyncEntity{}, false, err
	}
	return mapping, true, nil
}

func (e *engine) hasPendingConflict(ctx context.Context, key EntityKey) (bool, error) {
	_, err := e.conflicts.PendingFor(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// push sends an item's internal snapshot to the external CRM, creating the
// external object when no mapping exists yet.
func (e *engine) push(ctx context.Context, item SyncQueueItem, strategy EntityStrategy, rules []MappingRule, object ObjectSettings, workspace WorkspaceSettings) (applyResult, error) {
	key := item.Key()
	mapping, mapped, err := e.mappingFor(ctx, key)
	if err != nil {
		return applyResult{}, err
	}
	internal := Project(item.Payload, rules)
	if !mapped || mapping.ExternalID == "" {
		return e.createExternal(ctx, item, strategy, rules, object, internal)
	}

	if item.ConflictID != "" || !object.Direction.Inbound() {
		// Resolution pushes and one-way sync overwrite without detection.
		if err := strategy.Client.Update(ctx, item.EntityType, mapping.ExternalID, ToExternal(item.Payload, rules)); err != nil {
			if errors.Is(err, ErrExternalNotFound) {
				return e.createExternal(ctx, item, strategy, rules, object, internal)
			}
			return applyResult{}, err
		}
		return e.rebaseline(ctx, mapping, overlay(mapping.Baseline, internal), OutcomeSynced)
	}

	pending, err := e.hasPendingConflict(ctx, key)
	if err != nil {
		return applyResult{}, err
	}
	if pending {
		return applyResult{outcome: OutcomeDeferred, pendingConflict: true}, nil
	}
	if ContentHash(internal) == mapping.LastSyncedHash {
		return applyResult{outcome: OutcomeSkipped, externalID: mapping.ExternalID}, nil
	}

	current, err := strategy.Client.Get(ctx, item.EntityType, mapping.ExternalID)
	if errors.Is(err, ErrExternalNotFound) {
		return e.createExternal(ctx, item, strategy, rules, object, internal)
	}
	if err != nil {
		return applyResult{}, err
	}
	external := FromExternal(current.Properties, rules)
	internalTimes := e.internalTimes(ctx, key, item)
	diffs := DetectConflicts(mapping.Baseline, internal, external, MappedFields(rules), internalTimes, externalTimes(current, rules))
	if len(diffs) == 0 {
		return applyResult{outcome: OutcomeSkipped, externalID: mapping.ExternalID}, nil
	}
	if HasConflict(diffs) {
		return e.raiseConflict(ctx, workspace, mapping, internal, external, diffs)
	}

	outbound := Fields{}
	inbound := Fields{}
	for _, diff := range diffs {
		switch {
		case diff.InternalChanged && !diff.ExternalChanged:
			outbound[diff.Field] = diff.Internal
		case diff.ExternalChanged && !diff.InternalChanged:
			inbound[diff.Field] = diff.External
		}
	}
	if len(outbound) > 0 {
		if err := strategy.Client.Update(ctx, item.EntityType, mapping.ExternalID, ToExternal(outbound, rules)); err != nil {
			return applyResult{}, err
		}
	}
	baseline := overlay(mapping.Baseline, MergeFields(diffs))
	err = e.db.WithTx(ctx, func(tx *database.Tx) error {
		if len(inbound) > 0 {
			if _, _, err := e.records.update(ctx, tx, key, inbound); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		mapping.Baseline = baseline
		mapping.LastSyncedHash = ""
		mapping.LastSyncedAt = time.Time{}
		_, err := e.mappings.upsert(ctx, tx, mapping)
		return err
	})
	if err != nil {
		return applyResult{}, err
	}
	return applyResult{outcome: OutcomeSynced, externalID: mapping.ExternalID}, nil
}

// createExternal reserves the mapping row with no external id before the
// create call, so a creation webhook for the new object that races the
// response waits for the id instead of importing a copy.
func (e *engine) createExternal(ctx context.Context, item SyncQueueItem, strategy EntityStrategy, rules []MappingRule, object ObjectSettings, internal Fields) (applyResult, error) {
	_, err := e.mappings.upsert(ctx, e.db, SyncEntity{
		WorkspaceID: item.WorkspaceID,
		EntityType:  item.EntityType,
		InternalID:  item.EntityID,
		Direction:   object.Direction,
	})
	if err != nil {
		return applyResult{}, err
	}
	externalID, err := strategy.Client.Create(ctx, item.EntityType, ToExternal(item.Payload, rules))
	if err != nil {
		return applyResult{}, err
	}
	_, err = e.mappings.upsert(ctx, e.db, SyncEntity{
		WorkspaceID: item.WorkspaceID,
		EntityType:  item.EntityType,
		InternalID:  item.EntityID,
		ExternalID:  externalID,
		Direction:   object.Direction,
		Baseline:    internal,
	})
	if err != nil {
		// The external object exists but is unmapped; a retry would create
		// a duplicate, so this is surfaced loudly.
		e.logger.Error("record mapping after external create",
			"entity", item.Key().String(),
			"external_id", externalID,
			"error", err,
		)
		if database.IsUniqueViolation(err) {
			return applyResult{}, Permanent(fmt.Errorf("external %s %s is already mapped to another record: %w", item.EntityType, externalID, err))
		}
		return applyResult{}, err
	}
	return applyResult{outcome: OutcomeSynced, externalID: externalID}, nil
}

func (e *engine) pushDelete(ctx context.Context, item SyncQueueItem, strategy EntityStrategy) (applyResult, error) {
	key := item.Key()
	mapping, mapped, err := e.mappingFor(ctx, key)
	if err != nil {
		return applyResult{}, err
	}
	if !mapped {
		return applyResult{outcome: OutcomeSkipped}, nil
	}
	if mapping.ExternalID != "" {
		err := strategy.Client.Delete(ctx, item.EntityType, mapping.ExternalID)
		if err != nil && !errors.Is(err, ErrExternalNotFound) {
			return applyResult{}, err
		}
	}
	if err := e.forget(ctx, key, "delete"); err != nil {
		return applyResult{}, err
	}
	return applyResult{outcome: OutcomeSynced, externalID: mapping.ExternalID}, nil
}

// forget drops the mapping and closes any pending conflict for an entity
// that no longer exists on one side.
func (e *engine) forget(ctx context.Context, key EntityKey, closedBy string) error {
	return e.db.WithTx(ctx, func(tx *database.Tx) error {
		conflict, err := e.conflicts.pendingFor(ctx, tx, key)
		if err == nil {
			conflict.Status = ConflictIgnored
			conflict.Strategy = StrategyIgnore
			conflict.ResolvedBy = closedBy
			if _, err := e.conflicts.close(ctx, tx, conflict); err != nil && !errors.Is(err, ErrConflictClosed) {
				return err
			}
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		return e.mappings.delete(ctx, tx, key)
	})
}

// applyPatch applies an inbound item's internal-space patch.
func (e *engine) applyPatch(ctx context.Context, item SyncQueueItem, rules []MappingRule, object ObjectSettings) (applyResult, error) {
	key := item.Key()
	if item.ConflictID == "" {
		if !object.Direction.Inbound() {
			return applyResult{}, Permanent(ErrSyncDisabled)
		}
		pending, err := e.hasPendingConflict(ctx, key)
		if err != nil {
			return applyResult{}, err
		}
		if pending {
			return applyResult{outcome: OutcomeDeferred, pendingConflict: true}, nil
		}
	}
	mapping, mapped, err := e.mappingFor(ctx, key)
	if err != nil {
		return applyResult{}, err
	}
	err = e.db.WithTx(ctx, func(tx *database.Tx) error {
		if _, _, err := e.records.update(ctx, tx, key, item.Payload); err != nil {
			return err
		}
		if !mapped {
			return nil
		}
		mapping.Baseline = overlay(mapping.Baseline, Project(item.Payload, rules))
		mapping.LastSyncedHash = ""
		mapping.LastSyncedAt = time.Time{}
		_, err := e.mappings.upsert(ctx, tx, mapping)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return applyResult{}, Permanent(err)
	}
	if err != nil {
		return applyResult{}, err
	}
	return applyResult{outcome: OutcomeSynced, externalID: mapping.ExternalID}, nil
}

// applyExternal folds an external object's current state into the internal
// side. Unmapped objects become new internal records; mapped ones apply
// externally changed fields unless they conflict with internal edits.
// Nothing is enqueued outbound, so inbound changes never echo back.
func (e *engine) applyExternal(ctx context.Context, workspace WorkspaceSettings, strategy EntityStrategy, rules []MappingRule, object ObjectSettings, ext ExternalRecord) (applyResult, error) {
	if !object.Direction.Inbound() {
		return applyResult{outcome: OutcomeSkipped, externalID: ext.ID}, nil
	}
	external := FromExternal(ext.Properties, rules)
	mapping, err := e.mappings.FindByExternal(ctx, workspace.WorkspaceID, strategy.Type, ext.ID)
	if errors.Is(err, ErrNotFound) {
		// An outbound create still waiting on its response may be this very
		// object.
		creating, err := e.mappings.creating(ctx, e.db, workspace.WorkspaceID, strategy.Type, e.now().Add(-e.lockTTL))
		if err != nil {
			return applyResult{}, err
		}
		if creating {
			return applyResult{outcome: OutcomeDeferred, externalID: ext.ID}, nil
		}
		var created Record
		err = e.db.WithTx(ctx, func(tx *database.Tx) error {
			record, err := e.records.create(ctx, tx, workspace.WorkspaceID, strategy.Type, "", external)
			if err != nil {
				return err
			}
			created = record
			_, err = e.mappings.upsert(ctx, tx, SyncEntity{
				WorkspaceID: workspace.WorkspaceID,
				EntityType:  strategy.Type,
				InternalID:  record.ID,
				ExternalID:  ext.ID,
				Direction:   object.Direction,
				Baseline:    external,
			})
			return err
		})
		if err != nil {
			return applyResult{}, err
		}
		e.logger.Info("external object imported",
			"workspace_id", workspace.WorkspaceID,
			"entity_type", string(strategy.Type),
			"entity_id", created.ID,
			"external_id", ext.ID,
		)
		return applyResult{outcome: OutcomeSynced, externalID: ext.ID}, nil
	}
	if err != nil {
		return applyResult{}, err
	}

	key := mapping.Key()
	pending, err := e.hasPendingConflict(ctx, key)
	if err != nil {
		return applyResult{}, err
	}
	if pending {
		return applyResult{outcome: OutcomeDeferred, externalID: ext.ID, pendingConflict: true}, nil
	}
	record, err := e.records.Get(ctx, key)
	if errors.Is(err, ErrNotFound) || (err == nil && record.Deleted) {
		return applyResult{outcome: OutcomeSkipped, externalID: ext.ID}, nil
	}
	if err != nil {
		return applyResult{}, err
	}
	internal := Project(record.Fields, rules)
	diffs := DetectConflicts(mapping.Baseline, internal, external, MappedFields(rules), record.FieldUpdatedAt, externalTimes(ext, rules))
	patch := Fields{}
	for _, diff := range diffs {
		if diff.ExternalChanged && !diff.InternalChanged {
			patch[diff.Field] = diff.External
		}
	}
	if HasConflict(diffs) {
		return e.raiseConflict(ctx, workspace, mapping, internal, external, diffs)
	}
	if len(patch) == 0 {
		return applyResult{outcome: OutcomeSkipped, externalID: ext.ID}, nil
	}
	err = e.db.WithTx(ctx, func(tx *database.Tx) error {
		if _, _, err := e.records.update(ctx, tx, key, patch); err != nil {
			return err
		}
		mapping.Baseline = overlay(mapping.Baseline, patch)
		mapping.LastSyncedHash = ""
		mapping.LastSyncedAt = time.Time{}
		_, err := e.mappings.upsert(ctx, tx, mapping)
		return err
	})
	if err != nil {
		return applyResult{}, err
	}
	return applyResult{outcome: OutcomeSynced, externalID: ext.ID}, nil
}

// applyExternalDelete handles an external deletion per the workspace policy.
func (e *engine) applyExternalDelete(ctx context.Context, workspace WorkspaceSettings, mapping SyncEntity) (applyResult, error) {
	key := mapping.Key()
	if workspace.DeletePolicy == DeleteHard {
		if err := e.records.markDeleted(ctx, e.db, key); err != nil && !errors.Is(err, ErrNotFound) {
			return applyResult{}, err
		}
	}
	if err := e.forget(ctx, key, "external-delete"); err != nil {
		return applyResult{}, err
	}
	return applyResult{outcome: OutcomeSynced, externalID: mapping.ExternalID}, nil
}

func (e *engine) raiseConflict(ctx context.Context, workspace WorkspaceSettings, mapping SyncEntity, internal, external Fields, diffs []FieldDiff) (applyResult, error) {
	conflict, created, err := e.conflicts.record(ctx, e.db, SyncConflict{
		WorkspaceID:      mapping.WorkspaceID,
		EntityType:       mapping.EntityType,
		EntityID:         mapping.InternalID,
		ExternalID:       mapping.ExternalID,
		InternalSnapshot: internal,
		ExternalSnapshot: external,
		Baseline:         mapping.Baseline,
		Diffs:            diffs,
	})
	if err != nil {
		return applyResult{}, err
	}
	if created {
		e.logger.Info("sync conflict detected",
			"conflict_id", conflict.ID,
			"entity", conflict.Key().String(),
			"fields", len(diffs),
		)
		if err := e.metrics.Record(ctx, conflict.WorkspaceID, conflict.EntityType, MetricDelta{Conflicts: 1}); err != nil {
			e.logger.Warn("record conflict metric", "error", err)
		}
		e.events.Publish(Event{
			Kind:        EventConflict,
			WorkspaceID: conflict.WorkspaceID,
			EntityType:  conflict.EntityType,
			EntityID:    conflict.EntityID,
			ConflictID:  conflict.ID,
			Status:      string(conflict.Status),
		})
		if workspace.AutoResolve != "" {
			if _, err := e.resolver.resolveLocked(ctx, conflict, workspace.AutoResolve, nil, "auto"); err != nil {
				e.logger.Warn("auto-resolve conflict", "conflict_id", conflict.ID, "error", err)
			}
		}
	}
	return applyResult{outcome: OutcomeConflict, conflictID: conflict.ID, externalID: mapping.ExternalID}, nil
}

func (e *engine) internalTimes(ctx context.Context, key EntityKey, item SyncQueueItem) map[string]time.Time {
	times := map[string]time.Time{}
	for field := range item.Payload {
		times[field] = item.CreatedAt
	}
	record, err := e.records.Get(ctx, key)
	if err != nil {
		return times
	}
	for field, at := range record.FieldUpdatedAt {
		if _, ok := times[field]; ok && at.After(times[field]) {
			times[field] = at
		}
	}
	return times
}

func externalTimes(ext ExternalRecord, rules []MappingRule) map[string]time.Time {
	times := map[string]time.Time{}
	for _, rule := range rules {
		if rule.Source == "" || rule.Target == "" {
			continue
		}
		if at, ok := ext.PropertyUpdatedAt[rule.Target]; ok {
			times[rule.Source] = at
		} else if !ext.UpdatedAt.IsZero() {
			times[rule.Source] = ext.UpdatedAt
		}
	}
	return times
}

func (e *engine) rebaseline(ctx context.Context, mapping SyncEntity, baseline Fields, outcome Outcome) (applyResult, error) {
	mapping.Baseline = baseline
	mapping.LastSyncedHash = ""
	mapping.LastSyncedAt = time.Time{}
	if _, err := e.mappings.upsert(ctx, e.db, mapping); err != nil {
		return applyResult{}, err
	}
	return applyResult{outcome: outcome, externalID: mapping.ExternalID}, nil
}
