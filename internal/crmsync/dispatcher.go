package crmsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type DispatcherOptions struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	// CallTimeout bounds one item's external calls. It is kept below the
	// lock TTL so a lease never expires mid-call.
	CallTimeout          time.Duration
	LockRetryDelay       time.Duration
	ConflictRecheckDelay time.Duration
}

func (o DispatcherOptions) normalized(lockTTL time.Duration) DispatcherOptions {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 32
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.CallTimeout <= 0 || o.CallTimeout >= lockTTL {
		o.CallTimeout = lockTTL * 2 / 3
	}
	if o.LockRetryDelay <= 0 {
		o.LockRetryDelay = 500 * time.Millisecond
	}
	if o.ConflictRecheckDelay <= 0 {
		o.ConflictRecheckDelay = 30 * time.Second
	}
	return o
}

// Dispatcher drains sync_queue. Items are claimed in fair batches and
// each is processed under its entity lock.
type Dispatcher struct {
	*engine
	opts DispatcherOptions
}

func newDispatcher(e *engine, opts DispatcherOptions) *Dispatcher {
	return &Dispatcher{engine: e, opts: opts.normalized(e.lockTTL)}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	for {
		n, err := d.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Warn("dispatch batch failed", "error", err)
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch and processes it with up to Workers goroutines.
// It returns the number of items claimed.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	items, err := d.queue.ClaimBatch(ctx, d.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	sem := make(chan struct{}, d.opts.Workers)
	var wg sync.WaitGroup
	for _, item := range items {
		sem <- struct{}{}
		wg.Add(1)
		go func(item SyncQueueItem) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := d.Process(ctx, item); err != nil {
				d.logger.Warn("process queue item", "item_id", item.ID, "entity", item.Key().String(), "error", err)
			}
		}(item)
	}
	wg.Wait()
	return len(items), nil
}

// Process runs one claimed item to an outcome. Failures from the external
// CRM are recorded on the item and do not surface as an error; the error
// return is reserved for losing the claim or the store failing.
func (d *Dispatcher) Process(ctx context.Context, item SyncQueueItem) (Outcome, error) {
	started := d.now()
	logger := d.logger.With(
		"item_id", item.ID,
		"workspace_id", item.WorkspaceID,
		"entity_type", string(item.EntityType),
		"entity_id", item.EntityID,
		"operation", string(item.Operation),
	)

	strategy, err := d.registry.Lookup(item.EntityType)
	if err != nil {
		return d.fail(ctx, logger, item, err, started)
	}

	token, err := d.locks.Acquire(ctx, item.Key(), d.lockTTL)
	if errors.Is(err, ErrLockBusy) {
		if err := d.queue.Defer(ctx, item, d.opts.LockRetryDelay); err != nil {
			return "", err
		}
		logger.Debug("entity busy, deferred")
		return OutcomeDeferred, nil
	}
	if err != nil {
		return d.fail(ctx, logger, item, err, started)
	}
	defer func() {
		if err := d.locks.Release(context.WithoutCancel(ctx), item.Key(), token); err != nil {
			logger.Warn("release entity lock", "error", err)
		}
	}()

	// A reclaimed lease hands the item to another worker; the loser must not
	// touch the external CRM.
	current, err := d.queue.Get(ctx, item.ID)
	if err != nil {
		return "", err
	}
	if current.Status != QueueProcessing || current.claimToken != item.claimToken {
		logger.Info("claim superseded, skipping")
		return OutcomeSkipped, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, d.opts.CallTimeout)
	result, err := d.apply(callCtx, item, strategy)
	cancel()
	if err != nil {
		return d.fail(ctx, logger, item, err, started)
	}

	if result.outcome == OutcomeDeferred {
		if err := d.queue.Defer(ctx, item, d.opts.ConflictRecheckDelay); err != nil {
			return "", err
		}
		logger.Debug("pending conflict, deferred")
		return OutcomeDeferred, nil
	}

	conflictID := result.conflictID
	if conflictID == "" {
		conflictID = item.ConflictID
	}
	if err := d.queue.Complete(ctx, item, conflictID); err != nil {
		return "", err
	}
	latency := d.now().Sub(started)
	delta := MetricDelta{Attempted: 1, Latency: latency}
	if result.outcome != OutcomeConflict {
		delta.Succeeded = 1
	}
	if err := d.metrics.Record(ctx, item.WorkspaceID, item.EntityType, delta); err != nil {
		logger.Warn("record metrics", "error", err)
	}
	d.events.Publish(Event{
		Kind:        EventQueue,
		WorkspaceID: item.WorkspaceID,
		EntityType:  item.EntityType,
		EntityID:    item.EntityID,
		ItemID:      item.ID,
		ConflictID:  result.conflictID,
		Status:      string(result.outcome),
	})
	logger.Info("queue item processed",
		"outcome", string(result.outcome),
		"external_id", result.externalID,
		"latency_ms", latency.Milliseconds(),
	)
	return result.outcome, nil
}

func (d *Dispatcher) apply(ctx context.Context, item SyncQueueItem, strategy EntityStrategy) (applyResult, error) {
	rules, object, err := d.settings.Rules(ctx, item.WorkspaceID, strategy)
	if err != nil {
		return applyResult{}, err
	}
	if !object.Enabled {
		return applyResult{}, Permanent(fmt.Errorf("%w: %s", ErrSyncDisabled, item.EntityType))
	}
	if item.Direction == DirectionFromExternal {
		return d.applyPatch(ctx, item, rules, object)
	}
	if !object.Direction.Outbound() && item.ConflictID == "" {
		return applyResult{}, Permanent(fmt.Errorf("%w: %s is inbound only", ErrSyncDisabled, item.EntityType))
	}
	workspace, err := d.settings.GetWorkspace(ctx, item.WorkspaceID)
	if err != nil {
		return applyResult{}, err
	}
	switch item.Operation {
	case OpDelete:
		return d.pushDelete(ctx, item, strategy)
	default:
		return d.push(ctx, item, strategy, rules, object, workspace)
	}
}

func (d *Dispatcher) fail(ctx context.Context, logger *slog.Logger, item SyncQueueItem, cause error, started time.Time) (Outcome, error) {
	status, err := d.queue.Fail(ctx, item, cause)
	if err != nil {
		return "", err
	}
	outcome := OutcomeRetrying
	delta := MetricDelta{Attempted: 1, Failed: 1, Latency: d.now().Sub(started)}
	if status == QueueDeadLetter {
		outcome = OutcomeDeadLettered
		delta.DeadLettered = 1
	}
	if err := d.metrics.Record(ctx, item.WorkspaceID, item.EntityType, delta); err != nil {
		logger.Warn("record metrics", "error", err)
	}
	d.events.Publish(Event{
		Kind:        EventQueue,
		WorkspaceID: item.WorkspaceID,
		EntityType:  item.EntityType,
		EntityID:    item.EntityID,
		ItemID:      item.ID,
		Status:      string(status),
		Error:       cause.Error(),
	})
	level := slog.LevelWarn
	if status == QueueDeadLetter {
		level = slog.LevelError
	}
	logger.Log(ctx, level, "queue item failed",
		"status", string(status),
		"error_kind", string(Classify(cause)),
		"attempt", item.Attempts+1,
		"error", cause,
	)
	return outcome, nil
}
