package crmsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/crmsync/internal/database"
)

type Options struct {
	Queue      QueueOptions
	Dispatcher DispatcherOptions
	Webhook    WebhookOptions
	LockTTL    time.Duration
	Logger     *slog.Logger
}

// Service is the operator-facing surface of the sync engine and owns the
// dispatcher and webhook workers.
type Service struct {
	engine     *engine
	dispatcher *Dispatcher
	ingestor   *Ingestor
}

func NewService(db *database.DB, registry *Registry, opts Options) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: database is required", ErrInvalidInput)
	}
	if registry == nil {
		return nil, fmt.Errorf("%w: registry is required", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	e := &engine{
		db:        db,
		records:   NewRecordStore(db),
		mappings:  NewMappingStore(db),
		settings:  NewSettingsStore(db),
		queue:     NewQueue(db, opts.Queue),
		locks:     NewLockManager(db),
		conflicts: NewConflictStore(db),
		metrics:   NewMetricsStore(db),
		registry:  registry,
		events:    NewBroadcaster(),
		logger:    logger,
		lockTTL:   lockTTL,
		now:       utcNow,
	}
	e.resolver = &Resolver{
		db:        db,
		conflicts: e.conflicts,
		queue:     e.queue,
		locks:     e.locks,
		lockTTL:   lockTTL,
		logger:    logger.With("component", "resolver"),
	}
	dispatcherEngine := *e
	dispatcherEngine.logger = logger.With("component", "dispatcher")
	ingestorEngine := *e
	ingestorEngine.logger = logger.With("component", "webhooks")
	ingestor, err := newIngestor(&ingestorEngine, opts.Webhook)
	if err != nil {
		return nil, err
	}
	return &Service{
		engine:     e,
		dispatcher: newDispatcher(&dispatcherEngine, opts.Dispatcher),
		ingestor:   ingestor,
	}, nil
}

func (s *Service) Dispatcher() *Dispatcher { return s.dispatcher }

func (s *Service) Ingestor() *Ingestor { return s.ingestor }

func (s *Service) Events() *Broadcaster { return s.engine.events }

func (s *Service) Settings() *SettingsStore { return s.engine.settings }

func (s *Service) Queue() *Queue { return s.engine.queue }

func (s *Service) setClock(now func() time.Time) {
	s.engine.setClock(now)
	s.dispatcher.now = now
	s.ingestor.now = now
}

// Run drives the dispatcher and webhook workers until ctx is cancelled, and
// closes metric periods as days roll over.
func (s *Service) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		_ = s.dispatcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = s.ingestor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.closeMetricPeriods(ctx)
	}()
	wg.Wait()
	s.engine.events.Close()
	return ctx.Err()
}

func (s *Service) closeMetricPeriods(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		today := s.engine.now().Truncate(24 * time.Hour)
		if n, err := s.engine.metrics.ClosePeriods(ctx, today); err != nil {
			s.engine.logger.Warn("close metric periods", "error", err)
		} else if n > 0 {
			s.engine.logger.Info("metric periods closed", "rows", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RecordChange is a record mutation plus the sync work it queued, if any.
type RecordChange struct {
	Record Record         `json:"record"`
	Item   *SyncQueueItem `json:"item,omitempty"`
}

func (s *Service) GetRecord(ctx context.Context, key EntityKey) (Record, error) {
	return s.engine.records.Get(ctx, key)
}

func (s *Service) ListRecords(ctx context.Context, filter RecordFilter) ([]Record, error) {
	return s.engine.records.List(ctx, filter)
}

// CreateRecord writes an internal record and, when outbound sync is
// enabled for its type, enqueues the create in the same transaction.
func (s *Service) CreateRecord(ctx context.Context, workspaceID string, entityType EntityType, id string, fields Fields) (RecordChange, error) {
	entityType, err := ParseEntityType(string(entityType))
	if err != nil {
		return RecordChange{}, err
	}
	outbound, err := s.outboundEnabled(ctx, workspaceID, entityType)
	if err != nil {
		return RecordChange{}, err
	}
	var change RecordChange
	err = s.engine.db.WithTx(ctx, func(tx *database.Tx) error {
		record, err := s.engine.records.create(ctx, tx, workspaceID, entityType, id, fields)
		if err != nil {
			return err
		}
		change.Record = record
		if !outbound {
			return nil
		}
		item, err := s.engine.queue.enqueue(ctx, tx, EnqueueRequest{
			WorkspaceID: workspaceID,
			EntityType:  entityType,
			EntityID:    record.ID,
			Operation:   OpCreate,
			Direction:   DirectionToExternal,
			Payload:     record.Fields,
		})
		if err != nil {
			return err
		}
		change.Item = &item
		return nil
	})
	return change, err
}

// UpdateRecord merges patch into a record. A patch that changes nothing
// queues nothing.
func (s *Service) UpdateRecord(ctx context.Context, key EntityKey, patch Fields) (RecordChange, error) {
	outbound, err := s.outboundEnabled(ctx, key.WorkspaceID, key.EntityType)
	if err != nil {
		return RecordChange{}, err
	}
	var change RecordChange
	err = s.engine.db.WithTx(ctx, func(tx *database.Tx) error {
		record, changed, err := s.engine.records.update(ctx, tx, key, patch)
		if err != nil {
			return err
		}
		change.Record = record
		if !outbound || len(changed) == 0 {
			return nil
		}
		item, err := s.engine.queue.enqueue(ctx, tx, EnqueueRequest{
			WorkspaceID: key.WorkspaceID,
			EntityType:  key.EntityType,
			EntityID:    key.EntityID,
			Operation:   OpUpdate,
			Direction:   DirectionToExternal,
			Payload:     record.Fields,
		})
		if err != nil {
			return err
		}
		change.Item = &item
		return nil
	})
	return change, err
}

func (s *Service) DeleteRecord(ctx context.Context, key EntityKey) (RecordChange, error) {
	outbound, err := s.outboundEnabled(ctx, key.WorkspaceID, key.EntityType)
	if err != nil {
		return RecordChange{}, err
	}
	var change RecordChange
	err = s.engine.db.WithTx(ctx, func(tx *database.Tx) error {
		if err := s.engine.records.markDeleted(ctx, tx, key); err != nil {
			return err
		}
		record, err := s.engine.records.get(ctx, tx, key)
		if err != nil {
			return err
		}
		change.Record = record
		if !outbound {
			return nil
		}
		item, err := s.engine.queue.enqueue(ctx, tx, EnqueueRequest{
			WorkspaceID: key.WorkspaceID,
			EntityType:  key.EntityType,
			EntityID:    key.EntityID,
			Operation:   OpDelete,
			Direction:   DirectionToExternal,
		})
		if err != nil {
			return err
		}
		change.Item = &item
		return nil
	})
	return change, err
}

func (s *Service) outboundEnabled(ctx context.Context, workspaceID string, entityType EntityType) (bool, error) {
	object, err := s.engine.settings.GetObject(ctx, workspaceID, entityType)
	if err != nil {
		return false, err
	}
	return object.Enabled && object.Direction.Outbound(), nil
}

type TriggerRequest struct {
	WorkspaceID string     `json:"workspaceId"`
	EntityType  EntityType `json:"entityType"`
	Direction   Direction  `json:"direction"`
	EntityIDs   []string   `json:"entityIds,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}

type TriggerResult struct {
	Synced    int               `json:"synced"`
	Failed    int               `json:"failed"`
	Conflicts int               `json:"conflicts"`
	Deferred  int               `json:"deferred"`
	Skipped   int               `json:"skipped"`
	Errors    map[string]string `json:"errors,omitempty"`
}

func (r *TriggerResult) add(entityID string, outcome Outcome, err error) {
	if err != nil {
		r.Failed++
		if r.Errors == nil {
			r.Errors = map[string]string{}
		}
		r.Errors[entityID] = err.Error()
		return
	}
	switch outcome {
	case OutcomeSynced:
		r.Synced++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeConflict:
		r.Conflicts++
	case OutcomeDeferred:
		r.Deferred++
	case OutcomeRetrying, OutcomeDeadLettered:
		r.Failed++
	}
}

// TriggerSync synchronises one object type now. Outbound runs push the
// current internal records through the queue and process them inline;
// inbound runs pull each mapped object from the external CRM.
func (s *Service) TriggerSync(ctx context.Context, req TriggerRequest) (TriggerResult, error) {
	entityType, err := ParseEntityType(string(req.EntityType))
	if err != nil {
		return TriggerResult{}, err
	}
	direction, err := ParseDirection(string(req.Direction))
	if err != nil {
		return TriggerResult{}, err
	}
	if strings.TrimSpace(req.WorkspaceID) == "" {
		return TriggerResult{}, fmt.Errorf("%w: workspace id is required", ErrInvalidInput)
	}
	strategy, err := s.engine.registry.Lookup(entityType)
	if err != nil {
		return TriggerResult{}, err
	}
	rules, object, err := s.engine.settings.Rules(ctx, req.WorkspaceID, strategy)
	if err != nil {
		return TriggerResult{}, err
	}
	if !object.Enabled {
		return TriggerResult{}, fmt.Errorf("%w: %s", ErrSyncDisabled, entityType)
	}
	if (direction == DirectionToExternal && !object.Direction.Outbound()) ||
		(direction == DirectionFromExternal && !object.Direction.Inbound()) {
		return TriggerResult{}, fmt.Errorf("%w: %s does not sync %s", ErrSyncDisabled, entityType, direction)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 500
	}

	result := TriggerResult{}
	if direction.Outbound() && object.Direction.Outbound() {
		if err := s.triggerOutbound(ctx, req.WorkspaceID, entityType, req.EntityIDs, limit, &result); err != nil {
			return result, err
		}
	}
	if direction.Inbound() && object.Direction.Inbound() {
		if err := s.triggerInbound(ctx, req.WorkspaceID, strategy, rules, object, req.EntityIDs, limit, &result); err != nil {
			return result, err
		}
	}
	s.engine.logger.Info("sync triggered",
		"workspace_id", req.WorkspaceID,
		"entity_type", string(entityType),
		"direction", string(direction),
		"synced", result.Synced,
		"failed", result.Failed,
		"conflicts", result.Conflicts,
	)
	return result, nil
}

func (s *Service) triggerOutbound(ctx context.Context, workspaceID string, entityType EntityType, ids []string, limit int, result *TriggerResult) error {
	records, err := s.engine.records.List(ctx, RecordFilter{WorkspaceID: workspaceID, EntityType: entityType, IDs: ids, Limit: limit})
	if err != nil {
		return err
	}
	found := make(map[string]bool, len(records))
	for _, record := range records {
		found[record.ID] = true
		operation := OpUpdate
		if mapping, mapped, err := s.engine.mappingFor(ctx, record.Key()); err != nil {
			return err
		} else if !mapped || mapping.ExternalID == "" {
			operation = OpCreate
		}
		item, err := s.engine.queue.Enqueue(ctx, EnqueueRequest{
			WorkspaceID: workspaceID,
			EntityType:  entityType,
			EntityID:    record.ID,
			Operation:   operation,
			Direction:   DirectionToExternal,
			Payload:     record.Fields,
		})
		if err != nil {
			return err
		}
		claimed, ok, err := s.engine.queue.ClaimItem(ctx, item.ID)
		if err != nil {
			return err
		}
		if !ok {
			// A background worker took it first.
			result.add(record.ID, OutcomeDeferred, nil)
			continue
		}
		outcome, err := s.dispatcher.Process(ctx, claimed)
		result.add(record.ID, outcome, err)
	}
	for _, id := range ids {
		if !found[id] {
			result.add(id, "", ErrNotFound)
		}
	}
	return nil
}

func (s *Service) triggerInbound(ctx context.Context, workspaceID string, strategy EntityStrategy, rules []MappingRule, object ObjectSettings, ids []string, limit int, result *TriggerResult) error {
	workspace, err := s.engine.settings.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	var mappings []SyncEntity
	if len(ids) > 0 {
		for _, id := range ids {
			mapping, err := s.engine.mappings.Get(ctx, EntityKey{WorkspaceID: workspaceID, EntityType: strategy.Type, EntityID: id})
			if errors.Is(err, ErrNotFound) {
				result.add(id, "", ErrNotFound)
				continue
			}
			if err != nil {
				return err
			}
			mappings = append(mappings, mapping)
		}
	} else {
		all, err := s.engine.mappings.List(ctx, workspaceID, strategy.Type)
		if err != nil {
			return err
		}
		mappings = all
	}
	if len(mappings) > limit {
		mappings = mappings[:limit]
	}
	for _, mapping := range mappings {
		if mapping.ExternalID == "" {
			result.add(mapping.InternalID, OutcomeSkipped, nil)
			continue
		}
		var outcome applyResult
		err := s.engine.withLock(ctx, mapping.Key(), func() error {
			ext, err := strategy.Client.Get(ctx, strategy.Type, mapping.ExternalID)
			if errors.Is(err, ErrExternalNotFound) {
				outcome, err = s.engine.applyExternalDelete(ctx, workspace, mapping)
				return err
			}
			if err != nil {
				return err
			}
			outcome, err = s.engine.applyExternal(ctx, workspace, strategy, rules, object, ext)
			return err
		})
		if errors.Is(err, ErrLockBusy) {
			result.add(mapping.InternalID, OutcomeDeferred, nil)
			continue
		}
		result.add(mapping.InternalID, outcome.outcome, err)
	}
	return nil
}

func (s *Service) ListConflicts(ctx context.Context, filter ConflictFilter) ([]SyncConflict, error) {
	if filter.Status != "" {
		switch filter.Status {
		case ConflictPending, ConflictResolved, ConflictIgnored:
		default:
			return nil, fmt.Errorf("%w: unknown conflict status %q", ErrInvalidInput, filter.Status)
		}
	}
	return s.engine.conflicts.List(ctx, filter)
}

func (s *Service) GetConflict(ctx context.Context, workspaceID, id string) (SyncConflict, error) {
	return s.engine.conflicts.Get(ctx, workspaceID, id)
}

func (s *Service) ResolveConflict(ctx context.Context, req ResolveRequest) (Resolution, error) {
	return s.engine.resolver.Resolve(ctx, req)
}

type BulkResolveRequest struct {
	WorkspaceID string   `json:"workspaceId"`
	ConflictIDs []string `json:"conflictIds"`
	Strategy    Strategy `json:"strategy"`
	ResolvedBy  string   `json:"resolvedBy,omitempty"`
}

func (s *Service) BulkResolve(ctx context.Context, req BulkResolveRequest) (BulkResolution, error) {
	if len(req.ConflictIDs) == 0 {
		return BulkResolution{}, fmt.Errorf("%w: conflict ids are required", ErrInvalidInput)
	}
	if _, err := ParseStrategy(string(req.Strategy)); err != nil {
		return BulkResolution{}, err
	}
	return s.engine.resolver.BulkResolve(ctx, req.WorkspaceID, req.ConflictIDs, req.Strategy, req.ResolvedBy)
}

func (s *Service) QueueDepth(ctx context.Context, workspaceID string) (map[QueueStatus]int, error) {
	return s.engine.queue.Depth(ctx, workspaceID)
}

func (s *Service) ListQueue(ctx context.Context, filter QueueFilter) ([]SyncQueueItem, error) {
	return s.engine.queue.List(ctx, filter)
}

func (s *Service) RecentFailures(ctx context.Context, workspaceID string, limit int) ([]SyncQueueItem, error) {
	return s.engine.queue.ListFailed(ctx, workspaceID, limit)
}

// DailyMetrics returns rollups for [from, to]; zero bounds default to the
// last seven days.
func (s *Service) DailyMetrics(ctx context.Context, workspaceID string, from, to time.Time) ([]SyncMetric, error) {
	if to.IsZero() {
		to = s.engine.now()
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -6)
	}
	if from.After(to) {
		return nil, fmt.Errorf("%w: from is after to", ErrInvalidInput)
	}
	return s.engine.metrics.Daily(ctx, workspaceID, from, to)
}

func (s *Service) ConfigureObject(ctx context.Context, settings ObjectSettings) (ObjectSettings, error) {
	return s.engine.settings.PutObject(ctx, settings)
}

func (s *Service) GetObjectSettings(ctx context.Context, workspaceID string, entityType EntityType) (ObjectSettings, error) {
	entityType, err := ParseEntityType(string(entityType))
	if err != nil {
		return ObjectSettings{}, err
	}
	return s.engine.settings.GetObject(ctx, workspaceID, entityType)
}

func (s *Service) ConfigureWorkspace(ctx context.Context, settings WorkspaceSettings) (WorkspaceSettings, error) {
	return s.engine.settings.PutWorkspace(ctx, settings)
}

func (s *Service) ReplayDeadLetter(ctx context.Context, workspaceID, id string) (SyncQueueItem, error) {
	return s.engine.queue.Replay(ctx, workspaceID, id)
}

func (s *Service) AcknowledgeDeadLetter(ctx context.Context, workspaceID, id string) (SyncQueueItem, error) {
	return s.engine.queue.Acknowledge(ctx, workspaceID, id)
}

func (s *Service) Ingest(ctx context.Context, accountID string, body []byte, signature string) (IngestResult, error) {
	return s.ingestor.Ingest(ctx, accountID, body, signature)
}

func (s *Service) ProcessWebhooks(ctx context.Context, limit int) (int, error) {
	return s.ingestor.ProcessPending(ctx, limit)
}
