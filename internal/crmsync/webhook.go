package crmsync

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/crmsync/internal/database"
)

const webhookSchemaURL = "https://schemas.agentworkforce.dev/crmsync/webhook-event.json"

const webhookSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$defs": {
    "id": {"type": ["string", "integer"], "minLength": 1},
    "event": {
      "type": "object",
      "required": ["eventId", "subscriptionType", "objectId"],
      "properties": {
        "eventId": {"$ref": "#/$defs/id"},
        "subscriptionType": {"type": "string", "pattern": "^[A-Za-z_]+\\.[A-Za-z_]+$"},
        "objectId": {"$ref": "#/$defs/id"},
        "portalId": {"$ref": "#/$defs/id"},
        "occurredAt": {"type": "integer", "minimum": 0},
        "propertyName": {"type": "string"},
        "propertyValue": {},
        "properties": {"type": "object"}
      }
    }
  },
  "oneOf": [
    {"$ref": "#/$defs/event"},
    {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/event"}}
  ]
}`

const SignatureHeader = "X-CRM-Signature"

type WebhookOptions struct {
	MaxAttempts  int
	BatchSize    int
	PollInterval time.Duration
	Backoff      BackoffPolicy
	// LockRetryDelay is how long an event waits when its entity is busy.
	LockRetryDelay time.Duration
	// ConflictRecheckDelay is how long an event waits while its entity has
	// a pending conflict.
	ConflictRecheckDelay time.Duration
	// Lease bounds how long a processing event stays claimed before another
	// worker may take it over.
	Lease time.Duration
	// TrustPayload applies the properties carried by the event instead of
	// fetching the object's current state from the external CRM.
	TrustPayload bool
}

func (o WebhookOptions) normalized() WebhookOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.LockRetryDelay <= 0 {
		o.LockRetryDelay = 500 * time.Millisecond
	}
	if o.ConflictRecheckDelay <= 0 {
		o.ConflictRecheckDelay = 30 * time.Second
	}
	if o.Lease <= 0 {
		o.Lease = DefaultClaimLease
	}
	o.Backoff = o.Backoff.normalized()
	return o
}

type IngestResult struct {
	WorkspaceID string   `json:"workspaceId"`
	Accepted    int      `json:"accepted"`
	Duplicates  int      `json:"duplicates"`
	Ignored     int      `json:"ignored"`
	EventIDs    []string `json:"eventIds"`
}

// Ingestor verifies, deduplicates and applies external change notifications.
type Ingestor struct {
	*engine
	opts   WebhookOptions
	schema *jsonschema.Schema
}

func newIngestor(e *engine, opts WebhookOptions) (*Ingestor, error) {
	schema, err := compileSchema(webhookSchemaURL, webhookSchema)
	if err != nil {
		return nil, err
	}
	return &Ingestor{engine: e, opts: opts.normalized(), schema: schema}, nil
}

func compileSchema(url, source string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", url, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", url, err)
	}
	return compiler.Compile(url)
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifySignature(secret string, body []byte, signature string) bool {
	if secret == "" {
		return false
	}
	signature = strings.ToLower(strings.TrimSpace(signature))
	signature = strings.TrimPrefix(signature, "sha256=")
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

type webhookPayload struct {
	EventID          flexString `json:"eventId"`
	SubscriptionType string     `json:"subscriptionType"`
	ObjectID         flexString `json:"objectId"`
	OccurredAt       int64      `json:"occurredAt"`
	PropertyName     string     `json:"propertyName"`
	PropertyValue    any        `json:"propertyValue"`
	Properties       Fields     `json:"properties"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// Ingest accepts one delivery. The signature is checked against the raw
// body before anything is parsed. Redelivered events are acknowledged and
// counted as duplicates.
func (in *Ingestor) Ingest(ctx context.Context, accountID string, body []byte, signature string) (IngestResult, error) {
	workspace, err := in.settings.WorkspaceForAccount(ctx, accountID)
	if err != nil {
		return IngestResult{}, err
	}
	if !verifySignature(workspace.WebhookSecret, body, signature) {
		in.logger.Warn("webhook signature rejected", "account_id", accountID, "workspace_id", workspace.WorkspaceID)
		in.events.Publish(Event{Kind: EventWebhook, WorkspaceID: workspace.WorkspaceID, Status: "rejected"})
		return IngestResult{}, ErrInvalidSignature
	}
	payloads, err := in.parse(body)
	if err != nil {
		return IngestResult{}, err
	}

	result := IngestResult{WorkspaceID: workspace.WorkspaceID, EventIDs: []string{}}
	now := in.now()
	for i, payload := range payloads {
		entityType, change, ok := parseSubscription(payload.SubscriptionType)
		if !ok {
			result.Ignored++
			continue
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return result, err
		}
		eventID := string(payload.EventID)
		// The offset keeps batch order stable under the received_at sort.
		res, err := in.db.ExecContext(ctx, `
			INSERT INTO webhook_events (account_id, event_id, workspace_id, entity_type, external_id, change_type, payload,
				status, attempts, available_at, received_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'queued', 0, ?, ?)
			ON CONFLICT DO NOTHING`,
			accountID, eventID, workspace.WorkspaceID, string(entityType), string(payload.ObjectID), string(change),
			string(raw), millis(now), millis(now)+int64(i))
		if err != nil {
			return result, fmt.Errorf("store webhook event %s: %w", eventID, err)
		}
		if database.RowsAffected(res) == 0 {
			result.Duplicates++
			continue
		}
		result.Accepted++
		result.EventIDs = append(result.EventIDs, eventID)
	}
	in.logger.Info("webhook delivery ingested",
		"account_id", accountID,
		"workspace_id", workspace.WorkspaceID,
		"accepted", result.Accepted,
		"duplicates", result.Duplicates,
		"ignored", result.Ignored,
	)
	return result, nil
}

func (in *Ingestor) parse(body []byte) ([]webhookPayload, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: webhook body is not JSON: %v", ErrInvalidInput, err)
	}
	if err := in.schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: webhook body: %v", ErrInvalidInput, err)
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var payloads []webhookPayload
		if err := json.Unmarshal(trimmed, &payloads); err != nil {
			return nil, fmt.Errorf("%w: webhook body: %v", ErrInvalidInput, err)
		}
		return payloads, nil
	}
	var payload webhookPayload
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return nil, fmt.Errorf("%w: webhook body: %v", ErrInvalidInput, err)
	}
	return []webhookPayload{payload}, nil
}

// parseSubscription splits "contact.propertyChange" style types.
func parseSubscription(raw string) (EntityType, ChangeType, bool) {
	object, action, ok := strings.Cut(strings.TrimSpace(raw), ".")
	if !ok {
		return "", "", false
	}
	entityType, err := ParseEntityType(object)
	if err != nil {
		return "", "", false
	}
	switch strings.ToLower(action) {
	case "creation", "created", "create":
		return entityType, ChangeCreated, true
	case "propertychange", "updated", "update", "restore":
		return entityType, ChangeUpdated, true
	case "deletion", "deleted", "delete":
		return entityType, ChangeDeleted, true
	default:
		return "", "", false
	}
}

const webhookColumns = `account_id, event_id, workspace_id, entity_type, external_id, change_type, payload, status, attempts, error, claim_token, received_at, processed_at`

// errClaimSuperseded means another worker reclaimed the event's lease.
var errClaimSuperseded = errors.New("webhook claim superseded")

// Run processes queued events until ctx is cancelled.
func (in *Ingestor) Run(ctx context.Context) error {
	ticker := time.NewTicker(in.opts.PollInterval)
	defer ticker.Stop()
	for {
		n, err := in.ProcessPending(ctx, in.opts.BatchSize)
		if err != nil && !errors.Is(err, context.Canceled) {
			in.logger.Warn("webhook batch failed", "error", err)
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

// ProcessPending applies up to limit due events in arrival order and
// returns how many it claimed.
func (in *Ingestor) ProcessPending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = in.opts.BatchSize
	}
	now := millis(in.now())
	rows, err := in.db.QueryContext(ctx, "SELECT "+webhookColumns+` FROM webhook_events
		WHERE ((status IN ('queued', 'failed') AND available_at <= ?) OR (status = 'processing' AND available_at <= ?))
			AND attempts < ?
		ORDER BY received_at, event_id
		LIMIT ?`, now, now, in.opts.MaxAttempts, limit)
	if err != nil {
		return 0, fmt.Errorf("list webhook events: %w", err)
	}
	var due []WebhookEvent
	for rows.Next() {
		event, err := scanWebhookEvent(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		due = append(due, event)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	claimed := 0
	for _, event := range due {
		if err := ctx.Err(); err != nil {
			return claimed, err
		}
		event, ok, err := in.claim(ctx, event)
		if err != nil {
			return claimed, err
		}
		if !ok {
			continue
		}
		claimed++
		in.process(ctx, event)
	}
	return claimed, nil
}

func (in *Ingestor) claim(ctx context.Context, event WebhookEvent) (WebhookEvent, bool, error) {
	now := in.now()
	token := uuid.NewString()
	res, err := in.db.ExecContext(ctx, `
		UPDATE webhook_events SET status = 'processing', available_at = ?, claim_token = ?
		WHERE account_id = ? AND event_id = ? AND status = ? AND attempts = ? AND claim_token = ?`,
		millis(now.Add(in.opts.Lease)), token, event.AccountID, event.EventID, string(event.Status), event.Attempts, event.claimToken)
	if err != nil {
		return event, false, fmt.Errorf("claim webhook event %s: %w", event.EventID, err)
	}
	if database.RowsAffected(res) != 1 {
		return event, false, nil
	}
	event.Status = WebhookProcessing
	event.claimToken = token
	return event, true, nil
}

// stillClaimed reports whether event's claim is the current one.
func (in *Ingestor) stillClaimed(ctx context.Context, event WebhookEvent) (bool, error) {
	var count int
	err := in.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_events
		WHERE account_id = ? AND event_id = ? AND status = 'processing' AND claim_token = ?`,
		event.AccountID, event.EventID, event.claimToken).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check webhook claim %s: %w", event.EventID, err)
	}
	return count == 1, nil
}

func (in *Ingestor) Get(ctx context.Context, accountID, eventID string) (WebhookEvent, error) {
	event, err := scanWebhookEvent(in.db.QueryRowContext(ctx, "SELECT "+webhookColumns+
		" FROM webhook_events WHERE account_id = ? AND event_id = ?", accountID, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return WebhookEvent{}, ErrNotFound
	}
	return event, err
}

func (in *Ingestor) process(ctx context.Context, event WebhookEvent) {
	started := in.now()
	logger := in.logger.With(
		"account_id", event.AccountID,
		"event_id", event.EventID,
		"workspace_id", event.WorkspaceID,
		"entity_type", string(event.EntityType),
		"external_id", event.ExternalID,
		"change_type", string(event.ChangeType),
	)
	result, err := in.apply(ctx, event)
	switch {
	case errors.Is(err, errClaimSuperseded):
		logger.Info("webhook claim superseded, skipping")
		return
	case err != nil:
		if !in.markFailed(ctx, logger, event, err) {
			return
		}
		delta := MetricDelta{Attempted: 1, Failed: 1, Latency: in.now().Sub(started)}
		if err := in.metrics.Record(ctx, event.WorkspaceID, event.EntityType, delta); err != nil {
			logger.Warn("record metrics", "error", err)
		}
		return
	case result.outcome == OutcomeDeferred:
		delay := in.opts.LockRetryDelay
		if result.pendingConflict {
			delay = in.opts.ConflictRecheckDelay
		}
		in.requeue(ctx, logger, event, delay)
		return
	}
	now := millis(in.now())
	res, err := in.db.ExecContext(ctx, `
		UPDATE webhook_events SET status = 'processed', attempts = attempts + 1, error = '', processed_at = ?
		WHERE account_id = ? AND event_id = ? AND status = 'processing' AND claim_token = ?`,
		now, event.AccountID, event.EventID, event.claimToken)
	if err != nil {
		logger.Error("mark webhook event processed", "error", err)
		return
	}
	if database.RowsAffected(res) != 1 {
		logger.Info("webhook claim superseded, skipping")
		return
	}
	delta := MetricDelta{Attempted: 1, Latency: in.now().Sub(started)}
	if result.outcome != OutcomeConflict {
		delta.Succeeded = 1
	}
	if err := in.metrics.Record(ctx, event.WorkspaceID, event.EntityType, delta); err != nil {
		logger.Warn("record metrics", "error", err)
	}
	in.events.Publish(Event{
		Kind:        EventWebhook,
		WorkspaceID: event.WorkspaceID,
		EntityType:  event.EntityType,
		ConflictID:  result.conflictID,
		Status:      string(result.outcome),
	})
	logger.Info("webhook event processed", "outcome", string(result.outcome))
}

func (in *Ingestor) apply(ctx context.Context, event WebhookEvent) (applyResult, error) {
	strategy, err := in.registry.Lookup(event.EntityType)
	if err != nil {
		return applyResult{}, err
	}
	workspace, err := in.settings.GetWorkspace(ctx, event.WorkspaceID)
	if err != nil {
		return applyResult{}, err
	}
	rules, object, err := in.settings.Rules(ctx, event.WorkspaceID, strategy)
	if err != nil {
		return applyResult{}, err
	}
	if !object.Enabled {
		return applyResult{outcome: OutcomeSkipped}, nil
	}
	var payload webhookPayload
	if err := json.Unmarshal([]byte(event.Payload), &payload); err != nil {
		return applyResult{}, Permanent(fmt.Errorf("%w: stored payload: %v", ErrInvalidInput, err))
	}

	// Mapped objects lock on the internal id shared with the dispatcher;
	// unmapped ones on the external id until a mapping exists. A mapping
	// created while waiting means the lock key is retried once.
	for attempt := 0; ; attempt++ {
		mapping, err := in.mappings.FindByExternal(ctx, event.WorkspaceID, event.EntityType, event.ExternalID)
		mapped := err == nil
		if err != nil && !errors.Is(err, ErrNotFound) {
			return applyResult{}, err
		}
		key := EntityKey{WorkspaceID: event.WorkspaceID, EntityType: event.EntityType, EntityID: "ext:" + event.ExternalID}
		if mapped {
			key = mapping.Key()
		}
		var (
			result applyResult
			retry  bool
		)
		err = in.withLock(ctx, key, func() error {
			// A reclaimed lease hands the event to another worker; the loser
			// must not apply it.
			claimed, err := in.stillClaimed(ctx, event)
			if err != nil {
				return err
			}
			if !claimed {
				return errClaimSuperseded
			}
			current, err := in.mappings.FindByExternal(ctx, event.WorkspaceID, event.EntityType, event.ExternalID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if (err == nil) != mapped || (mapped && current.InternalID != mapping.InternalID) {
				retry = true
				return nil
			}
			result, err = in.applyLocked(ctx, workspace, strategy, rules, object, event, payload, current, mapped)
			return err
		})
		if errors.Is(err, ErrLockBusy) {
			return applyResult{outcome: OutcomeDeferred}, nil
		}
		if err != nil {
			return applyResult{}, err
		}
		if retry && attempt == 0 {
			continue
		}
		if retry {
			return applyResult{outcome: OutcomeDeferred}, nil
		}
		return result, nil
	}
}

func (in *Ingestor) applyLocked(ctx context.Context, workspace WorkspaceSettings, strategy EntityStrategy, rules []MappingRule, object ObjectSettings, event WebhookEvent, payload webhookPayload, mapping SyncEntity, mapped bool) (applyResult, error) {
	if event.ChangeType == ChangeDeleted {
		if !mapped || !object.Direction.Inbound() {
			return applyResult{outcome: OutcomeSkipped}, nil
		}
		return in.applyExternalDelete(ctx, workspace, mapping)
	}
	ext, err := in.externalState(ctx, strategy, event, payload)
	if errors.Is(err, ErrExternalNotFound) {
		// Deleted again before we got to it; the deletion event follows.
		return applyResult{outcome: OutcomeSkipped}, nil
	}
	if err != nil {
		return applyResult{}, err
	}
	return in.applyExternal(ctx, workspace, strategy, rules, object, ext)
}

func (in *Ingestor) externalState(ctx context.Context, strategy EntityStrategy, event WebhookEvent, payload webhookPayload) (ExternalRecord, error) {
	if !in.opts.TrustPayload {
		return strategy.Client.Get(ctx, event.EntityType, event.ExternalID)
	}
	occurred := event.ReceivedAt
	if payload.OccurredAt > 0 {
		occurred = fromMillis(payload.OccurredAt)
	}
	ext := ExternalRecord{
		ID:                event.ExternalID,
		Properties:        payload.Properties.Clone(),
		PropertyUpdatedAt: map[string]time.Time{},
		UpdatedAt:         occurred,
	}
	if payload.PropertyName != "" {
		ext.Properties[payload.PropertyName] = payload.PropertyValue
	}
	for name := range ext.Properties {
		ext.PropertyUpdatedAt[name] = occurred
	}
	return ext, nil
}

// markFailed records a failed attempt and reports whether this worker still
// held the claim.
func (in *Ingestor) markFailed(ctx context.Context, logger *slog.Logger, event WebhookEvent, cause error) bool {
	attempts := event.Attempts + 1
	now := in.now()
	availableAt := now.Add(in.opts.Backoff.Delay(attempts, RetryAfter(cause)))
	if Classify(cause) == ErrorPermanent {
		attempts = in.opts.MaxAttempts
	}
	res, err := in.db.ExecContext(ctx, `
		UPDATE webhook_events SET status = 'failed', attempts = ?, error = ?, available_at = ?, processed_at = ?
		WHERE account_id = ? AND event_id = ? AND status = 'processing' AND claim_token = ?`,
		attempts, cause.Error(), millis(availableAt), millis(now), event.AccountID, event.EventID, event.claimToken)
	if err != nil {
		logger.Error("mark webhook event failed", "error", err)
		return false
	}
	if database.RowsAffected(res) != 1 {
		logger.Info("webhook claim superseded, skipping")
		return false
	}
	in.events.Publish(Event{
		Kind:        EventWebhook,
		WorkspaceID: event.WorkspaceID,
		EntityType:  event.EntityType,
		Status:      string(WebhookFailed),
		Error:       cause.Error(),
	})
	if attempts >= in.opts.MaxAttempts {
		logger.Error("webhook event failed permanently", "attempts", attempts, "error", cause)
		return true
	}
	logger.Warn("webhook event failed, will retry", "attempts", attempts, "error", cause)
	return true
}

func (in *Ingestor) requeue(ctx context.Context, logger *slog.Logger, event WebhookEvent, delay time.Duration) {
	_, err := in.db.ExecContext(ctx, `
		UPDATE webhook_events SET status = 'queued', available_at = ?, claim_token = ''
		WHERE account_id = ? AND event_id = ? AND status = 'processing' AND claim_token = ?`,
		millis(in.now().Add(delay)), event.AccountID, event.EventID, event.claimToken)
	if err != nil {
		logger.Error("requeue webhook event", "error", err)
	}
}

func scanWebhookEvent(row rowScanner) (WebhookEvent, error) {
	var (
		event                   WebhookEvent
		entityType, change      string
		status                  string
		receivedAt, processedAt int64
	)
	err := row.Scan(&event.AccountID, &event.EventID, &event.WorkspaceID, &entityType, &event.ExternalID, &change,
		&event.Payload, &status, &event.Attempts, &event.Error, &event.claimToken, &receivedAt, &processedAt)
	if err != nil {
		return WebhookEvent{}, err
	}
	event.EntityType = EntityType(entityType)
	event.ChangeType = ChangeType(change)
	event.Status = WebhookStatus(status)
	event.ReceivedAt = fromMillis(receivedAt)
	event.ProcessedAt = optionalMillis(processedAt)
	return event, nil
}
