package crmsync

import (
	"fmt"
	"strings"
	"time"
)

type EntityType string

const (
	EntityPerson       EntityType = "person"
	EntityOrganization EntityType = "organization"
	EntityDeal         EntityType = "deal"
	EntityActivity     EntityType = "activity"
)

var entityTypes = []EntityType{EntityPerson, EntityOrganization, EntityDeal, EntityActivity}

func EntityTypes() []EntityType {
	return append([]EntityType(nil), entityTypes...)
}

// ParseEntityType accepts the canonical names plus the external CRM's object
// names (contact, company, task).
func ParseEntityType(raw string) (EntityType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "person", "people", "contact", "contacts":
		return EntityPerson, nil
	case "organization", "organizations", "company", "companies":
		return EntityOrganization, nil
	case "deal", "deals":
		return EntityDeal, nil
	case "activity", "activities", "task", "tasks":
		return EntityActivity, nil
	default:
		return "", fmt.Errorf("%w: unknown entity type %q", ErrInvalidInput, raw)
	}
}

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func (o Operation) Valid() bool {
	return o == OpCreate || o == OpUpdate || o == OpDelete
}

// DefaultPriority orders deletes first so removed records leave the external
// system as soon as possible.
func (o Operation) DefaultPriority() int {
	switch o {
	case OpDelete:
		return 0
	case OpCreate:
		return 1
	default:
		return 2
	}
}

type Direction string

const (
	DirectionToExternal    Direction = "to_external"
	DirectionFromExternal  Direction = "from_external"
	DirectionBidirectional Direction = "bidirectional"
)

func ParseDirection(raw string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(raw))) {
	case DirectionToExternal, "to-external", "outbound":
		return DirectionToExternal, nil
	case DirectionFromExternal, "from-external", "inbound":
		return DirectionFromExternal, nil
	case DirectionBidirectional, "", "both":
		return DirectionBidirectional, nil
	default:
		return "", fmt.Errorf("%w: unknown direction %q", ErrInvalidInput, raw)
	}
}

func (d Direction) Outbound() bool {
	return d == DirectionToExternal || d == DirectionBidirectional
}

func (d Direction) Inbound() bool {
	return d == DirectionFromExternal || d == DirectionBidirectional
}

type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
	QueueDeadLetter QueueStatus = "dead_letter"
	QueueIgnored    QueueStatus = "ignored"
)

var queueStatuses = []QueueStatus{QueuePending, QueueProcessing, QueueCompleted, QueueFailed, QueueDeadLetter, QueueIgnored}

type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
	ConflictIgnored  ConflictStatus = "ignored"
)

type Strategy string

const (
	StrategyPreferInternal Strategy = "prefer_internal"
	StrategyPreferExternal Strategy = "prefer_external"
	StrategyMerge          Strategy = "merge"
	StrategyIgnore         Strategy = "ignore"
)

func ParseStrategy(raw string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.ReplaceAll(strings.TrimSpace(raw), "-", "_"))) {
	case StrategyPreferInternal:
		return StrategyPreferInternal, nil
	case StrategyPreferExternal:
		return StrategyPreferExternal, nil
	case StrategyMerge:
		return StrategyMerge, nil
	case StrategyIgnore:
		return StrategyIgnore, nil
	default:
		return "", fmt.Errorf("%w: unknown resolution strategy %q", ErrInvalidInput, raw)
	}
}

type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

type WebhookStatus string

const (
	WebhookQueued     WebhookStatus = "queued"
	WebhookProcessing WebhookStatus = "processing"
	WebhookProcessed  WebhookStatus = "processed"
	WebhookFailed     WebhookStatus = "failed"
)

type DeletePolicy string

const (
	DeleteMappingOnly DeletePolicy = "mapping_only"
	DeleteHard        DeletePolicy = "hard_delete"
)

func ParseDeletePolicy(raw string) (DeletePolicy, error) {
	switch DeletePolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", DeleteMappingOnly:
		return DeleteMappingOnly, nil
	case DeleteHard:
		return DeleteHard, nil
	default:
		return "", fmt.Errorf("%w: unknown delete policy %q", ErrInvalidInput, raw)
	}
}

// Fields is a record's field values keyed by field name.
type Fields map[string]any

func (f Fields) Clone() Fields {
	if f == nil {
		return Fields{}
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// EntityKey identifies one lockable entity.
type EntityKey struct {
	WorkspaceID string     `json:"workspaceId"`
	EntityType  EntityType `json:"entityType"`
	EntityID    string     `json:"entityId"`
}

func (k EntityKey) String() string {
	return k.WorkspaceID + "/" + string(k.EntityType) + "/" + k.EntityID
}

func (k EntityKey) validate() error {
	if strings.TrimSpace(k.WorkspaceID) == "" || strings.TrimSpace(k.EntityID) == "" || k.EntityType == "" {
		return fmt.Errorf("%w: workspace, entity type and entity id are required", ErrInvalidInput)
	}
	return nil
}

// Record is an internal contact, company, deal or activity.
type Record struct {
	WorkspaceID    string               `json:"workspaceId"`
	EntityType     EntityType           `json:"entityType"`
	ID             string               `json:"id"`
	Fields         Fields               `json:"fields"`
	FieldUpdatedAt map[string]time.Time `json:"fieldUpdatedAt,omitempty"`
	Deleted        bool                 `json:"deleted,omitempty"`
	CreatedAt      time.Time            `json:"createdAt"`
	UpdatedAt      time.Time            `json:"updatedAt"`
}

func (r Record) Key() EntityKey {
	return EntityKey{WorkspaceID: r.WorkspaceID, EntityType: r.EntityType, EntityID: r.ID}
}

// ExternalRecord is an object as returned by the external CRM.
type ExternalRecord struct {
	ID                string               `json:"id"`
	Properties        Fields               `json:"properties"`
	PropertyUpdatedAt map[string]time.Time `json:"propertyUpdatedAt,omitempty"`
	UpdatedAt         time.Time            `json:"updatedAt"`
	Archived          bool                 `json:"archived,omitempty"`
}

// SyncEntity is the mapping row between an internal record and its external
// counterpart plus the last-synced baseline.
type SyncEntity struct {
	WorkspaceID    string     `json:"workspaceId"`
	EntityType     EntityType `json:"entityType"`
	InternalID     string     `json:"internalId"`
	ExternalID     string     `json:"externalId,omitempty"`
	LastSyncedHash string     `json:"lastSyncedHash"`
	LastSyncedAt   time.Time  `json:"lastSyncedAt"`
	Direction      Direction  `json:"direction"`
	Baseline       Fields     `json:"baseline"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

func (e SyncEntity) Key() EntityKey {
	return EntityKey{WorkspaceID: e.WorkspaceID, EntityType: e.EntityType, EntityID: e.InternalID}
}

type SyncQueueItem struct {
	ID          string      `json:"id"`
	WorkspaceID string      `json:"workspaceId"`
	EntityType  EntityType  `json:"entityType"`
	EntityID    string      `json:"entityId"`
	Operation   Operation   `json:"operation"`
	Direction   Direction   `json:"direction"`
	Payload     Fields      `json:"payload"`
	Priority    int         `json:"priority"`
	Status      QueueStatus `json:"status"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"maxAttempts"`
	LastError   string      `json:"lastError,omitempty"`
	ErrorKind   ErrorKind   `json:"errorKind,omitempty"`
	ConflictID  string      `json:"conflictId,omitempty"`
	AvailableAt time.Time   `json:"availableAt"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
	ProcessedAt *time.Time  `json:"processedAt,omitempty"`

	claimToken string
}

func (i SyncQueueItem) Key() EntityKey {
	return EntityKey{WorkspaceID: i.WorkspaceID, EntityType: i.EntityType, EntityID: i.EntityID}
}

type SyncLock struct {
	WorkspaceID string     `json:"workspaceId"`
	EntityType  EntityType `json:"entityType"`
	EntityID    string     `json:"entityId"`
	HolderToken string     `json:"holderToken"`
	AcquiredAt  time.Time  `json:"acquiredAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
}

// FieldDiff classifies one mapped field that changed on at least one side.
type FieldDiff struct {
	Field             string    `json:"field"`
	Baseline          any       `json:"baseline,omitempty"`
	Internal          any       `json:"internal,omitempty"`
	External          any       `json:"external,omitempty"`
	InternalChanged   bool      `json:"internalChanged"`
	ExternalChanged   bool      `json:"externalChanged"`
	Conflicting       bool      `json:"conflicting"`
	InternalChangedAt time.Time `json:"internalChangedAt,omitempty"`
	ExternalChangedAt time.Time `json:"externalChangedAt,omitempty"`
}

type SyncConflict struct {
	ID               string         `json:"id"`
	WorkspaceID      string         `json:"workspaceId"`
	EntityType       EntityType     `json:"entityType"`
	EntityID         string         `json:"entityId"`
	ExternalID       string         `json:"externalId"`
	InternalSnapshot Fields         `json:"internalSnapshot"`
	ExternalSnapshot Fields         `json:"externalSnapshot"`
	Baseline         Fields         `json:"baseline"`
	Diffs            []FieldDiff    `json:"diffs"`
	Status           ConflictStatus `json:"status"`
	Strategy         Strategy       `json:"strategy,omitempty"`
	ResolvedData     Fields         `json:"resolvedData,omitempty"`
	ResolvedBy       string         `json:"resolvedBy,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	ResolvedAt       *time.Time     `json:"resolvedAt,omitempty"`
}

func (c SyncConflict) Key() EntityKey {
	return EntityKey{WorkspaceID: c.WorkspaceID, EntityType: c.EntityType, EntityID: c.EntityID}
}

type WebhookEvent struct {
	EventID     string        `json:"eventId"`
	AccountID   string        `json:"accountId"`
	WorkspaceID string        `json:"workspaceId"`
	EntityType  EntityType    `json:"entityType"`
	ExternalID  string        `json:"externalId"`
	ChangeType  ChangeType    `json:"changeType"`
	Payload     string        `json:"payload"`
	Status      WebhookStatus `json:"status"`
	Attempts    int           `json:"attempts"`
	Error       string        `json:"error,omitempty"`
	ReceivedAt  time.Time     `json:"receivedAt"`
	ProcessedAt *time.Time    `json:"processedAt,omitempty"`

	claimToken string
}

type SyncMetric struct {
	WorkspaceID  string     `json:"workspaceId"`
	Day          string     `json:"day"`
	EntityType   EntityType `json:"entityType"`
	Attempted    int64      `json:"attempted"`
	Succeeded    int64      `json:"succeeded"`
	Failed       int64      `json:"failed"`
	Conflicts    int64      `json:"conflicts"`
	DeadLettered int64      `json:"deadLettered"`
	AvgLatencyMS float64    `json:"avgLatencyMs"`
	ErrorRate    float64    `json:"errorRate"`
	Closed       bool       `json:"closed"`
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func optionalMillis(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := fromMillis(ms)
	return &t
}
