package crmsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/crmsync/internal/database"
)

// WorkspaceSettings binds a workspace to its external CRM account.
type WorkspaceSettings struct {
	WorkspaceID   string       `json:"workspaceId"`
	AccountID     string       `json:"accountId"`
	WebhookSecret string       `json:"-"`
	DeletePolicy  DeletePolicy `json:"deletePolicy"`
	// AutoResolve is applied to new conflicts immediately; empty leaves
	// them pending for an operator.
	AutoResolve Strategy  `json:"autoResolve,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ObjectSettings controls one entity type within a workspace.
type ObjectSettings struct {
	WorkspaceID string        `json:"workspaceId"`
	EntityType  EntityType    `json:"entityType"`
	Enabled     bool          `json:"enabled"`
	Direction   Direction     `json:"direction"`
	Rules       []MappingRule `json:"rules"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

type SettingsStore struct {
	db  *database.DB
	now func() time.Time
}

func NewSettingsStore(db *database.DB) *SettingsStore {
	return &SettingsStore{db: db, now: utcNow}
}

func (s *SettingsStore) PutWorkspace(ctx context.Context, settings WorkspaceSettings) (WorkspaceSettings, error) {
	settings.WorkspaceID = strings.TrimSpace(settings.WorkspaceID)
	settings.AccountID = strings.TrimSpace(settings.AccountID)
	if settings.WorkspaceID == "" {
		return WorkspaceSettings{}, fmt.Errorf("%w: workspace id is required", ErrInvalidInput)
	}
	policy, err := ParseDeletePolicy(string(settings.DeletePolicy))
	if err != nil {
		return WorkspaceSettings{}, err
	}
	settings.DeletePolicy = policy
	if settings.AutoResolve != "" {
		strategy, err := ParseStrategy(string(settings.AutoResolve))
		if err != nil {
			return WorkspaceSettings{}, err
		}
		settings.AutoResolve = strategy
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_workspaces (workspace_id, account_id, webhook_secret, delete_policy, auto_resolve, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id) DO UPDATE SET
			account_id = excluded.account_id,
			webhook_secret = excluded.webhook_secret,
			delete_policy = excluded.delete_policy,
			auto_resolve = excluded.auto_resolve,
			updated_at = excluded.updated_at`,
		settings.WorkspaceID, settings.AccountID, settings.WebhookSecret, string(settings.DeletePolicy),
		string(settings.AutoResolve), millis(now))
	if err != nil {
		return WorkspaceSettings{}, fmt.Errorf("put workspace settings: %w", err)
	}
	settings.UpdatedAt = now
	return settings, nil
}

// GetWorkspace returns stored settings, or defaults for an unknown workspace.
func (s *SettingsStore) GetWorkspace(ctx context.Context, workspaceID string) (WorkspaceSettings, error) {
	settings, err := s.scanWorkspace(s.db.QueryRowContext(ctx, `
		SELECT workspace_id, account_id, webhook_secret, delete_policy, auto_resolve, updated_at
		FROM sync_workspaces WHERE workspace_id = ?`, workspaceID))
	if errors.Is(err, sql.ErrNoRows) {
		return WorkspaceSettings{WorkspaceID: workspaceID, DeletePolicy: DeleteMappingOnly}, nil
	}
	return settings, err
}

// WorkspaceForAccount resolves an external account id, as carried by
// webhooks, to its workspace.
func (s *SettingsStore) WorkspaceForAccount(ctx context.Context, accountID string) (WorkspaceSettings, error) {
	if strings.TrimSpace(accountID) == "" {
		return WorkspaceSettings{}, ErrUnknownAccount
	}
	settings, err := s.scanWorkspace(s.db.QueryRowContext(ctx, `
		SELECT workspace_id, account_id, webhook_secret, delete_policy, auto_resolve, updated_at
		FROM sync_workspaces WHERE account_id = ?`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return WorkspaceSettings{}, ErrUnknownAccount
	}
	return settings, err
}

func (s *SettingsStore) scanWorkspace(row *sql.Row) (WorkspaceSettings, error) {
	var (
		settings            WorkspaceSettings
		policy, autoResolve string
		updatedAt           int64
	)
	if err := row.Scan(&settings.WorkspaceID, &settings.AccountID, &settings.WebhookSecret, &policy, &autoResolve, &updatedAt); err != nil {
		return WorkspaceSettings{}, err
	}
	settings.DeletePolicy = DeletePolicy(policy)
	settings.AutoResolve = Strategy(autoResolve)
	settings.UpdatedAt = fromMillis(updatedAt)
	return settings, nil
}

func (s *SettingsStore) PutObject(ctx context.Context, settings ObjectSettings) (ObjectSettings, error) {
	if strings.TrimSpace(settings.WorkspaceID) == "" {
		return ObjectSettings{}, fmt.Errorf("%w: workspace id is required", ErrInvalidInput)
	}
	entityType, err := ParseEntityType(string(settings.EntityType))
	if err != nil {
		return ObjectSettings{}, err
	}
	settings.EntityType = entityType
	direction, err := ParseDirection(string(settings.Direction))
	if err != nil {
		return ObjectSettings{}, err
	}
	settings.Direction = direction
	if err := ValidateRules(settings.Rules); err != nil {
		return ObjectSettings{}, err
	}
	if settings.Rules == nil {
		settings.Rules = []MappingRule{}
	}
	rules, err := json.Marshal(settings.Rules)
	if err != nil {
		return ObjectSettings{}, err
	}
	enabled := 0
	if settings.Enabled {
		enabled = 1
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_object_settings (workspace_id, entity_type, enabled, direction, rules, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, entity_type) DO UPDATE SET
			enabled = excluded.enabled,
			direction = excluded.direction,
			rules = excluded.rules,
			updated_at = excluded.updated_at`,
		settings.WorkspaceID, string(settings.EntityType), enabled, string(settings.Direction), string(rules), millis(now))
	if err != nil {
		return ObjectSettings{}, fmt.Errorf("put object settings: %w", err)
	}
	settings.UpdatedAt = now
	return settings, nil
}

// GetObject returns stored settings, defaulting to enabled bidirectional
// sync with no mapping overrides.
func (s *SettingsStore) GetObject(ctx context.Context, workspaceID string, entityType EntityType) (ObjectSettings, error) {
	settings := ObjectSettings{
		WorkspaceID: workspaceID,
		EntityType:  entityType,
		Enabled:     true,
		Direction:   DirectionBidirectional,
		Rules:       []MappingRule{},
	}
	var (
		enabled          int
		direction, rules string
		updatedAt        int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT enabled, direction, rules, updated_at FROM sync_object_settings
		WHERE workspace_id = ? AND entity_type = ?`, workspaceID, string(entityType),
	).Scan(&enabled, &direction, &rules, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return settings, nil
	}
	if err != nil {
		return ObjectSettings{}, fmt.Errorf("get object settings: %w", err)
	}
	settings.Enabled = enabled != 0
	settings.Direction = Direction(direction)
	settings.UpdatedAt = fromMillis(updatedAt)
	if err := json.Unmarshal([]byte(rules), &settings.Rules); err != nil {
		return ObjectSettings{}, fmt.Errorf("decode mapping rules: %w", err)
	}
	return settings, nil
}

// Rules returns the effective mapping for an object type: strategy defaults
// followed by workspace overrides.
func (s *SettingsStore) Rules(ctx context.Context, workspaceID string, strategy EntityStrategy) ([]MappingRule, ObjectSettings, error) {
	settings, err := s.GetObject(ctx, workspaceID, strategy.Type)
	if err != nil {
		return nil, ObjectSettings{}, err
	}
	return EffectiveRules(strategy.DefaultRules, settings.Rules), settings, nil
}
