// Package orchestrate runs trigger-sync passes on a schedule through Temporal.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	temporalworker "go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/agentworkforce/crmsync/internal/crmsync"
)

const (
	DefaultTaskQueue     = "crmsync"
	syncWorkflowName     = "crmsync.sync.scheduled"
	triggerActivityName  = "crmsync.sync.trigger"
	errTypeSyncDisabled  = "SyncDisabled"
	errTypeInvalidInput  = "InvalidInput"
	activityCallDeadline = 10 * time.Minute
)

// Syncer is the part of the sync service the activities drive.
type Syncer interface {
	TriggerSync(ctx context.Context, req crmsync.TriggerRequest) (crmsync.TriggerResult, error)
}

type SyncWorkflowInput struct {
	WorkspaceID string               `json:"workspace_id"`
	EntityTypes []crmsync.EntityType `json:"entity_types,omitempty"`
	Direction   crmsync.Direction    `json:"direction,omitempty"`
	Limit       int                  `json:"limit,omitempty"`
	Reason      string               `json:"reason"`
}

type TypeRun struct {
	EntityType crmsync.EntityType     `json:"entity_type"`
	Result     *crmsync.TriggerResult `json:"result,omitempty"`
	// Skipped is set when sync is disabled for the type or direction.
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

type SyncWorkflowResult struct {
	WorkflowID  string    `json:"workflow_id"`
	RunID       string    `json:"run_id"`
	Runs        []TypeRun `json:"runs"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

type TriggerActivityInput struct {
	Request crmsync.TriggerRequest `json:"request"`
	Reason  string                 `json:"reason"`
}

type SyncActivities struct {
	syncer Syncer
	logger *slog.Logger
}

func NewSyncActivities(syncer Syncer, logger *slog.Logger) *SyncActivities {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncActivities{syncer: syncer, logger: logger}
}

// TriggerSync runs one trigger-sync pass. Disabled and invalid requests are
// returned as non-retryable so the workflow moves on to the next type.
func (a *SyncActivities) TriggerSync(ctx context.Context, input TriggerActivityInput) (crmsync.TriggerResult, error) {
	req := input.Request
	result, err := a.syncer.TriggerSync(ctx, req)
	switch {
	case errors.Is(err, crmsync.ErrSyncDisabled):
		return result, temporal.NewNonRetryableApplicationError(err.Error(), errTypeSyncDisabled, err)
	case errors.Is(err, crmsync.ErrInvalidInput):
		return result, temporal.NewNonRetryableApplicationError(err.Error(), errTypeInvalidInput, err)
	case err != nil:
		a.logger.Error("activity trigger sync failed", "workspace_id", req.WorkspaceID, "entity_type", string(req.EntityType), "error", err, "reason", input.Reason)
		return result, err
	}
	a.logger.Info("activity trigger sync",
		"workspace_id", req.WorkspaceID,
		"entity_type", string(req.EntityType),
		"synced", result.Synced,
		"failed", result.Failed,
		"conflicts", result.Conflicts,
		"reason", input.Reason,
	)
	return result, nil
}

// SyncWorkflow triggers a sync for each entity type in turn. A failing type
// is recorded and the remaining types still run.
func SyncWorkflow(ctx workflow.Context, input SyncWorkflowInput) (SyncWorkflowResult, error) {
	logger := workflow.GetLogger(ctx)
	if input.WorkspaceID == "" {
		return SyncWorkflowResult{}, temporal.NewNonRetryableApplicationError("workspace_id required", errTypeInvalidInput, nil)
	}
	options := workflow.ActivityOptions{
		StartToCloseTimeout: activityCallDeadline,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:        3,
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        30 * time.Second,
			NonRetryableErrorTypes: []string{errTypeSyncDisabled, errTypeInvalidInput},
		},
	}
	ctx = workflow.WithActivityOptions(ctx, options)

	types := input.EntityTypes
	if len(types) == 0 {
		types = crmsync.EntityTypes()
	}
	direction := input.Direction
	if direction == "" {
		direction = crmsync.DirectionBidirectional
	}
	info := workflow.GetInfo(ctx)
	result := SyncWorkflowResult{
		WorkflowID: info.WorkflowExecution.ID,
		RunID:      info.WorkflowExecution.RunID,
		StartedAt:  workflow.Now(ctx),
	}
	logger.Info("sync workflow started", "workspace_id", input.WorkspaceID, "types", len(types), "reason", input.Reason)

	for _, entityType := range types {
		run := TypeRun{EntityType: entityType}
		var summary crmsync.TriggerResult
		err := workflow.ExecuteActivity(ctx, triggerActivityName, TriggerActivityInput{
			Request: crmsync.TriggerRequest{
				WorkspaceID: input.WorkspaceID,
				EntityType:  entityType,
				Direction:   direction,
				Limit:       input.Limit,
			},
			Reason: input.Reason,
		}).Get(ctx, &summary)
		var appErr *temporal.ApplicationError
		switch {
		case err == nil:
			run.Result = &summary
		case errors.As(err, &appErr) && appErr.Type() == errTypeSyncDisabled:
			run.Skipped = true
		default:
			logger.Error("trigger sync activity failed", "entity_type", string(entityType), "error", err)
			run.Error = err.Error()
		}
		result.Runs = append(result.Runs, run)
	}

	result.CompletedAt = workflow.Now(ctx)
	logger.Info("sync workflow finished", "workspace_id", input.WorkspaceID, "reason", input.Reason)
	return result, nil
}

// RegisterSyncWorker wires a Temporal worker consuming taskQueue.
func RegisterSyncWorker(c client.Client, taskQueue string, syncer Syncer, logger *slog.Logger) temporalworker.Worker {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	w := temporalworker.New(c, taskQueue, temporalworker.Options{})
	w.RegisterWorkflowWithOptions(SyncWorkflow, workflow.RegisterOptions{Name: syncWorkflowName})
	activities := NewSyncActivities(syncer, logger.With("component", "sync.activities"))
	w.RegisterActivityWithOptions(activities.TriggerSync, activity.RegisterOptions{Name: triggerActivityName})
	return w
}

// Orchestrator starts sync workflows through the Temporal client.
type Orchestrator struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
	now       func() time.Time
}

func NewOrchestrator(c client.Client, taskQueue string, logger *slog.Logger) *Orchestrator {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return &Orchestrator{client: c, taskQueue: taskQueue, logger: logger.With("component", "sync.orchestrator"), now: time.Now}
}

// RunSync starts a one-off workflow and waits for its result.
func (o *Orchestrator) RunSync(ctx context.Context, input SyncWorkflowInput) (SyncWorkflowResult, error) {
	options := client.StartWorkflowOptions{
		ID:                       fmt.Sprintf("crmsync-%s-%d", input.WorkspaceID, o.now().UnixNano()),
		TaskQueue:                o.taskQueue,
		WorkflowIDReusePolicy:    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionTimeout: 30 * time.Minute,
	}
	we, err := o.client.ExecuteWorkflow(ctx, options, syncWorkflowName, input)
	if err != nil {
		o.logger.Error("start workflow failed", "workspace_id", input.WorkspaceID, "error", err)
		return SyncWorkflowResult{}, err
	}
	var result SyncWorkflowResult
	if err := we.Get(ctx, &result); err != nil {
		o.logger.Error("wait workflow failed", "workflow_id", we.GetID(), "error", err)
		return SyncWorkflowResult{WorkflowID: we.GetID(), RunID: we.GetRunID()}, err
	}
	o.logger.Info("workflow completed", "workflow_id", we.GetID(), "run_id", we.GetRunID(), "workspace_id", input.WorkspaceID)
	return result, nil
}

// EnsureSchedule starts the cron workflow for a workspace. Starting it again
// while it runs attaches to the existing run.
func (o *Orchestrator) EnsureSchedule(ctx context.Context, cron string, input SyncWorkflowInput) (string, error) {
	if cron == "" {
		return "", fmt.Errorf("%w: cron schedule is required", crmsync.ErrInvalidInput)
	}
	if input.Reason == "" {
		input.Reason = "schedule"
	}
	options := client.StartWorkflowOptions{
		ID:           ScheduleWorkflowID(input.WorkspaceID),
		TaskQueue:    o.taskQueue,
		CronSchedule: cron,
	}
	we, err := o.client.ExecuteWorkflow(ctx, options, syncWorkflowName, input)
	if err != nil {
		o.logger.Error("start scheduled workflow failed", "workspace_id", input.WorkspaceID, "cron", cron, "error", err)
		return "", err
	}
	o.logger.Info("scheduled workflow running", "workflow_id", we.GetID(), "run_id", we.GetRunID(), "cron", cron)
	return we.GetID(), nil
}

func ScheduleWorkflowID(workspaceID string) string {
	return "crmsync-schedule-" + workspaceID
}
