package crmsync

import (
	"context"
	"fmt"
	"time"

	"github.com/agentworkforce/crmsync/internal/database"
)

const metricsDayLayout = "2006-01-02"

// MetricDelta is one observation added to the current day's counters.
type MetricDelta struct {
	Attempted    int64
	Succeeded    int64
	Failed       int64
	Conflicts    int64
	DeadLettered int64
	Latency      time.Duration
}

// MetricsStore keeps daily counters per workspace and entity type. Closed
// days are kept for reporting and never reopened.
type MetricsStore struct {
	db  *database.DB
	now func() time.Time
}

func NewMetricsStore(db *database.DB) *MetricsStore {
	return &MetricsStore{db: db, now: utcNow}
}

func (s *MetricsStore) Record(ctx context.Context, workspaceID string, entityType EntityType, delta MetricDelta) error {
	now := s.now()
	latencyCount := int64(0)
	if delta.Latency > 0 {
		latencyCount = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_metrics (workspace_id, day, entity_type, attempted, succeeded, failed, conflicts, dead_lettered,
			latency_ms_total, latency_count, closed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT (workspace_id, day, entity_type) DO UPDATE SET
			attempted = sync_metrics.attempted + excluded.attempted,
			succeeded = sync_metrics.succeeded + excluded.succeeded,
			failed = sync_metrics.failed + excluded.failed,
			conflicts = sync_metrics.conflicts + excluded.conflicts,
			dead_lettered = sync_metrics.dead_lettered + excluded.dead_lettered,
			latency_ms_total = sync_metrics.latency_ms_total + excluded.latency_ms_total,
			latency_count = sync_metrics.latency_count + excluded.latency_count,
			updated_at = excluded.updated_at`,
		workspaceID, now.Format(metricsDayLayout), string(entityType), delta.Attempted, delta.Succeeded, delta.Failed,
		delta.Conflicts, delta.DeadLettered, delta.Latency.Milliseconds(), latencyCount, millis(now))
	if err != nil {
		return fmt.Errorf("record metrics: %w", err)
	}
	return nil
}

// ClosePeriods marks every day before the given day as closed and returns
// how many rows changed.
func (s *MetricsStore) ClosePeriods(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE sync_metrics SET closed = 1, updated_at = ? WHERE day < ? AND closed = 0`,
		millis(s.now()), before.UTC().Format(metricsDayLayout))
	if err != nil {
		return 0, fmt.Errorf("close metric periods: %w", err)
	}
	return database.RowsAffected(res), nil
}

// Daily returns per-day rows for the inclusive range [from, to].
func (s *MetricsStore) Daily(ctx context.Context, workspaceID string, from, to time.Time) ([]SyncMetric, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workspace_id, day, entity_type, attempted, succeeded, failed, conflicts, dead_lettered,
			latency_ms_total, latency_count, closed
		FROM sync_metrics
		WHERE workspace_id = ? AND day >= ? AND day <= ?
		ORDER BY day, entity_type`,
		workspaceID, from.UTC().Format(metricsDayLayout), to.UTC().Format(metricsDayLayout))
	if err != nil {
		return nil, fmt.Errorf("daily metrics: %w", err)
	}
	defer rows.Close()
	var out []SyncMetric
	for rows.Next() {
		var (
			metric                     SyncMetric
			entityType                 string
			latencyTotal, latencyCount int64
			closed                     int
		)
		if err := rows.Scan(&metric.WorkspaceID, &metric.Day, &entityType, &metric.Attempted, &metric.Succeeded,
			&metric.Failed, &metric.Conflicts, &metric.DeadLettered, &latencyTotal, &latencyCount, &closed); err != nil {
			return nil, err
		}
		metric.EntityType = EntityType(entityType)
		metric.Closed = closed != 0
		if latencyCount > 0 {
			metric.AvgLatencyMS = float64(latencyTotal) / float64(latencyCount)
		}
		if metric.Attempted > 0 {
			metric.ErrorRate = float64(metric.Failed) / float64(metric.Attempted)
		}
		out = append(out, metric)
	}
	return out, rows.Err()
}
