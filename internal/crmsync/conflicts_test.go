package crmsync

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/crmsync/internal/database/dbtest"
)

func TestDetectConflictsClassifiesFields(t *testing.T) {
	baseline := Fields{"email": "a@x.com", "phone": "1", "company": "Acme", "first_name": "Ada"}
	internal := Fields{"email": "in@x.com", "phone": "1", "company": "Globex", "first_name": "Ada"}
	external := Fields{"email": "ex@x.com", "phone": "2", "company": "Globex"}
	fields := []string{"email", "phone", "company", "first_name", "job_title"}

	diffs := DetectConflicts(baseline, internal, external, fields, nil, nil)
	byField := map[string]FieldDiff{}
	for _, diff := range diffs {
		byField[diff.Field] = diff
	}

	require.Len(t, diffs, 3)
	assert.True(t, byField["email"].Conflicting)
	assert.True(t, byField["phone"].ExternalChanged)
	assert.False(t, byField["phone"].InternalChanged)
	assert.False(t, byField["phone"].Conflicting)
	assert.True(t, byField["company"].InternalChanged && byField["company"].ExternalChanged)
	assert.False(t, byField["company"].Conflicting, "both sides agreeing is not a conflict")
	assert.NotContains(t, byField, "first_name", "omitted on one side means unchanged")
	assert.True(t, HasConflict(diffs))
}

func TestDetectConflictsWithoutBaseline(t *testing.T) {
	diffs := DetectConflicts(Fields{}, Fields{"email": "a@x.com"}, Fields{"email": "a@x.com"}, []string{"email"}, nil, nil)
	require.Len(t, diffs, 1)
	assert.False(t, diffs[0].Conflicting)
	assert.False(t, HasConflict(diffs))

	assert.Empty(t, DetectConflicts(Fields{"email": "a"}, Fields{"email": "a"}, Fields{"email": "a"}, []string{"email"}, nil, nil))
}

func TestMergeFieldsPrefersNewerSide(t *testing.T) {
	older := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	newer := older.Add(time.Minute)
	diffs := []FieldDiff{
		{Field: "company", Internal: "Acme", InternalChanged: true},
		{Field: "phone", External: "555", ExternalChanged: true},
		{Field: "email", Internal: "in", External: "ex", InternalChanged: true, ExternalChanged: true, Conflicting: true,
			InternalChangedAt: older, ExternalChangedAt: newer},
		{Field: "job_title", Internal: "CTO", External: "CEO", InternalChanged: true, ExternalChanged: true, Conflicting: true,
			InternalChangedAt: newer, ExternalChangedAt: older},
		{Field: "first_name", Internal: "A", External: "B", InternalChanged: true, ExternalChanged: true, Conflicting: true,
			InternalChangedAt: older, ExternalChangedAt: older},
	}

	merged := MergeFields(diffs)
	assert.Equal(t, Fields{
		"company":    "Acme",
		"phone":      "555",
		"email":      "ex",
		"job_title":  "CTO",
		"first_name": "A",
	}, merged)
}

func TestPlanResolution(t *testing.T) {
	conflict := SyncConflict{
		InternalSnapshot: Fields{"email": "in@x.com", "company": "Acme"},
		ExternalSnapshot: Fields{"email": "ex@x.com", "phone": "555"},
		Diffs: []FieldDiff{
			{Field: "email", Internal: "in@x.com", External: "ex@x.com", InternalChanged: true, ExternalChanged: true, Conflicting: true},
			{Field: "company", Internal: "Acme", InternalChanged: true},
			{Field: "phone", External: "555", ExternalChanged: true},
		},
	}

	t.Run("prefer internal", func(t *testing.T) {
		resolved, outbound, inbound := planResolution(conflict, StrategyPreferInternal, nil)
		assert.Equal(t, conflict.InternalSnapshot, resolved)
		assert.Equal(t, conflict.InternalSnapshot, outbound)
		assert.Nil(t, inbound)
	})

	t.Run("prefer external", func(t *testing.T) {
		resolved, outbound, inbound := planResolution(conflict, StrategyPreferExternal, nil)
		assert.Nil(t, outbound)
		assert.Equal(t, Fields{"email": "ex@x.com", "phone": "555"}, inbound)
		assert.Equal(t, "ex@x.com", resolved["email"])
		assert.Equal(t, "Acme", resolved["company"])
	})

	t.Run("merge with manual override", func(t *testing.T) {
		resolved, outbound, inbound := planResolution(conflict, StrategyMerge, Fields{"email": "agreed@x.com"})
		assert.Equal(t, Fields{"email": "agreed@x.com", "company": "Acme", "phone": "555"}, resolved)
		assert.Equal(t, resolved, outbound)
		assert.Equal(t, Fields{"email": "agreed@x.com", "phone": "555"}, inbound)
	})

	t.Run("ignore", func(t *testing.T) {
		_, outbound, inbound := planResolution(conflict, StrategyIgnore, nil)
		assert.Nil(t, outbound)
		assert.Nil(t, inbound)
	})
}

func TestConflictStoreKeepsOnePendingPerEntity(t *testing.T) {
	ctx := context.Background()
	db := dbtest.NewDB(t)
	store := NewConflictStore(db)
	clock := newFakeClock()
	store.now = clock.Now

	conflict := SyncConflict{
		WorkspaceID:      "ws_1",
		EntityType:       EntityPerson,
		EntityID:         "p_1",
		ExternalID:       "1001",
		InternalSnapshot: Fields{"email": "in@x.com"},
		ExternalSnapshot: Fields{"email": "ex@x.com"},
		Baseline:         Fields{"email": "a@x.com"},
		Diffs:            []FieldDiff{{Field: "email", InternalChanged: true, ExternalChanged: true, Conflicting: true}},
	}
	first, created, err := store.record(ctx, db, conflict)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := store.record(ctx, db, conflict)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	got, err := store.Get(ctx, "ws_1", first.ID)
	require.NoError(t, err)
	assert.Equal(t, ConflictPending, got.Status)
	assert.Equal(t, "ex@x.com", got.ExternalSnapshot["email"])
	_, err = store.Get(ctx, "ws_other", first.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	got.Status = ConflictResolved
	got.Strategy = StrategyPreferInternal
	got.ResolvedBy = "ops"
	closed, err := store.close(ctx, db, got)
	require.NoError(t, err)
	require.NotNil(t, closed.ResolvedAt)
	_, err = store.close(ctx, db, got)
	assert.ErrorIs(t, err, ErrConflictClosed)

	// A closed conflict no longer blocks a new one.
	_, created, err = store.record(ctx, db, conflict)
	require.NoError(t, err)
	assert.True(t, created)

	pending, err := store.List(ctx, ConflictFilter{WorkspaceID: "ws_1", Status: ConflictPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	all, err := store.List(ctx, ConflictFilter{WorkspaceID: "ws_1", EntityType: EntityPerson})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestConflictStoreRejectsUnencodableSnapshot(t *testing.T) {
	ctx := context.Background()
	db := dbtest.NewDB(t)
	store := NewConflictStore(db)

	_, created, err := store.record(ctx, db, SyncConflict{
		WorkspaceID:      "ws_1",
		EntityType:       EntityDeal,
		EntityID:         "d_1",
		InternalSnapshot: Fields{"amount": math.Inf(1)},
	})
	require.Error(t, err)
	assert.False(t, created)

	pending, err := store.List(ctx, ConflictFilter{WorkspaceID: "ws_1"})
	require.NoError(t, err)
	assert.Empty(t, pending)
}
