package crmsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/crmsync/internal/database/dbtest"
)

func newTestQueue(t *testing.T, opts QueueOptions) (*Queue, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	q := NewQueue(dbtest.NewDB(t), opts)
	q.now = clock.Now
	return q, clock
}

func enqueueTest(t *testing.T, q *Queue, workspaceID, entityID string, op Operation) SyncQueueItem {
	t.Helper()
	item, err := q.Enqueue(context.Background(), EnqueueRequest{
		WorkspaceID: workspaceID,
		EntityType:  EntityPerson,
		EntityID:    entityID,
		Operation:   op,
		Payload:     Fields{"email": entityID + "@x.com"},
	})
	require.NoError(t, err)
	return item
}

func TestEnqueueDefaultsAndSnapshot(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, QueueOptions{})

	payload := Fields{"email": "a@x.com"}
	item, err := q.Enqueue(ctx, EnqueueRequest{
		WorkspaceID: "ws_1",
		EntityType:  EntityPerson,
		EntityID:    "p_1",
		Operation:   OpCreate,
		Payload:     payload,
	})
	require.NoError(t, err)
	payload["email"] = "changed@x.com"

	stored, err := q.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, QueuePending, stored.Status)
	assert.Equal(t, 1, stored.Priority)
	assert.Equal(t, DefaultMaxAttempts, stored.MaxAttempts)
	assert.Equal(t, DirectionToExternal, stored.Direction)
	assert.Equal(t, "a@x.com", stored.Payload["email"], "queued payload is a snapshot")

	del := enqueueTest(t, q, "ws_1", "p_2", OpDelete)
	upd := enqueueTest(t, q, "ws_1", "p_3", OpUpdate)
	assert.Equal(t, 0, del.Priority)
	assert.Equal(t, 2, upd.Priority)

	_, err = q.Enqueue(ctx, EnqueueRequest{WorkspaceID: "ws_1", EntityType: EntityPerson, EntityID: "p", Operation: "upsert"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = q.Enqueue(ctx, EnqueueRequest{WorkspaceID: "", EntityType: EntityPerson, EntityID: "p", Operation: OpCreate})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestClaimBatchOrdersByPriorityThenAge(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t, QueueOptions{})

	upd := enqueueTest(t, q, "ws_1", "p_1", OpUpdate)
	clock.Advance(time.Millisecond)
	create := enqueueTest(t, q, "ws_1", "p_2", OpCreate)
	clock.Advance(time.Millisecond)
	del := enqueueTest(t, q, "ws_1", "p_3", OpDelete)

	claimed, err := q.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	assert.Equal(t, []string{del.ID, create.ID, upd.ID}, []string{claimed[0].ID, claimed[1].ID, claimed[2].ID})
	for _, item := range claimed {
		assert.Equal(t, QueueProcessing, item.Status)
	}

	again, err := q.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "claimed items are not handed out twice")
}

func TestClaimReturnsHighestPriority(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t, QueueOptions{})

	_, ok, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	enqueueTest(t, q, "ws_1", "p_1", OpUpdate)
	clock.Advance(time.Millisecond)
	del := enqueueTest(t, q, "ws_1", "p_2", OpDelete)

	item, ok, err := q.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, del.ID, item.ID)
	assert.Equal(t, QueueProcessing, item.Status)
}

func TestClaimBatchIsFairAcrossWorkspaces(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t, QueueOptions{})

	for i := 0; i < 20; i++ {
		enqueueTest(t, q, "ws_noisy", "p_"+string(rune('a'+i)), OpUpdate)
		clock.Advance(time.Millisecond)
	}
	quiet := enqueueTest(t, q, "ws_quiet", "p_quiet", OpUpdate)

	claimed, err := q.ClaimBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	workspaces := map[string]bool{}
	for _, item := range claimed {
		workspaces[item.WorkspaceID] = true
	}
	assert.True(t, workspaces["ws_quiet"], "a newer item from a quiet workspace is not starved")
	assert.True(t, workspaces["ws_noisy"])

	var found bool
	for _, item := range claimed {
		if item.ID == quiet.ID {
			found = true
		}
	}
	assert.True(t, found)
}

func TestConcurrentClaimsNeverOverlap(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, QueueOptions{})
	for i := 0; i < 30; i++ {
		enqueueTest(t, q, "ws_"+string(rune('a'+i%3)), "p_"+string(rune('a'+i)), OpUpdate)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				items, err := q.ClaimBatch(ctx, 4)
				if err != nil || len(items) == 0 {
					return
				}
				mu.Lock()
				for _, item := range items {
					seen[item.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 30)
	for id, count := range seen {
		assert.Equal(t, 1, count, "item %s claimed more than once", id)
	}
}

func TestFailTransientRetriesWithBackoffThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t, QueueOptions{MaxAttempts: 3, Backoff: BackoffPolicy{Base: time.Second, Max: time.Minute}})
	item := enqueueTest(t, q, "ws_1", "p_1", OpUpdate)
	transient := Transient(errors.New("503 from upstream"))

	var delays []time.Duration
	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := q.ClaimBatch(ctx, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d", attempt)
		status, err := q.Fail(ctx, claimed[0], transient)
		require.NoError(t, err)

		stored, err := q.Get(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, attempt, stored.Attempts)
		assert.Equal(t, ErrorTransient, stored.ErrorKind)
		assert.Contains(t, stored.LastError, "503")
		if attempt < 3 {
			assert.Equal(t, QueueFailed, status)
			delay := stored.AvailableAt.Sub(clock.Now())
			delays = append(delays, delay)

			none, err := q.ClaimBatch(ctx, 1)
			require.NoError(t, err)
			assert.Empty(t, none, "item must wait out its backoff")
			clock.Advance(delay)
		} else {
			assert.Equal(t, QueueDeadLetter, status)
		}
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)

	clock.Advance(time.Hour)
	none, err := q.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, none, "dead-lettered items are never claimed")
}

func TestFailPermanentDeadLettersOnFirstAttempt(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, QueueOptions{MaxAttempts: 5})
	item := enqueueTest(t, q, "ws_1", "p_1", OpCreate)

	claimed, err := q.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	status, err := q.Fail(ctx, claimed[0], Permanent(errors.New("invalid email")))
	require.NoError(t, err)
	assert.Equal(t, QueueDeadLetter, status)

	stored, err := q.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, ErrorPermanent, stored.ErrorKind)

	failed, err := q.ListFailed(ctx, "ws_1", 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, item.ID, failed[0].ID)
}

func TestFailRateLimitHonorsRetryAfter(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t, QueueOptions{Backoff: BackoffPolicy{Base: time.Second, Max: 10 * time.Second}})
	item := enqueueTest(t, q, "ws_1", "p_1", OpUpdate)

	claimed, err := q.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	_, err = q.Fail(ctx, claimed[0], RateLimited(45*time.Second, errors.New("slow down")))
	require.NoError(t, err)

	stored, err := q.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, ErrorRateLimited, stored.ErrorKind)
	assert.Equal(t, 45*time.Second, stored.AvailableAt.Sub(clock.Now()))
}

func TestDeferKeepsAttemptsAndLeaseReclaimsCrashedWork(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t, QueueOptions{Lease: time.Minute})
	item := enqueueTest(t, q, "ws_1", "p_1", OpUpdate)

	claimed, err := q.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, q.Defer(ctx, claimed[0], 0))
	stored, err := q.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, QueuePending, stored.Status)
	assert.Zero(t, stored.Attempts)

	// A worker claims and then disappears.
	crashed, err := q.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, crashed, 1)
	none, err := q.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, none)

	clock.Advance(time.Minute)
	recovered, err := q.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recovered, 1)

	assert.ErrorIs(t, q.Complete(ctx, crashed[0], ""), ErrNotHolder, "stale claim cannot complete")
	require.NoError(t, q.Complete(ctx, recovered[0], ""))
	stored, err = q.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, QueueCompleted, stored.Status)
	assert.NotNil(t, stored.ProcessedAt)
}

func TestDepthReplayAndAcknowledge(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, QueueOptions{})
	first := enqueueTest(t, q, "ws_1", "p_1", OpUpdate)
	second := enqueueTest(t, q, "ws_1", "p_2", OpUpdate)
	enqueueTest(t, q, "ws_2", "p_3", OpUpdate)

	for _, id := range []string{first.ID, second.ID} {
		claimed, ok, err := q.ClaimItem(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		_, err = q.Fail(ctx, claimed, Permanent(errors.New("bad")))
		require.NoError(t, err)
	}

	depth, err := q.Depth(ctx, "ws_1")
	require.NoError(t, err)
	assert.Equal(t, 2, depth[QueueDeadLetter])
	assert.Equal(t, 0, depth[QueuePending])

	replayed, err := q.Replay(ctx, "ws_1", first.ID)
	require.NoError(t, err)
	assert.Equal(t, QueuePending, replayed.Status)
	assert.Zero(t, replayed.Attempts)

	_, err = q.Replay(ctx, "ws_1", first.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = q.Replay(ctx, "ws_2", second.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	acked, err := q.Acknowledge(ctx, "ws_1", second.ID)
	require.NoError(t, err)
	assert.Equal(t, QueueIgnored, acked.Status)

	depth, err = q.Depth(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, depth[QueuePending])
	assert.Equal(t, 1, depth[QueueIgnored])
	assert.Equal(t, 0, depth[QueueDeadLetter])
}

func TestClaimBatchKeepsEntityOrder(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t, QueueOptions{})

	first := enqueueTest(t, q, "ws_1", "p_1", OpUpdate)
	clock.Advance(time.Millisecond)
	second := enqueueTest(t, q, "ws_1", "p_1", OpUpdate)
	other := enqueueTest(t, q, "ws_1", "p_2", OpUpdate)
	priority := 0
	resolution, err := q.Enqueue(ctx, EnqueueRequest{
		WorkspaceID: "ws_1",
		EntityType:  EntityPerson,
		EntityID:    "p_1",
		Operation:   OpUpdate,
		Priority:    &priority,
		ConflictID:  "conflict_1",
	})
	require.NoError(t, err)

	claimed, err := q.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(claimed))
	for _, item := range claimed {
		ids = append(ids, item.ID)
	}
	assert.ElementsMatch(t, []string{resolution.ID, first.ID, other.ID}, ids)

	none, err := q.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, none, "a newer item waits while an older one is in flight")

	for _, item := range claimed {
		if item.ID == first.ID {
			require.NoError(t, q.Complete(ctx, item, ""))
		}
	}
	next, err := q.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, second.ID, next[0].ID)
}
