package crmsync

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/crmsync/internal/database/dbtest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLockAcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	locks := NewLockManager(dbtest.NewDB(t))
	key := EntityKey{WorkspaceID: "ws_1", EntityType: EntityPerson, EntityID: "p_1"}

	token, err := locks.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = locks.Acquire(ctx, key, time.Minute)
	assert.ErrorIs(t, err, ErrLockBusy)

	other := key
	other.EntityID = "p_2"
	_, err = locks.Acquire(ctx, other, time.Minute)
	assert.NoError(t, err, "different entity must not contend")

	require.NoError(t, locks.Release(ctx, key, token))
	_, err = locks.Acquire(ctx, key, time.Minute)
	assert.NoError(t, err)
}

func TestLockReleaseWithStaleTokenFailsClosed(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	locks := NewLockManager(dbtest.NewDB(t))
	locks.now = clock.Now
	key := EntityKey{WorkspaceID: "ws_1", EntityType: EntityDeal, EntityID: "d_1"}

	slow, err := locks.Acquire(ctx, key, 10*time.Second)
	require.NoError(t, err)

	clock.Advance(11 * time.Second)
	fresh, err := locks.Acquire(ctx, key, 10*time.Second)
	require.NoError(t, err, "expired lock must be reclaimable")
	require.NotEqual(t, slow, fresh)

	assert.ErrorIs(t, locks.Release(ctx, key, slow), ErrNotHolder)
	assert.ErrorIs(t, locks.Renew(ctx, key, slow, time.Minute), ErrNotHolder)

	held, err := locks.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, fresh, held.HolderToken)

	require.NoError(t, locks.Renew(ctx, key, fresh, time.Minute))
	clock.Advance(30 * time.Second)
	_, err = locks.Acquire(ctx, key, time.Second)
	assert.ErrorIs(t, err, ErrLockBusy, "renewed lease must still be held")

	require.NoError(t, locks.Release(ctx, key, fresh))
	assert.ErrorIs(t, locks.Release(ctx, key, fresh), ErrNotHolder)
	_, err = locks.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLockSingleHolderUnderContention(t *testing.T) {
	ctx := context.Background()
	locks := NewLockManager(dbtest.NewDB(t))
	key := EntityKey{WorkspaceID: "ws_1", EntityType: EntityOrganization, EntityID: "o_1"}

	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := locks.Acquire(ctx, key, time.Minute); err == nil {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners)
}

func TestAcquireAllOrdersAndRollsBack(t *testing.T) {
	ctx := context.Background()
	locks := NewLockManager(dbtest.NewDB(t))
	a := EntityKey{WorkspaceID: "ws_1", EntityType: EntityPerson, EntityID: "a"}
	b := EntityKey{WorkspaceID: "ws_1", EntityType: EntityPerson, EntityID: "b"}
	c := EntityKey{WorkspaceID: "ws_1", EntityType: EntityPerson, EntityID: "c"}

	held, err := locks.AcquireAll(ctx, []EntityKey{c, a, b, a}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []EntityKey{a, b, c}, held.Keys())
	require.NoError(t, held.Release(ctx))

	token, err := locks.Acquire(ctx, c, time.Minute)
	require.NoError(t, err)
	_, err = locks.AcquireAll(ctx, []EntityKey{a, b, c}, time.Minute)
	assert.ErrorIs(t, err, ErrLockBusy)

	// a and b were released when c turned out to be busy.
	_, err = locks.Acquire(ctx, a, time.Minute)
	assert.NoError(t, err)
	_, err = locks.Acquire(ctx, b, time.Minute)
	assert.NoError(t, err)
	require.NoError(t, locks.Release(ctx, c, token))
}
