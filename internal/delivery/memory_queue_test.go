package delivery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/hookrelay/internal/pagination"
)

func newTestSubscription(subs *MemorySubscriptionStore, id string, fifo bool) *Subscription {
	sub := &Subscription{
		ID:            id,
		ApplicationID: "app_1",
		TargetURL:     "https://example.test/hook",
		EventTypes:    []string{"order.created"},
		Enabled:       true,
		FIFO:          fifo,
		Secret:        "00000000-0000-0000-0000-000000000000",
		CreatedAt:     time.Now(),
	}
	subs.Put(sub)
	return sub
}

func TestMemoryAttemptQueue_AtMostOneClaim(t *testing.T) {
	ctx := context.Background()
	subs := NewMemorySubscriptionStore()
	newTestSubscription(subs, "sub_1", false)
	q := NewMemoryAttemptQueue(subs)

	_, err := q.Enqueue(ctx, "evt_1", "sub_1", []byte("{}"), "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	claims := make([]*Attempt, 10)
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := q.ClaimNext(ctx, WorkerScope{}, "worker", "v1")
			claims[i] = a
			errs[i] = err
		}(i)
	}
	wg.Wait()

	claimed := 0
	for i := range claims {
		if errs[i] == nil {
			claimed++
			assert.Equal(t, "evt_1", claims[i].EventID)
		} else {
			assert.ErrorIs(t, errs[i], ErrNoAttemptToClaim)
		}
	}
	assert.Equal(t, 1, claimed)
}

func TestMemoryAttemptQueue_FIFOBlocksSecondAttemptUntilFirstCompletes(t *testing.T) {
	ctx := context.Background()
	subs := NewMemorySubscriptionStore()
	newTestSubscription(subs, "sub_fifo", true)
	q := NewMemoryAttemptQueue(subs)

	_, err := q.Enqueue(ctx, "evt_1", "sub_fifo", []byte("{}"), "")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "evt_2", "sub_fifo", []byte("{}"), "")
	require.NoError(t, err)

	first, err := q.ClaimNext(ctx, WorkerScope{}, "worker", "v1")
	require.NoError(t, err)
	assert.Equal(t, "evt_1", first.EventID)

	// The second event's attempt is not pickable while the first is
	// in flight: FIFO serialization per subscription.
	_, err = q.ClaimNext(ctx, WorkerScope{}, "worker", "v1")
	assert.ErrorIs(t, err, ErrNoAttemptToClaim)

	require.NoError(t, q.RecordOutcome(ctx, first.ID, Outcome{Response: Response{Status: 200}}))

	second, err := q.ClaimNext(ctx, WorkerScope{}, "worker", "v1")
	require.NoError(t, err)
	assert.Equal(t, "evt_2", second.EventID)
}

func TestMemoryAttemptQueue_FIFOReleasesOnGiveUp(t *testing.T) {
	ctx := context.Background()
	subs := NewMemorySubscriptionStore()
	newTestSubscription(subs, "sub_fifo", true)
	subs.PutPolicy(&RetryPolicy{ID: "p1", Strategy: StrategyCustom, MaxAttempts: 1})
	sub, _ := subs.Get(ctx, "sub_fifo")
	sub.RetryPolicyID = strPtr("p1")
	subs.Put(sub)

	q := NewMemoryAttemptQueue(subs)
	_, err := q.Enqueue(ctx, "evt_1", "sub_fifo", []byte("{}"), "")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "evt_2", "sub_fifo", []byte("{}"), "")
	require.NoError(t, err)

	first, err := q.ClaimNext(ctx, WorkerScope{}, "worker", "v1")
	require.NoError(t, err)

	// Final failure with no successor scheduled (Open Question 1 decision:
	// giving up releases the FIFO slot so the next event is not blocked).
	require.NoError(t, q.RecordOutcome(ctx, first.ID, Outcome{Response: Response{Status: 500}}))

	state, err := q.GetFIFOState(ctx, "sub_fifo")
	require.NoError(t, err)
	assert.Nil(t, state.CurrentAttemptID)

	second, err := q.ClaimNext(ctx, WorkerScope{}, "worker", "v1")
	require.NoError(t, err)
	assert.Equal(t, "evt_2", second.EventID)
}

func TestMemoryAttemptQueue_RetryScheduling(t *testing.T) {
	ctx := context.Background()
	subs := NewMemorySubscriptionStore()
	newTestSubscription(subs, "sub_1", false)
	q := NewMemoryAttemptQueue(subs)

	a, err := q.Enqueue(ctx, "evt_1", "sub_1", []byte("{}"), "")
	require.NoError(t, err)

	claimed, err := q.ClaimNext(ctx, WorkerScope{}, "worker", "v1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, claimed.ID)

	delay := 50 * time.Millisecond
	require.NoError(t, q.RecordOutcome(ctx, claimed.ID, Outcome{
		Response:  Response{Status: 503},
		NextDelay: &delay,
	}))

	// Not pickable until DelayUntil elapses.
	_, err = q.ClaimNext(ctx, WorkerScope{}, "worker", "v1")
	assert.ErrorIs(t, err, ErrNoAttemptToClaim)

	time.Sleep(60 * time.Millisecond)
	successor, err := q.ClaimNext(ctx, WorkerScope{}, "worker", "v1")
	require.NoError(t, err)
	assert.Equal(t, 1, successor.RetryCount)
}

func TestMemoryAttemptQueue_DedicatedWorkerScope(t *testing.T) {
	ctx := context.Background()
	subs := NewMemorySubscriptionStore()
	sub := newTestSubscription(subs, "sub_1", false)
	workerID := "worker_dedicated_1"
	sub.DedicatedWorkerID = &workerID
	subs.Put(sub)

	q := NewMemoryAttemptQueue(subs)
	_, err := q.Enqueue(ctx, "evt_1", "sub_1", []byte("{}"), "")
	require.NoError(t, err)

	// Public-scope workers must not pick up attempts for a subscription
	// pinned to a dedicated worker.
	_, err = q.ClaimNext(ctx, WorkerScope{}, "worker", "v1")
	assert.ErrorIs(t, err, ErrNoAttemptToClaim)

	claimed, err := q.ClaimNext(ctx, WorkerScope{DedicatedWorkerID: workerID}, "worker", "v1")
	require.NoError(t, err)
	assert.Equal(t, "evt_1", claimed.EventID)
}

func TestMemoryAttemptQueue_DisabledSubscriptionNotPickable(t *testing.T) {
	ctx := context.Background()
	subs := NewMemorySubscriptionStore()
	sub := newTestSubscription(subs, "sub_1", false)
	sub.Enabled = false
	subs.Put(sub)

	q := NewMemoryAttemptQueue(subs)
	_, err := q.Enqueue(ctx, "evt_1", "sub_1", []byte("{}"), "")
	require.NoError(t, err)

	_, err = q.ClaimNext(ctx, WorkerScope{}, "worker", "v1")
	assert.ErrorIs(t, err, ErrNoAttemptToClaim)
}

func TestMemoryAttemptQueue_ListAttemptsPagesNewestFirst(t *testing.T) {
	ctx := context.Background()
	subs := NewMemorySubscriptionStore()
	newTestSubscription(subs, "sub_1", false)
	q := NewMemoryAttemptQueue(subs)

	for i := 0; i < 5; i++ {
		a, err := q.Enqueue(ctx, fmt.Sprintf("evt_%d", i), "sub_1", []byte("{}"), "")
		require.NoError(t, err)
		a.CreatedAt = a.CreatedAt.Add(time.Duration(i) * time.Second)
		q.attempts[a.ID] = a
	}

	page1, err := q.ListAttempts(ctx, "sub_1", nil, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "evt_4", page1[0].EventID)
	assert.Equal(t, "evt_3", page1[1].EventID)

	cur := &pagination.Cursor{CreatedAt: page1[1].CreatedAt, ID: page1[1].ID}
	page2, err := q.ListAttempts(ctx, "sub_1", cur, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "evt_2", page2[0].EventID)
	assert.Equal(t, "evt_1", page2[1].EventID)

	other, err := q.ListAttempts(ctx, "sub_other", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}
