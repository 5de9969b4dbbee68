package delivery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mbd888/hookrelay/internal/pagination"
)

// MemoryAttemptQueue is an in-memory AttemptQueue. It is used for tests and
// for single-process deployments without DATABASE_URL configured. Claim
// atomicity is provided by a single mutex guarding the whole attempt set —
// the in-memory analog of `SELECT ... FOR UPDATE SKIP LOCKED`.
type MemoryAttemptQueue struct {
	mu   sync.Mutex
	subs SubscriptionStore

	attempts map[string]*Attempt
	fifo     map[string]*FIFOState // subscriptionID -> state
}

func NewMemoryAttemptQueue(subs SubscriptionStore) *MemoryAttemptQueue {
	return &MemoryAttemptQueue{
		subs:     subs,
		attempts: make(map[string]*Attempt),
		fifo:     make(map[string]*FIFOState),
	}
}

func (q *MemoryAttemptQueue) Enqueue(ctx context.Context, eventID, subscriptionID string, payload []byte, payloadRef string) (*Attempt, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	a := &Attempt{
		ID:             uuid.NewString(),
		EventID:        eventID,
		SubscriptionID: subscriptionID,
		RetryCount:     0,
		Payload:        payload,
		PayloadRef:     payloadRef,
		CreatedAt:      time.Now(),
	}
	q.attempts[a.ID] = a
	return cloneAttempt(a), nil
}

func (q *MemoryAttemptQueue) ClaimNext(ctx context.Context, scope WorkerScope, workerName, workerVersion string) (*Attempt, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()

	var candidates []*Attempt
	for _, a := range q.attempts {
		candidates = append(candidates, a)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })

	for _, a := range candidates {
		if !q.pickable(ctx, a, scope, now) {
			continue
		}

		sub, err := q.subs.Get(ctx, a.SubscriptionID)
		if err != nil {
			continue
		}

		if sub.FIFO {
			state := q.fifo[sub.ID]
			if state != nil && state.CurrentAttemptID != nil && *state.CurrentAttemptID != a.ID {
				// FifoBlocked: release without marking picked; re-poll later.
				continue
			}
			q.fifo[sub.ID] = &FIFOState{
				SubscriptionID:   sub.ID,
				CurrentAttemptID: strPtr(a.ID),
				UpdatedAt:        now,
			}
		}

		a.PickedAt = &now
		a.WorkerName = workerName
		a.WorkerVersion = workerVersion
		return cloneAttempt(a), nil
	}

	return nil, ErrNoAttemptToClaim
}

func (q *MemoryAttemptQueue) pickable(ctx context.Context, a *Attempt, scope WorkerScope, now time.Time) bool {
	if a.IsTerminal() {
		return false
	}
	if a.PickedAt != nil {
		return false
	}
	if a.DelayUntil != nil && a.DelayUntil.After(now) {
		return false
	}
	sub, err := q.subs.Get(ctx, a.SubscriptionID)
	if err != nil || !sub.Enabled {
		return false
	}
	return scopeMatches(scope, sub)
}

func scopeMatches(scope WorkerScope, sub *Subscription) bool {
	if scope.IsPublic() {
		return sub.DedicatedWorkerID == nil
	}
	return sub.DedicatedWorkerID != nil && *sub.DedicatedWorkerID == scope.DedicatedWorkerID
}

func (q *MemoryAttemptQueue) RecordOutcome(ctx context.Context, attemptID string, outcome Outcome) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.attempts[attemptID]
	if !ok {
		return ErrAttemptNotFound
	}

	now := time.Now()
	resp := outcome.Response
	resp.AttemptID = attemptID
	if resp.ID == "" {
		resp.ID = uuid.NewString()
	}
	a.ResponseID = &resp.ID

	sub, _ := q.subs.Get(ctx, a.SubscriptionID)

	if resp.Success() {
		a.SucceededAt = &now
		if sub != nil && sub.FIFO {
			if ev, err := q.eventOccurredAt(a.EventID); err == nil {
				q.fifo[sub.ID] = &FIFOState{SubscriptionID: sub.ID, CurrentAttemptID: nil, LastCompletedEventAt: &ev, UpdatedAt: now}
			} else {
				q.clearFIFO(sub.ID, now)
			}
		}
		return nil
	}

	a.FailedAt = &now

	if outcome.NextDelay != nil {
		successor := &Attempt{
			ID:             uuid.NewString(),
			EventID:        a.EventID,
			SubscriptionID: a.SubscriptionID,
			RetryCount:     a.RetryCount + 1,
			Payload:        a.Payload,
			PayloadRef:     a.PayloadRef,
			CreatedAt:      now,
		}
		delayUntil := now.Add(*outcome.NextDelay)
		successor.DelayUntil = &delayUntil
		q.attempts[successor.ID] = successor

		if sub != nil && sub.FIFO {
			q.fifo[sub.ID] = &FIFOState{SubscriptionID: sub.ID, CurrentAttemptID: strPtr(successor.ID), UpdatedAt: now}
		}
	} else if sub != nil && sub.FIFO {
		q.clearFIFO(sub.ID, now)
	}

	return nil
}

func (q *MemoryAttemptQueue) eventOccurredAt(eventID string) (time.Time, error) {
	// The in-memory queue does not hold events directly; callers that need
	// last-completed-event-timestamp precision should use the Postgres
	// queue. The error makes RecordOutcome clear the FIFO slot without a
	// last-completed timestamp.
	return time.Time{}, errEventLookupUnsupported
}

func (q *MemoryAttemptQueue) clearFIFO(subscriptionID string, at time.Time) {
	q.fifo[subscriptionID] = &FIFOState{SubscriptionID: subscriptionID, CurrentAttemptID: nil, UpdatedAt: at}
}

// ListAttempts returns up to limit attempts for a subscription, newest
// first, starting after cur. Mirrors the Postgres queue's keyset pagination
// over an unindexed in-memory scan.
func (q *MemoryAttemptQueue) ListAttempts(ctx context.Context, subscriptionID string, cur *pagination.Cursor, limit int) ([]*Attempt, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var matched []*Attempt
	for _, a := range q.attempts {
		if a.SubscriptionID != subscriptionID {
			continue
		}
		if cur != nil && !(a.CreatedAt.Before(cur.CreatedAt) || (a.CreatedAt.Equal(cur.CreatedAt) && a.ID < cur.ID)) {
			continue
		}
		matched = append(matched, cloneAttempt(a))
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (q *MemoryAttemptQueue) GetFIFOState(ctx context.Context, subscriptionID string) (*FIFOState, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	state, ok := q.fifo[subscriptionID]
	if !ok {
		return &FIFOState{SubscriptionID: subscriptionID}, nil
	}
	cp := *state
	return &cp, nil
}

func (q *MemoryAttemptQueue) SweepOrphanedFIFO(ctx context.Context, orphanThreshold time.Duration, batchSize int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	cleared := 0
	for subID, state := range q.fifo {
		if state.CurrentAttemptID == nil {
			continue
		}
		a, ok := q.attempts[*state.CurrentAttemptID]
		if !ok {
			q.clearFIFO(subID, now)
			cleared++
			continue
		}
		if a.PickedAt != nil && a.PickedAt.Before(now.Add(-orphanThreshold)) && !a.IsTerminal() {
			q.clearFIFO(subID, now)
			cleared++
			if cleared >= batchSize {
				break
			}
		}
	}
	return cleared, nil
}

func cloneAttempt(a *Attempt) *Attempt {
	cp := *a
	return &cp
}

func strPtr(s string) *string { return &s }
