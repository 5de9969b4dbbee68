package delivery

import (
	"context"
	"time"

	"github.com/mbd888/hookrelay/internal/pagination"
)

// AttemptQueue is the attempt queue contract: durable pending-delivery
// records with claim/ack semantics. An implementation
// realized over a relational store uses `SELECT ... FOR UPDATE SKIP
// LOCKED`; one realized over a topic broker uses exclusive per-message ack
// and dead-letter handling. Both must preserve single-claim and
// resume-after-crash semantics.
type AttemptQueue interface {
	// ClaimNext returns at most one pickable attempt for the given worker
	// scope, atomically marking it picked so no other worker can claim the
	// same id, ordered by created_at ascending. Returns ErrNoAttemptToClaim
	// when nothing is pickable.
	ClaimNext(ctx context.Context, scope WorkerScope, workerName, workerVersion string) (*Attempt, error)

	// RecordOutcome atomically writes the response, sets the terminal
	// timestamp, and — on failure with a non-nil NextDelay — creates the
	// successor attempt row with an incremented retry_count.
	RecordOutcome(ctx context.Context, attemptID string, outcome Outcome) error

	// Enqueue creates a brand-new, zero-retry-count attempt for an event
	// matching a subscription.
	Enqueue(ctx context.Context, eventID, subscriptionID string, payload []byte, payloadRef string) (*Attempt, error)

	// GetFIFOState returns the current FIFO-state row for a subscription,
	// or a zero-value state with nil CurrentAttemptID if none exists yet.
	GetFIFOState(ctx context.Context, subscriptionID string) (*FIFOState, error)

	// SweepOrphanedFIFO clears FIFO slots whose current attempt has been
	// picked for longer than orphanThreshold without terminalizing, which
	// happens when a worker dies mid-attempt. Returns the number of slots
	// cleared.
	SweepOrphanedFIFO(ctx context.Context, orphanThreshold time.Duration, batchSize int) (int, error)
}

// AttemptHistory lists past attempts for a subscription, newest first. Kept
// separate from AttemptQueue because workers never need it — only the
// history API does.
type AttemptHistory interface {
	ListAttempts(ctx context.Context, subscriptionID string, cur *pagination.Cursor, limit int) ([]*Attempt, error)
}

// SubscriptionStore persists subscriptions and resolves the fan-out of
// matching subscriptions for an incoming event.
type SubscriptionStore interface {
	Get(ctx context.Context, id string) (*Subscription, error)
	MatchingSubscriptions(ctx context.Context, applicationID, eventType string, labels map[string]string) ([]*Subscription, error)
	UpdateHealth(ctx context.Context, subscriptionID string, success bool, at time.Time) error
	Disable(ctx context.Context, subscriptionID string, at time.Time) error
	RetryPolicy(ctx context.Context, subscriptionID string) (*RetryPolicy, error)

	// ListWarningCandidates and ListDisableCandidates back the health
	// monitor's periodic pass.
	ListWarningCandidates(ctx context.Context, warningAge, recentFailureWindow time.Duration, minFailures int) ([]*Subscription, error)
	ListDisableCandidates(ctx context.Context, disableAge, recentFailureWindow time.Duration, minFailures int) ([]*Subscription, error)
}

// EventStore persists immutable events.
type EventStore interface {
	Create(ctx context.Context, ev *Event) error
	Get(ctx context.Context, id string) (*Event, error)
}

// ResponseStore persists the one-to-one Response rows for terminal attempts.
type ResponseStore interface {
	Create(ctx context.Context, r *Response) error
	Get(ctx context.Context, id string) (*Response, error)
}

// NotificationStore backs the health monitor's idempotent
// warning/disable/recovery notifications: at most one per subscription,
// per notification type, per day.
type NotificationStore interface {
	// TryRecordSent returns true if a notification of this type was
	// recorded for the subscription today (i.e. the caller should send
	// it), and false if one was already recorded today (skip).
	TryRecordSent(ctx context.Context, subscriptionID string, notifType string, day time.Time) (bool, error)
}

// ObjectStore is the optional payload/response offload target, keyed by
// application id, date, and record id.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Notifier sends the health monitor's admin emails. Kept as a narrow
// interface: the concrete mailer is an external collaborator this package
// does not implement.
type Notifier interface {
	NotifyWarning(ctx context.Context, sub *Subscription) error
	NotifyDisabled(ctx context.Context, sub *Subscription) error
	NotifyRecovered(ctx context.Context, sub *Subscription) error
}

// OperationalEmitter delivers operational webhook events such as
// `endpoint.disabled` through the ordinary attempt-queue machinery, so
// subscribers receive them the same way they receive application events.
type OperationalEmitter interface {
	EmitOperational(ctx context.Context, organizationID, eventType string, payload []byte) error
}
