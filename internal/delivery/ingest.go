package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Ingester is the event-ingest entry point: one attempt per matching
// subscription.
type Ingester struct {
	events EventStore
	subs   SubscriptionStore
	queue  AttemptQueue
}

func NewIngester(events EventStore, subs SubscriptionStore, queue AttemptQueue) *Ingester {
	return &Ingester{events: events, subs: subs, queue: queue}
}

// Ingest stores ev and enqueues one attempt per subscription whose
// event-type filter and label selector match.
func (in *Ingester) Ingest(ctx context.Context, ev *Event, labels map[string]string) ([]*Attempt, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.IngestedAt.IsZero() {
		ev.IngestedAt = time.Now()
	}
	if err := in.events.Create(ctx, ev); err != nil {
		return nil, fmt.Errorf("delivery: failed to store event: %w", err)
	}

	matches, err := in.subs.MatchingSubscriptions(ctx, ev.ApplicationID, ev.Type, labels)
	if err != nil {
		return nil, fmt.Errorf("delivery: failed to resolve matching subscriptions: %w", err)
	}

	attempts := make([]*Attempt, 0, len(matches))
	for _, sub := range matches {
		a, err := in.queue.Enqueue(ctx, ev.ID, sub.ID, ev.Payload, "")
		if err != nil {
			continue
		}
		attempts = append(attempts, a)
	}
	return attempts, nil
}

// operationalEmitter implements OperationalEmitter by synthesizing an
// event against an organization's operational-webhook endpoints and
// routing it through the same ingest path as ordinary events.
type operationalEmitter struct {
	ingester  *Ingester
	endpoints OperationalEndpointStore
}

// OperationalEndpointStore resolves which application id (and therefore
// which subscriptions) represents an organization's operational-webhook
// channel.
type OperationalEndpointStore interface {
	OperationalApplicationID(ctx context.Context, organizationID string) (string, error)
}

func NewOperationalEmitter(ingester *Ingester, endpoints OperationalEndpointStore) OperationalEmitter {
	return &operationalEmitter{ingester: ingester, endpoints: endpoints}
}

func (e *operationalEmitter) EmitOperational(ctx context.Context, organizationID, eventType string, payload []byte) error {
	appID, err := e.endpoints.OperationalApplicationID(ctx, organizationID)
	if err != nil {
		return fmt.Errorf("delivery: no operational webhook application for organization %s: %w", organizationID, err)
	}
	ev := &Event{
		ApplicationID: appID,
		Type:          eventType,
		Payload:       payload,
		ContentType:   "application/json",
		OccurredAt:    time.Now(),
	}
	_, err = e.ingester.Ingest(ctx, ev, nil)
	return err
}
