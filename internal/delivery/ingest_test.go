package delivery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngester_FanOutToMatchingSubscriptionsOnly(t *testing.T) {
	ctx := context.Background()
	events := NewMemoryEventStore()
	subs := NewMemorySubscriptionStore()
	queue := NewMemoryAttemptQueue(subs)

	subs.Put(&Subscription{
		ID: "sub_match", ApplicationID: "app_1", Enabled: true,
		EventTypes: []string{"order.created"},
	})
	subs.Put(&Subscription{
		ID: "sub_other_type", ApplicationID: "app_1", Enabled: true,
		EventTypes: []string{"order.cancelled"},
	})
	subs.Put(&Subscription{
		ID: "sub_other_app", ApplicationID: "app_2", Enabled: true,
		EventTypes: []string{"order.created"},
	})

	in := NewIngester(events, subs, queue)
	attempts, err := in.Ingest(ctx, &Event{ApplicationID: "app_1", Type: "order.created", Payload: []byte(`{}`)}, nil)
	require.NoError(t, err)

	require.Len(t, attempts, 1)
	assert.Equal(t, "sub_match", attempts[0].SubscriptionID)
}

func TestIngester_LabelFilterMustMatch(t *testing.T) {
	ctx := context.Background()
	events := NewMemoryEventStore()
	subs := NewMemorySubscriptionStore()
	queue := NewMemoryAttemptQueue(subs)

	subs.Put(&Subscription{
		ID: "sub_labeled", ApplicationID: "app_1", Enabled: true,
		EventTypes: []string{"order.created"},
		Labels:     map[string]string{"region": "eu"},
	})

	in := NewIngester(events, subs, queue)

	attempts, err := in.Ingest(ctx, &Event{ApplicationID: "app_1", Type: "order.created"}, map[string]string{"region": "us"})
	require.NoError(t, err)
	assert.Empty(t, attempts)

	attempts, err = in.Ingest(ctx, &Event{ApplicationID: "app_1", Type: "order.created"}, map[string]string{"region": "eu"})
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

type stubOperationalEndpoints struct {
	appID string
	err   error
}

func (s *stubOperationalEndpoints) OperationalApplicationID(ctx context.Context, organizationID string) (string, error) {
	return s.appID, s.err
}

func TestOperationalEmitter_RoutesThroughIngest(t *testing.T) {
	ctx := context.Background()
	events := NewMemoryEventStore()
	subs := NewMemorySubscriptionStore()
	queue := NewMemoryAttemptQueue(subs)

	subs.Put(&Subscription{
		ID: "sub_ops", ApplicationID: "app_ops", Enabled: true,
		EventTypes: []string{"endpoint.disabled"},
	})

	in := NewIngester(events, subs, queue)
	emitter := NewOperationalEmitter(in, &stubOperationalEndpoints{appID: "app_ops"})

	err := emitter.EmitOperational(ctx, "org_1", "endpoint.disabled", []byte(`{"subscription_id":"sub_1"}`))
	require.NoError(t, err)

	state, err := queue.GetFIFOState(ctx, "sub_ops")
	require.NoError(t, err)
	assert.Equal(t, "sub_ops", state.SubscriptionID)

	attempts, err := queue.ListAttempts(ctx, "sub_ops", nil, 10)
	require.NoError(t, err)
	assert.Len(t, attempts, 1, "the operational event should enqueue one attempt for the matching subscription")
}
