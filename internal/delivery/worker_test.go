package delivery

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerUnit_SuccessfulDeliverySignsAndRecords(t *testing.T) {
	var gotSig, gotID, gotTS string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("webhook-signature")
		gotID = r.Header.Get("webhook-id")
		gotTS = r.Header.Get("webhook-timestamp")
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"hello":"world"}`, string(body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	events := NewMemoryEventStore()
	subs := NewMemorySubscriptionStore()
	queue := NewMemoryAttemptQueue(subs)
	auth := NewAuthenticator(NewMemoryTokenCacheStore(), NewMemoryAuditSink(), discardLogger(), nil)

	secret := uuid.NewString()
	sub := &Subscription{
		ID: "sub_1", ApplicationID: "app_1", Enabled: true,
		TargetURL: srv.URL, EventTypes: []string{"order.created"}, Secret: secret,
	}
	subs.Put(sub)

	ev := &Event{ID: "evt_1", ApplicationID: "app_1", Type: "order.created", Payload: []byte(`{"hello":"world"}`), ContentType: "application/json"}
	require.NoError(t, events.Create(ctx, ev))

	_, err := queue.Enqueue(ctx, ev.ID, sub.ID, ev.Payload, "")
	require.NoError(t, err)

	unit := NewWorkerUnit(0, DefaultWorkerUnitConfig("worker-1", "v1", WorkerScope{}), queue, subs, events, auth, nil, nil, nil, discardLogger())

	claimed, err := unit.tick(ctx)
	require.NoError(t, err)
	assert.True(t, claimed)

	assert.Equal(t, "evt_1", gotID)
	assert.NotEmpty(t, gotTS)
	assert.True(t, VerifySignature(secret, parseUnixFromHeader(t, gotTS), ev.Payload, gotSig))

	_, err = queue.ClaimNext(ctx, WorkerScope{}, "worker-1", "v1")
	assert.ErrorIs(t, err, ErrNoAttemptToClaim, "the successful attempt must not be pickable again")
}

func TestWorkerUnit_FailureSchedulesRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx := context.Background()
	events := NewMemoryEventStore()
	subs := NewMemorySubscriptionStore()
	queue := NewMemoryAttemptQueue(subs)
	auth := NewAuthenticator(NewMemoryTokenCacheStore(), NewMemoryAuditSink(), discardLogger(), nil)

	sub := &Subscription{
		ID: "sub_1", ApplicationID: "app_1", Enabled: true,
		TargetURL: srv.URL, EventTypes: []string{"order.created"}, Secret: uuid.NewString(),
	}
	subs.Put(sub)

	ev := &Event{ID: "evt_1", ApplicationID: "app_1", Type: "order.created", Payload: []byte(`{}`)}
	require.NoError(t, events.Create(ctx, ev))
	_, err := queue.Enqueue(ctx, ev.ID, sub.ID, ev.Payload, "")
	require.NoError(t, err)

	unit := NewWorkerUnit(0, DefaultWorkerUnitConfig("worker-1", "v1", WorkerScope{}), queue, subs, events, auth, nil, nil, nil, discardLogger())

	claimed, err := unit.tick(ctx)
	require.NoError(t, err)
	assert.True(t, claimed)

	updatedSub, err := subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updatedSub.ConsecutiveFailures)

	history, err := queue.ListAttempts(ctx, sub.ID, nil, 10)
	require.NoError(t, err)
	require.Len(t, history, 2, "the failed attempt should have a scheduled successor")
	retries := 0
	for _, a := range history {
		if a.RetryCount == 1 && a.DelayUntil != nil {
			retries++
		}
	}
	assert.Equal(t, 1, retries)
}

func parseUnixFromHeader(t *testing.T, ts string) int64 {
	t.Helper()
	unix, err := strconv.ParseInt(ts, 10, 64)
	require.NoError(t, err)
	return unix
}
