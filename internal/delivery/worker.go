package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mbd888/hookrelay/internal/circuitbreaker"
	"github.com/mbd888/hookrelay/internal/metrics"
	"github.com/mbd888/hookrelay/internal/traces"
)

// PayloadFetcher resolves an attempt's payload when it carries a reference
// instead of an inline byte slice.
type PayloadFetcher interface {
	FetchPayload(ctx context.Context, ref string) ([]byte, error)
}

// ResponseOffloader optionally moves large response bodies to object
// storage, keyed "<app_id>/response/<yyyy-mm-dd>/<response_id>", per the
// per-application policy.
type ResponseOffloader interface {
	ShouldOffload(applicationID string) bool
	OffloadResponse(ctx context.Context, applicationID, responseID string, body, headers []byte) (ref string, err error)
}

// WorkerUnitConfig configures one cooperative worker unit.
type WorkerUnitConfig struct {
	Name              string // process-wide worker name
	Version           string
	Scope             WorkerScope
	TransportTimeout  time.Duration
	MaxInlineRespBody int // response bodies larger than this are truncated to it and marked Truncated
	DefaultTiers      DefaultTiers
}

func DefaultWorkerUnitConfig(name, version string, scope WorkerScope) WorkerUnitConfig {
	return WorkerUnitConfig{
		Name:              name,
		Version:           version,
		Scope:             scope,
		TransportTimeout:  30 * time.Second,
		MaxInlineRespBody: 1 << 20, // 1MB
		DefaultTiers:      DefaultDefaultTiers(),
	}
}

// WorkerUnit is a single cooperative task that loops claim -> resolve
// payload -> sign -> authenticate -> send -> record -> schedule-retry.
// The loop is sequential: one attempt at a time.
type WorkerUnit struct {
	unitIndex int
	cfg       WorkerUnitConfig

	queue   AttemptQueue
	subs    SubscriptionStore
	events  EventStore
	auth    *Authenticator
	payload PayloadFetcher
	offload ResponseOffloader
	breaker *circuitbreaker.Breaker

	httpClient *http.Client
	logger     *slog.Logger
}

// breakerThreshold and breakerOpenDuration tune the per-subscription
// circuit: five consecutive failed sends (transport errors or 5xx
// responses) trip it, and it stays open
// for a minute before the next attempt is allowed to probe the endpoint.
const (
	breakerThreshold    = 5
	breakerOpenDuration = time.Minute
)

func NewWorkerUnit(
	unitIndex int,
	cfg WorkerUnitConfig,
	queue AttemptQueue,
	subs SubscriptionStore,
	events EventStore,
	auth *Authenticator,
	payload PayloadFetcher,
	offload ResponseOffloader,
	breaker *circuitbreaker.Breaker,
	logger *slog.Logger,
) *WorkerUnit {
	return &WorkerUnit{
		unitIndex:  unitIndex,
		cfg:        cfg,
		queue:      queue,
		subs:       subs,
		events:     events,
		auth:       auth,
		payload:    payload,
		offload:    offload,
		breaker:    breaker,
		httpClient: &http.Client{Timeout: cfg.TransportTimeout},
		logger:     logger,
	}
}

// Run loops until ctx is cancelled. Call in a goroutine; a worker process
// hosts N of these.
func (w *WorkerUnit) Run(ctx context.Context) {
	consecutiveEmpty := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		claimed, err := w.tick(ctx)
		if err != nil {
			w.logger.Error("worker unit tick failed", "unit", w.unitIndex, "error", err)
		}

		if claimed {
			consecutiveEmpty = 0
			continue
		}

		consecutiveEmpty++
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollBackoff(w.unitIndex, consecutiveEmpty)):
		}
	}
}

// pollBackoff staggers idle polling across worker units so an empty queue
// doesn't thunder all of them at once: unit 0 polls at 1s; units 1-2 at the
// midpoint of a 1s-10s range (5.5s); units >= 3 at 10s.
func pollBackoff(unitIndex, consecutiveEmpty int) time.Duration {
	switch {
	case unitIndex == 0:
		return time.Second
	case unitIndex <= 2:
		return 5500 * time.Millisecond
	default:
		return 10 * time.Second
	}
}

// tick claims and processes at most one attempt. Returns true if an
// attempt was claimed (regardless of outcome).
func (w *WorkerUnit) tick(ctx context.Context) (bool, error) {
	attempt, err := w.queue.ClaimNext(ctx, w.cfg.Scope, w.cfg.Name, w.cfg.Version)
	if err != nil {
		if err == ErrNoAttemptToClaim {
			return false, nil
		}
		return false, err
	}

	w.process(ctx, attempt)
	return true, nil
}

func (w *WorkerUnit) process(ctx context.Context, attempt *Attempt) {
	ctx, span := traces.StartSpan(ctx, "delivery.attempt",
		traces.AttemptID(attempt.ID),
		traces.SubscriptionID(attempt.SubscriptionID),
		traces.EventID(attempt.EventID),
	)
	defer span.End()

	start := time.Now()

	sub, err := w.subs.Get(ctx, attempt.SubscriptionID)
	if err != nil {
		w.fail(ctx, attempt, Response{ErrorKind: ErrorKindAuthConfig, RecordedAt: time.Now()}, sub)
		return
	}

	ev, err := w.events.Get(ctx, attempt.EventID)
	if err != nil {
		w.fail(ctx, attempt, Response{ErrorKind: ErrorKindProtocol, RecordedAt: time.Now()}, sub)
		return
	}

	payload, err := w.resolvePayload(ctx, attempt)
	if err != nil {
		// PayloadMissing: fail this attempt; the scheduled retry chain
		// still applies via the normal failure path below.
		w.outcome(ctx, attempt, sub, Response{ErrorKind: ErrorKindPayloadMissing, RecordedAt: time.Now(), ElapsedMS: time.Since(start).Milliseconds()})
		return
	}

	req, err := w.buildRequest(ctx, sub, ev, attempt, payload)
	if err != nil {
		w.outcome(ctx, attempt, sub, Response{ErrorKind: ErrorKindAuthConfig, RecordedAt: time.Now(), ElapsedMS: time.Since(start).Milliseconds()})
		return
	}

	if w.breaker != nil && !w.breaker.Allow(sub.ID) {
		w.outcome(ctx, attempt, sub, Response{ErrorKind: ErrorKindTransport, RecordedAt: time.Now(), ElapsedMS: time.Since(start).Milliseconds()})
		return
	}

	resp, respErr := w.httpClient.Do(req)
	elapsed := time.Since(start).Milliseconds()
	if respErr != nil {
		if w.breaker != nil {
			w.breaker.RecordFailure(sub.ID)
		}
		w.outcome(ctx, attempt, sub, Response{ErrorKind: ErrorKindTransport, RecordedAt: time.Now(), ElapsedMS: elapsed})
		return
	}
	defer resp.Body.Close()

	if w.breaker != nil {
		if resp.StatusCode >= 500 {
			w.breaker.RecordFailure(sub.ID)
		} else {
			w.breaker.RecordSuccess(sub.ID)
		}
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, int64(w.cfg.MaxInlineRespBody)+1))
	truncated := len(body) > w.cfg.MaxInlineRespBody
	if truncated {
		body = body[:w.cfg.MaxInlineRespBody]
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	r := Response{
		Status:     resp.StatusCode,
		Headers:    headers,
		Body:       body,
		Truncated:  truncated,
		ElapsedMS:  elapsed,
		RecordedAt: time.Now(),
	}
	// A non-2xx status is HttpNonSuccess, not an error kind: the response
	// carries a status, and Success() below drives the retry decision.
	w.outcome(ctx, attempt, sub, r)
}

func (w *WorkerUnit) resolvePayload(ctx context.Context, attempt *Attempt) ([]byte, error) {
	if len(attempt.Payload) > 0 || attempt.PayloadRef == "" {
		return attempt.Payload, nil
	}
	if w.payload == nil {
		return nil, fmt.Errorf("delivery: no payload fetcher configured for ref %q", attempt.PayloadRef)
	}
	return w.payload.FetchPayload(ctx, attempt.PayloadRef)
}

func (w *WorkerUnit) buildRequest(ctx context.Context, sub *Subscription, ev *Event, attempt *Attempt, payload []byte) (*http.Request, error) {
	method := sub.TargetMethod
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, sub.TargetURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	for k, v := range sub.TargetHeaders {
		req.Header.Set(k, v)
	}
	if ev.ContentType != "" {
		req.Header.Set("Content-Type", ev.ContentType)
	}

	if err := w.auth.Apply(ctx, req, sub.ID, sub.AuthConfig); err != nil {
		return nil, err
	}

	id, ts, sig, err := Signature(sub.Secret, ev.ID, time.Now(), payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("webhook-id", id)
	req.Header.Set("webhook-timestamp", ts)
	req.Header.Set("webhook-signature", sig)

	return req, nil
}

// outcome records the response and, on failure, schedules a retry per the
// retry policy engine, then notifies the subscription store of the
// success/failure transition that feeds the health monitor.
func (w *WorkerUnit) outcome(ctx context.Context, attempt *Attempt, sub *Subscription, r Response) {
	r.ID = uuid.NewString()

	if w.offload != nil && sub != nil && w.offload.ShouldOffload(sub.ApplicationID) && len(r.Body) > 0 {
		if ref, err := w.offload.OffloadResponse(ctx, sub.ApplicationID, r.ID, r.Body, nil); err == nil {
			r.BodyRef = ref
			r.Body = nil
		}
	}

	outcome := Outcome{Response: r}

	if r.Success() {
		metrics.AttemptsTotal.WithLabelValues("success").Inc()
	} else {
		kind := r.ErrorKind
		if kind == "" {
			kind = ErrorKindHTTPNonSuccess
		}
		metrics.AttemptsTotal.WithLabelValues(string(kind)).Inc()
		policy, _ := w.subs.RetryPolicy(ctx, attempt.SubscriptionID)
		outcome.NextDelay = ComputeNextRetry(policy, w.cfg.DefaultTiers, attempt.RetryCount)
	}
	metrics.AttemptLatency.Observe(time.Duration(r.ElapsedMS * int64(time.Millisecond)).Seconds())

	if err := w.queue.RecordOutcome(ctx, attempt.ID, outcome); err != nil {
		w.logger.Error("failed to record attempt outcome", "attempt", attempt.ID, "error", err)
	}

	if sub != nil {
		_ = w.subs.UpdateHealth(ctx, sub.ID, r.Success(), time.Now())
	}
}

func (w *WorkerUnit) fail(ctx context.Context, attempt *Attempt, r Response, sub *Subscription) {
	w.outcome(ctx, attempt, sub, r)
}

// WorkerPool hosts N worker units in one process.
type WorkerPool struct {
	units []*WorkerUnit
}

func NewWorkerPool(units []*WorkerUnit) *WorkerPool { return &WorkerPool{units: units} }

// Run starts every unit in its own goroutine and blocks until ctx is done.
func (p *WorkerPool) Run(ctx context.Context) {
	done := make(chan struct{}, len(p.units))
	for _, u := range p.units {
		u := u
		go func() {
			u.Run(ctx)
			done <- struct{}{}
		}()
	}
	for range p.units {
		<-done
	}
}
