package delivery

import (
	"context"
	"sync"
	"time"
)

// MemoryEventStore is an in-memory EventStore, used in tests and in
// deployments without DATABASE_URL configured.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string]*Event
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string]*Event)}
}

func (s *MemoryEventStore) Create(ctx context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.events[ev.ID] = &cp
	return nil
}

func (s *MemoryEventStore) Get(ctx context.Context, id string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *ev
	return &cp, nil
}

// MemorySubscriptionStore is an in-memory SubscriptionStore.
type MemorySubscriptionStore struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	policies      map[string]*RetryPolicy
}

func NewMemorySubscriptionStore() *MemorySubscriptionStore {
	return &MemorySubscriptionStore{
		subscriptions: make(map[string]*Subscription),
		policies:      make(map[string]*RetryPolicy),
	}
}

func (s *MemorySubscriptionStore) Put(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sub
	s.subscriptions[sub.ID] = &cp
}

func (s *MemorySubscriptionStore) PutPolicy(p *RetryPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.policies[p.ID] = &cp
}

func (s *MemorySubscriptionStore) Get(ctx context.Context, id string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *MemorySubscriptionStore) MatchingSubscriptions(ctx context.Context, applicationID, eventType string, labels map[string]string) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Subscription
	for _, sub := range s.subscriptions {
		if sub.ApplicationID != applicationID || !sub.Enabled {
			continue
		}
		if sub.Matches(eventType, labels) {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemorySubscriptionStore) UpdateHealth(ctx context.Context, subscriptionID string, success bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[subscriptionID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	if success {
		sub.ConsecutiveFailures = 0
		sub.FirstFailureAt = nil
		sub.LastFailureAt = nil
		return nil
	}
	sub.ConsecutiveFailures++
	atCopy := at
	sub.LastFailureAt = &atCopy
	if sub.FirstFailureAt == nil {
		sub.FirstFailureAt = &atCopy
	}
	return nil
}

func (s *MemorySubscriptionStore) Disable(ctx context.Context, subscriptionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[subscriptionID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	sub.Enabled = false
	atCopy := at
	sub.AutoDisabledAt = &atCopy
	return nil
}

func (s *MemorySubscriptionStore) RetryPolicy(ctx context.Context, subscriptionID string) (*RetryPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[subscriptionID]
	if !ok || sub.RetryPolicyID == nil {
		return nil, nil
	}
	p, ok := s.policies[*sub.RetryPolicyID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemorySubscriptionStore) ListWarningCandidates(ctx context.Context, warningAge, recentFailureWindow time.Duration, minFailures int) ([]*Subscription, error) {
	return s.listCandidates(warningAge, recentFailureWindow, minFailures)
}

func (s *MemorySubscriptionStore) ListDisableCandidates(ctx context.Context, disableAge, recentFailureWindow time.Duration, minFailures int) ([]*Subscription, error) {
	return s.listCandidates(disableAge, recentFailureWindow, minFailures)
}

func (s *MemorySubscriptionStore) listCandidates(age, recentWindow time.Duration, minFailures int) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var out []*Subscription
	for _, sub := range s.subscriptions {
		if sub.FirstFailureAt == nil || sub.LastFailureAt == nil {
			continue
		}
		if sub.ConsecutiveFailures < minFailures {
			continue
		}
		if sub.FirstFailureAt.After(now.Add(-age)) {
			continue
		}
		if sub.LastFailureAt.Before(now.Add(-recentWindow)) {
			continue
		}
		cp := *sub
		out = append(out, &cp)
	}
	return out, nil
}

// MemoryResponseStore is an in-memory ResponseStore.
type MemoryResponseStore struct {
	mu        sync.RWMutex
	responses map[string]*Response
}

func NewMemoryResponseStore() *MemoryResponseStore {
	return &MemoryResponseStore{responses: make(map[string]*Response)}
}

func (s *MemoryResponseStore) Create(ctx context.Context, r *Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.responses[r.ID] = &cp
	return nil
}

func (s *MemoryResponseStore) Get(ctx context.Context, id string) (*Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.responses[id]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	cp := *r
	return &cp, nil
}

// MemoryNotificationStore is an in-memory NotificationStore implementing
// a day-scoped uniqueness check: at most one notification per subscription,
// per type, per day.
type MemoryNotificationStore struct {
	mu   sync.Mutex
	sent map[string]bool // subscriptionID|type|yyyy-mm-dd -> true
}

func NewMemoryNotificationStore() *MemoryNotificationStore {
	return &MemoryNotificationStore{sent: make(map[string]bool)}
}

func (s *MemoryNotificationStore) TryRecordSent(ctx context.Context, subscriptionID, notifType string, day time.Time) (bool, error) {
	key := subscriptionID + "|" + notifType + "|" + day.Format("2006-01-02")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent[key] {
		return false, nil
	}
	s.sent[key] = true
	return true, nil
}

// MemoryTokenCacheStore is an in-memory TokenCacheStore.
type MemoryTokenCacheStore struct {
	mu     sync.RWMutex
	tokens map[string]*CachedToken
}

func NewMemoryTokenCacheStore() *MemoryTokenCacheStore {
	return &MemoryTokenCacheStore{tokens: make(map[string]*CachedToken)}
}

func (s *MemoryTokenCacheStore) Get(ctx context.Context, configKey string) (*CachedToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[configKey]
	if !ok {
		return nil, nil
	}
	cp := *tok
	return &cp, nil
}

func (s *MemoryTokenCacheStore) Put(ctx context.Context, configKey string, tok *CachedToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tok
	s.tokens[configKey] = &cp
	return nil
}

// MemoryAuditSink is an in-memory AuditSink, mainly useful for tests.
type MemoryAuditSink struct {
	mu      sync.Mutex
	Records []AuditRecord
}

type AuditRecord struct {
	SubscriptionID string
	Kind           AuthProviderKind
	Outcome        string
	At             time.Time
}

func NewMemoryAuditSink() *MemoryAuditSink { return &MemoryAuditSink{} }

func (s *MemoryAuditSink) RecordAuth(ctx context.Context, subscriptionID string, kind AuthProviderKind, outcome string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Records = append(s.Records, AuditRecord{SubscriptionID: subscriptionID, Kind: kind, Outcome: outcome, At: time.Now()})
}
