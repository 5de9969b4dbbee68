// Package delivery implements the webhook delivery engine: the attempt
// queue, the authenticator, the worker units, the retry policy engine, the
// FIFO serializer, and the health monitor.
package delivery

import (
	"time"
)

// ErrorKind names a class of delivery failure. These are not Go error
// types; they are a closed, persisted vocabulary recorded on a Response.
type ErrorKind string

const (
	ErrorKindTransport       ErrorKind = "transport"
	ErrorKindProtocol        ErrorKind = "protocol"
	ErrorKindHTTPNonSuccess  ErrorKind = "http_non_success"
	ErrorKindAuthConfig      ErrorKind = "auth_config"
	ErrorKindPayloadMissing  ErrorKind = "payload_missing"
	ErrorKindPolicyExhausted ErrorKind = "policy_exhausted"
)

// RetryStrategy names the shape of a retry policy's interval list.
type RetryStrategy string

const (
	StrategyExponential RetryStrategy = "exponential"
	StrategyLinear       RetryStrategy = "linear"
	StrategyCustom       RetryStrategy = "custom"
)

// WorkerScope selects which attempts a worker is eligible to claim.
type WorkerScope struct {
	// DedicatedWorkerID is empty for the public scope. A non-empty value
	// restricts claims to attempts routed to this dedicated worker.
	DedicatedWorkerID string
}

func (s WorkerScope) IsPublic() bool { return s.DedicatedWorkerID == "" }

// Event is an immutable record of something that happened in an
// application. Never mutated after creation; deletion is handled by
// retention GC, which this package does not implement.
type Event struct {
	ID            string
	ApplicationID string
	Type          string // "service.resource.verb"
	Payload       []byte
	ContentType   string
	OccurredAt    time.Time
	IngestedAt    time.Time
}

// RetryPolicy is an organization-owned, named retry configuration.
type RetryPolicy struct {
	ID           string
	OrganizationID string
	Name         string
	Strategy     RetryStrategy
	Intervals    []int // seconds, 1..604800
	MaxAttempts  int   // 1..100
}

// Subscription is a mutable record under an application describing where
// and how matching events should be delivered.
type Subscription struct {
	ID            string
	ApplicationID string

	TargetMethod  string
	TargetURL     string
	TargetHeaders map[string]string

	EventTypes []string
	Labels     map[string]string

	Enabled bool
	FIFO    bool

	RetryPolicyID *string

	// Secret is the UUID whose raw 16 bytes are the HMAC-SHA256 key used to
	// sign every delivery to this subscription.
	Secret string

	ConsecutiveFailures int
	FirstFailureAt      *time.Time
	LastFailureAt       *time.Time
	AutoDisabledAt      *time.Time

	CreatedAt time.Time

	DedicatedWorkerID *string

	AuthConfig *AuthConfig
}

// Matches reports whether the subscription's event-type filter and label
// selector match the given event type and label set.
func (s *Subscription) Matches(eventType string, labels map[string]string) bool {
	typeOK := len(s.EventTypes) == 0
	for _, t := range s.EventTypes {
		if t == eventType {
			typeOK = true
			break
		}
	}
	if !typeOK {
		return false
	}
	for k, v := range s.Labels {
		if labels[k] != v {
			return false
		}
	}
	return true
}

// Attempt is one outbound HTTP try for one (event, subscription) pair.
type Attempt struct {
	ID             string
	EventID        string
	SubscriptionID string

	RetryCount int // 0 = first try
	DelayUntil *time.Time

	PickedAt    *time.Time
	SucceededAt *time.Time
	FailedAt    *time.Time

	WorkerName    string
	WorkerVersion string

	ResponseID *string

	// PayloadRef, when set instead of inline Payload, is the object-storage
	// key "<app_id>/event/<yyyy-mm-dd>/<event_id>" the worker must fetch.
	Payload    []byte
	PayloadRef string

	CreatedAt time.Time
}

// IsTerminal reports whether the attempt has succeeded or failed.
func (a *Attempt) IsTerminal() bool { return a.SucceededAt != nil || a.FailedAt != nil }

// Response is the one-to-one outcome record for a terminal attempt.
type Response struct {
	ID         string
	AttemptID  string
	ErrorKind  ErrorKind // empty if a status was obtained
	Status     int       // 0 if no status (transport-level failure)
	Headers    map[string]string
	Body       []byte
	BodyRef    string // set when offloaded to object storage
	Truncated  bool
	ElapsedMS  int64
	RecordedAt time.Time
}

// Success reports whether the response represents a 2xx outcome.
func (r *Response) Success() bool { return r.ErrorKind == "" && r.Status >= 200 && r.Status < 300 }

// FIFOState is the per-subscription serialization row: at most one
// in-flight attempt for a FIFO subscription at any instant.
type FIFOState struct {
	SubscriptionID        string
	CurrentAttemptID       *string
	LastCompletedEventAt   *time.Time
	UpdatedAt              time.Time
}

// Outcome is what a worker reports back to the attempt queue after
// attempting a delivery.
type Outcome struct {
	Response     Response
	NextDelay    *time.Duration // set when a successor attempt should be scheduled
}

// AuthProviderKind tags the variant of AuthConfig.
type AuthProviderKind string

const (
	AuthNone        AuthProviderKind = ""
	AuthBasic       AuthProviderKind = "basic"
	AuthBearer      AuthProviderKind = "bearer"
	AuthOAuth2      AuthProviderKind = "oauth2_client_credentials"
	AuthCertificate AuthProviderKind = "certificate"
)

// AuthConfig configures how the authenticator attaches credentials to an
// outbound delivery request. Exactly one of the provider-specific fields
// is populated, selected by Kind. Secret-bearing fields are expected to
// already be decrypted by the time this struct is constructed by a Store;
// Stores are responsible for encrypting them at rest with AES-256-GCM.
type AuthConfig struct {
	Kind AuthProviderKind

	// Basic
	BasicUser string
	BasicPass string

	// Bearer
	BearerToken      string
	BearerHeaderName string // default "Authorization"
	BearerPrefix     string // default "Bearer"

	// OAuth2 client-credentials
	OAuth2TokenURL      string
	OAuth2ClientID      string
	OAuth2ClientSecret  string
	OAuth2Scopes        []string
	OAuth2RefreshThreshold time.Duration

	// Certificate
	CertPEM string
	KeyPEM  string
}
