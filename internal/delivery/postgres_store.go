package delivery

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/hookrelay/internal/cryptutil"
)

// PostgresEventStore persists immutable events.
type PostgresEventStore struct {
	db *sql.DB
}

func NewPostgresEventStore(db *sql.DB) *PostgresEventStore { return &PostgresEventStore{db: db} }

func (s *PostgresEventStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS delivery_events (
			id             UUID PRIMARY KEY,
			application_id UUID NOT NULL,
			type           TEXT NOT NULL,
			payload        BYTEA,
			content_type   TEXT,
			occurred_at    TIMESTAMPTZ NOT NULL,
			ingested_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS delivery_events_app_type_idx ON delivery_events (application_id, type);
	`)
	return err
}

func (s *PostgresEventStore) Create(ctx context.Context, ev *Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_events (id, application_id, type, payload, content_type, occurred_at, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ID, ev.ApplicationID, ev.Type, nullBytes(ev.Payload), nullString(ev.ContentType), ev.OccurredAt, ev.IngestedAt)
	return err
}

func (s *PostgresEventStore) Get(ctx context.Context, id string) (*Event, error) {
	ev := &Event{}
	var contentType sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, application_id, type, payload, content_type, occurred_at, ingested_at
		FROM delivery_events WHERE id = $1
	`, id).Scan(&ev.ID, &ev.ApplicationID, &ev.Type, &ev.Payload, &contentType, &ev.OccurredAt, &ev.IngestedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	ev.ContentType = contentType.String
	return ev, nil
}

// PostgresSubscriptionStore persists subscriptions. AuthConfig secret
// fields are sealed with AES-256-GCM before storage and opened on read.
type PostgresSubscriptionStore struct {
	db  *sql.DB
	enc *cryptutil.StorageEncryption
}

func NewPostgresSubscriptionStore(db *sql.DB, enc *cryptutil.StorageEncryption) *PostgresSubscriptionStore {
	return &PostgresSubscriptionStore{db: db, enc: enc}
}

func (s *PostgresSubscriptionStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS delivery_subscriptions (
			id                    UUID PRIMARY KEY,
			application_id        UUID NOT NULL,
			target_method         TEXT NOT NULL DEFAULT 'POST',
			target_url            TEXT NOT NULL,
			target_headers        JSONB,
			event_types           TEXT[] NOT NULL DEFAULT '{}',
			labels                JSONB,
			enabled               BOOLEAN NOT NULL DEFAULT true,
			fifo                  BOOLEAN NOT NULL DEFAULT false,
			retry_policy_id       UUID,
			secret                UUID NOT NULL,
			consecutive_failures  INT NOT NULL DEFAULT 0,
			first_failure_at      TIMESTAMPTZ,
			last_failure_at       TIMESTAMPTZ,
			auto_disabled_at      TIMESTAMPTZ,
			dedicated_worker_id   TEXT,
			auth_config           BYTEA,
			created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS delivery_subscriptions_app_idx ON delivery_subscriptions (application_id) WHERE enabled;

		CREATE TABLE IF NOT EXISTS delivery_retry_policies (
			id              UUID PRIMARY KEY,
			organization_id UUID NOT NULL,
			name            TEXT NOT NULL,
			strategy        TEXT NOT NULL,
			intervals       INT[] NOT NULL DEFAULT '{}',
			max_attempts    INT NOT NULL
		);
	`)
	return err
}

func (s *PostgresSubscriptionStore) Get(ctx context.Context, id string) (*Subscription, error) {
	return s.scanOne(ctx, `
		SELECT id, application_id, target_method, target_url, target_headers, event_types, labels,
		       enabled, fifo, retry_policy_id, secret, consecutive_failures, first_failure_at,
		       last_failure_at, auto_disabled_at, dedicated_worker_id, auth_config, created_at
		FROM delivery_subscriptions WHERE id = $1
	`, id)
}

func (s *PostgresSubscriptionStore) scanOne(ctx context.Context, query string, args ...any) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, query, args...)
	sub, err := s.scanRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	return sub, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresSubscriptionStore) scanRow(row rowScanner) (*Subscription, error) {
	sub := &Subscription{}
	var (
		targetHeaders, labels []byte
		eventTypes            pq.StringArray
		retryPolicyID         sql.NullString
		firstFailureAt        sql.NullTime
		lastFailureAt         sql.NullTime
		autoDisabledAt        sql.NullTime
		dedicatedWorkerID     sql.NullString
		authConfigEnc         []byte
	)
	err := row.Scan(
		&sub.ID, &sub.ApplicationID, &sub.TargetMethod, &sub.TargetURL, &targetHeaders, &eventTypes, &labels,
		&sub.Enabled, &sub.FIFO, &retryPolicyID, &sub.Secret, &sub.ConsecutiveFailures, &firstFailureAt,
		&lastFailureAt, &autoDisabledAt, &dedicatedWorkerID, &authConfigEnc, &sub.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.EventTypes = []string(eventTypes)
	if len(targetHeaders) > 0 {
		_ = json.Unmarshal(targetHeaders, &sub.TargetHeaders)
	}
	if len(labels) > 0 {
		_ = json.Unmarshal(labels, &sub.Labels)
	}
	if retryPolicyID.Valid {
		sub.RetryPolicyID = &retryPolicyID.String
	}
	if firstFailureAt.Valid {
		sub.FirstFailureAt = &firstFailureAt.Time
	}
	if lastFailureAt.Valid {
		sub.LastFailureAt = &lastFailureAt.Time
	}
	if autoDisabledAt.Valid {
		sub.AutoDisabledAt = &autoDisabledAt.Time
	}
	if dedicatedWorkerID.Valid {
		sub.DedicatedWorkerID = &dedicatedWorkerID.String
	}
	if len(authConfigEnc) > 0 && s.enc != nil {
		plain, err := s.enc.Decrypt(authConfigEnc)
		if err != nil {
			return nil, fmt.Errorf("delivery: failed to decrypt auth config: %w", err)
		}
		var cfg AuthConfig
		if err := json.Unmarshal(plain, &cfg); err != nil {
			return nil, err
		}
		sub.AuthConfig = &cfg
		cryptutil.Zero(plain)
	}
	return sub, nil
}

func (s *PostgresSubscriptionStore) Put(ctx context.Context, sub *Subscription) error {
	targetHeaders, _ := json.Marshal(sub.TargetHeaders)
	labels, _ := json.Marshal(sub.Labels)

	var authConfigEnc []byte
	if sub.AuthConfig != nil && s.enc != nil {
		plain, err := json.Marshal(sub.AuthConfig)
		if err != nil {
			return err
		}
		authConfigEnc, err = s.enc.Encrypt(plain)
		cryptutil.Zero(plain)
		if err != nil {
			return err
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_subscriptions (
			id, application_id, target_method, target_url, target_headers, event_types, labels,
			enabled, fifo, retry_policy_id, secret, consecutive_failures, first_failure_at,
			last_failure_at, auto_disabled_at, dedicated_worker_id, auth_config, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (id) DO UPDATE SET
			target_method = EXCLUDED.target_method, target_url = EXCLUDED.target_url,
			target_headers = EXCLUDED.target_headers, event_types = EXCLUDED.event_types,
			labels = EXCLUDED.labels, enabled = EXCLUDED.enabled, fifo = EXCLUDED.fifo,
			retry_policy_id = EXCLUDED.retry_policy_id, dedicated_worker_id = EXCLUDED.dedicated_worker_id,
			auth_config = EXCLUDED.auth_config
	`, sub.ID, sub.ApplicationID, orDefault(sub.TargetMethod, "POST"), sub.TargetURL, targetHeaders,
		pq.Array(sub.EventTypes), labels, sub.Enabled, sub.FIFO, sub.RetryPolicyID, sub.Secret,
		sub.ConsecutiveFailures, sub.FirstFailureAt, sub.LastFailureAt, sub.AutoDisabledAt,
		sub.DedicatedWorkerID, authConfigEnc, sub.CreatedAt)
	return err
}

func (s *PostgresSubscriptionStore) MatchingSubscriptions(ctx context.Context, applicationID, eventType string, labels map[string]string) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, application_id, target_method, target_url, target_headers, event_types, labels,
		       enabled, fifo, retry_policy_id, secret, consecutive_failures, first_failure_at,
		       last_failure_at, auto_disabled_at, dedicated_worker_id, auth_config, created_at
		FROM delivery_subscriptions
		WHERE application_id = $1 AND enabled
		  AND (array_length(event_types, 1) IS NULL OR $2 = ANY(event_types))
	`, applicationID, eventType)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Subscription
	for rows.Next() {
		sub, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		if sub.Matches(eventType, labels) {
			out = append(out, sub)
		}
	}
	return out, rows.Err()
}

func (s *PostgresSubscriptionStore) UpdateHealth(ctx context.Context, subscriptionID string, success bool, at time.Time) error {
	var err error
	if success {
		_, err = s.db.ExecContext(ctx, `
			UPDATE delivery_subscriptions
			SET consecutive_failures = 0, first_failure_at = NULL, last_failure_at = NULL
			WHERE id = $1
		`, subscriptionID)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE delivery_subscriptions
			SET consecutive_failures = consecutive_failures + 1,
			    first_failure_at = COALESCE(first_failure_at, $2),
			    last_failure_at = $2
			WHERE id = $1
		`, subscriptionID, at)
	}
	return err
}

func (s *PostgresSubscriptionStore) Disable(ctx context.Context, subscriptionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE delivery_subscriptions SET enabled = false, auto_disabled_at = $2 WHERE id = $1`, subscriptionID, at)
	return err
}

func (s *PostgresSubscriptionStore) RetryPolicy(ctx context.Context, subscriptionID string) (*RetryPolicy, error) {
	p := &RetryPolicy{}
	var intervals pq.Int64Array
	err := s.db.QueryRowContext(ctx, `
		SELECT p.id, p.organization_id, p.name, p.strategy, p.intervals, p.max_attempts
		FROM delivery_retry_policies p
		INNER JOIN delivery_subscriptions s ON s.retry_policy_id = p.id
		WHERE s.id = $1
	`, subscriptionID).Scan(&p.ID, &p.OrganizationID, &p.Name, &p.Strategy, &intervals, &p.MaxAttempts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Intervals = make([]int, len(intervals))
	for i, v := range intervals {
		p.Intervals[i] = int(v)
	}
	return p, nil
}

func (s *PostgresSubscriptionStore) ListWarningCandidates(ctx context.Context, warningAge, recentFailureWindow time.Duration, minFailures int) ([]*Subscription, error) {
	return s.listCandidates(ctx, warningAge, recentFailureWindow, minFailures)
}

func (s *PostgresSubscriptionStore) ListDisableCandidates(ctx context.Context, disableAge, recentFailureWindow time.Duration, minFailures int) ([]*Subscription, error) {
	return s.listCandidates(ctx, disableAge, recentFailureWindow, minFailures)
}

func (s *PostgresSubscriptionStore) listCandidates(ctx context.Context, age, recentWindow time.Duration, minFailures int) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, application_id, target_method, target_url, target_headers, event_types, labels,
		       enabled, fifo, retry_policy_id, secret, consecutive_failures, first_failure_at,
		       last_failure_at, auto_disabled_at, dedicated_worker_id, auth_config, created_at
		FROM delivery_subscriptions
		WHERE enabled
		  AND consecutive_failures >= $1
		  AND first_failure_at IS NOT NULL AND first_failure_at <= now() - $2::interval
		  AND last_failure_at IS NOT NULL AND last_failure_at >= now() - $3::interval
	`, minFailures, fmt.Sprintf("%d seconds", int(age.Seconds())), fmt.Sprintf("%d seconds", int(recentWindow.Seconds())))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Subscription
	for rows.Next() {
		sub, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// PostgresResponseStore persists terminal response rows.
type PostgresResponseStore struct {
	db *sql.DB
}

func NewPostgresResponseStore(db *sql.DB) *PostgresResponseStore { return &PostgresResponseStore{db: db} }

func (s *PostgresResponseStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS delivery_responses (
			id           UUID PRIMARY KEY,
			attempt_id   UUID NOT NULL,
			error_kind   TEXT,
			status       INT NOT NULL DEFAULT 0,
			headers      JSONB,
			body         BYTEA,
			body_ref     TEXT,
			truncated    BOOLEAN NOT NULL DEFAULT false,
			elapsed_ms   BIGINT NOT NULL DEFAULT 0,
			recorded_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	return err
}

func (s *PostgresResponseStore) Create(ctx context.Context, r *Response) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_responses (id, attempt_id, error_kind, status, headers, body, body_ref, truncated, elapsed_ms, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, r.ID, r.AttemptID, string(r.ErrorKind), r.Status, headersJSON(r.Headers), nullBytes(r.Body), nullString(r.BodyRef), r.Truncated, r.ElapsedMS, r.RecordedAt)
	return err
}

func (s *PostgresResponseStore) Get(ctx context.Context, id string) (*Response, error) {
	r := &Response{}
	var errorKind string
	var headers []byte
	var bodyRef sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, attempt_id, error_kind, status, headers, body, body_ref, truncated, elapsed_ms, recorded_at
		FROM delivery_responses WHERE id = $1
	`, id).Scan(&r.ID, &r.AttemptID, &errorKind, &r.Status, &headers, &r.Body, &bodyRef, &r.Truncated, &r.ElapsedMS, &r.RecordedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, err
	}
	r.ErrorKind = ErrorKind(errorKind)
	r.BodyRef = bodyRef.String
	if len(headers) > 0 {
		_ = json.Unmarshal(headers, &r.Headers)
	}
	return r, nil
}

// PostgresNotificationStore backs the health monitor's idempotent
// per-day notification sends.
type PostgresNotificationStore struct {
	db *sql.DB
}

func NewPostgresNotificationStore(db *sql.DB) *PostgresNotificationStore {
	return &PostgresNotificationStore{db: db}
}

func (s *PostgresNotificationStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS delivery_health_notifications (
			subscription_id UUID NOT NULL,
			notif_type      TEXT NOT NULL,
			day             DATE NOT NULL,
			sent_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (subscription_id, notif_type, day)
		);
	`)
	return err
}

func (s *PostgresNotificationStore) TryRecordSent(ctx context.Context, subscriptionID, notifType string, day time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_health_notifications (subscription_id, notif_type, day)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, subscriptionID, notifType, day.Format("2006-01-02"))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// PostgresTokenCacheStore persists OAuth2 tokens, sealed at rest.
type PostgresTokenCacheStore struct {
	db  *sql.DB
	enc *cryptutil.StorageEncryption
}

func NewPostgresTokenCacheStore(db *sql.DB, enc *cryptutil.StorageEncryption) *PostgresTokenCacheStore {
	return &PostgresTokenCacheStore{db: db, enc: enc}
}

func (s *PostgresTokenCacheStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS delivery_oauth2_tokens (
			config_key TEXT PRIMARY KEY,
			sealed     BYTEA NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);
	`)
	return err
}

func (s *PostgresTokenCacheStore) Get(ctx context.Context, configKey string) (*CachedToken, error) {
	var sealed []byte
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, `SELECT sealed, expires_at FROM delivery_oauth2_tokens WHERE config_key = $1`, configKey).Scan(&sealed, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	plain, err := s.enc.Decrypt(sealed)
	if err != nil {
		return nil, err
	}
	defer cryptutil.Zero(plain)
	var tok CachedToken
	if err := json.Unmarshal(plain, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

func (s *PostgresTokenCacheStore) Put(ctx context.Context, configKey string, tok *CachedToken) error {
	plain, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	defer cryptutil.Zero(plain)
	sealed, err := s.enc.Encrypt(plain)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO delivery_oauth2_tokens (config_key, sealed, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (config_key) DO UPDATE SET sealed = EXCLUDED.sealed, expires_at = EXCLUDED.expires_at
	`, configKey, sealed, tok.ExpiresAt)
	return err
}

// PostgresAuditSink persists the authenticator's credential-resolution
// audit log.
type PostgresAuditSink struct {
	db *sql.DB
}

func NewPostgresAuditSink(db *sql.DB) *PostgresAuditSink { return &PostgresAuditSink{db: db} }

func (s *PostgresAuditSink) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS delivery_auth_audit_log (
			id              BIGSERIAL PRIMARY KEY,
			subscription_id UUID NOT NULL,
			kind            TEXT NOT NULL,
			outcome         TEXT NOT NULL,
			at              TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS delivery_auth_audit_log_sub_idx ON delivery_auth_audit_log (subscription_id, at DESC);
	`)
	return err
}

func (s *PostgresAuditSink) RecordAuth(ctx context.Context, subscriptionID string, kind AuthProviderKind, outcome string) {
	_, _ = s.db.ExecContext(ctx, `
		INSERT INTO delivery_auth_audit_log (subscription_id, kind, outcome) VALUES ($1, $2, $3)
	`, subscriptionID, string(kind), outcome)
}

func marshalHeaders(h map[string]string) ([]byte, error) { return json.Marshal(h) }

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
