package delivery

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mbd888/hookrelay/internal/pagination"
)

// PostgresAttemptQueue implements AttemptQueue over a relational schema
// using `SELECT ... FOR UPDATE SKIP LOCKED` to claim at most one pickable
// attempt per call without a dedicated broker.
type PostgresAttemptQueue struct {
	db *sql.DB
}

func NewPostgresAttemptQueue(db *sql.DB) *PostgresAttemptQueue {
	return &PostgresAttemptQueue{db: db}
}

func (q *PostgresAttemptQueue) Migrate(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS delivery_attempts (
			id               UUID PRIMARY KEY,
			event_id         UUID NOT NULL,
			subscription_id  UUID NOT NULL,
			retry_count      INT NOT NULL DEFAULT 0,
			delay_until      TIMESTAMPTZ,
			picked_at        TIMESTAMPTZ,
			succeeded_at     TIMESTAMPTZ,
			failed_at        TIMESTAMPTZ,
			worker_name      TEXT,
			worker_version   TEXT,
			response_id      UUID,
			payload          BYTEA,
			payload_ref      TEXT,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS delivery_attempts_pickable_idx
			ON delivery_attempts (created_at)
			WHERE succeeded_at IS NULL AND failed_at IS NULL AND picked_at IS NULL;

		CREATE TABLE IF NOT EXISTS delivery_fifo_state (
			subscription_id          UUID PRIMARY KEY,
			current_attempt_id       UUID,
			last_completed_event_at  TIMESTAMPTZ,
			updated_at               TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	return err
}

func (q *PostgresAttemptQueue) Enqueue(ctx context.Context, eventID, subscriptionID string, payload []byte, payloadRef string) (*Attempt, error) {
	a := &Attempt{
		ID:             uuid.NewString(),
		EventID:        eventID,
		SubscriptionID: subscriptionID,
		Payload:        payload,
		PayloadRef:     payloadRef,
		CreatedAt:      time.Now(),
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO delivery_attempts (id, event_id, subscription_id, retry_count, payload, payload_ref, created_at)
		VALUES ($1, $2, $3, 0, $4, $5, $6)
	`, a.ID, a.EventID, a.SubscriptionID, nullBytes(payload), nullString(payloadRef), a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("delivery: enqueue attempt: %w", err)
	}
	return a, nil
}

// ListAttempts returns up to limit attempts for a subscription, newest
// first, for the history API. cur positions the page after the previously
// returned page; pass nil for the first page.
func (q *PostgresAttemptQueue) ListAttempts(ctx context.Context, subscriptionID string, cur *pagination.Cursor, limit int) ([]*Attempt, error) {
	query := `
		SELECT id, event_id, subscription_id, retry_count, picked_at, succeeded_at,
		       failed_at, worker_name, worker_version, response_id, payload_ref, created_at
		FROM delivery_attempts
		WHERE subscription_id = $1`
	args := []any{subscriptionID}
	if cur != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)+1, len(args)+2)
		args = append(args, cur.CreatedAt, cur.ID)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("delivery: list attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var attempts []*Attempt
	for rows.Next() {
		a := &Attempt{}
		var workerName, workerVersion, payloadRef sql.NullString
		var responseID sql.NullString
		if err := rows.Scan(&a.ID, &a.EventID, &a.SubscriptionID, &a.RetryCount, &a.PickedAt,
			&a.SucceededAt, &a.FailedAt, &workerName, &workerVersion, &responseID, &payloadRef, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("delivery: scan attempt: %w", err)
		}
		a.WorkerName = workerName.String
		a.WorkerVersion = workerVersion.String
		a.PayloadRef = payloadRef.String
		if responseID.Valid {
			a.ResponseID = &responseID.String
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// ClaimNext atomically claims the oldest pickable attempt for scope. The
// public/private WHERE clauses mirror pg.rs's two query variants: public
// workers skip any subscription pinned to a dedicated worker, private
// workers require the pin to match.
func (q *PostgresAttemptQueue) ClaimNext(ctx context.Context, scope WorkerScope, workerName, workerVersion string) (*Attempt, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		query string
		args  []any
	)
	if scope.IsPublic() {
		query = `
			SELECT ra.id, ra.event_id, ra.subscription_id, ra.retry_count, ra.payload, ra.payload_ref, ra.created_at
			FROM delivery_attempts ra
			INNER JOIN delivery_subscriptions s ON s.id = ra.subscription_id
			WHERE ra.succeeded_at IS NULL
			  AND ra.failed_at IS NULL
			  AND ra.picked_at IS NULL
			  AND s.enabled
			  AND (ra.delay_until IS NULL OR ra.delay_until <= statement_timestamp())
			  AND s.dedicated_worker_id IS NULL
			  AND (s.fifo = false OR NOT EXISTS (
				SELECT 1 FROM delivery_fifo_state fs
				WHERE fs.subscription_id = s.id AND fs.current_attempt_id IS NOT NULL AND fs.current_attempt_id <> ra.id
			  ))
			ORDER BY ra.created_at ASC
			LIMIT 1
			FOR UPDATE OF ra SKIP LOCKED
		`
	} else {
		query = `
			SELECT ra.id, ra.event_id, ra.subscription_id, ra.retry_count, ra.payload, ra.payload_ref, ra.created_at
			FROM delivery_attempts ra
			INNER JOIN delivery_subscriptions s ON s.id = ra.subscription_id
			WHERE ra.succeeded_at IS NULL
			  AND ra.failed_at IS NULL
			  AND ra.picked_at IS NULL
			  AND s.enabled
			  AND (ra.delay_until IS NULL OR ra.delay_until <= statement_timestamp())
			  AND s.dedicated_worker_id = $1
			  AND (s.fifo = false OR NOT EXISTS (
				SELECT 1 FROM delivery_fifo_state fs
				WHERE fs.subscription_id = s.id AND fs.current_attempt_id IS NOT NULL AND fs.current_attempt_id <> ra.id
			  ))
			ORDER BY ra.created_at ASC
			LIMIT 1
			FOR UPDATE OF ra SKIP LOCKED
		`
		args = append(args, scope.DedicatedWorkerID)
	}

	row := tx.QueryRowContext(ctx, query, args...)
	a := &Attempt{}
	var payload []byte
	var payloadRef sql.NullString
	if err := row.Scan(&a.ID, &a.EventID, &a.SubscriptionID, &a.RetryCount, &payload, &payloadRef, &a.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNoAttemptToClaim
		}
		return nil, err
	}
	a.Payload = payload
	a.PayloadRef = payloadRef.String

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE delivery_attempts SET picked_at = $1, worker_name = $2, worker_version = $3 WHERE id = $4
	`, now, workerName, workerVersion, a.ID); err != nil {
		return nil, err
	}
	a.PickedAt = &now
	a.WorkerName = workerName
	a.WorkerVersion = workerVersion

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO delivery_fifo_state (subscription_id, current_attempt_id, updated_at)
		SELECT $1, $2, $3 FROM delivery_subscriptions WHERE id = $1 AND fifo = true
		ON CONFLICT (subscription_id) DO UPDATE SET current_attempt_id = EXCLUDED.current_attempt_id, updated_at = EXCLUDED.updated_at
	`, a.SubscriptionID, a.ID, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return a, nil
}

func (q *PostgresAttemptQueue) RecordOutcome(ctx context.Context, attemptID string, outcome Outcome) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var a Attempt
	var payload []byte
	var payloadRef sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT event_id, subscription_id, retry_count, payload, payload_ref
		FROM delivery_attempts WHERE id = $1 FOR UPDATE
	`, attemptID).Scan(&a.EventID, &a.SubscriptionID, &a.RetryCount, &payload, &payloadRef)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrAttemptNotFound
		}
		return err
	}
	a.Payload, a.PayloadRef = payload, payloadRef.String

	resp := outcome.Response
	if resp.ID == "" {
		resp.ID = uuid.NewString()
	}
	now := time.Now()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO delivery_responses (id, attempt_id, error_kind, status, headers, body, body_ref, truncated, elapsed_ms, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, resp.ID, attemptID, string(resp.ErrorKind), resp.Status, headersJSON(resp.Headers), nullBytes(resp.Body), nullString(resp.BodyRef), resp.Truncated, resp.ElapsedMS, now); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE delivery_attempts SET response_id = $1 WHERE id = $2`, resp.ID, attemptID); err != nil {
		return err
	}

	isFIFO, err := q.isFIFO(ctx, tx, a.SubscriptionID)
	if err != nil {
		return err
	}

	if resp.Success() {
		if _, err := tx.ExecContext(ctx, `UPDATE delivery_attempts SET succeeded_at = $1 WHERE id = $2`, now, attemptID); err != nil {
			return err
		}
		if isFIFO {
			var eventOccurredAt time.Time
			_ = tx.QueryRowContext(ctx, `SELECT occurred_at FROM delivery_events WHERE id = $1`, a.EventID).Scan(&eventOccurredAt)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO delivery_fifo_state (subscription_id, current_attempt_id, last_completed_event_at, updated_at)
				VALUES ($1, NULL, $2, $3)
				ON CONFLICT (subscription_id) DO UPDATE SET current_attempt_id = NULL, last_completed_event_at = $2, updated_at = $3
			`, a.SubscriptionID, eventOccurredAt, now); err != nil {
				return err
			}
		}
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE delivery_attempts SET failed_at = $1 WHERE id = $2`, now, attemptID); err != nil {
			return err
		}

		var successorID string
		if outcome.NextDelay != nil {
			successorID = uuid.NewString()
			delayUntil := now.Add(*outcome.NextDelay)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO delivery_attempts (id, event_id, subscription_id, retry_count, delay_until, payload, payload_ref, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, successorID, a.EventID, a.SubscriptionID, a.RetryCount+1, delayUntil, nullBytes(a.Payload), nullString(a.PayloadRef), now); err != nil {
				return err
			}
		}

		if isFIFO {
			if successorID != "" {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO delivery_fifo_state (subscription_id, current_attempt_id, updated_at)
					VALUES ($1, $2, $3)
					ON CONFLICT (subscription_id) DO UPDATE SET current_attempt_id = $2, updated_at = $3
				`, a.SubscriptionID, successorID, now); err != nil {
					return err
				}
			} else {
				// Giving up releases the FIFO slot (Open Question 1 decision):
				// the next queued event for this subscription may proceed.
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO delivery_fifo_state (subscription_id, current_attempt_id, updated_at)
					VALUES ($1, NULL, $2)
					ON CONFLICT (subscription_id) DO UPDATE SET current_attempt_id = NULL, updated_at = $2
				`, a.SubscriptionID, now); err != nil {
					return err
				}
			}
		}
	}

	return tx.Commit()
}

func (q *PostgresAttemptQueue) isFIFO(ctx context.Context, tx *sql.Tx, subscriptionID string) (bool, error) {
	var fifo bool
	err := tx.QueryRowContext(ctx, `SELECT fifo FROM delivery_subscriptions WHERE id = $1`, subscriptionID).Scan(&fifo)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return fifo, err
}

func (q *PostgresAttemptQueue) GetFIFOState(ctx context.Context, subscriptionID string) (*FIFOState, error) {
	s := &FIFOState{SubscriptionID: subscriptionID}
	var currentAttemptID sql.NullString
	var lastCompleted sql.NullTime
	err := q.db.QueryRowContext(ctx, `
		SELECT current_attempt_id, last_completed_event_at, updated_at
		FROM delivery_fifo_state WHERE subscription_id = $1
	`, subscriptionID).Scan(&currentAttemptID, &lastCompleted, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if currentAttemptID.Valid {
		s.CurrentAttemptID = &currentAttemptID.String
	}
	if lastCompleted.Valid {
		s.LastCompletedEventAt = &lastCompleted.Time
	}
	return s, nil
}

// SweepOrphanedFIFO clears FIFO slots whose current attempt has been
// picked for longer than orphanThreshold without terminalizing, e.g. a
// worker process crashed mid-delivery.
func (q *PostgresAttemptQueue) SweepOrphanedFIFO(ctx context.Context, orphanThreshold time.Duration, batchSize int) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE delivery_fifo_state fs
		SET current_attempt_id = NULL, updated_at = now()
		WHERE fs.current_attempt_id IN (
			SELECT fs2.current_attempt_id FROM delivery_fifo_state fs2
			INNER JOIN delivery_attempts ra ON ra.id = fs2.current_attempt_id
			WHERE fs2.current_attempt_id IS NOT NULL
			  AND ra.picked_at IS NOT NULL
			  AND ra.picked_at < $1
			  AND ra.succeeded_at IS NULL
			  AND ra.failed_at IS NULL
			LIMIT $2
		)
	`, time.Now().Add(-orphanThreshold), batchSize)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func headersJSON(h map[string]string) []byte {
	if len(h) == 0 {
		return nil
	}
	b, _ := marshalHeaders(h)
	return b
}

func nullBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
