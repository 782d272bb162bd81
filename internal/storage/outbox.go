package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ramus-io/ramus/internal/model"
)

const outboxColumns = `id, event_id, event_type, subject, payload, correlation_id,
	idempotency_key, status, retry_count, max_retries, next_retry_at, last_error,
	created_at, published_at`

// InsertOutboxTx enqueues an event in the same transaction as the business
// change it describes. The event_id uniqueness makes retried transactions
// idempotent: a replay inserts nothing.
func (db *DB) InsertOutboxTx(ctx context.Context, tx pgx.Tx, rec model.OutboxRecord) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO outbox_events
		     (event_id, event_type, subject, payload, correlation_id, idempotency_key,
		      status, retry_count, max_retries, created_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6, 'pending', 0, $7, now())
		 ON CONFLICT (event_id) DO NOTHING`,
		rec.EventID, rec.Type, rec.Subject, rec.Payload, rec.CorrelationID,
		rec.IdempotencyKey, rec.MaxRetries,
	)
	if err != nil {
		return fmt.Errorf("storage: insert outbox: %w", err)
	}
	return nil
}

// ClaimPendingOutbox moves up to limit deliverable records to processing and
// returns them: pending records plus failed ones whose retry is due and whose
// budget is not exhausted. FOR UPDATE SKIP LOCKED lets concurrent dispatchers
// claim disjoint batches without blocking each other.
func (db *DB) ClaimPendingOutbox(ctx context.Context, limit int) ([]model.OutboxRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`UPDATE outbox_events SET status = 'processing', claimed_at = now()
		 WHERE id IN (
		     SELECT id FROM outbox_events
		     WHERE status = 'pending'
		        OR (status = 'failed' AND next_retry_at <= now() AND retry_count < max_retries)
		     ORDER BY id
		     LIMIT $1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+outboxColumns, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: claim outbox: %w", err)
	}
	defer rows.Close()
	return scanOutboxRecords(rows)
}

// MarkOutboxPublished finalizes a delivered record.
func (db *DB) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE outbox_events SET status = 'published', published_at = now(), last_error = NULL
		 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: mark outbox published: %w", err)
	}
	return nil
}

// MarkOutboxFailed records a delivery failure. Records with retries left go
// to failed with an exponential next_retry_at (base doubled per attempt,
// capped at maxBackoff, jitter added by the dispatcher's poll cadence);
// exhausted records move to the dead-letter store with the original envelope
// and the last error. Reports whether the record just dead-lettered so the
// dispatcher can count it exactly once.
func (db *DB) MarkOutboxFailed(ctx context.Context, id int64, cause string, baseBackoff, maxBackoff time.Duration) (deadLettered bool, err error) {
	err = db.WithTx(ctx, func(tx pgx.Tx) error {
		var retryCount, maxRetries int
		scanErr := tx.QueryRow(ctx,
			`UPDATE outbox_events
			 SET status = 'failed',
			     retry_count = retry_count + 1,
			     last_error = $2,
			     next_retry_at = now() + LEAST($3 * POWER(2, retry_count), $4) * interval '1 millisecond'
			 WHERE id = $1
			 RETURNING retry_count, max_retries`,
			id, cause, baseBackoff.Milliseconds(), maxBackoff.Milliseconds(),
		).Scan(&retryCount, &maxRetries)
		if scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("storage: mark outbox failed: %w", scanErr)
		}
		if retryCount < maxRetries {
			return nil
		}
		deadLettered = true
		return db.moveToDeadLetterTx(ctx, tx, id, cause)
	})
	return deadLettered, err
}

func (db *DB) moveToDeadLetterTx(ctx context.Context, tx pgx.Tx, id int64, cause string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO outbox_dead_letters
		     (event_id, event_type, subject, payload, correlation_id, retry_count, last_error, created_at, dead_lettered_at)
		 SELECT event_id, event_type, subject, payload, correlation_id, retry_count, $2, created_at, now()
		 FROM outbox_events WHERE id = $1
		 ON CONFLICT (event_id) DO NOTHING`, id, cause)
	if err != nil {
		return fmt.Errorf("storage: move to dead letter: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM outbox_events WHERE id = $1`, id); err != nil {
		return fmt.Errorf("storage: remove dead-lettered record: %w", err)
	}
	return nil
}

// ExpireStaleOutbox dead-letters undelivered records older than maxAge.
// Events that old are no longer worth delivering; consumers must reconcile
// instead. Returns the number moved.
func (db *DB) ExpireStaleOutbox(ctx context.Context, maxAge time.Duration) (int64, error) {
	var moved int64
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT id FROM outbox_events
			 WHERE status IN ('pending', 'failed')
			   AND created_at < now() - ($1 * interval '1 second')`,
			int64(maxAge.Seconds()))
		if err != nil {
			return fmt.Errorf("storage: list stale outbox: %w", err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("storage: scan stale outbox id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range ids {
			if err := db.moveToDeadLetterTx(ctx, tx, id, "event age exceeded delivery window"); err != nil {
				return err
			}
		}
		moved = int64(len(ids))
		return nil
	})
	return moved, err
}

// RecoverStuckOutbox returns processing records whose claim is older than
// staleAfter to pending. Covers a dispatcher that died mid-batch; keying off
// the claim time keeps freshly claimed records out of a second delivery.
func (db *DB) RecoverStuckOutbox(ctx context.Context, staleAfter time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE outbox_events SET status = 'pending', claimed_at = NULL
		 WHERE status = 'processing'
		   AND COALESCE(claimed_at, created_at) < now() - ($1 * interval '1 second')`,
		int64(staleAfter.Seconds()),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: recover stuck outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeadLetter is one record in the dead-letter store.
type DeadLetter struct {
	ID             int64     `json:"id"`
	EventID        string    `json:"event_id"`
	Type           string    `json:"event_type"`
	Subject        string    `json:"subject"`
	Payload        []byte    `json:"payload"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	RetryCount     int       `json:"retry_count"`
	LastError      string    `json:"last_error"`
	CreatedAt      time.Time `json:"created_at"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// ListDeadLetters pages the dead-letter store, newest first.
func (db *DB) ListDeadLetters(ctx context.Context, limit, offset int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, event_id, event_type, subject, payload, correlation_id,
		        retry_count, last_error, created_at, dead_lettered_at
		 FROM outbox_dead_letters
		 ORDER BY dead_lettered_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("storage: list dead letters: %w", err)
	}
	defer rows.Close()

	var dls []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		if err := rows.Scan(&dl.ID, &dl.EventID, &dl.Type, &dl.Subject, &dl.Payload,
			&dl.CorrelationID, &dl.RetryCount, &dl.LastError, &dl.CreatedAt,
			&dl.DeadLetteredAt); err != nil {
			return nil, fmt.Errorf("storage: scan dead letter: %w", err)
		}
		dls = append(dls, dl)
	}
	return dls, rows.Err()
}

// RequeueDeadLetter puts a dead-lettered event back in the outbox with a
// fresh retry budget. Operator action after the downstream outage is fixed.
func (db *DB) RequeueDeadLetter(ctx context.Context, id int64, maxRetries int) error {
	return db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO outbox_events
			     (event_id, event_type, subject, payload, correlation_id,
			      status, retry_count, max_retries, created_at)
			 SELECT event_id, event_type, subject, payload, correlation_id,
			        'pending', 0, $2, now()
			 FROM outbox_dead_letters WHERE id = $1
			 ON CONFLICT (event_id) DO NOTHING`, id, maxRetries)
		if err != nil {
			return fmt.Errorf("storage: requeue dead letter: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM outbox_dead_letters WHERE id = $1`, id); err != nil {
			return fmt.Errorf("storage: remove requeued dead letter: %w", err)
		}
		return nil
	})
}

// PurgePublishedOutbox deletes delivered records older than retention.
func (db *DB) PurgePublishedOutbox(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM outbox_events
		 WHERE status = 'published' AND published_at < now() - ($1 * interval '1 second')`,
		int64(retention.Seconds()),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: purge published outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OutboxDepth reports undelivered and dead-lettered counts for metrics.
func (db *DB) OutboxDepth(ctx context.Context) (pending, deadLettered int64, err error) {
	err = db.pool.QueryRow(ctx,
		`SELECT
		     (SELECT COUNT(*) FROM outbox_events WHERE status IN ('pending', 'processing', 'failed')),
		     (SELECT COUNT(*) FROM outbox_dead_letters)`).Scan(&pending, &deadLettered)
	if err != nil {
		return 0, 0, fmt.Errorf("storage: outbox depth: %w", err)
	}
	return pending, deadLettered, nil
}

func scanOutboxRecords(rows pgx.Rows) ([]model.OutboxRecord, error) {
	var recs []model.OutboxRecord
	for rows.Next() {
		var (
			rec    model.OutboxRecord
			status string
		)
		if err := rows.Scan(
			&rec.ID, &rec.EventID, &rec.Type, &rec.Subject, &rec.Payload,
			&rec.CorrelationID, &rec.IdempotencyKey, &status, &rec.RetryCount,
			&rec.MaxRetries, &rec.NextRetryAt, &rec.LastError, &rec.CreatedAt,
			&rec.PublishedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan outbox record: %w", err)
		}
		rec.Status = model.OutboxStatus(status)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
