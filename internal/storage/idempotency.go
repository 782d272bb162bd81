package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ClaimIdempotencyKeyTx reserves key for an operation inside the mutating
// transaction. Returns (nil, true) when the claim is fresh. When the key was
// already used the stored response is returned so the handler can replay it
// byte for byte.
func (db *DB) ClaimIdempotencyKeyTx(ctx context.Context, tx pgx.Tx, key, operation string) (stored []byte, fresh bool, err error) {
	tag, err := tx.Exec(ctx,
		`INSERT INTO idempotency_keys (key, operation, created_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (key) DO NOTHING`, key, operation)
	if err != nil {
		return nil, false, fmt.Errorf("storage: claim idempotency key: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil, true, nil
	}

	var response []byte
	err = tx.QueryRow(ctx,
		`SELECT response FROM idempotency_keys WHERE key = $1`, key).Scan(&response)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, ErrNotFound
		}
		return nil, false, fmt.Errorf("storage: load idempotent response: %w", err)
	}
	return response, false, nil
}

// StoreIdempotentResponseTx saves the canonical response for a claimed key.
func (db *DB) StoreIdempotentResponseTx(ctx context.Context, tx pgx.Tx, key string, response any) error {
	body, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("storage: marshal idempotent response: %w", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE idempotency_keys SET response = $2::jsonb WHERE key = $1`, key, body)
	if err != nil {
		return fmt.Errorf("storage: store idempotent response: %w", err)
	}
	return nil
}

// PurgeIdempotencyKeys trims keys older than the given number of days.
func (db *DB) PurgeIdempotencyKeys(ctx context.Context, olderThanDays int) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE created_at < now() - ($1 * interval '1 day')`, olderThanDays)
	if err != nil {
		return 0, fmt.Errorf("storage: purge idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
