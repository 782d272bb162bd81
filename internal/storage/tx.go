package storage

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// WithTx runs fn inside a serializable transaction, committing on nil and
// rolling back on error. Serialization failures are surfaced to the caller
// (wrap with WithRetry for automatic retry).
func (db *DB) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit tx: %w", err)
	}
	return nil
}

// AdvisoryLockKey derives the 64-bit advisory lock key from opaque key bytes.
// FNV-1a keeps the mapping stable across releases; collisions only cost
// spurious serialization, never correctness.
func AdvisoryLockKey(key []byte) int64 {
	h := fnv.New64a()
	_, _ = h.Write(key)
	return int64(h.Sum64()) //nolint:gosec // intentional wrap: advisory lock keys are signed 64-bit
}

// AdvisoryLock acquires a transaction-scoped exclusive advisory lock on the
// hash of key, waiting at most timeout. The lock is released automatically
// on commit or rollback. Returns ErrAdvisoryLockTimeout when the wait budget
// is exhausted (SQLSTATE 55P03).
func AdvisoryLock(ctx context.Context, tx pgx.Tx, key []byte, timeout time.Duration) error {
	ms := timeout.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	// lock_timeout is transaction-local via set_config(..., true), so it
	// does not leak into later statements of the same session.
	if _, err := tx.Exec(ctx,
		`SELECT set_config('lock_timeout', $1, true)`, fmt.Sprintf("%dms", ms),
	); err != nil {
		return fmt.Errorf("storage: set lock_timeout: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, AdvisoryLockKey(key)); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "55P03" {
			return ErrAdvisoryLockTimeout
		}
		return fmt.Errorf("storage: advisory lock: %w", err)
	}

	// Reset so subsequent statements in the transaction wait normally.
	if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', '0', true)`); err != nil {
		return fmt.Errorf("storage: reset lock_timeout: %w", err)
	}
	return nil
}

// BranchLockKey builds the advisory-lock key bytes for a branch, used by the
// write discipline (BEGIN → advisory lock on branch → read → write → outbox →
// audit → COMMIT).
func BranchLockKey(branch string) []byte {
	return []byte("ramus:branch:" + branch)
}
