package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ramus-io/ramus/internal/model"
)

const lockColumns = `id, branch, scope, resource_type, resource_id, lock_type, holder,
	acquired_at, expires_at, last_heartbeat, heartbeat_interval_s, heartbeat_source,
	auto_release, progress, released`

// InsertLockTx persists a newly acquired lock inside the acquisition
// transaction, so the conflict check and the insert are atomic under the
// branch advisory lock.
func (db *DB) InsertLockTx(ctx context.Context, tx pgx.Tx, l model.Lock) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO locks
		     (id, branch, scope, resource_type, resource_id, lock_type, holder,
		      acquired_at, expires_at, last_heartbeat, heartbeat_interval_s,
		      heartbeat_source, auto_release, progress, released)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, false)`,
		l.ID, l.Branch, string(l.Scope), l.ResourceType, l.ResourceID, string(l.Type),
		l.Holder, l.AcquiredAt, l.ExpiresAt, l.LastHeartbeat, l.HeartbeatIntervalS,
		l.HeartbeatSource, l.AutoRelease, l.Progress,
	)
	if err != nil {
		return fmt.Errorf("storage: insert lock: %w", err)
	}
	return nil
}

// GetLock fetches a lock row by id, released or not.
func (db *DB) GetLock(ctx context.Context, id uuid.UUID) (model.Lock, error) {
	return scanLock(db.pool.QueryRow(ctx,
		`SELECT `+lockColumns+` FROM locks WHERE id = $1`, id))
}

// ListActiveLocksTx returns the unreleased locks for a branch inside an
// open transaction. Expiry filtering is the lock manager's job: rows whose
// TTL or heartbeat grace has lapsed are still returned here.
func (db *DB) ListActiveLocksTx(ctx context.Context, tx pgx.Tx, branch string) ([]model.Lock, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+lockColumns+` FROM locks WHERE branch = $1 AND NOT released`, branch)
	if err != nil {
		return nil, fmt.Errorf("storage: list active locks: %w", err)
	}
	defer rows.Close()
	return scanLocks(rows)
}

// ListActiveLocks is ListActiveLocksTx without a surrounding transaction.
// An empty branch lists unreleased locks across all branches (lock admin).
func (db *DB) ListActiveLocks(ctx context.Context, branch string) ([]model.Lock, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if branch == "" {
		rows, err = db.pool.Query(ctx, `SELECT `+lockColumns+` FROM locks WHERE NOT released`)
	} else {
		rows, err = db.pool.Query(ctx,
			`SELECT `+lockColumns+` FROM locks WHERE branch = $1 AND NOT released`, branch)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: list active locks: %w", err)
	}
	defer rows.Close()
	return scanLocks(rows)
}

// ReleaseLockTx marks a lock released. Returns ErrNotFound when the row is
// missing or was already released (the caller maps this to GONE).
func (db *DB) ReleaseLockTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (model.Lock, error) {
	row := tx.QueryRow(ctx,
		`UPDATE locks SET released = true, released_at = now()
		 WHERE id = $1 AND NOT released
		 RETURNING `+lockColumns, id)
	l, err := scanLock(row)
	if err != nil {
		return model.Lock{}, err
	}
	l.Released = true
	return l, nil
}

// Heartbeat records holder liveness and optional progress on a lock.
func (db *DB) Heartbeat(ctx context.Context, id uuid.UUID, source string, progress *float64) (model.Lock, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE locks
		 SET last_heartbeat = now(), heartbeat_source = $2,
		     progress = COALESCE($3, progress)
		 WHERE id = $1 AND NOT released
		 RETURNING `+lockColumns, id, source, progress)
	return scanLock(row)
}

// ExtendLock pushes the expiry forward by extension. The new deadline is
// relative to the current expires_at, not to now, so repeated extensions
// accumulate predictably.
func (db *DB) ExtendLock(ctx context.Context, id uuid.UUID, extension time.Duration) (model.Lock, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE locks
		 SET expires_at = expires_at + ($2 * interval '1 second')
		 WHERE id = $1 AND NOT released
		 RETURNING `+lockColumns, id, int64(extension.Seconds()))
	return scanLock(row)
}

// ListSweepCandidates returns unreleased locks whose absolute TTL has passed
// or whose heartbeat grace window has lapsed. graceFactor mirrors the
// admission-side expiry rule so the sweeper and the gate agree.
func (db *DB) ListSweepCandidates(ctx context.Context, graceFactor int) ([]model.Lock, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+lockColumns+` FROM locks
		 WHERE NOT released
		   AND (expires_at <= now()
		        OR (heartbeat_interval_s IS NOT NULL
		            AND COALESCE(last_heartbeat, acquired_at)
		                < now() - (heartbeat_interval_s * $1 * interval '1 second')))`,
		graceFactor,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list sweep candidates: %w", err)
	}
	defer rows.Close()
	return scanLocks(rows)
}

// InsertLockAuditTx appends one lock_audit entry in the given transaction.
func (db *DB) InsertLockAuditTx(ctx context.Context, tx pgx.Tx, e model.LockAuditEntry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("storage: marshal lock audit metadata: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO lock_audit (lock_id, branch, scope, resource_type, resource_id, holder, action, time, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)`,
		e.LockID, e.Branch, string(e.Scope), e.ResourceType, e.ResourceID,
		e.Holder, string(e.Action), e.Time, meta,
	)
	if err != nil {
		return fmt.Errorf("storage: insert lock audit: %w", err)
	}
	return nil
}

// InsertLockAudit is InsertLockAuditTx in its own transaction, for paths
// (heartbeat, sweep) that do not already hold one.
func (db *DB) InsertLockAudit(ctx context.Context, e model.LockAuditEntry) error {
	return db.WithTx(ctx, func(tx pgx.Tx) error {
		return db.InsertLockAuditTx(ctx, tx, e)
	})
}

// ListLockAudit returns the audit trail for one lock, oldest first.
func (db *DB) ListLockAudit(ctx context.Context, lockID uuid.UUID, limit int) ([]model.LockAuditEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, lock_id, branch, scope, resource_type, resource_id, holder, action, time, metadata
		 FROM lock_audit WHERE lock_id = $1 ORDER BY time ASC LIMIT $2`,
		lockID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list lock audit: %w", err)
	}
	defer rows.Close()

	var entries []model.LockAuditEntry
	for rows.Next() {
		var (
			e      model.LockAuditEntry
			scope  string
			action string
			meta   []byte
		)
		if err := rows.Scan(&e.ID, &e.LockID, &e.Branch, &scope, &e.ResourceType,
			&e.ResourceID, &e.Holder, &action, &e.Time, &meta); err != nil {
			return nil, fmt.Errorf("storage: scan lock audit: %w", err)
		}
		e.Scope = model.LockScope(scope)
		e.Action = model.LockAuditAction(action)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("storage: unmarshal lock audit metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanLock(row pgx.Row) (model.Lock, error) {
	var (
		l     model.Lock
		scope string
		typ   string
	)
	err := row.Scan(
		&l.ID, &l.Branch, &scope, &l.ResourceType, &l.ResourceID, &typ, &l.Holder,
		&l.AcquiredAt, &l.ExpiresAt, &l.LastHeartbeat, &l.HeartbeatIntervalS,
		&l.HeartbeatSource, &l.AutoRelease, &l.Progress, &l.Released,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Lock{}, ErrNotFound
		}
		return model.Lock{}, fmt.Errorf("storage: scan lock: %w", err)
	}
	l.Scope = model.LockScope(scope)
	l.Type = model.LockType(typ)
	return l, nil
}

func scanLocks(rows pgx.Rows) ([]model.Lock, error) {
	var locks []model.Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}
