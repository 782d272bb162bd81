package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ramus-io/ramus/internal/model"
)

const auditColumns = `id, event_id, action, actor_id, actor_roles, target_kind, target_id,
	branch, success, error_code, duration_ms, changes, metadata, content_hash, time`

// InsertAuditTx appends one audit record inside the mutating transaction so
// the trail and the change commit or roll back together. event_id uniqueness
// keeps transaction retries from double-writing.
func (db *DB) InsertAuditTx(ctx context.Context, tx pgx.Tx, rec model.AuditRecord) error {
	changes, err := json.Marshal(rec.Changes)
	if err != nil {
		return fmt.Errorf("storage: marshal audit changes: %w", err)
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("storage: marshal audit metadata: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO audit_events
		     (event_id, action, actor_id, actor_roles, target_kind, target_id, branch,
		      success, error_code, duration_ms, changes, metadata, content_hash, time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12::jsonb, $13, $14)
		 ON CONFLICT (event_id) DO NOTHING`,
		rec.EventID, rec.Action, rec.ActorID, rec.ActorRoles, rec.TargetKind,
		rec.TargetID, rec.Branch, rec.Success, rec.ErrorCode, rec.DurationMS,
		changes, meta, rec.ContentHash, rec.Time,
	)
	if err != nil {
		return fmt.Errorf("storage: insert audit: %w", err)
	}
	return nil
}

// InsertAudit is InsertAuditTx in its own transaction, for failure-path
// records that have no surrounding business transaction.
func (db *DB) InsertAudit(ctx context.Context, rec model.AuditRecord) error {
	return db.WithTx(ctx, func(tx pgx.Tx) error {
		return db.InsertAuditTx(ctx, tx, rec)
	})
}

// AuditQuery filters ListAudit. Zero values mean no filter.
type AuditQuery struct {
	ActorID    string
	Action     string
	TargetKind string
	TargetID   string
	Branch     string
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

// ListAudit pages the audit trail newest first under the given filters.
func (db *DB) ListAudit(ctx context.Context, q AuditQuery) ([]model.AuditRecord, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	where := `WHERE ($1 = '' OR actor_id = $1)
	       AND ($2 = '' OR action = $2)
	       AND ($3 = '' OR target_kind = $3)
	       AND ($4 = '' OR target_id = $4)
	       AND ($5 = '' OR branch = $5)
	       AND ($6::timestamptz IS NULL OR time >= $6)
	       AND ($7::timestamptz IS NULL OR time <= $7)`
	var since, until *time.Time
	if !q.Since.IsZero() {
		since = &q.Since
	}
	if !q.Until.IsZero() {
		until = &q.Until
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+auditColumns+` FROM audit_events `+where+`
		 ORDER BY id DESC LIMIT $8 OFFSET $9`,
		q.ActorID, q.Action, q.TargetKind, q.TargetID, q.Branch, since, until,
		q.Limit, q.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit: %w", err)
	}
	defer rows.Close()
	return scanAuditRecords(rows)
}

// ListAuditRange returns records with id in (afterID, throughID], oldest
// first. The integrity verifier walks the trail in these contiguous windows.
func (db *DB) ListAuditRange(ctx context.Context, afterID, throughID int64) ([]model.AuditRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+auditColumns+` FROM audit_events
		 WHERE id > $1 AND id <= $2 ORDER BY id ASC`, afterID, throughID)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit range: %w", err)
	}
	defer rows.Close()
	return scanAuditRecords(rows)
}

// GetAudit fetches one audit record by id.
func (db *DB) GetAudit(ctx context.Context, id int64) (model.AuditRecord, error) {
	recs, err := db.ListAuditRange(ctx, id-1, id)
	if err != nil {
		return model.AuditRecord{}, err
	}
	if len(recs) == 0 {
		return model.AuditRecord{}, ErrNotFound
	}
	return recs[0], nil
}

// MaxAuditID returns the highest audit row id, or 0 on an empty trail.
func (db *DB) MaxAuditID(ctx context.Context) (int64, error) {
	var id int64
	err := db.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM audit_events`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("storage: max audit id: %w", err)
	}
	return id, nil
}

// InsertAuditCheckpoint records a sealed Merkle root over (after_id, through_id].
func (db *DB) InsertAuditCheckpoint(ctx context.Context, afterID, throughID int64, rootHash string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO audit_checkpoints (after_id, through_id, root_hash, sealed_at)
		 VALUES ($1, $2, $3, now())`, afterID, throughID, rootHash)
	if err != nil {
		return fmt.Errorf("storage: insert audit checkpoint: %w", err)
	}
	return nil
}

// AuditCheckpoint is a sealed integrity anchor over a window of the trail.
type AuditCheckpoint struct {
	ID        int64     `json:"id"`
	AfterID   int64     `json:"after_id"`
	ThroughID int64     `json:"through_id"`
	RootHash  string    `json:"root_hash"`
	SealedAt  time.Time `json:"sealed_at"`
}

// LatestAuditCheckpoint returns the most recent checkpoint, or ErrNotFound
// when no window has been sealed yet.
func (db *DB) LatestAuditCheckpoint(ctx context.Context) (AuditCheckpoint, error) {
	var cp AuditCheckpoint
	err := db.pool.QueryRow(ctx,
		`SELECT id, after_id, through_id, root_hash, sealed_at
		 FROM audit_checkpoints ORDER BY through_id DESC LIMIT 1`).
		Scan(&cp.ID, &cp.AfterID, &cp.ThroughID, &cp.RootHash, &cp.SealedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AuditCheckpoint{}, ErrNotFound
		}
		return AuditCheckpoint{}, fmt.Errorf("storage: latest audit checkpoint: %w", err)
	}
	return cp, nil
}

// ListAuditCheckpoints returns all sealed checkpoints in window order.
func (db *DB) ListAuditCheckpoints(ctx context.Context) ([]AuditCheckpoint, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, after_id, through_id, root_hash, sealed_at
		 FROM audit_checkpoints ORDER BY through_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []AuditCheckpoint
	for rows.Next() {
		var cp AuditCheckpoint
		if err := rows.Scan(&cp.ID, &cp.AfterID, &cp.ThroughID, &cp.RootHash, &cp.SealedAt); err != nil {
			return nil, fmt.Errorf("storage: scan audit checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// PurgeAudit deletes records older than retention, but never rows inside an
// unsealed window: only records at or below the latest checkpoint are
// eligible, so integrity verification stays possible for everything kept.
func (db *DB) PurgeAudit(ctx context.Context, retention time.Duration) (int64, error) {
	cp, err := db.LatestAuditCheckpoint(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM audit_events
		 WHERE id <= $1 AND time < now() - ($2 * interval '1 second')`,
		cp.ThroughID, int64(retention.Seconds()),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: purge audit: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanAuditRecords(rows pgx.Rows) ([]model.AuditRecord, error) {
	var recs []model.AuditRecord
	for rows.Next() {
		var (
			rec     model.AuditRecord
			changes []byte
			meta    []byte
		)
		if err := rows.Scan(
			&rec.ID, &rec.EventID, &rec.Action, &rec.ActorID, &rec.ActorRoles,
			&rec.TargetKind, &rec.TargetID, &rec.Branch, &rec.Success, &rec.ErrorCode,
			&rec.DurationMS, &changes, &meta, &rec.ContentHash, &rec.Time,
		); err != nil {
			return nil, fmt.Errorf("storage: scan audit record: %w", err)
		}
		if len(changes) > 0 {
			if err := json.Unmarshal(changes, &rec.Changes); err != nil {
				return nil, fmt.Errorf("storage: unmarshal audit changes: %w", err)
			}
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("storage: unmarshal audit metadata: %w", err)
			}
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
