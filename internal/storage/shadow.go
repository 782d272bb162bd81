package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ramus-io/ramus/internal/model"
)

// ErrShadowInProgress is returned when a non-terminal shadow build already
// exists for the (branch, index_type) pair.
var ErrShadowInProgress = errors.New("storage: shadow build already in progress")

const shadowColumns = `id, branch, index_type, resource_types, state, progress_pct,
	estimated_completion_s, record_count, size_bytes, build_started_at,
	build_completed_at, current_path, shadow_path, failure_reason,
	switch_duration_ms, version`

// InsertShadowTx creates a shadow build row. A partial unique index on
// (branch, index_type) over non-terminal states enforces the single-build
// rule; violating it maps to ErrShadowInProgress.
func (db *DB) InsertShadowTx(ctx context.Context, tx pgx.Tx, s model.ShadowIndex) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO shadow_indexes
		     (id, branch, index_type, resource_types, state, progress_pct,
		      estimated_completion_s, record_count, size_bytes, build_started_at,
		      current_path, shadow_path, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1)`,
		s.ID, s.Branch, s.IndexType, s.ResourceTypes, string(s.State), s.ProgressPct,
		s.EstimatedCompletionS, s.RecordCount, s.SizeBytes, s.BuildStartedAt,
		s.CurrentPath, s.ShadowPath,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrShadowInProgress
		}
		return fmt.Errorf("storage: insert shadow: %w", err)
	}
	return nil
}

// GetShadow fetches a shadow build by id.
func (db *DB) GetShadow(ctx context.Context, id uuid.UUID) (model.ShadowIndex, error) {
	return scanShadow(db.pool.QueryRow(ctx,
		`SELECT `+shadowColumns+` FROM shadow_indexes WHERE id = $1`, id))
}

// GetShadowTx is GetShadow inside an open transaction.
func (db *DB) GetShadowTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (model.ShadowIndex, error) {
	return scanShadow(tx.QueryRow(ctx,
		`SELECT `+shadowColumns+` FROM shadow_indexes WHERE id = $1`, id))
}

// ListShadows returns shadow builds for a branch, newest first. An empty
// branch lists across all branches.
func (db *DB) ListShadows(ctx context.Context, branch string, limit int) ([]model.ShadowIndex, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+shadowColumns+` FROM shadow_indexes
		 WHERE $1 = '' OR branch = $1
		 ORDER BY build_started_at DESC LIMIT $2`, branch, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list shadows: %w", err)
	}
	defer rows.Close()

	var shadows []model.ShadowIndex
	for rows.Next() {
		s, err := scanShadow(rows)
		if err != nil {
			return nil, err
		}
		shadows = append(shadows, s)
	}
	return shadows, rows.Err()
}

// ListActiveShadowsTx returns ACTIVE builds for (branch, index_type)
// excluding one id, oldest first. Used to find the generation a successful
// switch displaced.
func (db *DB) ListActiveShadowsTx(ctx context.Context, tx pgx.Tx, branch, indexType string, exclude uuid.UUID) ([]model.ShadowIndex, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+shadowColumns+` FROM shadow_indexes
		 WHERE branch = $1 AND index_type = $2 AND state = 'ACTIVE' AND id <> $3
		 ORDER BY build_started_at`, branch, indexType, exclude)
	if err != nil {
		return nil, fmt.Errorf("storage: list active shadows: %w", err)
	}
	defer rows.Close()

	var shadows []model.ShadowIndex
	for rows.Next() {
		s, err := scanShadow(rows)
		if err != nil {
			return nil, err
		}
		shadows = append(shadows, s)
	}
	return shadows, rows.Err()
}

// UpdateShadowTx persists a shadow mutation with an optimistic version check.
func (db *DB) UpdateShadowTx(ctx context.Context, tx pgx.Tx, s model.ShadowIndex) (model.ShadowIndex, error) {
	tag, err := tx.Exec(ctx,
		`UPDATE shadow_indexes
		 SET state = $2, progress_pct = $3, estimated_completion_s = $4,
		     record_count = $5, size_bytes = $6, build_completed_at = $7,
		     current_path = $8, failure_reason = $9, switch_duration_ms = $10,
		     version = version + 1
		 WHERE id = $1 AND version = $11`,
		s.ID, string(s.State), s.ProgressPct, s.EstimatedCompletionS,
		s.RecordCount, s.SizeBytes, s.BuildCompletedAt, s.CurrentPath,
		s.FailureReason, s.SwitchDurationMS, s.Version,
	)
	if err != nil {
		return model.ShadowIndex{}, fmt.Errorf("storage: update shadow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		cur, err := db.GetShadowTx(ctx, tx, s.ID)
		if errors.Is(err, ErrNotFound) {
			return model.ShadowIndex{}, ErrNotFound
		}
		if err != nil {
			return model.ShadowIndex{}, err
		}
		return model.ShadowIndex{}, &VersionConflictError{Current: cur.Version}
	}
	s.Version++
	return s, nil
}

// UpdateShadow is UpdateShadowTx in its own transaction.
func (db *DB) UpdateShadow(ctx context.Context, s model.ShadowIndex) (model.ShadowIndex, error) {
	var out model.ShadowIndex
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = db.UpdateShadowTx(ctx, tx, s)
		return err
	})
	return out, err
}

func scanShadow(row pgx.Row) (model.ShadowIndex, error) {
	var (
		s     model.ShadowIndex
		state string
	)
	err := row.Scan(
		&s.ID, &s.Branch, &s.IndexType, &s.ResourceTypes, &state, &s.ProgressPct,
		&s.EstimatedCompletionS, &s.RecordCount, &s.SizeBytes, &s.BuildStartedAt,
		&s.BuildCompletedAt, &s.CurrentPath, &s.ShadowPath, &s.FailureReason,
		&s.SwitchDurationMS, &s.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ShadowIndex{}, ErrNotFound
		}
		return model.ShadowIndex{}, fmt.Errorf("storage: scan shadow: %w", err)
	}
	s.State = model.ShadowState(state)
	return s, nil
}
