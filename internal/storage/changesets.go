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

const changeSetColumns = `id, source_branch, target_branch, base_commit, status, title,
	ops, created_at, created_by, updated_at, approved_by, merged_at, merge_commit, version`

// CreateChangeSet inserts a draft changeset at version 1.
func (db *DB) CreateChangeSet(ctx context.Context, cs model.ChangeSet) (model.ChangeSet, error) {
	ops, err := json.Marshal(cs.Ops)
	if err != nil {
		return model.ChangeSet{}, fmt.Errorf("storage: marshal changeset ops: %w", err)
	}
	now := time.Now().UTC()
	cs.Status = model.ChangeSetDraft
	cs.Version = 1
	cs.CreatedAt = now
	cs.UpdatedAt = now
	_, err = db.pool.Exec(ctx,
		`INSERT INTO changesets
		     (id, source_branch, target_branch, base_commit, status, title, ops,
		      created_at, created_by, updated_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $8, 1)`,
		cs.ID, cs.SourceBranch, cs.TargetBranch, cs.BaseCommit, string(cs.Status),
		cs.Title, ops, now, cs.CreatedBy,
	)
	if err != nil {
		return model.ChangeSet{}, fmt.Errorf("storage: create changeset: %w", err)
	}
	return cs, nil
}

// GetChangeSet fetches a changeset by id.
func (db *DB) GetChangeSet(ctx context.Context, id uuid.UUID) (model.ChangeSet, error) {
	return scanChangeSet(db.pool.QueryRow(ctx,
		`SELECT `+changeSetColumns+` FROM changesets WHERE id = $1`, id))
}

// GetChangeSetTx is GetChangeSet inside an open transaction.
func (db *DB) GetChangeSetTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (model.ChangeSet, error) {
	return scanChangeSet(tx.QueryRow(ctx,
		`SELECT `+changeSetColumns+` FROM changesets WHERE id = $1`, id))
}

// ListChangeSets returns changesets targeting a branch, newest first. An
// empty branch lists all.
func (db *DB) ListChangeSets(ctx context.Context, targetBranch string, limit, offset int) ([]model.ChangeSet, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+changeSetColumns+` FROM changesets
		 WHERE $1 = '' OR target_branch = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, targetBranch, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("storage: list changesets: %w", err)
	}
	defer rows.Close()

	var sets []model.ChangeSet
	for rows.Next() {
		cs, err := scanChangeSet(rows)
		if err != nil {
			return nil, err
		}
		sets = append(sets, cs)
	}
	return sets, rows.Err()
}

// UpdateChangeSetTx persists a changeset mutation with an optimistic version
// check. Merged changesets are immutable and refuse all updates.
func (db *DB) UpdateChangeSetTx(ctx context.Context, tx pgx.Tx, cs model.ChangeSet) (model.ChangeSet, error) {
	ops, err := json.Marshal(cs.Ops)
	if err != nil {
		return model.ChangeSet{}, fmt.Errorf("storage: marshal changeset ops: %w", err)
	}
	now := time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`UPDATE changesets
		 SET status = $2, title = $3, ops = $4::jsonb, updated_at = $5,
		     approved_by = $6, merged_at = $7, merge_commit = $8,
		     version = version + 1
		 WHERE id = $1 AND version = $9 AND status <> 'merged'`,
		cs.ID, string(cs.Status), cs.Title, ops, now,
		cs.ApprovedBy, cs.MergedAt, cs.MergeCommit, cs.Version,
	)
	if err != nil {
		return model.ChangeSet{}, fmt.Errorf("storage: update changeset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		cur, err := db.GetChangeSetTx(ctx, tx, cs.ID)
		if errors.Is(err, ErrNotFound) {
			return model.ChangeSet{}, ErrNotFound
		}
		if err != nil {
			return model.ChangeSet{}, err
		}
		return model.ChangeSet{}, &VersionConflictError{Current: cur.Version}
	}
	cs.Version++
	cs.UpdatedAt = now
	return cs, nil
}

func scanChangeSet(row pgx.Row) (model.ChangeSet, error) {
	var (
		cs     model.ChangeSet
		status string
		ops    []byte
	)
	err := row.Scan(
		&cs.ID, &cs.SourceBranch, &cs.TargetBranch, &cs.BaseCommit, &status,
		&cs.Title, &ops, &cs.CreatedAt, &cs.CreatedBy, &cs.UpdatedAt,
		&cs.ApprovedBy, &cs.MergedAt, &cs.MergeCommit, &cs.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ChangeSet{}, ErrNotFound
		}
		return model.ChangeSet{}, fmt.Errorf("storage: scan changeset: %w", err)
	}
	cs.Status = model.ChangeSetStatus(status)
	if len(ops) > 0 {
		if err := json.Unmarshal(ops, &cs.Ops); err != nil {
			return model.ChangeSet{}, fmt.Errorf("storage: unmarshal changeset ops: %w", err)
		}
	}
	return cs, nil
}
