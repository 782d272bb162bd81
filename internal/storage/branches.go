package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ramus-io/ramus/internal/model"
)

// CreateBranch inserts a new branch in ACTIVE state at version 1.
func (db *DB) CreateBranch(ctx context.Context, name, headCommit, actor string) (model.Branch, error) {
	b := model.Branch{
		Name:       name,
		State:      model.BranchActive,
		HeadCommit: headCommit,
		Version:    1,
		UpdatedAt:  time.Now().UTC(),
		UpdatedBy:  actor,
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO branch_states (branch_name, state, head_commit, version, updated_at, updated_by)
		 VALUES ($1, $2, $3, 1, $4, $5)`,
		b.Name, string(b.State), b.HeadCommit, b.UpdatedAt, b.UpdatedBy,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Branch{}, fmt.Errorf("storage: branch %s: %w", name, ErrDuplicateAPIName)
		}
		return model.Branch{}, fmt.Errorf("storage: create branch: %w", err)
	}
	return b, nil
}

// GetBranch fetches a branch by name.
func (db *DB) GetBranch(ctx context.Context, name string) (model.Branch, error) {
	return scanBranch(db.pool.QueryRow(ctx,
		`SELECT branch_name, state, head_commit, version, updated_at, updated_by
		 FROM branch_states WHERE branch_name = $1`, name))
}

// GetBranchTx is GetBranch inside an open transaction.
func (db *DB) GetBranchTx(ctx context.Context, tx pgx.Tx, name string) (model.Branch, error) {
	return scanBranch(tx.QueryRow(ctx,
		`SELECT branch_name, state, head_commit, version, updated_at, updated_by
		 FROM branch_states WHERE branch_name = $1`, name))
}

// ListBranches returns all branches ordered by name.
func (db *DB) ListBranches(ctx context.Context) ([]model.Branch, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT branch_name, state, head_commit, version, updated_at, updated_by
		 FROM branch_states ORDER BY branch_name`)
	if err != nil {
		return nil, fmt.Errorf("storage: list branches: %w", err)
	}
	defer rows.Close()

	var branches []model.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	return branches, rows.Err()
}

// UpdateBranchTx persists a branch mutation with an optimistic version
// check. The stored version must equal b.Version; on success the version
// is incremented and the updated branch returned.
func (db *DB) UpdateBranchTx(ctx context.Context, tx pgx.Tx, b model.Branch, actor string) (model.Branch, error) {
	now := time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`UPDATE branch_states
		 SET state = $2, head_commit = $3, version = version + 1, updated_at = $4, updated_by = $5
		 WHERE branch_name = $1 AND version = $6`,
		b.Name, string(b.State), b.HeadCommit, now, actor, b.Version,
	)
	if err != nil {
		return model.Branch{}, fmt.Errorf("storage: update branch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		cur, err := db.GetBranchTx(ctx, tx, b.Name)
		if errors.Is(err, ErrNotFound) {
			return model.Branch{}, ErrNotFound
		}
		if err != nil {
			return model.Branch{}, err
		}
		return model.Branch{}, &VersionConflictError{Current: cur.Version}
	}
	b.Version++
	b.UpdatedAt = now
	b.UpdatedBy = actor
	return b, nil
}

// UpdateBranch is UpdateBranchTx in its own transaction.
func (db *DB) UpdateBranch(ctx context.Context, b model.Branch, actor string) (model.Branch, error) {
	var out model.Branch
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = db.UpdateBranchTx(ctx, tx, b, actor)
		return err
	})
	return out, err
}

func scanBranch(row pgx.Row) (model.Branch, error) {
	var (
		b     model.Branch
		state string
	)
	err := row.Scan(&b.Name, &state, &b.HeadCommit, &b.Version, &b.UpdatedAt, &b.UpdatedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Branch{}, ErrNotFound
		}
		return model.Branch{}, fmt.Errorf("storage: scan branch: %w", err)
	}
	b.State = model.BranchState(state)
	return b, nil
}
