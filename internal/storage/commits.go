package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ramus-io/ramus/internal/model"
)

// InsertCommitTx appends a commit node inside the merge transaction.
func (db *DB) InsertCommitTx(ctx context.Context, tx pgx.Tx, c model.Commit) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO commits (id, branch, parents, message, author, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.Branch, c.Parents, c.Message, c.Author, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert commit: %w", err)
	}
	return nil
}

// GetCommit fetches one commit by id.
func (db *DB) GetCommit(ctx context.Context, id string) (model.Commit, error) {
	return scanCommit(db.pool.QueryRow(ctx,
		`SELECT id, branch, parents, message, author, created_at, compacted, compacted_into
		 FROM commits WHERE id = $1`, id))
}

// ListCommits returns a branch's commits, oldest first. Compacted nodes are
// included; callers filter when walking the visible history.
func (db *DB) ListCommits(ctx context.Context, branch string) ([]model.Commit, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, branch, parents, message, author, created_at, compacted, compacted_into
		 FROM commits WHERE branch = $1 ORDER BY created_at ASC`, branch)
	if err != nil {
		return nil, fmt.Errorf("storage: list commits: %w", err)
	}
	defer rows.Close()

	var commits []model.Commit
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
	return commits, rows.Err()
}

// MarkCompactedTx flags a run of commits as absorbed into tail.
func (db *DB) MarkCompactedTx(ctx context.Context, tx pgx.Tx, ids []string, tail string) error {
	_, err := tx.Exec(ctx,
		`UPDATE commits SET compacted = true, compacted_into = $2
		 WHERE id = ANY($1) AND NOT compacted`, ids, tail)
	if err != nil {
		return fmt.Errorf("storage: mark compacted: %w", err)
	}
	return nil
}

// CommitReferencedTx reports whether any branch head or changeset pins id.
// Referenced commits are never compacted.
func (db *DB) CommitReferencedTx(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	var referenced bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM branch_states WHERE head_commit = $1)
		     OR EXISTS (SELECT 1 FROM changesets WHERE base_commit = $1 OR merge_commit = $1)`,
		id,
	).Scan(&referenced)
	if err != nil {
		return false, fmt.Errorf("storage: commit referenced: %w", err)
	}
	return referenced, nil
}

func scanCommit(row pgx.Row) (model.Commit, error) {
	var c model.Commit
	err := row.Scan(&c.ID, &c.Branch, &c.Parents, &c.Message, &c.Author,
		&c.CreatedAt, &c.Compacted, &c.CompactedInto)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Commit{}, ErrNotFound
		}
		return model.Commit{}, fmt.Errorf("storage: scan commit: %w", err)
	}
	return c, nil
}
