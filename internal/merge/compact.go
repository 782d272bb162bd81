package merge

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ramus-io/ramus/internal/model"
	"github.com/ramus-io/ramus/internal/storage"
)

// Compactor folds linear runs of the commit graph into their newest commit.
// Commit identities survive compaction: folded commits stay resolvable and
// point at the run's tail.
type Compactor struct {
	db     *storage.DB
	logger *slog.Logger
}

// NewCompactor wires a compactor over the storage gateway.
func NewCompactor(db *storage.DB, logger *slog.Logger) *Compactor {
	return &Compactor{db: db, logger: logger}
}

// Compact folds eligible linear chains on one branch and returns the number
// of commits folded. A commit is eligible when it has exactly one parent,
// exactly one child, is not a merge commit, and nothing pins it (branch head,
// changeset base or merge commit).
func (c *Compactor) Compact(ctx context.Context, branch string) (int, error) {
	folded := 0
	err := c.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := storage.AdvisoryLock(ctx, tx, storage.BranchLockKey(branch), 5*time.Second); err != nil {
			return err
		}
		commits, err := c.db.ListCommits(ctx, branch)
		if err != nil {
			return err
		}

		chains := linearChains(commits)
		for _, chain := range chains {
			eligible := chain[:0:0]
			for _, commit := range chain {
				pinned, err := c.db.CommitReferencedTx(ctx, tx, commit.ID)
				if err != nil {
					return err
				}
				if pinned {
					// A pinned commit splits the chain; fold what came before.
					if err := c.fold(ctx, tx, eligible, commit.ID, &folded); err != nil {
						return err
					}
					eligible = eligible[:0]
					continue
				}
				eligible = append(eligible, commit)
			}
			if len(eligible) < 2 {
				continue
			}
			tail := eligible[len(eligible)-1]
			if err := c.fold(ctx, tx, eligible[:len(eligible)-1], tail.ID, &folded); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if folded > 0 {
		c.logger.Info("commit chains compacted", "branch", branch, "folded", folded)
	}
	return folded, nil
}

func (c *Compactor) fold(ctx context.Context, tx pgx.Tx, run []model.Commit, into string, folded *int) error {
	if len(run) == 0 {
		return nil
	}
	ids := make([]string, len(run))
	for i, commit := range run {
		ids[i] = commit.ID
	}
	if err := c.db.MarkCompactedTx(ctx, tx, ids, into); err != nil {
		return err
	}
	*folded += len(ids)
	return nil
}

// linearChains walks the graph oldest-first and groups maximal runs where
// each commit has one parent, one child, and no merge. Already-compacted
// commits are skipped.
func linearChains(commits []model.Commit) [][]model.Commit {
	childCount := make(map[string]int, len(commits))
	for _, c := range commits {
		for _, p := range c.Parents {
			childCount[p]++
		}
	}

	var chains [][]model.Commit
	var run []model.Commit
	flush := func() {
		if len(run) >= 2 {
			chains = append(chains, run)
		}
		run = nil
	}
	for _, c := range commits {
		linear := !c.Compacted && !c.IsMerge() && len(c.Parents) == 1 && childCount[c.ID] == 1
		if !linear {
			flush()
			continue
		}
		// A run must be contiguous: each commit's parent is its predecessor.
		if len(run) > 0 && run[len(run)-1].ID != c.Parents[0] {
			flush()
		}
		run = append(run, c)
	}
	flush()
	return chains
}
