package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramus-io/ramus/internal/model"
)

func chainCommits(ids ...string) []model.Commit {
	commits := make([]model.Commit, len(ids))
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range ids {
		c := model.Commit{ID: id, Branch: "main", CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if i > 0 {
			c.Parents = []string{ids[i-1]}
		}
		commits[i] = c
	}
	return commits
}

func TestLinearChains(t *testing.T) {
	// a <- b <- c <- d: a has no parent and d has no child, leaving b,c as
	// the foldable run.
	commits := chainCommits("a", "b", "c", "d")

	chains := linearChains(commits)

	require.Len(t, chains, 1)
	got := make([]string, len(chains[0]))
	for i, c := range chains[0] {
		got[i] = c.ID
	}
	assert.Equal(t, []string{"b", "c"}, got)
}

func TestLinearChainsMergeCommitSplits(t *testing.T) {
	commits := chainCommits("a", "b", "c", "d", "e")
	// c becomes a merge commit.
	commits[2].Parents = []string{"b", "x"}

	chains := linearChains(commits)

	// b alone before the merge (run too short), d alone after: no chains.
	assert.Empty(t, chains)
}

func TestLinearChainsSkipsCompacted(t *testing.T) {
	commits := chainCommits("a", "b", "c", "d", "e")
	commits[1].Compacted = true

	chains := linearChains(commits)

	require.Len(t, chains, 1)
	assert.Equal(t, "c", chains[0][0].ID)
	assert.Equal(t, "d", chains[0][1].ID)
}

func TestLinearChainsBranchPointSplits(t *testing.T) {
	commits := chainCommits("a", "b", "c", "d")
	// b gains a second child: a side commit also parented on b.
	commits = append(commits, model.Commit{
		ID: "side", Branch: "main", Parents: []string{"b"},
		CreatedAt: time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC),
	})

	chains := linearChains(commits)

	// b now has two children so it cannot fold; c alone is too short.
	assert.Empty(t, chains)
}
