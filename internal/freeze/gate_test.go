package freeze

import (
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/ramus-io/ramus/internal/model"
)

func testGate() *Gate {
	return &Gate{logger: slog.New(slog.DiscardHandler)}
}

func branchLock(ttl time.Duration) model.Lock {
	now := time.Now().UTC()
	return model.Lock{
		ID:         uuid.New(),
		Branch:     "feature/x",
		Scope:      model.ScopeBranch,
		Type:       model.LockIndexing,
		Holder:     "indexer-1",
		AcquiredAt: now.Add(-ttl / 2),
		ExpiresAt:  now.Add(ttl / 2),
	}
}

func TestFrozenPayloadBranchScope(t *testing.T) {
	p := testGate().buildPayload(branchLock(20*time.Minute), "object_type")

	assert.Equal(t, "SchemaFrozen", p.Error)
	assert.Equal(t, "BRANCH", p.LockScope)
	assert.False(t, p.OtherResourcesAvailable)
	assert.Empty(t, p.AvailableResourceTypes)
	assert.InDelta(t, 50, p.IndexingProgress, 2)
	assert.InDelta(t, 600, p.ETASeconds, 5)
	assert.Contains(t, p.AlternativeActions, "wait_for_unlock")
	assert.Contains(t, p.AlternativeActions, "subscribe_indexing_completed")
	assert.NotContains(t, p.AlternativeActions, "edit_other_resource_types")
}

func TestFrozenPayloadResourceTypeScope(t *testing.T) {
	rt := "object_type"
	l := branchLock(10 * time.Minute)
	l.Scope = model.ScopeResourceType
	l.ResourceType = &rt

	p := testGate().buildPayload(l, "object_type")

	assert.True(t, p.OtherResourcesAvailable)
	assert.ElementsMatch(t,
		[]string{"property", "link_type", "interface", "action_type"},
		p.AvailableResourceTypes)
	assert.Contains(t, p.AlternativeActions, "edit_other_resource_types")
}

func TestFrozenPayloadPreciseProgress(t *testing.T) {
	l := branchLock(10 * time.Minute)
	precise := 87.0
	l.Progress = &precise

	p := testGate().buildPayload(l, "")
	assert.Equal(t, 87, p.IndexingProgress)
}

func TestFrozenPayloadETANeverNegative(t *testing.T) {
	l := branchLock(10 * time.Minute)
	l.ExpiresAt = time.Now().UTC().Add(-time.Minute)

	p := testGate().buildPayload(l, "")
	assert.Equal(t, int64(0), p.ETASeconds)
}
