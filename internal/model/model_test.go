package model_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramus-io/ramus/internal/model"
)

func TestBranchTransitions(t *testing.T) {
	tests := []struct {
		from, to model.BranchState
		ok       bool
	}{
		{model.BranchActive, model.BranchLockedForWrite, true},
		{model.BranchLockedForWrite, model.BranchReady, true},
		{model.BranchReady, model.BranchActive, true},
		{model.BranchActive, model.BranchError, true},
		{model.BranchError, model.BranchActive, true},
		{model.BranchArchived, model.BranchActive, false},
		{model.BranchReady, model.BranchLockedForWrite, false},
		{model.BranchLockedForWrite, model.BranchActive, false},
	}
	for _, tt := range tests {
		b := model.Branch{Name: "feature/x", State: tt.from}
		err := b.Transition(tt.to)
		if tt.ok {
			assert.NoError(t, err, "%s -> %s", tt.from, tt.to)
			assert.Equal(t, tt.to, b.State)
		} else {
			assert.Error(t, err, "%s -> %s", tt.from, tt.to)
			assert.Equal(t, tt.from, b.State)
		}
	}
}

func strPtr(s string) *string { return &s }

func TestLockConflictsWith(t *testing.T) {
	branchLock := model.Lock{Branch: "main", Scope: model.ScopeBranch}
	typeLock := model.Lock{Branch: "main", Scope: model.ScopeResourceType, ResourceType: strPtr("object_type")}
	resLock := model.Lock{Branch: "main", Scope: model.ScopeResource, ResourceType: strPtr("object_type"), ResourceID: strPtr("rid-1")}

	// BRANCH conflicts with any narrower lock on the same branch.
	assert.True(t, branchLock.ConflictsWith("main", model.ScopeResourceType, strPtr("link_type"), nil))
	assert.True(t, branchLock.ConflictsWith("main", model.ScopeResource, strPtr("property"), strPtr("rid-9")))
	assert.False(t, branchLock.ConflictsWith("other", model.ScopeBranch, nil, nil))

	// RESOURCE_TYPE conflicts with same-type locks and RESOURCE under it.
	assert.True(t, typeLock.ConflictsWith("main", model.ScopeResourceType, strPtr("object_type"), nil))
	assert.True(t, typeLock.ConflictsWith("main", model.ScopeResource, strPtr("object_type"), strPtr("rid-1")))
	assert.False(t, typeLock.ConflictsWith("main", model.ScopeResourceType, strPtr("link_type"), nil))
	assert.True(t, typeLock.ConflictsWith("main", model.ScopeBranch, nil, nil))

	// RESOURCE conflicts only with same (type, id) or a covering broader lock.
	assert.True(t, resLock.ConflictsWith("main", model.ScopeResource, strPtr("object_type"), strPtr("rid-1")))
	assert.False(t, resLock.ConflictsWith("main", model.ScopeResource, strPtr("object_type"), strPtr("rid-2")))
	assert.True(t, resLock.ConflictsWith("main", model.ScopeResourceType, strPtr("object_type"), nil))
	assert.False(t, resLock.ConflictsWith("main", model.ScopeResourceType, strPtr("link_type"), nil))
}

func TestLockExpiry(t *testing.T) {
	now := time.Now().UTC()
	interval := 60

	fresh := model.Lock{
		AcquiredAt: now.Add(-time.Minute),
		ExpiresAt:  now.Add(10 * time.Minute),
	}
	assert.False(t, fresh.Expired(now, 3))

	ttlPast := fresh
	ttlPast.ExpiresAt = now.Add(-time.Second)
	assert.True(t, ttlPast.Expired(now, 3))

	// Heartbeat enabled, last beat 4 intervals ago: expired even though TTL remains.
	old := now.Add(-4 * time.Minute)
	silent := model.Lock{
		AcquiredAt:         now.Add(-10 * time.Minute),
		ExpiresAt:          now.Add(10 * time.Minute),
		HeartbeatIntervalS: &interval,
		LastHeartbeat:      &old,
	}
	assert.True(t, silent.Expired(now, 3))

	recent := now.Add(-90 * time.Second)
	alive := silent
	alive.LastHeartbeat = &recent
	assert.False(t, alive.Expired(now, 3))

	// No heartbeat ever received: grace runs from acquisition.
	neverBeat := model.Lock{
		AcquiredAt:         now.Add(-5 * time.Minute),
		ExpiresAt:          now.Add(10 * time.Minute),
		HeartbeatIntervalS: &interval,
	}
	assert.True(t, neverBeat.Expired(now, 3))
}

func TestIndexingProgressClamped(t *testing.T) {
	now := time.Now().UTC()
	l := model.Lock{
		AcquiredAt: now.Add(-9 * time.Minute),
		ExpiresAt:  now.Add(1 * time.Minute),
	}
	// 90% elapsed, under the 95 clamp.
	assert.Equal(t, 90, l.IndexingProgress(now))

	nearlyDone := model.Lock{
		AcquiredAt: now.Add(-99 * time.Minute),
		ExpiresAt:  now.Add(1 * time.Minute),
	}
	assert.Equal(t, 95, nearlyDone.IndexingProgress(now), "estimate is clamped to 95")

	precise := 42.0
	l.Progress = &precise
	assert.Equal(t, 42, l.IndexingProgress(now), "heartbeat-published progress wins")

	assert.Equal(t, int64(60), l.ETASeconds(now))
	assert.Equal(t, int64(0), l.ETASeconds(now.Add(2*time.Minute)))
}

func TestBaseTypeWidening(t *testing.T) {
	assert.True(t, model.BaseText.IsWideningOf(model.BaseString))
	assert.True(t, model.BaseLong.IsWideningOf(model.BaseInt))
	assert.True(t, model.BaseDouble.IsWideningOf(model.BaseFloat))
	assert.False(t, model.BaseString.IsWideningOf(model.BaseText), "narrowing is not widening")
	assert.False(t, model.BaseLong.IsWideningOf(model.BaseString), "cross-family is not widening")
	assert.False(t, model.BaseInt.IsWideningOf(model.BaseInt))
}

func TestCardinalityBroadening(t *testing.T) {
	assert.True(t, model.CardinalityOneToMany.BroaderThan(model.CardinalityOneToOne))
	assert.True(t, model.CardinalityManyToMany.BroaderThan(model.CardinalityOneToMany))
	assert.False(t, model.CardinalityOneToOne.BroaderThan(model.CardinalityOneToMany))
}

func TestSchemaEntityValidate(t *testing.T) {
	objRID := uuid.New()

	valid := model.SchemaEntity{
		RID:     uuid.New(),
		Kind:    model.KindProperty,
		Branch:  "main",
		APIName: "total_amount",
		Property: &model.PropertySpec{
			ObjectRID: objRID,
			BaseType:  model.BaseLong,
		},
	}
	require.NoError(t, valid.Validate())

	badName := valid
	badName.APIName = "TotalAmount"
	assert.Error(t, badName.Validate())

	noSpec := valid
	noSpec.Property = nil
	assert.Error(t, noSpec.Validate())

	link := model.SchemaEntity{
		RID:     uuid.New(),
		Kind:    model.KindLinkType,
		Branch:  "main",
		APIName: "works_at",
		Link: &model.LinkSpec{
			SourceRID:   uuid.New(),
			TargetRID:   uuid.New(),
			Cardinality: model.CardinalityOneToMany,
		},
	}
	require.NoError(t, link.Validate())
	assert.Len(t, link.References(), 2)

	link.Link.Cardinality = "2:3"
	assert.Error(t, link.Validate())
}

func TestShadowTransitions(t *testing.T) {
	s := model.ShadowIndex{ID: uuid.New(), State: model.ShadowPreparing}
	require.NoError(t, s.Transition(model.ShadowBuilding))
	require.NoError(t, s.Transition(model.ShadowBuilt))
	require.NoError(t, s.Transition(model.ShadowSwitching))
	require.NoError(t, s.Transition(model.ShadowActive))
	assert.True(t, s.State.Terminal())
	require.NoError(t, s.Transition(model.ShadowCleanup))

	cancelled := model.ShadowIndex{State: model.ShadowBuilding}
	require.NoError(t, cancelled.Transition(model.ShadowCancelled))
	assert.Error(t, cancelled.Transition(model.ShadowBuilding))
}

func TestChangeSetLifecycle(t *testing.T) {
	cs := model.ChangeSet{ID: uuid.New(), Status: model.ChangeSetDraft}
	require.NoError(t, cs.Transition(model.ChangeSetReview))
	require.NoError(t, cs.Transition(model.ChangeSetApproved))
	require.NoError(t, cs.Transition(model.ChangeSetMerged))
	assert.Error(t, cs.Transition(model.ChangeSetDraft), "merged changesets are immutable")
}
