package audit

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/ramus-io/ramus/internal/model"
)

func sampleRecord() model.AuditRecord {
	return model.AuditRecord{
		EventID:    uuid.MustParse("9b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d"),
		Action:     "schema.update",
		ActorID:    "user:jane",
		TargetKind: "object_type",
		TargetID:   "customer",
		Branch:     "feature/x",
		Success:    true,
		Time:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestContentHashDeterministic(t *testing.T) {
	a := ContentHash(sampleRecord())
	b := ContentHash(sampleRecord())
	assert.Equal(t, a, b)
	assert.Contains(t, a, "v2:")
}

func TestContentHashDetectsTamper(t *testing.T) {
	rec := sampleRecord()
	original := ContentHash(rec)

	rec.ActorID = "user:mallory"
	assert.NotEqual(t, original, ContentHash(rec))

	rec = sampleRecord()
	rec.Success = false
	assert.NotEqual(t, original, ContentHash(rec))
}

func TestContentHashNoFieldConcatAmbiguity(t *testing.T) {
	a := sampleRecord()
	a.TargetKind = "objec"
	a.TargetID = "tcustomer"

	b := sampleRecord()
	b.TargetKind = "object"
	b.TargetID = "customer"

	assert.NotEqual(t, ContentHash(a), ContentHash(b))
}

func TestMerkleRoot(t *testing.T) {
	assert.Empty(t, merkleRoot(nil))

	single := merkleRoot([]string{"v2:aa"})
	assert.NotEmpty(t, single)

	root := merkleRoot([]string{"v2:aa", "v2:bb", "v2:cc"})
	same := merkleRoot([]string{"v2:aa", "v2:bb", "v2:cc"})
	assert.Equal(t, root, same)

	reordered := merkleRoot([]string{"v2:bb", "v2:aa", "v2:cc"})
	assert.NotEqual(t, root, reordered)

	truncated := merkleRoot([]string{"v2:aa", "v2:bb"})
	assert.NotEqual(t, root, truncated)
}

func TestRetentionFor(t *testing.T) {
	policies, err := CompilePolicies([]RetentionPolicy{
		{Name: "locks", ActionPattern: `^lock\.`, RetentionDays: 30},
		{Name: "merges", ActionPattern: `^branch\.merge`, RetentionDays: 730},
	})
	assert.NoError(t, err)

	assert.Equal(t, 30*24*time.Hour, RetentionFor(policies, "lock.acquired"))
	assert.Equal(t, 730*24*time.Hour, RetentionFor(policies, "branch.merge"))
	assert.Equal(t, time.Duration(DefaultRetentionDays)*24*time.Hour, RetentionFor(policies, "schema.update"))
}
