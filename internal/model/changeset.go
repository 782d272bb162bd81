package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChangeSetStatus is the review lifecycle of a proposal.
type ChangeSetStatus string

const (
	ChangeSetDraft    ChangeSetStatus = "draft"
	ChangeSetReview   ChangeSetStatus = "review"
	ChangeSetApproved ChangeSetStatus = "approved"
	ChangeSetMerged   ChangeSetStatus = "merged"
	ChangeSetRejected ChangeSetStatus = "rejected"
)

var changeSetTransitions = map[ChangeSetStatus]map[ChangeSetStatus]bool{
	ChangeSetDraft:    {ChangeSetReview: true, ChangeSetRejected: true},
	ChangeSetReview:   {ChangeSetApproved: true, ChangeSetRejected: true, ChangeSetDraft: true},
	ChangeSetApproved: {ChangeSetMerged: true, ChangeSetRejected: true},
	// merged and rejected are terminal; merged changesets are immutable.
}

// ChangeOp is one entity mutation inside a changeset. Base is the entity as
// it stood on the common ancestor when the op was drafted; the merge engine
// compares it against the live target to detect concurrent edits.
type ChangeOp struct {
	Op     string        `json:"op"` // add, modify, delete
	Kind   EntityKind    `json:"kind"`
	RID    uuid.UUID     `json:"rid"`
	Entity *SchemaEntity `json:"entity,omitempty"` // nil for delete
	Base   *SchemaEntity `json:"base,omitempty"`   // nil for add
}

// ChangeSet groups entity mutations moving through review before merge.
type ChangeSet struct {
	ID           uuid.UUID       `json:"id"`
	SourceBranch string          `json:"source_branch"`
	TargetBranch string          `json:"target_branch"`
	BaseCommit   string          `json:"base_commit"`
	Status       ChangeSetStatus `json:"status"`
	Title        string          `json:"title"`
	Ops          []ChangeOp      `json:"ops,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	CreatedBy    string          `json:"created_by"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ApprovedBy   *string         `json:"approved_by,omitempty"`
	MergedAt     *time.Time      `json:"merged_at,omitempty"`
	MergeCommit  *string         `json:"merge_commit,omitempty"`
	Version      int64           `json:"version"`
}

// Transition validates and applies a lifecycle change. Merged changesets
// are immutable so no transition out of merged exists.
func (c *ChangeSet) Transition(to ChangeSetStatus) error {
	if !changeSetTransitions[c.Status][to] {
		return fmt.Errorf("model: changeset %s cannot transition %s -> %s", c.ID, c.Status, to)
	}
	c.Status = to
	return nil
}
