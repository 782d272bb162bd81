package model

import (
	"fmt"
	"time"
)

// BranchState is the admission state of a branch.
type BranchState string

const (
	BranchActive         BranchState = "ACTIVE"
	BranchLockedForWrite BranchState = "LOCKED_FOR_WRITE"
	BranchReady          BranchState = "READY"
	BranchArchived       BranchState = "ARCHIVED"
	BranchError          BranchState = "ERROR"
)

// Branch is a named, versioned workspace for ontology changes.
// Version increments on every persisted mutation (optimistic concurrency).
type Branch struct {
	Name       string      `json:"name"`
	State      BranchState `json:"state"`
	HeadCommit string      `json:"head_commit"`
	Version    int64       `json:"version"`
	UpdatedAt  time.Time   `json:"updated_at"`
	UpdatedBy  string      `json:"updated_by"`
}

// branchTransitions is the allowed state machine. Resource-scoped locks do
// not transition the branch at all; only a BRANCH-scoped lock moves
// ACTIVE → LOCKED_FOR_WRITE.
var branchTransitions = map[BranchState]map[BranchState]bool{
	BranchActive:         {BranchLockedForWrite: true, BranchArchived: true, BranchError: true},
	BranchLockedForWrite: {BranchReady: true, BranchError: true},
	BranchReady:          {BranchActive: true, BranchError: true, BranchArchived: true},
	BranchError:          {BranchActive: true}, // force_unlock only
	BranchArchived:       {},
}

// CanTransition reports whether from → to is a legal branch transition.
func CanTransition(from, to BranchState) bool {
	return branchTransitions[from][to]
}

// Transition validates and applies a state change, returning an error naming
// both states when the machine forbids it.
func (b *Branch) Transition(to BranchState) error {
	if !CanTransition(b.State, to) {
		return fmt.Errorf("model: branch %s cannot transition %s -> %s", b.Name, b.State, to)
	}
	b.State = to
	return nil
}

// Writable reports whether the branch accepts schema writes at all (lock
// scope permitting). Merges additionally require ACTIVE or READY.
func (b Branch) Writable() bool {
	return b.State == BranchActive || b.State == BranchReady
}
