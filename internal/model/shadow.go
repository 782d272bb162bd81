package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ShadowState is the lifecycle state of a shadow index build.
type ShadowState string

const (
	ShadowPreparing ShadowState = "PREPARING"
	ShadowBuilding  ShadowState = "BUILDING"
	ShadowBuilt     ShadowState = "BUILT"
	ShadowSwitching ShadowState = "SWITCHING"
	ShadowActive    ShadowState = "ACTIVE"
	ShadowFailed    ShadowState = "FAILED"
	ShadowCancelled ShadowState = "CANCELLED"
	ShadowCleanup   ShadowState = "CLEANUP"
)

// Terminal reports whether the shadow can no longer progress. At most one
// non-terminal shadow may exist per (branch, index_type).
func (s ShadowState) Terminal() bool {
	switch s {
	case ShadowActive, ShadowFailed, ShadowCancelled, ShadowCleanup:
		return true
	}
	return false
}

var shadowTransitions = map[ShadowState]map[ShadowState]bool{
	ShadowPreparing: {ShadowBuilding: true, ShadowCancelled: true, ShadowFailed: true},
	ShadowBuilding:  {ShadowBuilt: true, ShadowCancelled: true, ShadowFailed: true},
	ShadowBuilt:     {ShadowSwitching: true, ShadowCancelled: true, ShadowFailed: true},
	ShadowSwitching: {ShadowActive: true, ShadowFailed: true},
	ShadowActive:    {ShadowCleanup: true},
}

// CanShadowTransition reports whether from → to is legal for a shadow build.
func CanShadowTransition(from, to ShadowState) bool {
	return shadowTransitions[from][to]
}

// ShadowIndex is an out-of-band index build beside the active artifact.
type ShadowIndex struct {
	ID                   uuid.UUID   `json:"id"`
	Branch               string      `json:"branch"`
	IndexType            string      `json:"index_type"`
	ResourceTypes        []string    `json:"resource_types"`
	State                ShadowState `json:"state"`
	ProgressPct          float64     `json:"progress_pct"`
	EstimatedCompletionS *int64      `json:"estimated_completion_s,omitempty"`
	RecordCount          *int64      `json:"record_count,omitempty"`
	SizeBytes            *int64      `json:"size_bytes,omitempty"`
	BuildStartedAt       time.Time   `json:"build_started_at"`
	BuildCompletedAt     *time.Time  `json:"build_completed_at,omitempty"`
	CurrentPath          *string     `json:"current_path,omitempty"`
	ShadowPath           string      `json:"shadow_path"`
	FailureReason        *string     `json:"failure_reason,omitempty"`
	SwitchDurationMS     *int64      `json:"switch_duration_ms,omitempty"`
	Version              int64       `json:"version"`
}

// Transition validates and applies a lifecycle change.
func (s *ShadowIndex) Transition(to ShadowState) error {
	if !CanShadowTransition(s.State, to) {
		return fmt.Errorf("model: shadow %s cannot transition %s -> %s", s.ID, s.State, to)
	}
	s.State = to
	return nil
}

// SwitchStrategy selects how the shadow artifact is promoted.
type SwitchStrategy string

const (
	// SwitchAtomicRename is a same-volume rename: bounded time regardless of size.
	SwitchAtomicRename SwitchStrategy = "ATOMIC_RENAME"
	// SwitchCopyAndReplace copies across volumes: slower but recoverable.
	SwitchCopyAndReplace SwitchStrategy = "COPY_AND_REPLACE"
)

// SwitchRequest parameterizes an atomic switch.
type SwitchRequest struct {
	ValidationChecks []string       `json:"validation_checks,omitempty"`
	BackupCurrent    bool           `json:"backup_current"`
	SwitchTimeoutS   int            `json:"switch_timeout_s"`
	ForceSwitch      bool           `json:"force_switch"`
	Strategy         SwitchStrategy `json:"strategy,omitempty"`
}

// SwitchResult reports the outcome of an atomic switch attempt.
type SwitchResult struct {
	Success            bool     `json:"success"`
	SwitchDurationMS   int64    `json:"switch_duration_ms"`
	ValidationErrors   []string `json:"validation_errors,omitempty"`
	VerificationErrors []string `json:"verification_errors,omitempty"`
	OldPath            string   `json:"old_path,omitempty"`
	NewPath            string   `json:"new_path,omitempty"`
	BackupPath         string   `json:"backup_path,omitempty"`
}
