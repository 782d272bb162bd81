// Package merge combines a source changeset into a target branch with a
// three-way merge over the schema graph. Conflicts carry a severity and a
// deterministic resolution; INFO and WARN conflicts auto-resolve, ERROR and
// BLOCK require a human.
package merge

import (
	"github.com/google/uuid"

	"github.com/ramus-io/ramus/internal/model"
)

// Severity grades a conflict. Ordering matters: anything above WARN stops
// the merge.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityError
	SeverityBlock
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarn:
		return "WARN"
	case SeverityError:
		return "ERROR"
	case SeverityBlock:
		return "BLOCK"
	}
	return "UNKNOWN"
}

// AutoResolvable reports whether the engine may apply the resolution without
// human review.
func (s Severity) AutoResolvable() bool { return s <= SeverityWarn }

// Conflict is one detected overlap with its resolution.
type Conflict struct {
	RID         uuid.UUID `json:"rid"`
	APIName     string    `json:"api_name,omitempty"`
	Rule        string    `json:"rule"`
	Description string    `json:"description"`
	Severity    string    `json:"severity"`
	// SuggestedResolutions names the manual options for conflicts the
	// engine refuses to auto-resolve.
	SuggestedResolutions []string `json:"suggested_resolutions,omitempty"`

	severity Severity
	// resolved is the outcome when the rule auto-resolves: the merged
	// entity, or nil when the resolution is a delete.
	resolved     *model.SchemaEntity
	resolveIsDel bool
}

func newConflict(rid uuid.UUID, apiName, rule, desc string, sev Severity) Conflict {
	return Conflict{
		RID:         rid,
		APIName:     apiName,
		Rule:        rule,
		Description: desc,
		Severity:    sev.String(),
		severity:    sev,
	}
}

// Status values of a merge result.
const (
	StatusMerged         = "merged"
	StatusManualRequired = "manual_required"
	StatusFailed         = "failed"
)

// Result reports the outcome of a merge attempt.
type Result struct {
	Status           string     `json:"status"`
	MergeCommit      string     `json:"merge_commit,omitempty"`
	AppliedOps       int        `json:"applied_ops"`
	Conflicts        []Conflict `json:"conflicts,omitempty"`
	ManualConflicts  []Conflict `json:"manual_conflicts,omitempty"`
	ValidationErrors []string   `json:"validation_errors,omitempty"`
	DurationMS       int64      `json:"duration_ms"`
}
