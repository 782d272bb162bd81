package model

import "time"

// Commit is one node of the branch history DAG. A merge commit has two
// parents. Compaction collapses linear runs into their chain tail; collapsed
// nodes keep their identity and rows but are flagged, and the tail records
// the span it absorbed.
type Commit struct {
	ID            string    `json:"id"`
	Branch        string    `json:"branch"`
	Parents       []string  `json:"parents,omitempty"`
	Message       string    `json:"message"`
	Author        string    `json:"author"`
	CreatedAt     time.Time `json:"created_at"`
	Compacted     bool      `json:"compacted,omitempty"`
	CompactedInto *string   `json:"compacted_into,omitempty"`
}

// IsMerge reports whether the commit joins two histories.
func (c Commit) IsMerge() bool { return len(c.Parents) > 1 }
