package model

import (
	"time"

	"github.com/google/uuid"
)

// AuditChanges captures before/after snapshots of the mutated entity.
// PII-tagged fields are masked before persistence.
type AuditChanges struct {
	Before        any      `json:"before,omitempty"`
	After         any      `json:"after,omitempty"`
	FieldsChanged []string `json:"fields_changed,omitempty"`
}

// AuditRecord is one append-only row of audit_events. Records are never
// updated; the event_id is unique so replays cannot double-write.
type AuditRecord struct {
	ID          int64          `json:"id"`
	EventID     uuid.UUID      `json:"event_id"`
	Action      string         `json:"action"`
	ActorID     string         `json:"actor_id"`
	ActorRoles  []string       `json:"actor_roles,omitempty"`
	TargetKind  string         `json:"target_kind"`
	TargetID    string         `json:"target_id"`
	Branch      string         `json:"branch,omitempty"`
	Success     bool           `json:"success"`
	ErrorCode   *string        `json:"error_code,omitempty"`
	DurationMS  int64          `json:"duration_ms"`
	Changes     AuditChanges   `json:"changes"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ContentHash string         `json:"content_hash,omitempty"`
	Time        time.Time      `json:"time"`
}
