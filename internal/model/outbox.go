package model

import (
	"time"

	"github.com/google/uuid"
)

// OutboxStatus is the delivery state of an outbox record.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxPublished  OutboxStatus = "published"
	OutboxFailed     OutboxStatus = "failed"
)

// OutboxRecord is one transactional event awaiting delivery. The row is
// inserted in the same transaction as the business change it describes;
// the dispatcher claims it with an optimistic pending→processing update.
type OutboxRecord struct {
	ID             int64        `json:"id"`
	EventID        uuid.UUID    `json:"event_id"`
	Type           string       `json:"type"`
	Subject        string       `json:"subject"`
	Payload        []byte       `json:"payload"`
	CorrelationID  string       `json:"correlation_id,omitempty"`
	IdempotencyKey *string      `json:"idempotency_key,omitempty"`
	Status         OutboxStatus `json:"status"`
	RetryCount     int          `json:"retry_count"`
	MaxRetries     int          `json:"max_retries"`
	NextRetryAt    *time.Time   `json:"next_retry_at,omitempty"`
	LastError      *string      `json:"last_error,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	PublishedAt    *time.Time   `json:"published_at,omitempty"`
}

// Event subjects published by the core. Entity subjects are derived from the
// kind, e.g. "objecttype.created".
const (
	SubjectBranchCreated     = "branch.created"
	SubjectBranchMerged      = "branch.merged"
	SubjectBranchArchived    = "branch.archived"
	SubjectIndexingStarted   = "indexing.started"
	SubjectIndexingCompleted = "indexing.completed"
	SubjectIndexingFailed    = "indexing.failed"
	SubjectLockAcquired      = "lock.acquired"
	SubjectLockReleased      = "lock.released"
	SubjectLockExpired       = "lock.expired"
	SubjectAuditActivity     = "audit.activity.v1"
)
