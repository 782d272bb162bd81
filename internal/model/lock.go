package model

import (
	"time"

	"github.com/google/uuid"
)

// LockScope is the granularity of an admission lock.
type LockScope string

const (
	ScopeBranch       LockScope = "BRANCH"
	ScopeResourceType LockScope = "RESOURCE_TYPE"
	ScopeResource     LockScope = "RESOURCE"
)

// LockType records why a lock was taken.
type LockType string

const (
	LockIndexing    LockType = "INDEXING"
	LockMaintenance LockType = "MAINTENANCE"
	LockManual      LockType = "MANUAL"
)

// HeartbeatGraceFactor is the multiple of the heartbeat interval after which
// a silent holder is presumed dead. Overridable via LOCK_HEARTBEAT_GRACE_FACTOR.
const HeartbeatGraceFactor = 3

// Lock is a resource-scoped admission lock with TTL and optional heartbeat
// liveness. Authoritative state lives in the store; in-process caches are
// advisory only.
type Lock struct {
	ID                 uuid.UUID  `json:"id"`
	Branch             string     `json:"branch"`
	Scope              LockScope  `json:"scope"`
	ResourceType       *string    `json:"resource_type,omitempty"`
	ResourceID         *string    `json:"resource_id,omitempty"`
	Type               LockType   `json:"type"`
	Holder             string     `json:"holder"`
	AcquiredAt         time.Time  `json:"acquired_at"`
	ExpiresAt          time.Time  `json:"expires_at"`
	LastHeartbeat      *time.Time `json:"last_heartbeat,omitempty"`
	HeartbeatIntervalS *int       `json:"heartbeat_interval_s,omitempty"`
	HeartbeatSource    string     `json:"heartbeat_source,omitempty"`
	AutoRelease        bool       `json:"auto_release"`
	Progress           *float64   `json:"progress,omitempty"` // 0..100, published via heartbeat
	Released           bool       `json:"-"`
}

// Expired reports whether the lock must be ignored by admission decisions:
// either the absolute TTL has passed, or heartbeats are enabled and the
// holder has been silent for more than graceFactor intervals.
func (l Lock) Expired(now time.Time, graceFactor int) bool {
	if l.Released {
		return true
	}
	if !now.Before(l.ExpiresAt) {
		return true
	}
	if l.HeartbeatIntervalS != nil {
		if graceFactor <= 0 {
			graceFactor = HeartbeatGraceFactor
		}
		last := l.AcquiredAt
		if l.LastHeartbeat != nil {
			last = *l.LastHeartbeat
		}
		grace := time.Duration(*l.HeartbeatIntervalS*graceFactor) * time.Second
		if now.Sub(last) > grace {
			return true
		}
	}
	return false
}

// ConflictsWith reports whether a lock at (scope, resourceType, resourceID)
// on the same branch would overlap l. Branches that differ never conflict.
// BRANCH intersects everything on the branch; RESOURCE_TYPE intersects the
// same type and any RESOURCE under it; RESOURCE intersects only the same
// (type, id) or a covering broader lock.
func (l Lock) ConflictsWith(branch string, scope LockScope, resourceType, resourceID *string) bool {
	if l.Branch != branch {
		return false
	}
	if l.Scope == ScopeBranch || scope == ScopeBranch {
		return true
	}
	// Both narrower than BRANCH: they intersect only within the same resource type.
	if l.ResourceType == nil || resourceType == nil || *l.ResourceType != *resourceType {
		return false
	}
	if l.Scope == ScopeResourceType || scope == ScopeResourceType {
		return true
	}
	// Both RESOURCE: same (type, id) only.
	return l.ResourceID != nil && resourceID != nil && *l.ResourceID == *resourceID
}

// Covers reports whether the lock blocks a write targeting the given
// resource type and id (either may be empty for broader writes).
func (l Lock) Covers(resourceType, resourceID string) bool {
	var rt, rid *string
	scope := ScopeBranch
	if resourceType != "" {
		rt = &resourceType
		scope = ScopeResourceType
	}
	if resourceID != "" {
		rid = &resourceID
		scope = ScopeResource
	}
	return l.ConflictsWith(l.Branch, scope, rt, rid)
}

// IndexingProgress estimates completion as a percentage. A precise value
// published via heartbeat wins; otherwise elapsed/total time is used,
// clamped to [0, 95] so the gate never reports a guess as done.
func (l Lock) IndexingProgress(now time.Time) int {
	if l.Progress != nil {
		p := int(*l.Progress)
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		return p
	}
	total := l.ExpiresAt.Sub(l.AcquiredAt)
	if total <= 0 {
		return 0
	}
	pct := int(float64(now.Sub(l.AcquiredAt)) / float64(total) * 100)
	if pct < 0 {
		pct = 0
	}
	if pct > 95 {
		pct = 95
	}
	return pct
}

// ETASeconds is the remaining lock lifetime clamped to >= 0.
func (l Lock) ETASeconds(now time.Time) int64 {
	s := int64(l.ExpiresAt.Sub(now).Seconds())
	if s < 0 {
		return 0
	}
	return s
}

// LockAuditAction enumerates lock_audit entries.
type LockAuditAction string

const (
	LockAuditAcquired     LockAuditAction = "acquired"
	LockAuditReleased     LockAuditAction = "released"
	LockAuditHeartbeat    LockAuditAction = "heartbeat"
	LockAuditExtended     LockAuditAction = "extended"
	LockAuditForceUnlock  LockAuditAction = "force_unlocked"
	LockAuditExpiredSweep LockAuditAction = "expired"
)

// Release reason codes recorded in lock_audit metadata.
const (
	ReleaseReasonTTLExpired      = "TTL_EXPIRED"
	ReleaseReasonHeartbeatMissed = "HEARTBEAT_MISSED"
)

// LockAuditEntry is one row of the append-only lock_audit trail.
type LockAuditEntry struct {
	ID           int64           `json:"id"`
	LockID       uuid.UUID       `json:"lock_id"`
	Branch       string          `json:"branch"`
	Scope        LockScope       `json:"scope"`
	ResourceType *string         `json:"resource_type,omitempty"`
	ResourceID   *string         `json:"resource_id,omitempty"`
	Holder       string          `json:"holder"`
	Action       LockAuditAction `json:"action"`
	Time         time.Time       `json:"time"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
}
