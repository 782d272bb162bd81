package server

import (
	"net/http"
	"time"

	"github.com/ramus-io/ramus/internal/lockmgr"
	"github.com/ramus-io/ramus/internal/model"
)

type acquireLockRequest struct {
	Branch             string  `json:"branch"`
	Scope              string  `json:"scope"`
	ResourceType       *string `json:"resource_type,omitempty"`
	ResourceID         *string `json:"resource_id,omitempty"`
	Type               string  `json:"type"`
	TimeoutS           int     `json:"timeout_s"`
	HeartbeatIntervalS *int    `json:"heartbeat_interval_s,omitempty"`
	AutoRelease        bool    `json:"auto_release"`
}

// HandleListLocks handles GET /v1/branches/{branch}/locks.
func (h *Handlers) HandleListLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := h.locks.ListLocks(r.Context(), r.PathValue("branch"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, locks)
}

// HandleGetLock handles GET /v1/locks/{id}, with computed health fields so
// operators can tell a live lock from a zombie at a glance.
func (h *Handlers) HandleGetLock(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "invalid lock id")
		return
	}
	lock, err := h.locks.GetLock(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	now := time.Now().UTC()
	writeJSON(w, r, http.StatusOK, map[string]any{
		"lock":         lock,
		"expired":      lock.Expired(now, model.HeartbeatGraceFactor),
		"progress_pct": lock.IndexingProgress(now),
		"eta_seconds":  lock.ETASeconds(now),
	})
}

// HandleAcquireLock handles POST /v1/locks.
func (h *Handlers) HandleAcquireLock(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	var req acquireLockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
		return
	}
	if req.Branch == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "branch is required")
		return
	}
	scope := model.LockScope(req.Scope)
	switch scope {
	case model.ScopeBranch, model.ScopeResourceType, model.ScopeResource:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "unknown lock scope")
		return
	}
	lockType := model.LockType(req.Type)
	if lockType == "" {
		lockType = model.LockManual
	}
	switch lockType {
	case model.LockIndexing, model.LockMaintenance, model.LockManual:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "unknown lock type")
		return
	}

	lock, err := h.locks.AcquireLock(r.Context(), lockmgr.AcquireRequest{
		Branch:            req.Branch,
		Scope:             scope,
		ResourceType:      req.ResourceType,
		ResourceID:        req.ResourceID,
		Type:              lockType,
		Holder:            actor(r),
		Timeout:           time.Duration(req.TimeoutS) * time.Second,
		HeartbeatInterval: req.HeartbeatIntervalS,
		AutoRelease:       req.AutoRelease,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, lock)
}

// HandleReleaseLock handles DELETE /v1/locks/{id}.
func (h *Handlers) HandleReleaseLock(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "invalid lock id")
		return
	}
	reason := r.URL.Query().Get("reason")
	if err := h.locks.ReleaseLock(r.Context(), id, reason, actor(r)); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type heartbeatRequest struct {
	Source      string   `json:"source"`
	ProgressPct *float64 `json:"progress_pct,omitempty"`
}

// HandleHeartbeat handles POST /v1/locks/{id}/heartbeat.
func (h *Handlers) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "invalid lock id")
		return
	}
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
		return
	}
	if req.Source == "" {
		req.Source = actor(r)
	}
	lock, err := h.locks.Heartbeat(r.Context(), id, req.Source, req.ProgressPct)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, lock)
}

type extendLockRequest struct {
	ExtensionS int    `json:"extension_s"`
	Reason     string `json:"reason"`
}

// HandleExtendLock handles POST /v1/locks/{id}/extend.
func (h *Handlers) HandleExtendLock(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "invalid lock id")
		return
	}
	var req extendLockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
		return
	}
	if req.ExtensionS <= 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "extension_s must be positive")
		return
	}
	lock, err := h.locks.ExtendTTL(r.Context(), id, time.Duration(req.ExtensionS)*time.Second, req.Reason)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, lock)
}

type lockForIndexingRequest struct {
	ResourceTypes      []string `json:"resource_types,omitempty"`
	ForceBranchLock    bool     `json:"force_branch_lock"`
	HeartbeatIntervalS *int     `json:"heartbeat_interval_s,omitempty"`
}

// HandleLockForIndexing handles POST /v1/branches/{branch}/indexing/lock.
// The indexer calls this before a build; omitted resource types fall back to
// inference from the branch name.
func (h *Handlers) HandleLockForIndexing(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	branch := r.PathValue("branch")
	var req lockForIndexingRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
			return
		}
	}

	locks, err := h.locks.LockForIndexing(r.Context(), branch, req.ResourceTypes,
		req.ForceBranchLock, actor(r), req.HeartbeatIntervalS)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, locks)
}

type completeIndexingRequest struct {
	ResourceTypes []string `json:"resource_types,omitempty"`
}

// HandleCompleteIndexing handles POST /v1/branches/{branch}/indexing/complete.
// Listing a subset of resource types releases only those locks.
func (h *Handlers) HandleCompleteIndexing(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	branch := r.PathValue("branch")
	var req completeIndexingRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
			return
		}
	}

	released, err := h.locks.CompleteIndexing(r.Context(), branch, req.ResourceTypes, actor(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"branch":         branch,
		"locks_released": released,
	})
}

type forceUnlockRequest struct {
	Reason string `json:"reason"`
}

// HandleForceUnlock handles POST /v1/branches/{branch}/force-unlock: the
// operator escape hatch that releases every lock on the branch.
func (h *Handlers) HandleForceUnlock(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	branch := r.PathValue("branch")
	var req forceUnlockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
		return
	}
	if req.Reason == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "reason is required")
		return
	}

	start := time.Now()
	released, err := h.locks.ForceUnlock(r.Context(), branch, req.Reason, actor(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.auditor.Record(r.Context(), h.auditEntry(r, "lock.force_unlocked", "branch", branch, branch, start))
	writeJSON(w, r, http.StatusOK, map[string]any{
		"branch":         branch,
		"locks_released": released,
	})
}
