package server

import (
	"net/http"
	"strconv"

	"github.com/ramus-io/ramus/internal/model"
)

// HandleListDeadLetters handles GET /v1/outbox/dead-letters.
func (h *Handlers) HandleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	dls, err := h.db.ListDeadLetters(r.Context(), limit, offset)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, dls)
}

// HandleRequeueDeadLetter handles POST /v1/outbox/dead-letters/{id}/requeue.
// Operator action after a downstream outage: the event gets a fresh retry
// budget and rejoins the pending queue.
func (h *Handlers) HandleRequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "invalid dead letter id")
		return
	}
	maxRetries := queryInt(r, "max_retries", 3)
	if err := h.db.RequeueDeadLetter(r.Context(), id, maxRetries); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleOutboxStats handles GET /v1/outbox/stats.
func (h *Handlers) HandleOutboxStats(w http.ResponseWriter, r *http.Request) {
	pending, deadLettered, err := h.db.OutboxDepth(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]int64{
		"pending":       pending,
		"dead_lettered": deadLettered,
	})
}

// HandleLockAuditTrail handles GET /v1/locks/{id}/audit.
func (h *Handlers) HandleLockAuditTrail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "invalid lock id")
		return
	}
	entries, err := h.db.ListLockAudit(r.Context(), id, queryInt(r, "limit", 100))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, entries)
}

// HandleGetEntityByName handles
// GET /v1/branches/{branch}/entities/by-name/{kind}/{api_name}.
func (h *Handlers) HandleGetEntityByName(w http.ResponseWriter, r *http.Request) {
	kind := model.EntityKind(r.PathValue("kind"))
	if !kind.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "unknown entity kind")
		return
	}
	e, err := h.db.GetEntityByAPIName(r.Context(), r.PathValue("branch"), kind, r.PathValue("api_name"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	w.Header().Set("ETag", etag(e.Version))
	writeJSON(w, r, http.StatusOK, e)
}

type invalidateSubjectRequest struct {
	Subject string `json:"subject"`
	EventID string `json:"event_id,omitempty"`
}

// HandleInvalidateSubject handles POST /v1/auth/invalidate. The identity
// service calls this on role changes so cached tokens stop granting the old
// scopes. An event_id makes retried webhook deliveries idempotent.
func (h *Handlers) HandleInvalidateSubject(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	var req invalidateSubjectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
		return
	}
	if req.Subject == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "subject is required")
		return
	}
	if req.EventID != "" {
		fresh, err := h.db.MarkEventConsumed(r.Context(), "auth-invalidation", req.EventID)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		if !fresh {
			writeJSON(w, r, http.StatusOK, map[string]bool{"replayed": true})
			return
		}
	}
	h.verifier.InvalidateSubject(req.Subject)
	writeJSON(w, r, http.StatusOK, map[string]bool{"invalidated": true})
}
