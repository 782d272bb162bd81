package server

import (
	"net/http"
	"time"

	"github.com/ramus-io/ramus/internal/indexer"
	"github.com/ramus-io/ramus/internal/model"
)

type startShadowRequest struct {
	IndexType     string   `json:"index_type"`
	ResourceTypes []string `json:"resource_types,omitempty"`
}

// HandleStartShadowBuild handles POST /v1/branches/{branch}/indexes.
func (h *Handlers) HandleStartShadowBuild(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	branch := r.PathValue("branch")
	var req startShadowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
		return
	}
	if req.IndexType == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "index_type is required")
		return
	}

	s, err := h.shadows.StartShadowBuild(r.Context(), branch, req.IndexType, req.ResourceTypes, actor(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	// Kick the external builder when one is configured. A delivery failure
	// cancels the registration so no orphaned PREPARING row remains.
	if h.indexer != nil {
		if err := h.indexer.TriggerBuild(r.Context(), indexer.BuildRequest{
			ShadowID:      s.ID,
			Branch:        branch,
			IndexType:     req.IndexType,
			TargetPath:    s.ShadowPath,
			ResourceTypes: req.ResourceTypes,
		}); err != nil {
			if _, cancelErr := h.shadows.CancelShadowBuild(r.Context(), s.ID, "indexer trigger failed", actor(r)); cancelErr != nil {
				h.logger.Error("shadow cancel after trigger failure", "shadow_id", s.ID, "error", cancelErr)
			}
			h.respondError(w, r, err)
			return
		}
	}
	writeJSON(w, r, http.StatusCreated, s)
}

// HandleListShadows handles GET /v1/branches/{branch}/indexes.
func (h *Handlers) HandleListShadows(w http.ResponseWriter, r *http.Request) {
	shadows, err := h.shadows.List(r.Context(), r.PathValue("branch"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, shadows)
}

// HandleShadowStatus handles GET /v1/indexes/{id}.
func (h *Handlers) HandleShadowStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "invalid index id")
		return
	}
	s, err := h.shadows.Status(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, s)
}

type shadowProgressRequest struct {
	ProgressPct float64 `json:"progress_pct"`
	ETASeconds  *int64  `json:"eta_s,omitempty"`
	RecordCount *int64  `json:"record_count,omitempty"`
}

// HandleShadowProgress handles POST /v1/indexes/{id}/progress.
func (h *Handlers) HandleShadowProgress(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "invalid index id")
		return
	}
	var req shadowProgressRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
		return
	}
	s, err := h.shadows.UpdateProgress(r.Context(), id, req.ProgressPct, req.ETASeconds, req.RecordCount)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, s)
}

type completeShadowRequest struct {
	SizeBytes   int64 `json:"size_bytes"`
	RecordCount int64 `json:"record_count"`
}

// HandleCompleteShadowBuild handles POST /v1/indexes/{id}/complete.
func (h *Handlers) HandleCompleteShadowBuild(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "invalid index id")
		return
	}
	var req completeShadowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
		return
	}
	s, err := h.shadows.CompleteShadowBuild(r.Context(), id, req.SizeBytes, req.RecordCount)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, s)
}

// HandleShadowSwitch handles POST /v1/indexes/{id}/switch. A failed switch
// still returns the result so the caller sees what went wrong.
func (h *Handlers) HandleShadowSwitch(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "invalid index id")
		return
	}
	var req model.SwitchRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
			return
		}
	}

	s, err := h.shadows.Status(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	start := time.Now()
	result, err := h.shadows.RequestAtomicSwitch(r.Context(), id, req, actor(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.auditor.Record(r.Context(), h.auditEntry(r, "index.switched", "shadow_index", id.String(), s.Branch, start))
	status := http.StatusOK
	if !result.Success {
		status = http.StatusConflict
	}
	writeJSON(w, r, status, result)
}

type cancelShadowRequest struct {
	Reason string `json:"reason"`
}

// HandleCancelShadowBuild handles POST /v1/indexes/{id}/cancel.
func (h *Handlers) HandleCancelShadowBuild(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "invalid index id")
		return
	}
	var req cancelShadowRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
			return
		}
	}
	s, err := h.shadows.CancelShadowBuild(r.Context(), id, req.Reason, actor(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if h.indexer != nil {
		if err := h.indexer.CancelBuild(r.Context(), id); err != nil {
			h.logger.Warn("indexer cancel failed", "shadow_id", id, "error", err)
		}
	}
	writeJSON(w, r, http.StatusOK, s)
}
