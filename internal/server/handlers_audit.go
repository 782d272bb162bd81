package server

import (
	"net/http"
	"time"

	"github.com/ramus-io/ramus/internal/model"
	"github.com/ramus-io/ramus/internal/storage"
)

// HandleQueryAudit handles GET /v1/audit with optional filters.
func (h *Handlers) HandleQueryAudit(w http.ResponseWriter, r *http.Request) {
	q := storage.AuditQuery{
		ActorID:    r.URL.Query().Get("actor"),
		Action:     r.URL.Query().Get("action"),
		TargetKind: r.URL.Query().Get("target_kind"),
		TargetID:   r.URL.Query().Get("target_id"),
		Branch:     r.URL.Query().Get("branch"),
		Limit:      queryInt(r, "limit", 100),
		Offset:     queryInt(r, "offset", 0),
	}
	for name, dst := range map[string]*time.Time{"since": &q.Since, "until": &q.Until} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, name+" must be RFC 3339")
			return
		}
		*dst = t
	}

	records, err := h.auditor.Query(r.Context(), q)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, records)
}

// HandleVerifyAudit handles POST /v1/audit/verify: recomputes every sealed
// checkpoint and reports any range whose hash chain no longer matches.
func (h *Handlers) HandleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	problems, err := h.auditor.VerifyCheckpoints(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"valid":    len(problems) == 0,
		"problems": problems,
	})
}
