package server

import (
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ramus-io/ramus/internal/merge"
	"github.com/ramus-io/ramus/internal/model"
	"github.com/ramus-io/ramus/internal/storage"
)

// HandleCreateChangeSet handles POST /v1/changesets.
func (h *Handlers) HandleCreateChangeSet(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	var cs model.ChangeSet
	if err := decodeJSON(r, &cs); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
		return
	}
	if cs.SourceBranch == "" || cs.TargetBranch == "" || cs.Title == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument,
			"source_branch, target_branch and title are required")
		return
	}
	cs.CreatedBy = actor(r)

	start := time.Now()
	created, err := h.db.CreateChangeSet(r.Context(), cs)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.auditor.Record(r.Context(), h.auditEntry(r, "changeset.created", "changeset", created.ID.String(), created.TargetBranch, start))
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleListChangeSets handles GET /v1/changesets.
func (h *Handlers) HandleListChangeSets(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target_branch")
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	sets, err := h.db.ListChangeSets(r.Context(), target, limit, offset)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, sets)
}

// HandleGetChangeSet handles GET /v1/changesets/{id}.
func (h *Handlers) HandleGetChangeSet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "invalid changeset id")
		return
	}
	cs, err := h.db.GetChangeSet(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, cs)
}

// HandleSubmitChangeSet handles POST /v1/changesets/{id}/submit.
func (h *Handlers) HandleSubmitChangeSet(w http.ResponseWriter, r *http.Request) {
	h.transitionChangeSet(w, r, model.ChangeSetReview, "changeset.submitted", nil)
}

// HandleApproveChangeSet handles POST /v1/changesets/{id}/approve.
func (h *Handlers) HandleApproveChangeSet(w http.ResponseWriter, r *http.Request) {
	approver := actor(r)
	h.transitionChangeSet(w, r, model.ChangeSetApproved, "changeset.approved", func(cs *model.ChangeSet) error {
		if cs.CreatedBy == approver {
			return errSelfApproval
		}
		cs.ApprovedBy = &approver
		return nil
	})
}

// HandleRejectChangeSet handles POST /v1/changesets/{id}/reject.
func (h *Handlers) HandleRejectChangeSet(w http.ResponseWriter, r *http.Request) {
	h.transitionChangeSet(w, r, model.ChangeSetRejected, "changeset.rejected", nil)
}

// transitionChangeSet is the shared lifecycle path for submit, approve and
// reject. The state machine in the model decides legality; extra runs after
// the transition for status-specific bookkeeping.
func (h *Handlers) transitionChangeSet(w http.ResponseWriter, r *http.Request, to model.ChangeSetStatus, action string, extra func(*model.ChangeSet) error) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "invalid changeset id")
		return
	}

	start := time.Now()
	var out model.ChangeSet
	err := storage.WithRetry(r.Context(), 3, 50*time.Millisecond, func() error {
		return h.db.WithTx(r.Context(), func(tx pgx.Tx) error {
			ctx := r.Context()
			cs, err := h.db.GetChangeSetTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if err := cs.Transition(to); err != nil {
				return errIllegalTransition
			}
			if extra != nil {
				if err := extra(&cs); err != nil {
					return err
				}
			}
			out, err = h.db.UpdateChangeSetTx(ctx, tx, cs)
			if err != nil {
				return err
			}
			return h.auditor.RecordTx(ctx, tx, h.auditEntry(r, action, "changeset", id.String(), cs.TargetBranch, start))
		})
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

type mergeRequest struct {
	AutoResolve bool `json:"auto_resolve"`
}

// HandleMergeChangeSet handles POST /v1/changesets/{id}/merge. The engine
// returns a result either way; only a merged result is a 200.
func (h *Handlers) HandleMergeChangeSet(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "invalid changeset id")
		return
	}
	req := mergeRequest{AutoResolve: true}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
			return
		}
	}

	result, err := h.merger.MergeChangeSet(r.Context(), id, req.AutoResolve, actor(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	status := http.StatusOK
	if result.Status != merge.StatusMerged {
		status = http.StatusConflict
	}
	writeJSON(w, r, status, result)
}
