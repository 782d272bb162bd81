package server

import (
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ramus-io/ramus/internal/model"
	"github.com/ramus-io/ramus/internal/storage"
)

type createBranchRequest struct {
	Name       string `json:"name"`
	HeadCommit string `json:"head_commit"`
}

// HandleListBranches handles GET /v1/branches.
func (h *Handlers) HandleListBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := h.db.ListBranches(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, branches)
}

// HandleGetBranch handles GET /v1/branches/{branch}.
func (h *Handlers) HandleGetBranch(w http.ResponseWriter, r *http.Request) {
	b, err := h.db.GetBranch(r.Context(), r.PathValue("branch"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, b)
}

// HandleCreateBranch handles POST /v1/branches.
func (h *Handlers) HandleCreateBranch(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	var req createBranchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "name is required")
		return
	}

	start := time.Now()
	b, err := h.db.CreateBranch(r.Context(), req.Name, req.HeadCommit, actor(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	err = h.db.WithTx(r.Context(), func(tx pgx.Tx) error {
		if err := h.events.EmitTx(r.Context(), tx, model.SubjectBranchCreated, b, eventMeta(r, b.Name)); err != nil {
			return err
		}
		return h.auditor.RecordTx(r.Context(), tx, h.auditEntry(r, "branch.created", "branch", b.Name, b.Name, start))
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, b)
}

// HandleArchiveBranch handles POST /v1/branches/{branch}/archive. Archived
// branches reject all further writes.
func (h *Handlers) HandleArchiveBranch(w http.ResponseWriter, r *http.Request) {
	branch := r.PathValue("branch")
	start := time.Now()

	var archived model.Branch
	err := storage.WithRetry(r.Context(), 3, 50*time.Millisecond, func() error {
		return h.db.WithTx(r.Context(), func(tx pgx.Tx) error {
			ctx := r.Context()
			if err := storage.AdvisoryLock(ctx, tx, storage.BranchLockKey(branch), 5*time.Second); err != nil {
				return err
			}
			b, err := h.db.GetBranchTx(ctx, tx, branch)
			if err != nil {
				return err
			}
			if err := b.Transition(model.BranchArchived); err != nil {
				return errBranchNotWritable
			}
			archived, err = h.db.UpdateBranchTx(ctx, tx, b, actor(r))
			if err != nil {
				return err
			}
			if err := h.events.EmitTx(ctx, tx, model.SubjectBranchArchived, archived, eventMeta(r, branch)); err != nil {
				return err
			}
			return h.auditor.RecordTx(ctx, tx, h.auditEntry(r, "branch.archived", "branch", branch, branch, start))
		})
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, archived)
}

// HandleCompactBranch handles POST /v1/branches/{branch}/compact: folds
// linear history runs while preserving pinned commits.
func (h *Handlers) HandleCompactBranch(w http.ResponseWriter, r *http.Request) {
	branch := r.PathValue("branch")
	start := time.Now()

	folded, err := h.compactor.Compact(r.Context(), branch)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.auditor.Record(r.Context(), h.auditEntry(r, "branch.compacted", "branch", branch, branch, start))
	writeJSON(w, r, http.StatusOK, map[string]any{
		"branch":            branch,
		"commits_compacted": folded,
	})
}
