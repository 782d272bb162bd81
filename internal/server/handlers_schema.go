package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ramus-io/ramus/internal/model"
	"github.com/ramus-io/ramus/internal/storage"
)

// entitySubject derives the event subject for an entity mutation, e.g.
// object_type + created -> "objecttype.created".
func entitySubject(kind model.EntityKind, verb string) string {
	return strings.ReplaceAll(string(kind), "_", "") + "." + verb
}

// checkFrozen runs the admission gate and writes the 423 payload when the
// write collides with an active lock. The payload shape is part of the API
// contract, so it goes out bare rather than in the error envelope.
func (h *Handlers) checkFrozen(w http.ResponseWriter, r *http.Request, branch, resourceType, resourceID string) bool {
	payload, err := h.gate.Check(r.Context(), branch, resourceType, resourceID)
	if err != nil {
		h.respondError(w, r, err)
		return false
	}
	if payload != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusLocked)
		_ = json.NewEncoder(w).Encode(payload)
		return false
	}
	return true
}

// HandleListEntities handles GET /v1/branches/{branch}/entities.
func (h *Handlers) HandleListEntities(w http.ResponseWriter, r *http.Request) {
	branch := r.PathValue("branch")
	var kind *model.EntityKind
	if raw := r.URL.Query().Get("kind"); raw != "" {
		k := model.EntityKind(raw)
		if !k.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "unknown entity kind")
			return
		}
		kind = &k
	}
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	entities, err := h.db.ListEntities(r.Context(), branch, kind, limit, offset)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, entities)
}

// HandleGetEntity handles GET /v1/branches/{branch}/entities/{rid}.
func (h *Handlers) HandleGetEntity(w http.ResponseWriter, r *http.Request) {
	rid, ok := pathUUID(r, "rid")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "invalid rid")
		return
	}
	e, err := h.db.GetEntity(r.Context(), r.PathValue("branch"), rid)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	w.Header().Set("ETag", etag(e.Version))
	writeJSON(w, r, http.StatusOK, e)
}

// HandleCreateEntity handles POST /v1/branches/{branch}/entities.
func (h *Handlers) HandleCreateEntity(w http.ResponseWriter, r *http.Request) {
	h.writeEntity(w, r, true)
}

// HandleUpdateEntity handles PUT /v1/branches/{branch}/entities/{rid}.
func (h *Handlers) HandleUpdateEntity(w http.ResponseWriter, r *http.Request) {
	h.writeEntity(w, r, false)
}

// writeEntity is the shared create/update path: gate check, then one
// transaction holding the branch advisory lock for the write, outbox insert
// and audit record.
func (h *Handlers) writeEntity(w http.ResponseWriter, r *http.Request, create bool) {
	h.limitBody(w, r)
	branch := r.PathValue("branch")

	var e model.SchemaEntity
	if err := decodeJSON(r, &e); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
		return
	}
	e.Branch = branch
	if !create {
		rid, ok := pathUUID(r, "rid")
		if !ok {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "invalid rid")
			return
		}
		e.RID = rid
	}
	if err := e.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
		return
	}

	expected, ok := ifMatchVersion(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "malformed If-Match header")
		return
	}
	if !h.checkFrozen(w, r, branch, string(e.Kind), e.RID.String()) {
		return
	}

	verb := "updated"
	status := http.StatusOK
	if create {
		verb = "created"
		status = http.StatusCreated
		e.CreatedBy = actor(r)
	}
	e.UpdatedBy = actor(r)

	idemKey := r.Header.Get("Idempotency-Key")
	var out model.SchemaEntity
	var replayed []byte
	start := time.Now()
	err := storage.WithRetry(r.Context(), 3, 50*time.Millisecond, func() error {
		return h.db.WithTx(r.Context(), func(tx pgx.Tx) error {
			ctx := r.Context()
			if err := storage.AdvisoryLock(ctx, tx, storage.BranchLockKey(branch), 5*time.Second); err != nil {
				return err
			}
			if idemKey != "" {
				stored, fresh, err := h.db.ClaimIdempotencyKeyTx(ctx, tx, idemKey, "entity."+verb)
				if err != nil {
					return err
				}
				if !fresh {
					replayed = stored
					return nil
				}
			}
			branchState, err := h.db.GetBranchTx(ctx, tx, branch)
			if err != nil {
				return err
			}
			if !branchState.Writable() {
				return errBranchNotWritable
			}

			out, err = h.db.PutEntityTx(ctx, tx, e, expected)
			if err != nil {
				return err
			}
			if err := h.events.EmitTx(ctx, tx, entitySubject(e.Kind, verb), out, eventMeta(r, branch)); err != nil {
				return err
			}
			if idemKey != "" {
				if err := h.db.StoreIdempotentResponseTx(ctx, tx, idemKey, out); err != nil {
					return err
				}
			}
			return h.auditor.RecordTx(ctx, tx, h.auditEntry(r, "schema."+verb, string(e.Kind), out.RID.String(), branch, start))
		})
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if replayed != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(replayed)
		return
	}
	w.Header().Set("ETag", etag(out.Version))
	writeJSON(w, r, status, out)
}

// HandleDeleteEntity handles DELETE /v1/branches/{branch}/entities/{rid}.
// ?cascade=true also removes referencing entities.
func (h *Handlers) HandleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	branch := r.PathValue("branch")
	rid, ok := pathUUID(r, "rid")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "invalid rid")
		return
	}
	expected, ok := ifMatchVersion(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "malformed If-Match header")
		return
	}
	cascade := r.URL.Query().Get("cascade") == "true"

	current, err := h.db.GetEntity(r.Context(), branch, rid)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if !h.checkFrozen(w, r, branch, string(current.Kind), rid.String()) {
		return
	}

	version := current.Version
	if expected != nil {
		version = *expected
	}
	start := time.Now()
	err = storage.WithRetry(r.Context(), 3, 50*time.Millisecond, func() error {
		return h.db.WithTx(r.Context(), func(tx pgx.Tx) error {
			ctx := r.Context()
			if err := storage.AdvisoryLock(ctx, tx, storage.BranchLockKey(branch), 5*time.Second); err != nil {
				return err
			}
			if err := h.db.DeleteEntityTx(ctx, tx, branch, rid, version, cascade); err != nil {
				return err
			}
			if err := h.events.EmitTx(ctx, tx, entitySubject(current.Kind, "deleted"), map[string]any{
				"rid":      rid,
				"kind":     current.Kind,
				"api_name": current.APIName,
			}, eventMeta(r, branch)); err != nil {
				return err
			}
			return h.auditor.RecordTx(ctx, tx, h.auditEntry(r, "schema.deleted", string(current.Kind), rid.String(), branch, start))
		})
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
