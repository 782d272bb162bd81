package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/ramus-io/ramus/internal/indexer"
	"github.com/ramus-io/ramus/internal/lockmgr"
	"github.com/ramus-io/ramus/internal/merge"
	"github.com/ramus-io/ramus/internal/model"
	"github.com/ramus-io/ramus/internal/shadow"
	"github.com/ramus-io/ramus/internal/storage"
)

// respondError maps domain errors onto the standard error envelope. Lock
// conflicts get the full 423 payload; everything unrecognized is a 500 with
// the cause kept in the logs only.
func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		lockConflict *lockmgr.ErrLockConflict
		verConflict  *storage.VersionConflictError
	)
	switch {
	case errors.As(err, &lockConflict):
		writeErrorDetails(w, r, http.StatusLocked, model.ErrCodeLocked,
			"resource is locked", lockConflict.Conflicting)
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	case errors.As(err, &verConflict):
		writeErrorDetails(w, r, http.StatusPreconditionFailed, model.ErrCodePreconditionFailed,
			"version mismatch, reload and retry",
			map[string]int64{"current_version": verConflict.Current})
	case errors.Is(err, storage.ErrVersionConflict):
		writeError(w, r, http.StatusPreconditionFailed, model.ErrCodePreconditionFailed,
			"version mismatch, reload and retry")
	case errors.Is(err, storage.ErrDuplicateAPIName):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "api_name already in use")
	case errors.Is(err, storage.ErrReferenced):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
			"entity is referenced by other entities")
	case errors.Is(err, storage.ErrShadowInProgress):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
			"a shadow build is already running for this branch and index type")
	case errors.Is(err, storage.ErrAdvisoryLockTimeout):
		writeError(w, r, http.StatusConflict, model.ErrCodeTimeout,
			"branch is busy, retry")
	case errors.Is(err, lockmgr.ErrLockGone):
		writeError(w, r, http.StatusGone, model.ErrCodeGone, "lock no longer exists")
	case errors.Is(err, shadow.ErrShadowState):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, errBranchNotWritable):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, errBranchNotWritable.Error())
	case errors.Is(err, errIllegalTransition):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, errIllegalTransition.Error())
	case errors.Is(err, errSelfApproval):
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, errSelfApproval.Error())
	case errors.Is(err, merge.ErrNotApproved), errors.Is(err, merge.ErrBranchNotWritable):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, indexer.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable,
			"indexer is unavailable")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, model.ErrCodeTimeout, "operation timed out")
	default:
		h.logger.Error("request failed",
			"error", err,
			"path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal error")
	}
}
