package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ramus-io/ramus/internal/audit"
	"github.com/ramus-io/ramus/internal/auth"
	"github.com/ramus-io/ramus/internal/freeze"
	"github.com/ramus-io/ramus/internal/indexer"
	"github.com/ramus-io/ramus/internal/lockmgr"
	"github.com/ramus-io/ramus/internal/merge"
	"github.com/ramus-io/ramus/internal/model"
	"github.com/ramus-io/ramus/internal/outbox"
	"github.com/ramus-io/ramus/internal/shadow"
	"github.com/ramus-io/ramus/internal/storage"
)

// errBranchNotWritable rejects writes against branches outside ACTIVE/READY.
var errBranchNotWritable = errors.New("server: branch does not accept writes in its current state")

var (
	errIllegalTransition = errors.New("server: transition not allowed from current status")
	errSelfApproval      = errors.New("server: changeset author cannot approve their own changeset")
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db        *storage.DB
	locks     *lockmgr.Manager
	gate      *freeze.Gate
	events    *outbox.Emitter
	merger    *merge.Engine
	compactor *merge.Compactor
	shadows   *shadow.Controller
	auditor   *audit.Recorder
	verifier  *auth.Verifier
	indexer   *indexer.Client // nil when no indexer URL is configured
	logger    *slog.Logger
	startedAt time.Time
	version   string
	maxBody   int64
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.version,
		"uptime":  time.Since(h.startedAt).String(),
	})
}

// HandleReady handles GET /ready: the store must answer.
func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "store unreachable")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

// actor returns the verified caller subject for audit and event attribution.
func actor(r *http.Request) string {
	if user, ok := auth.UserFrom(r.Context()); ok {
		return user.Subject
	}
	return ""
}

// actorRoles returns the caller's roles for the audit trail.
func actorRoles(r *http.Request) []string {
	if user, ok := auth.UserFrom(r.Context()); ok {
		return user.Roles
	}
	return nil
}

// eventMeta builds outbox metadata from the request.
func eventMeta(r *http.Request, branch string) outbox.Meta {
	return outbox.Meta{
		CorrelationID: RequestIDFromContext(r.Context()),
		Branch:        branch,
		Author:        actor(r),
	}
}

// limitBody caps the request body at the configured maximum.
func (h *Handlers) limitBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
}

// ifMatchVersion parses the optional If-Match header into an expected
// version. A missing header returns (nil, true). Quotes around the value
// are accepted since etag emits strong ETags.
func ifMatchVersion(r *http.Request) (*int64, bool) {
	raw := strings.Trim(r.Header.Get("If-Match"), `"`)
	if raw == "" {
		return nil, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 1 {
		return nil, false
	}
	return &v, true
}

// pathUUID parses a path value as a UUID.
func pathUUID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	return id, err == nil
}

// queryInt reads an integer query parameter with a default.
func queryInt(r *http.Request, name string, def int) int {
	if raw := r.URL.Query().Get(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return def
}

// etag renders an entity version as a strong ETag.
func etag(version int64) string {
	return fmt.Sprintf("%q", strconv.FormatInt(version, 10))
}

// auditEntry builds a successful audit record for the current request.
func (h *Handlers) auditEntry(r *http.Request, action, targetKind, targetID, branch string, start time.Time) audit.Entry {
	return audit.Entry{
		Action:     action,
		ActorID:    actor(r),
		ActorRoles: actorRoles(r),
		TargetKind: targetKind,
		TargetID:   targetID,
		Branch:     branch,
		Success:    true,
		Duration:   time.Since(start),
	}
}
