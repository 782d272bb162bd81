package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ramus-io/ramus/internal/audit"
	"github.com/ramus-io/ramus/internal/auth"
	"github.com/ramus-io/ramus/internal/authz"
	"github.com/ramus-io/ramus/internal/freeze"
	"github.com/ramus-io/ramus/internal/indexer"
	"github.com/ramus-io/ramus/internal/lockmgr"
	"github.com/ramus-io/ramus/internal/merge"
	"github.com/ramus-io/ramus/internal/outbox"
	"github.com/ramus-io/ramus/internal/shadow"
	"github.com/ramus-io/ramus/internal/storage"
)

// Server is the ramus HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and settings for creating a Server.
type Config struct {
	DB        *storage.DB
	Locks     *lockmgr.Manager
	Gate      *freeze.Gate
	Events    *outbox.Emitter
	Merger    *merge.Engine
	Compactor *merge.Compactor
	Shadows   *shadow.Controller
	Auditor   *audit.Recorder
	Verifier  *auth.Verifier
	APIKeys   *auth.APIKeyAuthenticator
	Indexer   *indexer.Client
	Logger    *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
	Version             string
}

// New creates the HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := &Handlers{
		db:        cfg.DB,
		locks:     cfg.Locks,
		gate:      cfg.Gate,
		events:    cfg.Events,
		merger:    cfg.Merger,
		compactor: cfg.Compactor,
		shadows:   cfg.Shadows,
		auditor:   cfg.Auditor,
		verifier:  cfg.Verifier,
		indexer:   cfg.Indexer,
		logger:    cfg.Logger,
		startedAt: time.Now(),
		version:   cfg.Version,
		maxBody:   cfg.MaxRequestBodyBytes,
	}

	read := requireScope(authz.CapSchemasRead)
	write := requireScope(authz.CapSchemasWrite)
	branches := requireScope(authz.CapBranchesWrite)
	approve := requireScope(authz.CapProposalsApprove)
	admin := requireScope(authz.CapSystemAdmin)
	service := requireScope(authz.CapServiceAccount)

	mux := http.NewServeMux()

	// Schema CRUD.
	mux.Handle("GET /v1/branches/{branch}/entities", read(http.HandlerFunc(h.HandleListEntities)))
	mux.Handle("GET /v1/branches/{branch}/entities/{rid}", read(http.HandlerFunc(h.HandleGetEntity)))
	mux.Handle("POST /v1/branches/{branch}/entities", write(http.HandlerFunc(h.HandleCreateEntity)))
	mux.Handle("PUT /v1/branches/{branch}/entities/{rid}", write(http.HandlerFunc(h.HandleUpdateEntity)))
	mux.Handle("DELETE /v1/branches/{branch}/entities/{rid}", write(http.HandlerFunc(h.HandleDeleteEntity)))

	// Branch operations.
	mux.Handle("GET /v1/branches", read(http.HandlerFunc(h.HandleListBranches)))
	mux.Handle("GET /v1/branches/{branch}", read(http.HandlerFunc(h.HandleGetBranch)))
	mux.Handle("POST /v1/branches", branches(http.HandlerFunc(h.HandleCreateBranch)))
	mux.Handle("POST /v1/branches/{branch}/archive", admin(http.HandlerFunc(h.HandleArchiveBranch)))
	mux.Handle("POST /v1/branches/{branch}/compact", admin(http.HandlerFunc(h.HandleCompactBranch)))

	// Changesets and merges.
	mux.Handle("POST /v1/changesets", branches(http.HandlerFunc(h.HandleCreateChangeSet)))
	mux.Handle("GET /v1/changesets", read(http.HandlerFunc(h.HandleListChangeSets)))
	mux.Handle("GET /v1/changesets/{id}", read(http.HandlerFunc(h.HandleGetChangeSet)))
	mux.Handle("POST /v1/changesets/{id}/submit", branches(http.HandlerFunc(h.HandleSubmitChangeSet)))
	mux.Handle("POST /v1/changesets/{id}/approve", approve(http.HandlerFunc(h.HandleApproveChangeSet)))
	mux.Handle("POST /v1/changesets/{id}/reject", approve(http.HandlerFunc(h.HandleRejectChangeSet)))
	mux.Handle("POST /v1/changesets/{id}/merge", branches(http.HandlerFunc(h.HandleMergeChangeSet)))

	// Lock administration.
	mux.Handle("GET /v1/branches/{branch}/locks", read(http.HandlerFunc(h.HandleListLocks)))
	mux.Handle("GET /v1/locks/{id}", read(http.HandlerFunc(h.HandleGetLock)))
	mux.Handle("POST /v1/locks", admin(http.HandlerFunc(h.HandleAcquireLock)))
	mux.Handle("DELETE /v1/locks/{id}", write(http.HandlerFunc(h.HandleReleaseLock)))
	mux.Handle("POST /v1/locks/{id}/heartbeat", service(http.HandlerFunc(h.HandleHeartbeat)))
	mux.Handle("POST /v1/locks/{id}/extend", admin(http.HandlerFunc(h.HandleExtendLock)))
	mux.Handle("POST /v1/branches/{branch}/force-unlock", admin(http.HandlerFunc(h.HandleForceUnlock)))
	mux.Handle("POST /v1/branches/{branch}/indexing/lock", service(http.HandlerFunc(h.HandleLockForIndexing)))
	mux.Handle("POST /v1/branches/{branch}/indexing/complete", service(http.HandlerFunc(h.HandleCompleteIndexing)))

	// Shadow index lifecycle.
	mux.Handle("POST /v1/branches/{branch}/indexes", service(http.HandlerFunc(h.HandleStartShadowBuild)))
	mux.Handle("GET /v1/branches/{branch}/indexes", read(http.HandlerFunc(h.HandleListShadows)))
	mux.Handle("GET /v1/indexes/{id}", read(http.HandlerFunc(h.HandleShadowStatus)))
	mux.Handle("POST /v1/indexes/{id}/progress", service(http.HandlerFunc(h.HandleShadowProgress)))
	mux.Handle("POST /v1/indexes/{id}/complete", service(http.HandlerFunc(h.HandleCompleteShadowBuild)))
	mux.Handle("POST /v1/indexes/{id}/switch", service(http.HandlerFunc(h.HandleShadowSwitch)))
	mux.Handle("POST /v1/indexes/{id}/cancel", service(http.HandlerFunc(h.HandleCancelShadowBuild)))

	// Audit trail.
	mux.Handle("GET /v1/audit", admin(http.HandlerFunc(h.HandleQueryAudit)))
	mux.Handle("POST /v1/audit/verify", admin(http.HandlerFunc(h.HandleVerifyAudit)))

	// Operator surface.
	mux.Handle("GET /v1/branches/{branch}/entities/by-name/{kind}/{api_name}", read(http.HandlerFunc(h.HandleGetEntityByName)))
	mux.Handle("GET /v1/locks/{id}/audit", admin(http.HandlerFunc(h.HandleLockAuditTrail)))
	mux.Handle("GET /v1/outbox/dead-letters", admin(http.HandlerFunc(h.HandleListDeadLetters)))
	mux.Handle("POST /v1/outbox/dead-letters/{id}/requeue", admin(http.HandlerFunc(h.HandleRequeueDeadLetter)))
	mux.Handle("GET /v1/outbox/stats", admin(http.HandlerFunc(h.HandleOutboxStats)))
	mux.Handle("POST /v1/auth/invalidate", admin(http.HandlerFunc(h.HandleInvalidateSubject)))

	// Health (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /ready", h.HandleReady)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.Verifier, cfg.APIKeys, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
