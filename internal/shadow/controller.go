package shadow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ramus-io/ramus/internal/lockmgr"
	"github.com/ramus-io/ramus/internal/model"
	"github.com/ramus-io/ramus/internal/outbox"
	"github.com/ramus-io/ramus/internal/storage"
)

// ErrShadowState is returned for operations that are illegal in the shadow's
// current lifecycle state.
var ErrShadowState = errors.New("shadow: operation not allowed in current state")

// Config bounds switches and places artifacts.
type Config struct {
	IndexRoot          string
	SwitchTimeout      time.Duration // Hard cap 10s, enforced by config validation.
	BackupBeforeSwitch bool
}

// Controller drives the shadow build lifecycle. Builds run without any
// branch write lock; only the switch window takes RESOURCE_TYPE locks.
type Controller struct {
	db       *storage.DB
	locks    *lockmgr.Manager
	events   *outbox.Emitter
	switcher *Switcher
	cfg      Config
	logger   *slog.Logger
}

// New wires a controller.
func New(db *storage.DB, locks *lockmgr.Manager, events *outbox.Emitter, cfg Config, logger *slog.Logger) *Controller {
	return &Controller{
		db:       db,
		locks:    locks,
		events:   events,
		switcher: NewSwitcher(logger),
		cfg:      cfg,
		logger:   logger,
	}
}

// StartShadowBuild registers a new build in PREPARING. At most one
// non-terminal build may exist per (branch, index_type); a second attempt
// fails with storage.ErrShadowInProgress.
func (c *Controller) StartShadowBuild(ctx context.Context, branch, indexType string, resourceTypes []string, actor string) (model.ShadowIndex, error) {
	if len(resourceTypes) == 0 {
		resourceTypes = lockmgr.InferResourceTypes(branch)
	}
	id := uuid.New()
	currentPath := filepath.Join(c.cfg.IndexRoot, branch, indexType, "current")
	s := model.ShadowIndex{
		ID:             id,
		Branch:         branch,
		IndexType:      indexType,
		ResourceTypes:  resourceTypes,
		State:          model.ShadowPreparing,
		BuildStartedAt: time.Now().UTC(),
		CurrentPath:    &currentPath,
		ShadowPath:     filepath.Join(c.cfg.IndexRoot, branch, indexType, "shadow-"+id.String()),
		Version:        1,
	}

	err := c.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := c.db.InsertShadowTx(ctx, tx, s); err != nil {
			return err
		}
		return c.events.EmitTx(ctx, tx, model.SubjectIndexingStarted, s, outbox.Meta{
			Branch: branch,
			Author: actor,
		})
	})
	if err != nil {
		return model.ShadowIndex{}, err
	}

	c.logger.Info("shadow build started",
		"shadow_id", id, "branch", branch, "index_type", indexType, "resource_types", resourceTypes)
	return s, nil
}

// UpdateProgress records build progress. The first progress report moves
// PREPARING to BUILDING.
func (c *Controller) UpdateProgress(ctx context.Context, id uuid.UUID, progressPct float64, etaS *int64, recordCount *int64) (model.ShadowIndex, error) {
	var out model.ShadowIndex
	err := c.db.WithTx(ctx, func(tx pgx.Tx) error {
		s, err := c.db.GetShadowTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if s.State == model.ShadowPreparing {
			if err := s.Transition(model.ShadowBuilding); err != nil {
				return err
			}
		}
		if s.State != model.ShadowBuilding {
			return fmt.Errorf("%w: progress on %s shadow", ErrShadowState, s.State)
		}
		s.ProgressPct = clampPct(progressPct)
		if etaS != nil {
			s.EstimatedCompletionS = etaS
		}
		if recordCount != nil {
			s.RecordCount = recordCount
		}
		out, err = c.db.UpdateShadowTx(ctx, tx, s)
		return err
	})
	return out, err
}

// CompleteShadowBuild transitions BUILDING to BUILT and records the final
// artifact stats.
func (c *Controller) CompleteShadowBuild(ctx context.Context, id uuid.UUID, sizeBytes, recordCount int64) (model.ShadowIndex, error) {
	var out model.ShadowIndex
	err := c.db.WithTx(ctx, func(tx pgx.Tx) error {
		s, err := c.db.GetShadowTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.Transition(model.ShadowBuilt); err != nil {
			return fmt.Errorf("%w: %v", ErrShadowState, err)
		}
		now := time.Now().UTC()
		s.ProgressPct = 100
		s.SizeBytes = &sizeBytes
		s.RecordCount = &recordCount
		s.BuildCompletedAt = &now
		out, err = c.db.UpdateShadowTx(ctx, tx, s)
		return err
	})
	return out, err
}

// CancelShadowBuild aborts a non-terminal build and removes its artifact.
func (c *Controller) CancelShadowBuild(ctx context.Context, id uuid.UUID, reason, actor string) (model.ShadowIndex, error) {
	var out model.ShadowIndex
	err := c.db.WithTx(ctx, func(tx pgx.Tx) error {
		s, err := c.db.GetShadowTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.Transition(model.ShadowCancelled); err != nil {
			return fmt.Errorf("%w: %v", ErrShadowState, err)
		}
		s.FailureReason = &reason
		out, err = c.db.UpdateShadowTx(ctx, tx, s)
		if err != nil {
			return err
		}
		return c.events.EmitTx(ctx, tx, model.SubjectIndexingFailed, out, outbox.Meta{
			Branch: s.Branch,
			Author: actor,
		})
	})
	if err != nil {
		return model.ShadowIndex{}, err
	}
	c.logger.Info("shadow build cancelled", "shadow_id", id, "reason", reason)
	return out, nil
}

// Status fetches the current lifecycle state.
func (c *Controller) Status(ctx context.Context, id uuid.UUID) (model.ShadowIndex, error) {
	return c.db.GetShadow(ctx, id)
}

// List lists builds for a branch (all branches when empty).
func (c *Controller) List(ctx context.Context, branch string) ([]model.ShadowIndex, error) {
	return c.db.ListShadows(ctx, branch, 0)
}

// RequestAtomicSwitch promotes a BUILT shadow to the active artifact. The
// affected resource types are locked only for the switch window; writes to
// everything else continue throughout.
func (c *Controller) RequestAtomicSwitch(ctx context.Context, id uuid.UUID, req model.SwitchRequest, actor string) (model.SwitchResult, error) {
	s, err := c.db.GetShadow(ctx, id)
	if err != nil {
		return model.SwitchResult{}, err
	}
	if s.State != model.ShadowBuilt {
		return model.SwitchResult{}, fmt.Errorf("%w: switch requires BUILT, have %s", ErrShadowState, s.State)
	}

	timeout := time.Duration(req.SwitchTimeoutS) * time.Second
	if timeout <= 0 || timeout > c.cfg.SwitchTimeout {
		timeout = c.cfg.SwitchTimeout
	}

	// Lock window: only the resource types this index covers, only for the
	// duration of the switch.
	heartbeat := 10
	held, err := c.locks.LockForIndexing(ctx, s.Branch, s.ResourceTypes, false, actor, &heartbeat)
	if err != nil {
		return model.SwitchResult{}, err
	}
	defer func() {
		for _, l := range held {
			if relErr := c.locks.ReleaseLock(context.WithoutCancel(ctx), l.ID, "switch window closed", actor); relErr != nil &&
				!errors.Is(relErr, lockmgr.ErrLockGone) {
				c.logger.Error("switch lock release failed", "lock_id", l.ID, "error", relErr)
			}
		}
	}()

	if _, err := c.transition(ctx, &s, model.ShadowSwitching, nil); err != nil {
		return model.SwitchResult{}, err
	}

	var recordCount int64
	if s.RecordCount != nil {
		recordCount = *s.RecordCount
	}
	backup := req.BackupCurrent || c.cfg.BackupBeforeSwitch

	result, switchErr := c.switcher.Switch(ctx, SwitchInput{
		CurrentPath:   deref(s.CurrentPath),
		ShadowPath:    s.ShadowPath,
		RecordCount:   recordCount,
		Strategy:      req.Strategy,
		BackupCurrent: backup,
		ForceSwitch:   req.ForceSwitch,
		Timeout:       timeout,
	})
	if switchErr != nil && !result.Success {
		result.VerificationErrors = append(result.VerificationErrors, switchErr.Error())
	}

	if result.Success {
		s.SwitchDurationMS = &result.SwitchDurationMS
		if _, err := c.transition(ctx, &s, model.ShadowActive, func(tx pgx.Tx) error {
			return c.events.EmitTx(ctx, tx, model.SubjectIndexingCompleted, s, outbox.Meta{
				Branch: s.Branch,
				Author: actor,
			})
		}); err != nil {
			return result, err
		}
		c.logger.Info("shadow switch complete",
			"shadow_id", id, "duration_ms", result.SwitchDurationMS, "path", result.NewPath)
		c.cleanupSuperseded(ctx, s)
		return result, nil
	}

	reason := "switch failed"
	if len(result.ValidationErrors) > 0 {
		reason = result.ValidationErrors[0]
	} else if len(result.VerificationErrors) > 0 {
		reason = result.VerificationErrors[0]
	}
	s.FailureReason = &reason
	if _, err := c.transition(ctx, &s, model.ShadowFailed, func(tx pgx.Tx) error {
		if err := c.markBranchError(ctx, tx, s.Branch, actor); err != nil {
			return err
		}
		return c.events.EmitTx(ctx, tx, model.SubjectIndexingFailed, s, outbox.Meta{
			Branch: s.Branch,
			Author: actor,
		})
	}); err != nil {
		return result, err
	}
	c.logger.Warn("shadow switch failed", "shadow_id", id, "reason", reason)
	return result, nil
}

// markBranchError degrades the branch after a failed switch so writes stop
// until an operator recovers it via force-unlock. A branch already in ERROR
// or ARCHIVED is left alone.
func (c *Controller) markBranchError(ctx context.Context, tx pgx.Tx, branch, actor string) error {
	b, err := c.db.GetBranchTx(ctx, tx, branch)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if !model.CanTransition(b.State, model.BranchError) {
		return nil
	}
	if err := b.Transition(model.BranchError); err != nil {
		return err
	}
	if _, err := c.db.UpdateBranchTx(ctx, tx, b, actor); err != nil {
		return err
	}
	c.logger.Warn("branch marked ERROR after failed switch", "branch", branch)
	return nil
}

// cleanupSuperseded moves the displaced generation into CLEANUP and prunes
// stale backup artifacts, keeping the newest one for rollback. Best-effort:
// the switch already succeeded, so failures here only log.
func (c *Controller) cleanupSuperseded(ctx context.Context, s model.ShadowIndex) {
	err := c.db.WithTx(ctx, func(tx pgx.Tx) error {
		prior, err := c.db.ListActiveShadowsTx(ctx, tx, s.Branch, s.IndexType, s.ID)
		if err != nil {
			return err
		}
		for _, p := range prior {
			if err := p.Transition(model.ShadowCleanup); err != nil {
				continue
			}
			if _, err := c.db.UpdateShadowTx(ctx, tx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.logger.Error("shadow cleanup bookkeeping failed", "shadow_id", s.ID, "error", err)
	}
	if removed, err := pruneBackups(deref(s.CurrentPath), 1); err != nil {
		c.logger.Error("backup prune failed", "path", deref(s.CurrentPath), "error", err)
	} else if removed > 0 {
		c.logger.Info("stale index backups removed", "path", deref(s.CurrentPath), "count", removed)
	}
}

func (c *Controller) transition(ctx context.Context, s *model.ShadowIndex, to model.ShadowState, extra func(pgx.Tx) error) (model.ShadowIndex, error) {
	err := c.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.Transition(to); err != nil {
			return fmt.Errorf("%w: %v", ErrShadowState, err)
		}
		updated, err := c.db.UpdateShadowTx(ctx, tx, *s)
		if err != nil {
			return err
		}
		*s = updated
		if extra != nil {
			return extra(tx)
		}
		return nil
	})
	return *s, err
}

func clampPct(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
