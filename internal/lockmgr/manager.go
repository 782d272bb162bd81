// Package lockmgr is the branch lock manager: it admits or denies writes to
// branches at BRANCH, RESOURCE_TYPE or RESOURCE scope, owns the branch state
// machine transitions that locking causes, and sweeps expired locks.
package lockmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ramus-io/ramus/internal/model"
	"github.com/ramus-io/ramus/internal/outbox"
	"github.com/ramus-io/ramus/internal/storage"
)

// ErrLockConflict carries the blocking lock so callers can surface scope,
// holder and ETA in the rejection.
type ErrLockConflict struct {
	Conflicting model.Lock
}

func (e *ErrLockConflict) Error() string {
	return fmt.Sprintf("lockmgr: conflict with %s lock %s held by %s",
		e.Conflicting.Scope, e.Conflicting.ID, e.Conflicting.Holder)
}

// ErrLockGone is returned when releasing a lock that was already released.
var ErrLockGone = errors.New("lockmgr: lock already released")

// Config bounds lock lifetimes and sweeps.
type Config struct {
	DefaultTimeout       time.Duration
	HeartbeatGraceFactor int
	AdvisoryTimeout      time.Duration
	TTLSweepInterval     time.Duration
	HeartbeatSweep       time.Duration
}

// Manager coordinates lock state. All authoritative state is in the store;
// concurrent acquisitions on one branch serialize on a per-branch advisory
// lock inside the acquisition transaction.
type Manager struct {
	db     *storage.DB
	events *outbox.Emitter
	cfg    Config
	logger *slog.Logger
}

// New wires a lock manager.
func New(db *storage.DB, events *outbox.Emitter, cfg Config, logger *slog.Logger) *Manager {
	if cfg.AdvisoryTimeout <= 0 {
		cfg.AdvisoryTimeout = 5 * time.Second
	}
	if cfg.HeartbeatGraceFactor <= 0 {
		cfg.HeartbeatGraceFactor = model.HeartbeatGraceFactor
	}
	return &Manager{db: db, events: events, cfg: cfg, logger: logger}
}

// AcquireRequest parameterizes AcquireLock.
type AcquireRequest struct {
	Branch            string
	Scope             model.LockScope
	ResourceType      *string
	ResourceID        *string
	Type              model.LockType
	Holder            string
	Timeout           time.Duration // Lock TTL; zero uses the default.
	HeartbeatInterval *int          // Seconds; nil disables heartbeat liveness.
	AutoRelease       bool
}

// AcquireLock takes a lock or reports the conflicting one. The conflict
// check and the insert run under the branch advisory lock, so two racing
// acquisitions cannot both pass the check.
func (m *Manager) AcquireLock(ctx context.Context, req AcquireRequest) (model.Lock, error) {
	if req.Timeout <= 0 {
		req.Timeout = m.cfg.DefaultTimeout
	}
	now := time.Now().UTC()
	lock := model.Lock{
		ID:                 uuid.New(),
		Branch:             req.Branch,
		Scope:              req.Scope,
		ResourceType:       req.ResourceType,
		ResourceID:         req.ResourceID,
		Type:               req.Type,
		Holder:             req.Holder,
		AcquiredAt:         now,
		ExpiresAt:          now.Add(req.Timeout),
		HeartbeatIntervalS: req.HeartbeatInterval,
		AutoRelease:        req.AutoRelease,
	}

	err := storage.WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		return m.db.WithTx(ctx, func(tx pgx.Tx) error {
			if err := storage.AdvisoryLock(ctx, tx, storage.BranchLockKey(req.Branch), m.cfg.AdvisoryTimeout); err != nil {
				return err
			}

			existing, err := m.db.ListActiveLocksTx(ctx, tx, req.Branch)
			if err != nil {
				return err
			}
			for _, held := range existing {
				if held.Expired(now, m.cfg.HeartbeatGraceFactor) {
					continue
				}
				if held.ConflictsWith(req.Branch, req.Scope, req.ResourceType, req.ResourceID) {
					return &ErrLockConflict{Conflicting: held}
				}
			}

			if err := m.db.InsertLockTx(ctx, tx, lock); err != nil {
				return err
			}
			// A BRANCH-scoped lock freezes the whole branch; resource-scoped
			// locks leave the branch state untouched.
			if req.Scope == model.ScopeBranch {
				if err := m.transitionBranchTx(ctx, tx, req.Branch, model.BranchLockedForWrite, req.Holder); err != nil {
					return err
				}
			}
			if err := m.db.InsertLockAuditTx(ctx, tx, auditEntry(lock, model.LockAuditAcquired, nil)); err != nil {
				return err
			}
			return m.events.EmitTx(ctx, tx, model.SubjectLockAcquired, lock, outbox.Meta{
				Branch: req.Branch,
				Author: req.Holder,
			})
		})
	})
	if err != nil {
		return model.Lock{}, err
	}

	m.logger.Info("lock acquired",
		"lock_id", lock.ID,
		"branch", lock.Branch,
		"scope", lock.Scope,
		"holder", lock.Holder,
		"expires_at", lock.ExpiresAt)
	return lock, nil
}

// ReleaseLock releases a lock by id, recording reason in the audit trail.
// Returns ErrLockGone when the lock was already released or never existed.
func (m *Manager) ReleaseLock(ctx context.Context, id uuid.UUID, reason, actor string) error {
	return m.release(ctx, id, model.LockAuditReleased, reason, actor)
}

func (m *Manager) release(ctx context.Context, id uuid.UUID, action model.LockAuditAction, reason, actor string) error {
	err := storage.WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		return m.db.WithTx(ctx, func(tx pgx.Tx) error {
			lock, err := m.db.ReleaseLockTx(ctx, tx, id)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return ErrLockGone
				}
				return err
			}

			meta := map[string]any{"reason": reason, "actor": actor}
			if err := m.db.InsertLockAuditTx(ctx, tx, auditEntry(lock, action, meta)); err != nil {
				return err
			}

			// When the branch held a BRANCH-scoped lock and no unexpired
			// locks remain, the branch is released for merge.
			if err := m.settleBranchTx(ctx, tx, lock, actor); err != nil {
				return err
			}

			subject := model.SubjectLockReleased
			if action == model.LockAuditExpiredSweep {
				subject = model.SubjectLockExpired
			}
			return m.events.EmitTx(ctx, tx, subject, lock, outbox.Meta{
				Branch: lock.Branch,
				Author: actor,
			})
		})
	})
	if err != nil {
		return err
	}
	m.logger.Info("lock released", "lock_id", id, "reason", reason, "actor", actor)
	return nil
}

// settleBranchTx moves a LOCKED_FOR_WRITE branch to READY once the last
// unexpired lock is gone.
func (m *Manager) settleBranchTx(ctx context.Context, tx pgx.Tx, released model.Lock, actor string) error {
	branch, err := m.db.GetBranchTx(ctx, tx, released.Branch)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if branch.State != model.BranchLockedForWrite {
		return nil
	}
	remaining, err := m.db.ListActiveLocksTx(ctx, tx, released.Branch)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, l := range remaining {
		if !l.Expired(now, m.cfg.HeartbeatGraceFactor) {
			return nil
		}
	}
	if err := branch.Transition(model.BranchReady); err != nil {
		return err
	}
	_, err = m.db.UpdateBranchTx(ctx, tx, branch, actor)
	return err
}

func (m *Manager) transitionBranchTx(ctx context.Context, tx pgx.Tx, name string, to model.BranchState, actor string) error {
	branch, err := m.db.GetBranchTx(ctx, tx, name)
	if err != nil {
		return err
	}
	if branch.State == to {
		return nil
	}
	if err := branch.Transition(to); err != nil {
		return err
	}
	_, err = m.db.UpdateBranchTx(ctx, tx, branch, actor)
	return err
}

// Heartbeat records holder liveness. An optional precise progress value
// (0..100) overrides the time-based estimate the freeze gate reports.
func (m *Manager) Heartbeat(ctx context.Context, id uuid.UUID, source string, progress *float64) (model.Lock, error) {
	lock, err := m.db.Heartbeat(ctx, id, source, progress)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Lock{}, ErrLockGone
		}
		return model.Lock{}, err
	}
	meta := map[string]any{"source": source}
	if progress != nil {
		meta["progress"] = *progress
	}
	if err := m.db.InsertLockAudit(ctx, auditEntry(lock, model.LockAuditHeartbeat, meta)); err != nil {
		m.logger.Warn("heartbeat audit write failed", "lock_id", id, "error", err)
	}
	return lock, nil
}

// ExtendTTL pushes a lock's expiry forward.
func (m *Manager) ExtendTTL(ctx context.Context, id uuid.UUID, extension time.Duration, reason string) (model.Lock, error) {
	lock, err := m.db.ExtendLock(ctx, id, extension)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Lock{}, ErrLockGone
		}
		return model.Lock{}, err
	}
	meta := map[string]any{"extension_s": int64(extension.Seconds()), "reason": reason}
	if err := m.db.InsertLockAudit(ctx, auditEntry(lock, model.LockAuditExtended, meta)); err != nil {
		m.logger.Warn("extend audit write failed", "lock_id", id, "error", err)
	}
	return lock, nil
}

// CheckWritePermission decides whether a write at (resourceType, resourceID)
// granularity may proceed on branch. Expired locks are treated as absent
// even before a sweeper releases them. The blocking lock, if any, is
// returned for the freeze gate's rejection payload.
func (m *Manager) CheckWritePermission(ctx context.Context, branch, resourceType, resourceID string) (bool, *model.Lock, error) {
	locks, err := m.db.ListActiveLocks(ctx, branch)
	if err != nil {
		return false, nil, err
	}
	now := time.Now().UTC()
	for _, l := range locks {
		if l.Expired(now, m.cfg.HeartbeatGraceFactor) {
			continue
		}
		if l.Covers(resourceType, resourceID) {
			blocked := l
			return false, &blocked, nil
		}
	}
	return true, nil, nil
}

// ForceUnlock releases every active lock on a branch and resets an ERROR
// branch to ACTIVE. Privileged; the caller enforces authorization.
func (m *Manager) ForceUnlock(ctx context.Context, branch, reason, actor string) (int, error) {
	locks, err := m.db.ListActiveLocks(ctx, branch)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, l := range locks {
		if err := m.release(ctx, l.ID, model.LockAuditForceUnlock, reason, actor); err != nil {
			if errors.Is(err, ErrLockGone) {
				continue
			}
			return released, err
		}
		released++
	}

	// An errored branch returns to service only through force_unlock.
	err = m.db.WithTx(ctx, func(tx pgx.Tx) error {
		b, err := m.db.GetBranchTx(ctx, tx, branch)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
		if b.State != model.BranchError {
			return nil
		}
		if err := b.Transition(model.BranchActive); err != nil {
			return err
		}
		_, err = m.db.UpdateBranchTx(ctx, tx, b, actor)
		return err
	})
	if err != nil {
		return released, err
	}

	m.logger.Warn("force unlock", "branch", branch, "released", released, "actor", actor, "reason", reason)
	return released, nil
}

// ListLocks exposes active locks for the admin surface. Empty branch lists all.
func (m *Manager) ListLocks(ctx context.Context, branch string) ([]model.Lock, error) {
	return m.db.ListActiveLocks(ctx, branch)
}

// GetLock fetches one lock by id.
func (m *Manager) GetLock(ctx context.Context, id uuid.UUID) (model.Lock, error) {
	return m.db.GetLock(ctx, id)
}

func auditEntry(l model.Lock, action model.LockAuditAction, meta map[string]any) model.LockAuditEntry {
	return model.LockAuditEntry{
		LockID:       l.ID,
		Branch:       l.Branch,
		Scope:        l.Scope,
		ResourceType: l.ResourceType,
		ResourceID:   l.ResourceID,
		Holder:       l.Holder,
		Action:       action,
		Time:         time.Now().UTC(),
		Metadata:     meta,
	}
}

// InferResourceTypes guesses which resource types a branch's indexing run
// touches from its name. Unknown names default to object types, the common
// case.
func InferResourceTypes(branch string) []string {
	name := strings.ToLower(branch)
	var types []string
	if strings.Contains(name, "link") {
		types = append(types, "link_type")
	}
	if strings.Contains(name, "prop") {
		types = append(types, "property")
	}
	if strings.Contains(name, "interface") {
		types = append(types, "interface")
	}
	if strings.Contains(name, "action") {
		types = append(types, "action_type")
	}
	if len(types) == 0 {
		types = []string{"object_type"}
	}
	return types
}

// LockForIndexing takes the minimal set of locks for an indexing run:
// one RESOURCE_TYPE lock per inferred or given type, or a single BRANCH
// lock when forceBranchLock is set.
func (m *Manager) LockForIndexing(ctx context.Context, branch string, resourceTypes []string, forceBranchLock bool, holder string, heartbeatInterval *int) ([]model.Lock, error) {
	if forceBranchLock {
		lock, err := m.AcquireLock(ctx, AcquireRequest{
			Branch:            branch,
			Scope:             model.ScopeBranch,
			Type:              model.LockIndexing,
			Holder:            holder,
			HeartbeatInterval: heartbeatInterval,
			AutoRelease:       true,
		})
		if err != nil {
			return nil, err
		}
		return []model.Lock{lock}, nil
	}

	if len(resourceTypes) == 0 {
		resourceTypes = InferResourceTypes(branch)
	}

	acquired := make([]model.Lock, 0, len(resourceTypes))
	for _, rt := range resourceTypes {
		rt := rt
		lock, err := m.AcquireLock(ctx, AcquireRequest{
			Branch:            branch,
			Scope:             model.ScopeResourceType,
			ResourceType:      &rt,
			Type:              model.LockIndexing,
			Holder:            holder,
			HeartbeatInterval: heartbeatInterval,
			AutoRelease:       true,
		})
		if err != nil {
			// Roll back the partial set so a conflict leaves nothing held.
			for _, got := range acquired {
				if relErr := m.ReleaseLock(ctx, got.ID, "partial indexing acquisition rollback", holder); relErr != nil {
					m.logger.Error("rollback release failed", "lock_id", got.ID, "error", relErr)
				}
			}
			return nil, err
		}
		acquired = append(acquired, lock)
	}
	return acquired, nil
}

// CompleteIndexing releases the indexing locks for the listed resource types
// (all indexing locks when none are listed). Remaining locks stay held and
// the branch keeps its state until the last one goes.
func (m *Manager) CompleteIndexing(ctx context.Context, branch string, resourceTypes []string, holder string) (int, error) {
	locks, err := m.db.ListActiveLocks(ctx, branch)
	if err != nil {
		return 0, err
	}
	wanted := make(map[string]bool, len(resourceTypes))
	for _, rt := range resourceTypes {
		wanted[rt] = true
	}

	released := 0
	for _, l := range locks {
		if l.Type != model.LockIndexing {
			continue
		}
		if len(wanted) > 0 {
			if l.ResourceType == nil || !wanted[*l.ResourceType] {
				continue
			}
		}
		if err := m.ReleaseLock(ctx, l.ID, "indexing completed", holder); err != nil {
			if errors.Is(err, ErrLockGone) {
				continue
			}
			return released, err
		}
		released++
	}
	return released, nil
}
