package merge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ramus-io/ramus/internal/audit"
	"github.com/ramus-io/ramus/internal/model"
	"github.com/ramus-io/ramus/internal/outbox"
	"github.com/ramus-io/ramus/internal/storage"
)

// ErrNotApproved is returned when merging a changeset that has not passed
// review.
var ErrNotApproved = errors.New("merge: changeset is not approved")

// ErrBranchNotWritable is returned when the target branch state forbids
// merging.
var ErrBranchNotWritable = errors.New("merge: target branch is not ACTIVE or READY")

// errAbort signals a clean rollback: the result carries the outcome and the
// transaction must not commit.
var errAbort = errors.New("merge: aborted without commit")

// Engine merges approved changesets into their target branches.
type Engine struct {
	db      *storage.DB
	events  *outbox.Emitter
	auditor *audit.Recorder
	workers int
	logger  *slog.Logger
}

// New wires a merge engine. workers bounds the conflict-resolution pool;
// zero means NumCPU.
func New(db *storage.DB, events *outbox.Emitter, auditor *audit.Recorder, workers int, logger *slog.Logger) *Engine {
	return &Engine{db: db, events: events, auditor: auditor, workers: workers, logger: logger}
}

// MergeChangeSet runs the full merge: plan, resolve, validate, persist.
// Manual conflicts and validation failures roll everything back and report
// through the result; the error return covers infrastructure failures only.
func (e *Engine) MergeChangeSet(ctx context.Context, changeSetID uuid.UUID, autoResolve bool, actor string) (Result, error) {
	start := time.Now()
	var result Result

	err := storage.WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		return e.db.WithTx(ctx, func(tx pgx.Tx) error {
			return e.mergeTx(ctx, tx, changeSetID, autoResolve, actor, start, &result)
		})
	})
	if err != nil && !errors.Is(err, errAbort) {
		return Result{}, err
	}

	result.DurationMS = time.Since(start).Milliseconds()
	e.logger.Info("merge finished",
		"changeset", changeSetID,
		"status", result.Status,
		"applied_ops", result.AppliedOps,
		"conflicts", len(result.Conflicts),
		"manual", len(result.ManualConflicts),
		"duration_ms", result.DurationMS)
	return result, nil
}

func (e *Engine) mergeTx(ctx context.Context, tx pgx.Tx, changeSetID uuid.UUID, autoResolve bool, actor string, start time.Time, result *Result) error {
	cs, err := e.db.GetChangeSetTx(ctx, tx, changeSetID)
	if err != nil {
		return err
	}
	if cs.Status != model.ChangeSetApproved {
		return fmt.Errorf("%w: status %s", ErrNotApproved, cs.Status)
	}

	// Serialize merges into the same target.
	if err := storage.AdvisoryLock(ctx, tx, storage.BranchLockKey(cs.TargetBranch), 5*time.Second); err != nil {
		return err
	}

	branch, err := e.db.GetBranchTx(ctx, tx, cs.TargetBranch)
	if err != nil {
		return err
	}
	if !branch.Writable() {
		return fmt.Errorf("%w: state %s", ErrBranchNotWritable, branch.State)
	}

	targetEntities, err := e.db.ListAllEntitiesTx(ctx, tx, cs.TargetBranch)
	if err != nil {
		return err
	}
	target := NewSnapshot(targetEntities)

	p, err := buildPlan(ctx, target, cs.Ops, autoResolve, e.workers)
	if err != nil {
		return err
	}
	if len(p.manual) > 0 {
		*result = Result{
			Status:          StatusManualRequired,
			Conflicts:       p.conflicts,
			ManualConflicts: p.manual,
		}
		return errAbort
	}

	// Validate the would-be final set before touching the store.
	final := make(Snapshot, len(target))
	for rid, ent := range target {
		final[rid] = ent
	}
	for _, put := range p.puts {
		final[put.RID] = put
	}
	for _, rid := range p.deletes {
		delete(final, rid)
	}
	blocks, validationErrs := validateMerged(final)
	if len(blocks) > 0 {
		*result = Result{
			Status:          StatusManualRequired,
			Conflicts:       p.conflicts,
			ManualConflicts: blocks,
		}
		return errAbort
	}
	if len(validationErrs) > 0 {
		*result = Result{
			Status:           StatusFailed,
			Conflicts:        p.conflicts,
			ValidationErrors: validationErrs,
		}
		return errAbort
	}

	applied, err := e.persistPlan(ctx, tx, cs.TargetBranch, target, p, actor)
	if err != nil {
		return err
	}

	mergeCommit := newCommitID(cs.ID, start)
	if err := e.db.InsertCommitTx(ctx, tx, model.Commit{
		ID:        mergeCommit,
		Branch:    cs.TargetBranch,
		Parents:   commitParents(branch.HeadCommit, cs.BaseCommit),
		Message:   fmt.Sprintf("merge changeset %s: %s", cs.ID, cs.Title),
		Author:    actor,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	branch.HeadCommit = mergeCommit
	if branch.State == model.BranchReady {
		if err := branch.Transition(model.BranchActive); err != nil {
			return err
		}
	}
	if _, err := e.db.UpdateBranchTx(ctx, tx, branch, actor); err != nil {
		return err
	}

	if err := cs.Transition(model.ChangeSetMerged); err != nil {
		return err
	}
	now := time.Now().UTC()
	cs.MergedAt = &now
	cs.MergeCommit = &mergeCommit
	if _, err := e.db.UpdateChangeSetTx(ctx, tx, cs); err != nil {
		return err
	}

	if err := e.events.EmitTx(ctx, tx, model.SubjectBranchMerged, map[string]any{
		"changeset_id":  cs.ID,
		"source_branch": cs.SourceBranch,
		"target_branch": cs.TargetBranch,
		"merge_commit":  mergeCommit,
		"applied_ops":   applied,
	}, outbox.Meta{
		Branch: cs.TargetBranch,
		Commit: mergeCommit,
		Author: actor,
	}); err != nil {
		return err
	}

	if err := e.auditor.RecordTx(ctx, tx, audit.Entry{
		Action:     "branch.merge",
		ActorID:    actor,
		TargetKind: "changeset",
		TargetID:   cs.ID.String(),
		Branch:     cs.TargetBranch,
		Success:    true,
		Duration:   time.Since(start),
		Metadata: map[string]any{
			"merge_commit": mergeCommit,
			"applied_ops":  applied,
			"conflicts":    len(p.conflicts),
		},
	}); err != nil {
		return err
	}

	*result = Result{
		Status:      StatusMerged,
		MergeCommit: mergeCommit,
		AppliedOps:  applied,
		Conflicts:   p.conflicts,
	}
	return nil
}

func (e *Engine) persistPlan(ctx context.Context, tx pgx.Tx, targetBranch string, target Snapshot, p plan, actor string) (int, error) {
	applied := 0
	for _, put := range p.puts {
		put.Branch = targetBranch
		put.UpdatedBy = actor
		var expected *int64
		if current, ok := target[put.RID]; ok {
			v := current.Version
			expected = &v
		} else {
			put.CreatedBy = actor
		}
		if _, err := e.db.PutEntityTx(ctx, tx, put, expected); err != nil {
			return applied, fmt.Errorf("merge: apply %s %s: %w", put.Kind, put.APIName, err)
		}
		applied++
	}
	for _, rid := range p.deletes {
		current, ok := target[rid]
		if !ok {
			continue
		}
		if err := e.db.DeleteEntityTx(ctx, tx, targetBranch, rid, current.Version, true); err != nil {
			return applied, fmt.Errorf("merge: delete %s: %w", rid, err)
		}
		applied++
	}
	return applied, nil
}

// newCommitID derives a stable-looking commit id from the changeset and
// merge time.
func newCommitID(changeSetID uuid.UUID, t time.Time) string {
	sum := sha256.Sum256([]byte(changeSetID.String() + t.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:20])
}

func commitParents(head, base string) []string {
	var parents []string
	if head != "" {
		parents = append(parents, head)
	}
	if base != "" && base != head {
		parents = append(parents, base)
	}
	return parents
}
