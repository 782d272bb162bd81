package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ramus-io/ramus/internal/model"
	"github.com/ramus-io/ramus/internal/storage"
)

// Recorder writes audit records and seals integrity checkpoints.
type Recorder struct {
	db     *storage.DB
	logger *slog.Logger
}

// NewRecorder wires a recorder over the storage gateway.
func NewRecorder(db *storage.DB, logger *slog.Logger) *Recorder {
	return &Recorder{db: db, logger: logger}
}

// Entry is the caller-facing shape of one auditable action.
type Entry struct {
	Action     string
	ActorID    string
	ActorRoles []string
	TargetKind string
	TargetID   string
	Branch     string
	Success    bool
	ErrorCode  string
	Duration   time.Duration
	Changes    model.AuditChanges
	Metadata   map[string]any
}

// RecordTx appends an entry inside the mutating transaction so the trail
// cannot diverge from the change it describes.
func (r *Recorder) RecordTx(ctx context.Context, tx pgx.Tx, e Entry) error {
	rec := r.build(e)
	return r.db.InsertAuditTx(ctx, tx, rec)
}

// Record appends an entry in its own transaction, for failure paths with no
// surrounding business transaction.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if err := r.db.InsertAudit(ctx, r.build(e)); err != nil {
		// Failure-path audit must never mask the original error; log and go on.
		r.logger.Error("audit record write failed", "action", e.Action, "error", err)
	}
}

func (r *Recorder) build(e Entry) model.AuditRecord {
	rec := model.AuditRecord{
		EventID:    uuid.New(),
		Action:     e.Action,
		ActorID:    e.ActorID,
		ActorRoles: e.ActorRoles,
		TargetKind: e.TargetKind,
		TargetID:   e.TargetID,
		Branch:     e.Branch,
		Success:    e.Success,
		DurationMS: e.Duration.Milliseconds(),
		Changes:    e.Changes,
		Metadata:   e.Metadata,
		Time:       time.Now().UTC(),
	}
	if e.ErrorCode != "" {
		code := e.ErrorCode
		rec.ErrorCode = &code
	}
	rec.ContentHash = ContentHash(rec)
	return rec
}

// Query pages the trail.
func (r *Recorder) Query(ctx context.Context, q storage.AuditQuery) ([]model.AuditRecord, error) {
	return r.db.ListAudit(ctx, q)
}

// SealCheckpoint computes a Merkle root over all records since the last
// checkpoint and persists it. A no-op when nothing new exists.
func (r *Recorder) SealCheckpoint(ctx context.Context) error {
	afterID := int64(0)
	if cp, err := r.db.LatestAuditCheckpoint(ctx); err == nil {
		afterID = cp.ThroughID
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	maxID, err := r.db.MaxAuditID(ctx)
	if err != nil {
		return err
	}
	if maxID <= afterID {
		return nil
	}

	recs, err := r.db.ListAuditRange(ctx, afterID, maxID)
	if err != nil {
		return err
	}
	hashes := make([]string, len(recs))
	for i, rec := range recs {
		hashes[i] = rec.ContentHash
	}
	root := merkleRoot(hashes)
	if err := r.db.InsertAuditCheckpoint(ctx, afterID, maxID, root); err != nil {
		return err
	}
	r.logger.Info("audit checkpoint sealed", "after_id", afterID, "through_id", maxID, "records", len(recs))
	return nil
}

// VerifyCheckpoints recomputes every sealed window and reports mismatches.
// A mismatch means records inside the window were altered or removed after
// sealing.
func (r *Recorder) VerifyCheckpoints(ctx context.Context) ([]string, error) {
	cps, err := r.db.ListAuditCheckpoints(ctx)
	if err != nil {
		return nil, err
	}
	var mismatches []string
	for _, cp := range cps {
		recs, err := r.db.ListAuditRange(ctx, cp.AfterID, cp.ThroughID)
		if err != nil {
			return nil, err
		}
		hashes := make([]string, 0, len(recs))
		for _, rec := range recs {
			if ContentHash(rec) != rec.ContentHash {
				mismatches = append(mismatches,
					fmt.Sprintf("record %d content hash mismatch", rec.ID))
			}
			hashes = append(hashes, rec.ContentHash)
		}
		if got := merkleRoot(hashes); got != cp.RootHash {
			mismatches = append(mismatches,
				fmt.Sprintf("checkpoint %d root mismatch over (%d, %d]", cp.ID, cp.AfterID, cp.ThroughID))
		}
	}
	return mismatches, nil
}

// RunSealer seals checkpoints on a fixed cadence until ctx is cancelled.
func (r *Recorder) RunSealer(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.SealCheckpoint(ctx); err != nil {
				r.logger.Error("audit checkpoint sealing failed", "error", err)
			}
		}
	}
}
