package merge

import (
	"context"
	"fmt"
	"runtime"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ramus-io/ramus/internal/model"
)

// plan is the computed outcome of running every changeset op against the
// live target: the writes to apply, plus conflicts by disposition.
type plan struct {
	puts      []model.SchemaEntity
	deletes   []uuid.UUID
	conflicts []Conflict // auto-resolved, for the result report
	manual    []Conflict // requires human review; non-empty blocks the merge
}

// opOutcome is the resolution of a single op.
type opOutcome struct {
	put       *model.SchemaEntity
	del       *uuid.UUID
	conflicts []Conflict
}

// buildPlan resolves each op concurrently on a pool bounded by workers
// (NumCPU when zero). Ops are independent by construction: a changeset
// carries at most one op per RID.
func buildPlan(ctx context.Context, target Snapshot, ops []model.ChangeOp, autoResolve bool, workers int) (plan, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	outcomes := make([]opOutcome, len(ops))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, op := range ops {
		g.Go(func() error {
			out, err := resolveOp(op, target)
			if err != nil {
				return err
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return plan{}, err
	}

	var p plan
	for _, out := range outcomes {
		worst := SeverityInfo
		for _, c := range out.conflicts {
			if c.severity > worst {
				worst = c.severity
			}
		}
		if len(out.conflicts) > 0 && (!worst.AutoResolvable() || !autoResolve) {
			p.manual = append(p.manual, out.conflicts...)
			continue
		}
		p.conflicts = append(p.conflicts, out.conflicts...)
		if out.put != nil {
			p.puts = append(p.puts, *out.put)
		}
		if out.del != nil {
			p.deletes = append(p.deletes, *out.del)
		}
	}
	return p, nil
}

func resolveOp(op model.ChangeOp, target Snapshot) (opOutcome, error) {
	state, current := classifyTarget(op, target)

	switch op.Op {
	case "add":
		if op.Entity == nil {
			return opOutcome{}, fmt.Errorf("merge: add op for %s has no entity", op.RID)
		}
		if state == targetAdded {
			if entitiesEqual(*op.Entity, *current) {
				c := newConflict(op.RID, op.Entity.APIName, "identical_addition",
					"both sides added an identical entity", SeverityInfo)
				c.resolved = current
				return opOutcome{conflicts: []Conflict{c}}, nil
			}
			merged, conflicts := resolveOverlap(nil, *op.Entity, *current)
			return opOutcome{put: &merged, conflicts: conflicts}, nil
		}
		e := *op.Entity
		return opOutcome{put: &e}, nil

	case "modify":
		if op.Entity == nil {
			return opOutcome{}, fmt.Errorf("merge: modify op for %s has no entity", op.RID)
		}
		switch state {
		case targetUnchanged:
			e := *op.Entity
			return opOutcome{put: &e}, nil
		case targetDeleted:
			// Delete vs modify: the modification wins and the entity is
			// restored, unless it was already deprecated on the ancestor.
			if op.Base != nil && op.Base.Status == model.StatusDeprecated {
				c := newConflict(op.RID, op.Entity.APIName, "delete_vs_modify",
					"entity deleted on target and deprecated on ancestor; delete wins", SeverityInfo)
				c.resolveIsDel = true
				return opOutcome{conflicts: []Conflict{c}}, nil
			}
			e := *op.Entity
			c := newConflict(op.RID, op.Entity.APIName, "delete_vs_modify",
				"entity deleted on target but modified by source; modification wins", SeverityWarn)
			c.resolved = &e
			return opOutcome{put: &e, conflicts: []Conflict{c}}, nil
		default: // targetModified
			merged, conflicts := resolveOverlap(op.Base, *op.Entity, *current)
			return opOutcome{put: &merged, conflicts: conflicts}, nil
		}

	case "delete":
		switch state {
		case targetDeleted:
			return opOutcome{}, nil // both sides deleted
		case targetUnchanged:
			if current == nil {
				return opOutcome{}, nil
			}
			rid := op.RID
			return opOutcome{del: &rid}, nil
		default: // targetModified
			if op.Base != nil && op.Base.Status == model.StatusDeprecated {
				rid := op.RID
				c := newConflict(op.RID, apiNameOf(op), "delete_vs_modify",
					"deprecated entity deleted by source; delete wins over target modification", SeverityInfo)
				c.resolveIsDel = true
				return opOutcome{del: &rid, conflicts: []Conflict{c}}, nil
			}
			// Source deletes what the target kept editing; never auto-resolved.
			c := newConflict(op.RID, apiNameOf(op), "delete_vs_modify",
				"entity modified on target but deleted by source", SeverityError)
			c.SuggestedResolutions = []string{"keep_modification_with_soft_delete", "manual_merge"}
			return opOutcome{conflicts: []Conflict{c}}, nil
		}

	default:
		return opOutcome{}, fmt.Errorf("merge: unknown op %q for %s", op.Op, op.RID)
	}
}

func apiNameOf(op model.ChangeOp) string {
	if op.Entity != nil {
		return op.Entity.APIName
	}
	if op.Base != nil {
		return op.Base.APIName
	}
	return ""
}
