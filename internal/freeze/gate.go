// Package freeze is the pre-write admission gate: every schema-mutating
// request passes through it, and writes colliding with an active lock are
// rejected with a structured payload telling the caller what is locked, how
// far the blocking work has progressed, and what it can do instead.
package freeze

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ramus-io/ramus/internal/lockmgr"
	"github.com/ramus-io/ramus/internal/model"
)

// allResourceTypes is the full set a RESOURCE_TYPE lock carves from.
var allResourceTypes = []string{"object_type", "property", "link_type", "interface", "action_type"}

// Gate consults the lock manager before admitting a write.
type Gate struct {
	locks  *lockmgr.Manager
	logger *slog.Logger
}

// New wires a gate over the lock manager.
func New(locks *lockmgr.Manager, logger *slog.Logger) *Gate {
	return &Gate{locks: locks, logger: logger}
}

// Check admits or rejects a write targeting (branch, resourceType,
// resourceID). On rejection the returned FrozenPayload is non-nil and the
// caller must answer 423 Locked with it.
func (g *Gate) Check(ctx context.Context, branch, resourceType, resourceID string) (*model.FrozenPayload, error) {
	allowed, blocking, err := g.locks.CheckWritePermission(ctx, branch, resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	if allowed {
		return nil, nil
	}
	payload := g.buildPayload(*blocking, resourceType)
	g.logger.Info("write rejected by freeze gate",
		"branch", branch,
		"resource_type", resourceType,
		"resource_id", resourceID,
		"lock_id", blocking.ID,
		"lock_scope", blocking.Scope)
	return &payload, nil
}

func (g *Gate) buildPayload(blocking model.Lock, requestedType string) model.FrozenPayload {
	now := time.Now().UTC()

	available := availableTypes(blocking)
	actions := []string{"wait_for_unlock", "retry_after_eta"}
	if len(available) > 0 {
		actions = append(actions, "edit_other_resource_types")
	}
	if blocking.Type == model.LockIndexing {
		actions = append(actions, "subscribe_indexing_completed")
	}

	msg := fmt.Sprintf("branch %q is locked at %s scope by %s", blocking.Branch, blocking.Scope, blocking.Holder)
	if requestedType != "" {
		msg = fmt.Sprintf("writes to %s on branch %q are locked at %s scope by %s",
			requestedType, blocking.Branch, blocking.Scope, blocking.Holder)
	}

	return model.FrozenPayload{
		Error:                   "SchemaFrozen",
		Message:                 msg,
		LockScope:               string(blocking.Scope),
		OtherResourcesAvailable: len(available) > 0,
		AvailableResourceTypes:  available,
		IndexingProgress:        blocking.IndexingProgress(now),
		ETASeconds:              blocking.ETASeconds(now),
		AlternativeActions:      actions,
	}
}

// availableTypes lists resource types still writable despite the lock. A
// BRANCH lock leaves nothing; a RESOURCE or RESOURCE_TYPE lock leaves every
// other type open.
func availableTypes(blocking model.Lock) []string {
	if blocking.Scope == model.ScopeBranch {
		return nil
	}
	if blocking.ResourceType == nil {
		return nil
	}
	var out []string
	for _, rt := range allResourceTypes {
		if rt != *blocking.ResourceType {
			out = append(out, rt)
		}
	}
	return out
}
