package merge

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/ramus-io/ramus/internal/model"
)

// validateMerged runs the post-merge checks over the would-be final entity
// set: referential integrity, constraint satisfaction, interface invariants
// and cycle detection. Cycle and interface failures come back as BLOCK
// conflicts; the rest as plain validation errors.
func validateMerged(final Snapshot) (blocks []Conflict, errs []string) {
	// Referential integrity: every reference resolves.
	for _, e := range final {
		for _, ref := range e.References() {
			if _, ok := final[ref]; !ok {
				errs = append(errs, fmt.Sprintf("%s %s references missing entity %s", e.Kind, e.APIName, ref))
			}
		}
	}

	// Constraint satisfaction.
	for _, e := range final {
		if e.Kind != model.KindProperty || e.Property == nil {
			continue
		}
		c := e.Property.Constraints
		if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
			errs = append(errs, fmt.Sprintf("property %s has empty bounds: min %v > max %v", e.APIName, *c.Min, *c.Max))
		}
		if c.MaxLength != nil && *c.MaxLength < 0 {
			errs = append(errs, fmt.Sprintf("property %s has negative max_length", e.APIName))
		}
	}

	blocks = append(blocks, checkInterfaceInvariants(final)...)
	blocks = append(blocks, detectCycles(final)...)
	return blocks, errs
}

// checkInterfaceInvariants verifies every implementing object type carries
// the properties its interfaces require.
func checkInterfaceInvariants(final Snapshot) []Conflict {
	// property api_names by owning object.
	propsByObject := make(map[uuid.UUID]map[string]bool)
	for _, e := range final {
		if e.Kind == model.KindProperty && e.Property != nil {
			owner := e.Property.ObjectRID
			if propsByObject[owner] == nil {
				propsByObject[owner] = make(map[string]bool)
			}
			propsByObject[owner][e.APIName] = true
		}
	}

	var blocks []Conflict
	for _, e := range final {
		if e.Kind != model.KindObjectType || e.Object == nil {
			continue
		}
		for _, ifaceRID := range e.Object.Implements {
			iface, ok := final[ifaceRID]
			if !ok || iface.Interface == nil {
				continue // referential integrity reports the missing ref
			}
			for _, required := range iface.Interface.RequiredProperties {
				if !propsByObject[e.RID][required] {
					blocks = append(blocks, newConflict(e.RID, e.APIName, "interface_invariant",
						fmt.Sprintf("object type %s implements %s but lacks required property %q",
							e.APIName, iface.APIName, required),
						SeverityBlock))
				}
			}
		}
	}
	return blocks
}

// detectCycles finds reference cycles with a three-color DFS over the
// entity reference graph. Interface implementation and link endpoints are
// the only edges that can close a cycle in practice, but all reference
// kinds are walked.
func detectCycles(final Snapshot) []Conflict {
	const (
		white = iota // unvisited
		gray         // on the current path
		black        // finished
	)
	color := make(map[uuid.UUID]int, len(final))

	// Deterministic iteration so the reported cycle member is stable.
	rids := make([]uuid.UUID, 0, len(final))
	for rid := range final {
		rids = append(rids, rid)
	}
	sort.Slice(rids, func(i, j int) bool { return rids[i].String() < rids[j].String() })

	var blocks []Conflict
	var visit func(rid uuid.UUID, path []uuid.UUID)
	visit = func(rid uuid.UUID, path []uuid.UUID) {
		color[rid] = gray
		e := final[rid]
		for _, ref := range e.References() {
			// Link endpoints are associations, not containment; a link
			// from A to A is legal and never a dependency cycle.
			if e.Kind == model.KindLinkType {
				continue
			}
			switch color[ref] {
			case white:
				if _, ok := final[ref]; ok {
					visit(ref, append(path, rid))
				}
			case gray:
				blocks = append(blocks, newConflict(rid, e.APIName, "circular_dependency",
					fmt.Sprintf("merge would introduce a dependency cycle through %s", e.APIName),
					SeverityBlock))
			}
		}
		color[rid] = black
	}

	for _, rid := range rids {
		if color[rid] == white {
			visit(rid, nil)
		}
	}
	return blocks
}
