package merge

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ramus-io/ramus/internal/model"
)

// Snapshot indexes a branch's entity set by RID.
type Snapshot map[uuid.UUID]model.SchemaEntity

// NewSnapshot builds a snapshot from a listing.
func NewSnapshot(entities []model.SchemaEntity) Snapshot {
	s := make(Snapshot, len(entities))
	for _, e := range entities {
		s[e.RID] = e
	}
	return s
}

// entitiesEqual compares the schema-relevant content of two entities,
// ignoring bookkeeping (version, timestamps, branch, editor).
func entitiesEqual(a, b model.SchemaEntity) bool {
	return string(canonical(a)) == string(canonical(b))
}

func canonical(e model.SchemaEntity) []byte {
	e.Branch = ""
	e.Version = 0
	e.CreatedAt = time.Time{}
	e.UpdatedAt = time.Time{}
	e.CreatedBy = ""
	e.UpdatedBy = ""
	raw, _ := json.Marshal(e)
	return raw
}

// cloneEntity deep-copies an entity, including its kind spec and slices.
func cloneEntity(e model.SchemaEntity) model.SchemaEntity {
	out := e
	if e.Object != nil {
		o := *e.Object
		o.Implements = slices.Clone(e.Object.Implements)
		out.Object = &o
	}
	if e.Property != nil {
		p := *e.Property
		p.EnumValues = slices.Clone(e.Property.EnumValues)
		c := p.Constraints
		if c.Min != nil {
			v := *c.Min
			c.Min = &v
		}
		if c.Max != nil {
			v := *c.Max
			c.Max = &v
		}
		if c.MaxLength != nil {
			v := *c.MaxLength
			c.MaxLength = &v
		}
		if c.Pattern != nil {
			v := *c.Pattern
			c.Pattern = &v
		}
		p.Constraints = c
		out.Property = &p
	}
	if e.Link != nil {
		l := *e.Link
		out.Link = &l
	}
	if e.Interface != nil {
		i := *e.Interface
		i.RequiredProperties = slices.Clone(e.Interface.RequiredProperties)
		out.Interface = &i
	}
	if e.Action != nil {
		a := *e.Action
		a.SecurityRules = slices.Clone(e.Action.SecurityRules)
		out.Action = &a
	}
	return out
}

// targetState classifies what the target branch did to an op's entity since
// the common ancestor.
type targetState int

const (
	targetUnchanged targetState = iota
	targetModified
	targetDeleted
	targetAdded // target has the RID but the op has no base (both sides added)
)

// classifyTarget compares the op's recorded base against the live target.
func classifyTarget(op model.ChangeOp, target Snapshot) (targetState, *model.SchemaEntity) {
	current, exists := target[op.RID]
	if op.Base == nil {
		if exists {
			return targetAdded, &current
		}
		return targetUnchanged, nil
	}
	if !exists {
		return targetDeleted, nil
	}
	if entitiesEqual(*op.Base, current) {
		return targetUnchanged, &current
	}
	return targetModified, &current
}
