package merge

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/ramus-io/ramus/internal/model"
)

// resolveOverlap runs the rule table for an entity both sides touched.
// base may be the zero entity when both sides added the same RID. The
// returned conflicts carry resolutions for the auto-resolvable ones; the
// merged entity reflects every auto resolution.
func resolveOverlap(base *model.SchemaEntity, src, tgt model.SchemaEntity) (model.SchemaEntity, []Conflict) {
	var conflicts []Conflict

	// Same RID, differing kind: precedence, then system ownership, then
	// earlier creation. When nothing yields the conflict is manual.
	if src.Kind != tgt.Kind {
		winner, ok := kindCollisionWinner(src, tgt)
		sev := SeverityWarn
		if !ok {
			sev = SeverityError
		}
		c := newConflict(src.RID, src.APIName, "kind_collision",
			fmt.Sprintf("entity exists as %s on source and %s on target", src.Kind, tgt.Kind), sev)
		if ok {
			c.resolved = &winner
		}
		return winner, append(conflicts, c)
	}

	// Work on a deep copy so rule mutations never leak into the target
	// snapshot when the merge later aborts.
	merged := cloneEntity(tgt)
	mergeHeader(base, &src, &merged, &conflicts)

	switch src.Kind {
	case model.KindProperty:
		mergeProperty(base, &src, &merged, &conflicts)
	case model.KindLinkType:
		mergeLink(base, &src, &merged, &conflicts)
	case model.KindObjectType:
		mergeObject(base, &src, &merged, &conflicts)
	case model.KindInterface:
		mergeInterface(base, &src, &merged, &conflicts)
	case model.KindActionType:
		mergeAction(base, &src, &merged, &conflicts)
	}

	for i := range conflicts {
		if conflicts[i].severity.AutoResolvable() && conflicts[i].resolved == nil && !conflicts[i].resolveIsDel {
			resolved := merged
			conflicts[i].resolved = &resolved
		}
	}
	return merged, conflicts
}

// kindCollisionWinner picks the surviving entity per precedence rules.
// ok is false when neither side yields.
func kindCollisionWinner(src, tgt model.SchemaEntity) (model.SchemaEntity, bool) {
	sp, tp := model.KindPrecedence(src.Kind), model.KindPrecedence(tgt.Kind)
	if sp != tp {
		if sp > tp {
			return src, true
		}
		return tgt, true
	}
	if src.System != tgt.System {
		if src.System {
			return src, true
		}
		return tgt, true
	}
	if !src.CreatedAt.Equal(tgt.CreatedAt) {
		if src.CreatedAt.Before(tgt.CreatedAt) {
			return src, true
		}
		return tgt, true
	}
	return tgt, false
}

// mergeHeader reconciles the shared scalar fields. A field changed by only
// one side takes that side's value silently; changed by both to different
// values, the source wins with a WARN recording the overridden target value.
func mergeHeader(base *model.SchemaEntity, src, merged *model.SchemaEntity, conflicts *[]Conflict) {
	pick := func(field string, baseV, srcV, tgtV string, set func(string)) {
		if srcV == tgtV {
			return
		}
		srcChanged := baseV != srcV
		tgtChanged := baseV != tgtV
		switch {
		case srcChanged && !tgtChanged:
			set(srcV)
		case !srcChanged && tgtChanged:
			// keep target
		default:
			set(srcV)
			*conflicts = append(*conflicts, newConflict(src.RID, src.APIName, "concurrent_edit",
				fmt.Sprintf("%s changed on both sides; source value %q overrides target %q", field, srcV, tgtV),
				SeverityWarn))
		}
	}

	var baseName, baseDisplay, baseStatus, baseVis string
	if base != nil {
		baseName = base.APIName
		baseDisplay = base.DisplayName
		baseStatus = string(base.Status)
		baseVis = string(base.Visibility)
	}
	pick("api_name", baseName, src.APIName, merged.APIName, func(v string) { merged.APIName = v })
	pick("display_name", baseDisplay, src.DisplayName, merged.DisplayName, func(v string) { merged.DisplayName = v })
	pick("status", baseStatus, string(src.Status), string(merged.Status), func(v string) { merged.Status = model.EntityStatus(v) })
	pick("visibility", baseVis, string(src.Visibility), string(merged.Visibility), func(v string) { merged.Visibility = model.Visibility(v) })
}

func mergeProperty(base *model.SchemaEntity, src, merged *model.SchemaEntity, conflicts *[]Conflict) {
	if src.Property == nil || merged.Property == nil {
		return
	}
	var baseProp *model.PropertySpec
	if base != nil {
		baseProp = base.Property
	}
	sp, mp := src.Property, merged.Property

	mergeBaseType(src, baseProp, sp, mp, conflicts)
	mergeEnumValues(src, baseProp, sp, mp, conflicts)
	mergeConstraints(src, sp, mp, conflicts)
}

func mergeBaseType(owner *model.SchemaEntity, baseProp *model.PropertySpec, sp, mp *model.PropertySpec, conflicts *[]Conflict) {
	if sp.BaseType == mp.BaseType {
		return
	}
	switch {
	case sp.BaseType.IsWideningOf(mp.BaseType):
		old := mp.BaseType
		mp.BaseType = sp.BaseType
		*conflicts = append(*conflicts, newConflict(owner.RID, owner.APIName, "type_widening",
			fmt.Sprintf("property type widened %s -> %s", old, sp.BaseType), SeverityInfo))
	case mp.BaseType.IsWideningOf(sp.BaseType):
		// Target already wider; keep it.
		*conflicts = append(*conflicts, newConflict(owner.RID, owner.APIName, "type_widening",
			fmt.Sprintf("target type %s already wider than source %s", mp.BaseType, sp.BaseType), SeverityInfo))
	default:
		baseType := model.BaseType("")
		if baseProp != nil {
			baseType = baseProp.BaseType
		}
		*conflicts = append(*conflicts, newConflict(owner.RID, owner.APIName, "type_narrowing",
			fmt.Sprintf("incompatible type change: base %q, source %q, target %q", baseType, sp.BaseType, mp.BaseType),
			SeverityError))
	}
}

func mergeEnumValues(owner *model.SchemaEntity, baseProp *model.PropertySpec, sp, mp *model.PropertySpec, conflicts *[]Conflict) {
	if len(sp.EnumValues) == 0 && len(mp.EnumValues) == 0 {
		return
	}
	var baseVals []string
	if baseProp != nil {
		baseVals = baseProp.EnumValues
	}

	union := slices.Clone(mp.EnumValues)
	added := false
	for _, v := range sp.EnumValues {
		if !slices.Contains(union, v) {
			union = append(union, v)
			added = true
		}
	}
	// A value removed by either side stays in the union; removal gets a
	// deprecation window instead of disappearing in a merge.
	removed := false
	for _, v := range baseVals {
		inSrc := slices.Contains(sp.EnumValues, v)
		inTgt := slices.Contains(mp.EnumValues, v)
		if !inSrc || !inTgt {
			removed = true
			if !slices.Contains(union, v) {
				union = append(union, v)
			}
		}
	}

	mp.EnumValues = union
	if added {
		*conflicts = append(*conflicts, newConflict(owner.RID, owner.APIName, "enum_addition",
			"enum values unioned across sides", SeverityInfo))
	}
	if removed {
		*conflicts = append(*conflicts, newConflict(owner.RID, owner.APIName, "enum_removal",
			"enum value removal deferred to a deprecation window; value retained in merge", SeverityWarn))
	}
}

func mergeConstraints(owner *model.SchemaEntity, sp, mp *model.PropertySpec, conflicts *[]Conflict) {
	sc, mc := sp.Constraints, mp.Constraints
	if reflect.DeepEqual(sc, mc) {
		return
	}

	out := mc
	restrictive := false

	// Numeric bounds intersect: the tighter side wins.
	if sc.Min != nil && (out.Min == nil || *sc.Min > *out.Min) {
		out.Min = sc.Min
		restrictive = true
	}
	if sc.Max != nil && (out.Max == nil || *sc.Max < *out.Max) {
		out.Max = sc.Max
		restrictive = true
	}
	if sc.MaxLength != nil && (out.MaxLength == nil || *sc.MaxLength < *out.MaxLength) {
		out.MaxLength = sc.MaxLength
		restrictive = true
	}
	if sc.Required && !out.Required {
		out.Required = true
		restrictive = true
	}

	if sc.Pattern != nil && out.Pattern != nil && *sc.Pattern != *out.Pattern {
		*conflicts = append(*conflicts, newConflict(owner.RID, owner.APIName, "constraint_incompatible",
			fmt.Sprintf("patterns %q and %q cannot be reconciled automatically", *sc.Pattern, *out.Pattern),
			SeverityError))
		return
	}
	if sc.Pattern != nil && out.Pattern == nil {
		out.Pattern = sc.Pattern
		restrictive = true
	}

	if out.Min != nil && out.Max != nil && *out.Min > *out.Max {
		*conflicts = append(*conflicts, newConflict(owner.RID, owner.APIName, "constraint_incompatible",
			fmt.Sprintf("intersected bounds are empty: min %v > max %v", *out.Min, *out.Max),
			SeverityError))
		return
	}

	mp.Constraints = out
	if restrictive {
		*conflicts = append(*conflicts, newConflict(owner.RID, owner.APIName, "constraint_intersection",
			"constraints intersected to the tighter bounds", SeverityInfo))
	}
}

func mergeLink(base *model.SchemaEntity, src, merged *model.SchemaEntity, conflicts *[]Conflict) {
	if src.Link == nil || merged.Link == nil {
		return
	}
	sl, ml := src.Link, merged.Link
	if sl.Cardinality == ml.Cardinality {
		return
	}
	var baseCard model.Cardinality
	if base != nil && base.Link != nil {
		baseCard = base.Link.Cardinality
	}

	switch {
	case sl.Cardinality.BroaderThan(ml.Cardinality):
		sev := SeverityInfo
		if sl.Cardinality == model.CardinalityManyToMany {
			// Broadening all the way to N:M changes join semantics for
			// existing consumers.
			sev = SeverityWarn
		}
		ml.Cardinality = sl.Cardinality
		*conflicts = append(*conflicts, newConflict(src.RID, src.APIName, "cardinality_broadening",
			fmt.Sprintf("cardinality broadened to %s", sl.Cardinality), sev))
	case ml.Cardinality.BroaderThan(sl.Cardinality):
		if baseCard == sl.Cardinality {
			// Only the target changed; keep its broader value.
			return
		}
		*conflicts = append(*conflicts, newConflict(src.RID, src.APIName, "cardinality_narrowing",
			fmt.Sprintf("source narrows cardinality %s -> %s", ml.Cardinality, sl.Cardinality), SeverityError))
	}
}

func mergeObject(base *model.SchemaEntity, src, merged *model.SchemaEntity, conflicts *[]Conflict) {
	if src.Object == nil || merged.Object == nil {
		return
	}
	so, mo := src.Object, merged.Object

	if !slices.Equal(so.Implements, mo.Implements) {
		union := slices.Clone(mo.Implements)
		for _, rid := range so.Implements {
			if !slices.Contains(union, rid) {
				union = append(union, rid)
			}
		}
		if len(union) != len(mo.Implements) {
			mo.Implements = union
			// Interface invariants are checked post-merge with the full
			// entity set; a failing object escalates this to BLOCK there.
			*conflicts = append(*conflicts, newConflict(src.RID, src.APIName, "interface_union",
				"interface implementation sets unioned", SeverityInfo))
		}
	}

	var basePK string
	if base != nil && base.Object != nil {
		basePK = base.Object.PrimaryKey
	}
	if so.PrimaryKey != mo.PrimaryKey && so.PrimaryKey != basePK {
		if mo.PrimaryKey != basePK {
			*conflicts = append(*conflicts, newConflict(src.RID, src.APIName, "concurrent_edit",
				fmt.Sprintf("primary key changed on both sides (%q vs %q)", so.PrimaryKey, mo.PrimaryKey),
				SeverityError))
			return
		}
		mo.PrimaryKey = so.PrimaryKey
	}
}

func mergeInterface(base *model.SchemaEntity, src, merged *model.SchemaEntity, conflicts *[]Conflict) {
	if src.Interface == nil || merged.Interface == nil {
		return
	}
	si, mi := src.Interface, merged.Interface
	if slices.Equal(si.RequiredProperties, mi.RequiredProperties) {
		return
	}
	union := slices.Clone(mi.RequiredProperties)
	for _, p := range si.RequiredProperties {
		if !slices.Contains(union, p) {
			union = append(union, p)
		}
	}
	mi.RequiredProperties = union
	*conflicts = append(*conflicts, newConflict(src.RID, src.APIName, "interface_union",
		"required property sets unioned; implementors re-validated post-merge", SeverityInfo))
	_ = base
}

func mergeAction(base *model.SchemaEntity, src, merged *model.SchemaEntity, conflicts *[]Conflict) {
	if src.Action == nil || merged.Action == nil {
		return
	}
	var baseBody string
	if base != nil && base.Action != nil {
		baseBody = base.Action.FunctionBody
	}
	sa, ma := src.Action, merged.Action
	if sa.FunctionBody == ma.FunctionBody {
		return
	}
	srcChanged := sa.FunctionBody != baseBody
	tgtChanged := ma.FunctionBody != baseBody
	if srcChanged && tgtChanged {
		*conflicts = append(*conflicts, newConflict(src.RID, src.APIName, "concurrent_edit",
			"action function body changed on both sides", SeverityError))
		return
	}
	if srcChanged {
		ma.FunctionBody = sa.FunctionBody
		ma.SecurityRules = sa.SecurityRules
	}
}
