package merge

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramus-io/ramus/internal/model"
)

func TestPlanFastForwardOps(t *testing.T) {
	target := Snapshot{}
	added := propertyEntity("email", model.BaseString)

	p, err := buildPlan(t.Context(), target, []model.ChangeOp{
		{Op: "add", Kind: model.KindProperty, RID: added.RID, Entity: &added},
	}, true, 2)

	require.NoError(t, err)
	assert.Empty(t, p.manual)
	assert.Empty(t, p.conflicts)
	require.Len(t, p.puts, 1)
	assert.Equal(t, "email", p.puts[0].APIName)
}

func TestPlanIdenticalAdditionSkipsWrite(t *testing.T) {
	e := propertyEntity("email", model.BaseString)
	target := Snapshot{e.RID: e}
	dup := cloneEntity(e)

	p, err := buildPlan(t.Context(), target, []model.ChangeOp{
		{Op: "add", Kind: model.KindProperty, RID: e.RID, Entity: &dup},
	}, true, 2)

	require.NoError(t, err)
	assert.Empty(t, p.puts)
	require.Len(t, p.conflicts, 1)
	assert.Equal(t, "identical_addition", p.conflicts[0].Rule)
}

func TestPlanDeleteVsModifyModificationWins(t *testing.T) {
	base := propertyEntity("phone", model.BaseString)
	modified := cloneEntity(base)
	modified.DisplayName = "Phone Number"

	// Target deleted the entity; source modified it.
	p, err := buildPlan(t.Context(), Snapshot{}, []model.ChangeOp{
		{Op: "modify", Kind: model.KindProperty, RID: base.RID, Entity: &modified, Base: &base},
	}, true, 2)

	require.NoError(t, err)
	require.Len(t, p.puts, 1)
	assert.Equal(t, "Phone Number", p.puts[0].DisplayName)
	require.Len(t, p.conflicts, 1)
	assert.Equal(t, "delete_vs_modify", p.conflicts[0].Rule)
	assert.Equal(t, "WARN", p.conflicts[0].Severity)
}

func TestPlanDeprecatedDeleteWinsOverModify(t *testing.T) {
	base := propertyEntity("legacy_id", model.BaseString)
	base.Status = model.StatusDeprecated
	tgtModified := cloneEntity(base)
	tgtModified.DisplayName = "Legacy"
	target := Snapshot{base.RID: tgtModified}

	p, err := buildPlan(t.Context(), target, []model.ChangeOp{
		{Op: "delete", Kind: model.KindProperty, RID: base.RID, Base: &base},
	}, true, 2)

	require.NoError(t, err)
	require.Len(t, p.deletes, 1)
	assert.Equal(t, base.RID, p.deletes[0])
	require.Len(t, p.conflicts, 1)
	assert.Equal(t, "INFO", p.conflicts[0].Severity)
}

func TestPlanSourceDeleteVsTargetModifyRequiresManual(t *testing.T) {
	base := propertyEntity("email", model.BaseString)
	tgtModified := cloneEntity(base)
	tgtModified.Property.Constraints.Required = true
	target := Snapshot{base.RID: tgtModified}

	p, err := buildPlan(t.Context(), target, []model.ChangeOp{
		{Op: "delete", Kind: model.KindProperty, RID: base.RID, Base: &base},
	}, true, 2)

	require.NoError(t, err)
	assert.Empty(t, p.deletes)
	assert.Empty(t, p.conflicts)
	require.Len(t, p.manual, 1)
	assert.Equal(t, "delete_vs_modify", p.manual[0].Rule)
	assert.Equal(t, "ERROR", p.manual[0].Severity)
	assert.Equal(t, []string{"keep_modification_with_soft_delete", "manual_merge"},
		p.manual[0].SuggestedResolutions)
}

func TestPlanErrorSeverityRoutesToManual(t *testing.T) {
	base := propertyEntity("amount", model.BaseLong)
	src := cloneEntity(base)
	src.Property.BaseType = model.BaseInt
	tgt := cloneEntity(base)
	tgt.Property.BaseType = model.BaseString
	target := Snapshot{base.RID: tgt}

	p, err := buildPlan(t.Context(), target, []model.ChangeOp{
		{Op: "modify", Kind: model.KindProperty, RID: base.RID, Entity: &src, Base: &base},
	}, true, 2)

	require.NoError(t, err)
	assert.Empty(t, p.puts)
	assert.NotEmpty(t, p.manual)
}

func TestPlanAutoResolveDisabledRoutesWarnsToManual(t *testing.T) {
	base := propertyEntity("status", model.BaseEnum)
	base.Property.EnumValues = []string{"open", "closed"}
	src := cloneEntity(base)
	src.Property.EnumValues = []string{"open", "closed", "archived"}
	tgt := cloneEntity(base)
	tgt.Property.EnumValues = []string{"open"}
	target := Snapshot{base.RID: tgt}

	op := model.ChangeOp{Op: "modify", Kind: model.KindProperty, RID: base.RID, Entity: &src, Base: &base}

	auto, err := buildPlan(t.Context(), target, []model.ChangeOp{op}, true, 2)
	require.NoError(t, err)
	assert.Empty(t, auto.manual)
	assert.Len(t, auto.puts, 1)

	manual, err := buildPlan(t.Context(), target, []model.ChangeOp{op}, false, 2)
	require.NoError(t, err)
	assert.NotEmpty(t, manual.manual)
	assert.Empty(t, manual.puts)
}

func TestPlanUnknownOpFails(t *testing.T) {
	_, err := buildPlan(t.Context(), Snapshot{}, []model.ChangeOp{
		{Op: "rename", RID: uuid.New()},
	}, true, 2)
	assert.Error(t, err)
}

func TestClassifyTarget(t *testing.T) {
	base := propertyEntity("email", model.BaseString)

	state, cur := classifyTarget(model.ChangeOp{RID: base.RID, Base: &base}, Snapshot{})
	assert.Equal(t, targetDeleted, state)
	assert.Nil(t, cur)

	unchanged := cloneEntity(base)
	unchanged.Version = 7 // bookkeeping differences do not count as edits
	state, _ = classifyTarget(model.ChangeOp{RID: base.RID, Base: &base}, Snapshot{base.RID: unchanged})
	assert.Equal(t, targetUnchanged, state)

	edited := cloneEntity(base)
	edited.DisplayName = "Email Address"
	state, _ = classifyTarget(model.ChangeOp{RID: base.RID, Base: &base}, Snapshot{base.RID: edited})
	assert.Equal(t, targetModified, state)

	state, _ = classifyTarget(model.ChangeOp{RID: base.RID}, Snapshot{base.RID: edited})
	assert.Equal(t, targetAdded, state)
}
