package merge

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramus-io/ramus/internal/model"
)

func TestValidateReportsMissingReference(t *testing.T) {
	prop := propertyEntity("email", model.BaseString) // ObjectRID points nowhere
	final := Snapshot{prop.RID: prop}

	blocks, errs := validateMerged(final)

	assert.Empty(t, blocks)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "references missing entity")
}

func TestValidateConstraintSatisfaction(t *testing.T) {
	min, max := 10.0, 5.0
	obj := model.SchemaEntity{RID: uuid.New(), Kind: model.KindObjectType, APIName: "customer",
		Object: &model.ObjectSpec{}}
	prop := model.SchemaEntity{RID: uuid.New(), Kind: model.KindProperty, APIName: "age",
		Property: &model.PropertySpec{
			ObjectRID:   obj.RID,
			BaseType:    model.BaseInt,
			Constraints: model.Constraints{Min: &min, Max: &max},
		}}
	final := Snapshot{obj.RID: obj, prop.RID: prop}

	_, errs := validateMerged(final)

	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "empty bounds")
}

func TestValidateInterfaceInvariantBlocks(t *testing.T) {
	iface := model.SchemaEntity{RID: uuid.New(), Kind: model.KindInterface, APIName: "auditable",
		Interface: &model.InterfaceSpec{RequiredProperties: []string{"updated_at"}}}
	obj := model.SchemaEntity{RID: uuid.New(), Kind: model.KindObjectType, APIName: "customer",
		Object: &model.ObjectSpec{Implements: []uuid.UUID{iface.RID}}}
	final := Snapshot{iface.RID: iface, obj.RID: obj}

	blocks, errs := validateMerged(final)

	assert.Empty(t, errs)
	require.Len(t, blocks, 1)
	assert.Equal(t, "interface_invariant", blocks[0].Rule)
	assert.Equal(t, "BLOCK", blocks[0].Severity)

	// Adding the required property clears the block.
	prop := model.SchemaEntity{RID: uuid.New(), Kind: model.KindProperty, APIName: "updated_at",
		Property: &model.PropertySpec{ObjectRID: obj.RID, BaseType: model.BaseTimestamp}}
	final[prop.RID] = prop
	blocks, _ = validateMerged(final)
	assert.Empty(t, blocks)
}

func TestValidateDetectsCycle(t *testing.T) {
	a := model.SchemaEntity{RID: uuid.New(), Kind: model.KindObjectType, APIName: "a",
		Object: &model.ObjectSpec{}}
	b := model.SchemaEntity{RID: uuid.New(), Kind: model.KindObjectType, APIName: "b",
		Object: &model.ObjectSpec{Implements: []uuid.UUID{a.RID}}}
	a.Object.Implements = []uuid.UUID{b.RID}
	final := Snapshot{a.RID: a, b.RID: b}

	blocks, _ := validateMerged(final)

	require.NotEmpty(t, blocks)
	assert.Equal(t, "circular_dependency", blocks[0].Rule)
	assert.Equal(t, "BLOCK", blocks[0].Severity)
}

func TestValidateSelfLinkIsLegal(t *testing.T) {
	obj := model.SchemaEntity{RID: uuid.New(), Kind: model.KindObjectType, APIName: "employee",
		Object: &model.ObjectSpec{}}
	link := model.SchemaEntity{RID: uuid.New(), Kind: model.KindLinkType, APIName: "manages",
		Link: &model.LinkSpec{SourceRID: obj.RID, TargetRID: obj.RID, Cardinality: model.CardinalityOneToMany}}
	final := Snapshot{obj.RID: obj, link.RID: link}

	blocks, errs := validateMerged(final)

	assert.Empty(t, blocks)
	assert.Empty(t, errs)
}
