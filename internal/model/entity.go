// Package model defines the domain types shared across the ramus core:
// branches, schema entities, locks, outbox records, audit records, shadow
// indexes and changesets, plus the HTTP API envelopes.
package model

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// EntityKind discriminates the SchemaEntity variant.
type EntityKind string

const (
	KindObjectType EntityKind = "object_type"
	KindProperty   EntityKind = "property"
	KindLinkType   EntityKind = "link_type"
	KindInterface  EntityKind = "interface"
	KindActionType EntityKind = "action_type"
)

// EntityKinds lists all valid kinds in dispatch order.
var EntityKinds = []EntityKind{KindObjectType, KindProperty, KindLinkType, KindInterface, KindActionType}

// Valid reports whether k is a recognized entity kind.
func (k EntityKind) Valid() bool {
	switch k {
	case KindObjectType, KindProperty, KindLinkType, KindInterface, KindActionType:
		return true
	}
	return false
}

// EntityStatus is the lifecycle status of a schema entity.
type EntityStatus string

const (
	StatusActive       EntityStatus = "active"
	StatusExperimental EntityStatus = "experimental"
	StatusDeprecated   EntityStatus = "deprecated"
)

// Visibility controls how prominently an entity is surfaced to consumers.
type Visibility string

const (
	VisibilityProminent Visibility = "prominent"
	VisibilityNormal    Visibility = "normal"
	VisibilityHidden    Visibility = "hidden"
)

// Cardinality of a link type.
type Cardinality string

const (
	CardinalityOneToOne   Cardinality = "1:1"
	CardinalityOneToMany  Cardinality = "1:N"
	CardinalityManyToMany Cardinality = "N:M"
)

// BroaderThan reports whether c admits strictly more instances than other
// (1:1 < 1:N < N:M). Used by the merge engine to classify cardinality changes.
func (c Cardinality) BroaderThan(other Cardinality) bool {
	return cardinalityRank(c) > cardinalityRank(other)
}

func cardinalityRank(c Cardinality) int {
	switch c {
	case CardinalityOneToOne:
		return 0
	case CardinalityOneToMany:
		return 1
	case CardinalityManyToMany:
		return 2
	}
	return -1
}

// BaseType is the storage type of a property value.
type BaseType string

const (
	BaseString    BaseType = "string"
	BaseText      BaseType = "text"
	BaseInt       BaseType = "int"
	BaseLong      BaseType = "long"
	BaseFloat     BaseType = "float"
	BaseDouble    BaseType = "double"
	BaseBoolean   BaseType = "boolean"
	BaseDate      BaseType = "date"
	BaseTimestamp BaseType = "timestamp"
	BaseEnum      BaseType = "enum"
)

// typeFamilies groups base types into widening families. A change within a
// family from a lower to a higher rank is a widening; anything else is a
// narrowing or cross-family change.
var typeFamilies = map[BaseType]struct {
	family string
	rank   int
}{
	BaseString:    {"textual", 0},
	BaseText:      {"textual", 1},
	BaseInt:       {"integral", 0},
	BaseLong:      {"integral", 1},
	BaseFloat:     {"floating", 0},
	BaseDouble:    {"floating", 1},
	BaseBoolean:   {"boolean", 0},
	BaseDate:      {"temporal", 0},
	BaseTimestamp: {"temporal", 1},
	BaseEnum:      {"enum", 0},
}

// IsWideningOf reports whether changing a property from old to t is a
// loss-free widening (string→text, int→long, float→double, date→timestamp).
func (t BaseType) IsWideningOf(old BaseType) bool {
	a, okA := typeFamilies[old]
	b, okB := typeFamilies[t]
	return okA && okB && a.family == b.family && b.rank > a.rank
}

// SchemaEntity is the tagged variant over the five ontology entity kinds.
// The header fields are shared; exactly one of the spec pointers matching
// Kind is populated.
type SchemaEntity struct {
	RID         uuid.UUID    `json:"rid"`
	Kind        EntityKind   `json:"kind"`
	Branch      string       `json:"branch"`
	APIName     string       `json:"api_name"`
	DisplayName string       `json:"display_name"`
	Status      EntityStatus `json:"status"`
	Visibility  Visibility   `json:"visibility"`
	Version     int64        `json:"version"`
	CreatedAt   time.Time    `json:"created_at"`
	CreatedBy   string       `json:"created_by"`
	UpdatedAt   time.Time    `json:"updated_at"`
	UpdatedBy   string       `json:"updated_by"`
	System      bool         `json:"system,omitempty"` // system-owned entities win kind-collision ties

	Object    *ObjectSpec    `json:"object,omitempty"`
	Property  *PropertySpec  `json:"property,omitempty"`
	Link      *LinkSpec      `json:"link,omitempty"`
	Interface *InterfaceSpec `json:"interface,omitempty"`
	Action    *ActionSpec    `json:"action,omitempty"`
}

// ObjectSpec holds object-type fields.
type ObjectSpec struct {
	PrimaryKey string      `json:"primary_key,omitempty"`
	Implements []uuid.UUID `json:"implements,omitempty"` // interface RIDs
}

// Constraints are the value constraints attached to a property.
// Nil fields mean unconstrained.
type Constraints struct {
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	MaxLength *int     `json:"max_length,omitempty"`
	Pattern   *string  `json:"pattern,omitempty"`
	Required  bool     `json:"required,omitempty"`
}

// PropertySpec holds property fields.
type PropertySpec struct {
	ObjectRID   uuid.UUID   `json:"object_rid"`
	BaseType    BaseType    `json:"base_type"`
	ValueFormat string      `json:"value_format,omitempty"`
	EnumValues  []string    `json:"enum_values,omitempty"`
	Constraints Constraints `json:"constraints"`
}

// LinkSpec holds link-type fields. Source and Target must refer to
// existing object types on the same branch.
type LinkSpec struct {
	SourceRID   uuid.UUID   `json:"source_rid"`
	TargetRID   uuid.UUID   `json:"target_rid"`
	Cardinality Cardinality `json:"cardinality"`
}

// InterfaceSpec holds interface fields: the property api_names an
// implementing object type must carry.
type InterfaceSpec struct {
	RequiredProperties []string `json:"required_properties,omitempty"`
}

// ActionSpec holds action-type fields.
type ActionSpec struct {
	FunctionBody  string   `json:"function_body"`
	SecurityRules []string `json:"security_rules,omitempty"`
}

var apiNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,199}$`)

// Validate checks structural invariants of the entity: a valid kind, a
// well-formed api_name, and a populated spec matching the kind.
func (e SchemaEntity) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("model: unknown entity kind %q", e.Kind)
	}
	if !apiNameRe.MatchString(e.APIName) {
		return fmt.Errorf("model: api_name %q must match %s", e.APIName, apiNameRe)
	}
	if e.Branch == "" {
		return fmt.Errorf("model: entity branch is required")
	}
	switch e.Kind {
	case KindObjectType:
		if e.Object == nil {
			return fmt.Errorf("model: object_type entity missing object spec")
		}
	case KindProperty:
		if e.Property == nil {
			return fmt.Errorf("model: property entity missing property spec")
		}
		if e.Property.ObjectRID == uuid.Nil {
			return fmt.Errorf("model: property %s has no owning object_rid", e.APIName)
		}
		if _, ok := typeFamilies[e.Property.BaseType]; !ok {
			return fmt.Errorf("model: property %s has unknown base_type %q", e.APIName, e.Property.BaseType)
		}
	case KindLinkType:
		if e.Link == nil {
			return fmt.Errorf("model: link_type entity missing link spec")
		}
		if e.Link.SourceRID == uuid.Nil || e.Link.TargetRID == uuid.Nil {
			return fmt.Errorf("model: link_type %s endpoints are required", e.APIName)
		}
		if cardinalityRank(e.Link.Cardinality) < 0 {
			return fmt.Errorf("model: link_type %s has invalid cardinality %q", e.APIName, e.Link.Cardinality)
		}
	case KindInterface:
		if e.Interface == nil {
			return fmt.Errorf("model: interface entity missing interface spec")
		}
	case KindActionType:
		if e.Action == nil {
			return fmt.Errorf("model: action_type entity missing action spec")
		}
		if e.Action.FunctionBody == "" {
			return fmt.Errorf("model: action_type %s has empty function_body", e.APIName)
		}
	}
	return nil
}

// References returns the RIDs of entities this entity points at. Used by
// deletion checks and by the merge engine's referential-integrity pass.
func (e SchemaEntity) References() []uuid.UUID {
	var refs []uuid.UUID
	switch e.Kind {
	case KindProperty:
		if e.Property != nil {
			refs = append(refs, e.Property.ObjectRID)
		}
	case KindLinkType:
		if e.Link != nil {
			refs = append(refs, e.Link.SourceRID, e.Link.TargetRID)
		}
	case KindObjectType:
		if e.Object != nil {
			refs = append(refs, e.Object.Implements...)
		}
	}
	return refs
}

// KindPrecedence ranks kinds for same-id/differing-kind conflicts:
// Interface > ObjectType > LinkType > Property. ActionType ranks lowest.
func KindPrecedence(k EntityKind) int {
	switch k {
	case KindInterface:
		return 4
	case KindObjectType:
		return 3
	case KindLinkType:
		return 2
	case KindProperty:
		return 1
	default:
		return 0
	}
}
