package filter

import (
	"fmt"
	"strconv"
)

// Operator joins the values of a Group.
type Operator string

const (
	And Operator = "AND"
	Or  Operator = "OR"
)

// Flip returns the De Morgan dual of the operator.
func (o Operator) Flip() Operator {
	if o == And {
		return Or
	}
	return And
}

// Valid reports whether o is AND or OR.
func (o Operator) Valid() bool {
	return o == And || o == Or
}

// PropertyType tags a leaf condition with the data it reads.
type PropertyType string

const (
	TypeEvent               PropertyType = "event"
	TypePerson              PropertyType = "person"
	TypeGroup               PropertyType = "group"
	TypeElement             PropertyType = "element"
	TypeSession             PropertyType = "session"
	TypeCohort              PropertyType = "cohort"
	TypePrecalculatedCohort PropertyType = "precalculated-cohort"
	TypeStaticCohort        PropertyType = "static-cohort"
	TypeBehavioral          PropertyType = "behavioral"

	// TypeNeverMatch is produced by the cohort unwrapper in place of a
	// reference to a cohort that does not exist. It is never accepted from
	// external input.
	TypeNeverMatch PropertyType = "never-match"
)

// externalTypes are the property types Parse accepts.
var externalTypes = map[PropertyType]bool{
	TypeEvent:               true,
	TypePerson:              true,
	TypeGroup:               true,
	TypeElement:             true,
	TypeSession:             true,
	TypeCohort:              true,
	TypePrecalculatedCohort: true,
	TypeStaticCohort:        true,
	TypeBehavioral:          true,
}

// IsCohortReference reports whether the type references another cohort that
// the unwrapper must resolve.
func (t PropertyType) IsCohortReference() bool {
	return t == TypeCohort || t == TypePrecalculatedCohort
}

// Node is a filter tree node.
//
// This is a sealed interface - only *Group and *Property implement it.
type Node interface {
	filterNode()
}

// Group is a boolean AND/OR node.
//
// Values are homogeneous: all *Group or all *Property. Empty Values means
// "match everything".
type Group struct {
	Operator Operator
	Values   []Node
}

func (*Group) filterNode() {}

// NewGroup builds a group from nodes.
func NewGroup(op Operator, values ...Node) *Group {
	return &Group{Operator: op, Values: values}
}

// NewAnd builds an AND group of properties.
func NewAnd(props ...*Property) *Group {
	return NewGroup(And, propertyNodes(props)...)
}

// NewOr builds an OR group of properties.
func NewOr(props ...*Property) *Group {
	return NewGroup(Or, propertyNodes(props)...)
}

// NewGroupOfGroups builds a group whose values are groups.
func NewGroupOfGroups(op Operator, groups ...*Group) *Group {
	nodes := make([]Node, len(groups))
	for i, g := range groups {
		nodes[i] = g
	}
	return &Group{Operator: op, Values: nodes}
}

func propertyNodes(props []*Property) []Node {
	nodes := make([]Node, len(props))
	for i, p := range props {
		nodes[i] = p
	}
	return nodes
}

// IsEmpty reports whether the group has no values.
func (g *Group) IsEmpty() bool {
	return g == nil || len(g.Values) == 0
}

// HasGroups reports whether the group's values are groups.
func (g *Group) HasGroups() bool {
	if g.IsEmpty() {
		return false
	}
	_, ok := g.Values[0].(*Group)
	return ok
}

// Groups returns the child groups. Nil for a group of properties.
func (g *Group) Groups() []*Group {
	if !g.HasGroups() {
		return nil
	}
	out := make([]*Group, 0, len(g.Values))
	for _, v := range g.Values {
		out = append(out, v.(*Group))
	}
	return out
}

// Properties returns the direct leaf values. Nil for a group of groups.
func (g *Group) Properties() []*Property {
	if g.IsEmpty() || g.HasGroups() {
		return nil
	}
	out := make([]*Property, 0, len(g.Values))
	for _, v := range g.Values {
		out = append(out, v.(*Property))
	}
	return out
}

// Property is a single leaf condition.
type Property struct {
	Key      string
	Value    any
	Operator string
	Type     PropertyType
	Negation bool

	// GroupTypeIndex is set for group-scoped properties.
	GroupTypeIndex *int

	// Behavior is non-nil iff Type == TypeBehavioral.
	Behavior Behavior
}

func (*Property) filterNode() {}

// WithNegation returns a copy of p with the given negation.
func (p *Property) WithNegation(negation bool) *Property {
	cp := *p
	cp.Negation = negation
	return &cp
}

// CohortID returns the referenced cohort id for cohort-typed leaves.
func (p *Property) CohortID() (int64, error) {
	return toInt64(p.Value)
}

// NeverMatch returns the sentinel leaf used in place of an unresolvable
// cohort reference.
func NeverMatch() *Property {
	return &Property{Key: "id", Type: TypeNeverMatch}
}

// StaticCohort returns a static-cohort membership leaf.
func StaticCohort(cohortID int64, negation bool) *Property {
	return &Property{Key: "id", Value: cohortID, Type: TypeStaticCohort, Negation: negation}
}

// toInt64 converts JSON-decoded scalars to int64.
func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int64(n), nil
	case interface{ Int64() (int64, error) }:
		return n.Int64()
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported id type %T", v)
	}
}
