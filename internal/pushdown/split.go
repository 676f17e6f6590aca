// Package pushdown splits an unwrapped filter tree into the part that must be
// evaluated after the behavior/person join (outer) and the pure
// person-property part that can be evaluated inside the person subquery
// (inner).
package pushdown

import (
	"errors"
	"fmt"

	"github.com/roach88/cohortc/internal/filter"
)

// ErrCodeUnsupportedShape is the code of UnsupportedShapeError.
const ErrCodeUnsupportedShape = "E310"

// UnsupportedShapeError reports a tree the splitter has no rule for.
type UnsupportedShapeError struct {
	Code     string          `json:"code"`
	Operator filter.Operator `json:"operator"`
	Message  string          `json:"message"`
}

// Error implements the error interface.
func (e *UnsupportedShapeError) Error() string {
	return fmt.Sprintf("[%s] cannot split %q group: %s", e.Code, e.Operator, e.Message)
}

// IsUnsupportedShape reports whether err is (or wraps) an UnsupportedShapeError.
func IsUnsupportedShape(err error) bool {
	var ue *UnsupportedShapeError
	return errors.As(err, &ue)
}

// Split partitions tree into (outer, inner). Either half may be nil.
//
//   - Empty tree: (nil, nil).
//   - OR group: (nil, tree) when every leaf is a person property, otherwise
//     (tree, nil). Splitting an OR would change its truth value.
//   - AND group of pure person properties: (nil, tree).
//   - AND group of groups: each child is split and the outer and inner
//     halves are ANDed separately.
//   - AND group of leaves: person leaves go inner, the rest go outer.
//
// outer AND inner is equivalent to tree.
func Split(tree *filter.Group) (outer, inner *filter.Group, err error) {
	if tree.IsEmpty() {
		return nil, nil, nil
	}

	switch tree.Operator {
	case filter.Or:
		if IsPurePerson(tree) {
			return nil, tree, nil
		}
		return tree, nil, nil

	case filter.And:
		if IsPurePerson(tree) {
			return nil, tree, nil
		}
		if tree.HasGroups() {
			return splitGroups(tree.Groups())
		}
		return splitLeaves(tree.Properties())

	default:
		return nil, nil, &UnsupportedShapeError{
			Code:     ErrCodeUnsupportedShape,
			Operator: tree.Operator,
			Message:  "operator must be AND or OR",
		}
	}
}

func splitGroups(children []*filter.Group) (*filter.Group, *filter.Group, error) {
	var outers, inners []*filter.Group
	for i, child := range children {
		o, in, err := Split(child)
		if err != nil {
			return nil, nil, fmt.Errorf("values[%d]: %w", i, err)
		}
		if o != nil {
			outers = append(outers, o)
		}
		if in != nil {
			inners = append(inners, in)
		}
	}
	return andOfGroups(outers), andOfGroups(inners), nil
}

func splitLeaves(props []*filter.Property) (*filter.Group, *filter.Group, error) {
	var outer, inner []*filter.Property
	for _, p := range props {
		if p.Type == filter.TypePerson {
			inner = append(inner, p)
		} else {
			outer = append(outer, p)
		}
	}

	var outerGroup, innerGroup *filter.Group
	if len(outer) > 0 {
		outerGroup = filter.NewAnd(outer...)
	}
	if len(inner) > 0 {
		innerGroup = filter.NewAnd(inner...)
	}
	return outerGroup, innerGroup, nil
}

func andOfGroups(groups []*filter.Group) *filter.Group {
	if len(groups) == 0 {
		return nil
	}
	return filter.NewGroupOfGroups(filter.And, groups...)
}

// IsPurePerson reports whether every leaf under g is a person property.
// Vacuously true for an empty group.
func IsPurePerson(g *filter.Group) bool {
	return filter.All(g, func(p *filter.Property) bool {
		return p.Type == filter.TypePerson
	})
}
