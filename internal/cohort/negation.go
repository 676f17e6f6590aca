package cohort

import "github.com/roach88/cohortc/internal/filter"

// ValidateNegations checks that every negated condition is paired with a
// positive condition in an enclosing AND group.
//
// Each group reports whether it has a pending (unpaired) negation and whether
// it has a positive condition. An AND group that has both settles its
// negations: it reports no pending negation and a positive condition to its
// parent. A negation still pending at the root is an error.
//
//	AND(NOT x)            → error
//	AND(NOT x, y)         → ok
//	OR(AND(NOT x, y), z)  → ok
//	OR(NOT x, y)          → error
//
// Run it on the unwrapped tree so negations inherited from negated cohort
// references are accounted for.
func ValidateNegations(tree *filter.Group) error {
	pending, _ := checkNegations(tree)
	if pending {
		return &UnpairedNegationError{
			Code:    ErrCodeUnpairedNegation,
			Message: "negations must be paired with a positive filter in an AND group",
		}
	}
	return nil
}

func checkNegations(g *filter.Group) (pending, positive bool) {
	if g.IsEmpty() {
		return false, false
	}
	if g.HasGroups() {
		for _, child := range g.Groups() {
			neg, pos := checkNegations(child)
			pending = pending || neg
			positive = positive || pos
		}
	} else {
		for _, p := range g.Properties() {
			if p.Negation {
				pending = true
			} else {
				positive = true
			}
		}
	}
	if g.Operator == filter.And && pending && positive {
		return false, true
	}
	return pending, positive
}
