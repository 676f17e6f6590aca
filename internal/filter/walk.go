package filter

// Walk calls fn for every leaf under g in depth-first order.
func Walk(g *Group, fn func(*Property)) {
	if g == nil {
		return
	}
	for _, v := range g.Values {
		switch n := v.(type) {
		case *Group:
			Walk(n, fn)
		case *Property:
			fn(n)
		}
	}
}

// Leaves returns every leaf under g in depth-first order.
func Leaves(g *Group) []*Property {
	var out []*Property
	Walk(g, func(p *Property) { out = append(out, p) })
	return out
}

// Any reports whether some leaf under g satisfies pred.
func Any(g *Group, pred func(*Property) bool) bool {
	for _, p := range Leaves(g) {
		if pred(p) {
			return true
		}
	}
	return false
}

// All reports whether every leaf under g satisfies pred. Vacuously true for
// empty trees.
func All(g *Group, pred func(*Property) bool) bool {
	for _, p := range Leaves(g) {
		if !pred(p) {
			return false
		}
	}
	return true
}

// CohortReferences returns the ids referenced by cohort and
// precalculated-cohort leaves, in first-seen order without duplicates.
// Static-cohort leaves are not references: they are already resolved.
func CohortReferences(g *Group) ([]int64, error) {
	seen := make(map[int64]bool)
	var ids []int64
	for _, p := range Leaves(g) {
		if !p.Type.IsCohortReference() {
			continue
		}
		id, err := p.CohortID()
		if err != nil {
			return nil, malformed(ErrCodeInvalidField, "", "value", "cohort id for %q: %v", p.Key, err)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Clone returns a deep copy of the tree structure. Leaf values are shared.
func Clone(g *Group) *Group {
	if g == nil {
		return nil
	}
	out := &Group{Operator: g.Operator, Values: make([]Node, len(g.Values))}
	for i, v := range g.Values {
		switch n := v.(type) {
		case *Group:
			out.Values[i] = Clone(n)
		case *Property:
			cp := *n
			out.Values[i] = &cp
		}
	}
	return out
}
