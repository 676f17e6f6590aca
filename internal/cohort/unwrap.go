package cohort

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/cohortc/internal/filter"
)

// Unwrap inlines every cohort and precalculated-cohort reference in tree and
// returns a new tree. The input is not modified.
//
// Rules, applied recursively with the inherited negate flag:
//   - Non-reference leaf: negation becomes negation XOR negate.
//   - Reference to a static cohort: a static-cohort leaf
//     (key "id", value = cohort id) with negation XOR negate.
//   - Reference to a dynamic cohort: that cohort's own tree, unwrapped with
//     negate' = negation XOR negate, spliced in as a child group.
//   - Reference to a missing cohort: a never-match leaf.
//   - Every group's operator flips (AND ↔ OR) when negate is true.
//
// A leaf group that gains spliced subtrees becomes a group of groups: runs
// of plain leaves are wrapped in groups carrying the parent's operator, which
// preserves the truth value.
//
// loader is wrapped in a MemoLoader unless it already is one, so each
// referenced cohort is loaded at most once per call. The reference graph
// must be acyclic; re-entering a cohort yields a *ReferenceCycleError.
func Unwrap(ctx context.Context, tree *filter.Group, teamID int64, negate bool, loader Loader) (*filter.Group, error) {
	u := &unwrapper{
		teamID:   teamID,
		loader:   NewMemoLoader(loader),
		visiting: make(map[int64]bool),
	}
	if tree == nil {
		tree = &filter.Group{Operator: filter.And}
	}
	return u.group(ctx, tree, negate)
}

type unwrapper struct {
	teamID   int64
	loader   *MemoLoader
	visiting map[int64]bool
	stack    []int64
}

func (u *unwrapper) group(ctx context.Context, g *filter.Group, negate bool) (*filter.Group, error) {
	op := g.Operator
	if negate {
		op = op.Flip()
	}
	out := &filter.Group{Operator: op}
	if g.IsEmpty() {
		return out, nil
	}

	if g.HasGroups() {
		out.Values = make([]filter.Node, 0, len(g.Values))
		for _, child := range g.Groups() {
			unwrapped, err := u.group(ctx, child, negate)
			if err != nil {
				return nil, err
			}
			out.Values = append(out.Values, unwrapped)
		}
		return out, nil
	}

	nodes := make([]filter.Node, 0, len(g.Values))
	spliced := false
	for _, p := range g.Properties() {
		n, err := u.leaf(ctx, p, negate)
		if err != nil {
			return nil, err
		}
		if _, ok := n.(*filter.Group); ok {
			spliced = true
		}
		nodes = append(nodes, n)
	}

	if !spliced {
		out.Values = nodes
		return out, nil
	}

	// Wrap runs of leaves so the group stays homogeneous.
	var run *filter.Group
	for _, n := range nodes {
		switch v := n.(type) {
		case *filter.Group:
			run = nil
			out.Values = append(out.Values, v)
		case *filter.Property:
			if run == nil {
				run = &filter.Group{Operator: op}
				out.Values = append(out.Values, run)
			}
			run.Values = append(run.Values, v)
		}
	}
	return out, nil
}

func (u *unwrapper) leaf(ctx context.Context, p *filter.Property, negate bool) (filter.Node, error) {
	negation := p.Negation != negate
	if !p.Type.IsCohortReference() {
		return p.WithNegation(negation), nil
	}

	id, err := p.CohortID()
	if err != nil {
		return nil, fmt.Errorf("cohort reference %v: %w", p.Value, err)
	}

	c, err := u.loader.Get(ctx, id, u.teamID)
	if errors.Is(err, ErrNotFound) {
		return filter.NeverMatch(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cohort %d: %w", id, err)
	}

	if c.IsStatic {
		return filter.StaticCohort(id, negation), nil
	}

	if u.visiting[id] {
		path := append(append([]int64{}, u.stack...), id)
		return nil, &ReferenceCycleError{Code: ErrCodeReferenceCycle, Path: path}
	}
	u.visiting[id] = true
	u.stack = append(u.stack, id)
	defer func() {
		delete(u.visiting, id)
		u.stack = u.stack[:len(u.stack)-1]
	}()

	filters := c.Filters
	if filters == nil {
		filters = &filter.Group{Operator: filter.And}
	}
	return u.group(ctx, filters, negation)
}
