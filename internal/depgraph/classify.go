package depgraph

import (
	"context"
	"fmt"

	"github.com/roach88/cohortc/internal/cohort"
	"github.com/roach88/cohortc/internal/filter"
)

// DirectType classifies a tree by its own leaves, ignoring what referenced
// cohorts contain: any complex behavioral kind makes it Analytical, any other
// behavioral leaf Behavioral, any person leaf PersonProperty, and anything
// else Static.
func DirectType(tree *filter.Group) cohort.Type {
	t := cohort.TypeStatic
	filter.Walk(tree, func(p *filter.Property) {
		switch {
		case p.Type == filter.TypeBehavioral && p.Behavior != nil && p.Behavior.Kind().IsComplex():
			t = cohort.Max(t, cohort.TypeAnalytical)
		case p.Type == filter.TypeBehavioral:
			t = cohort.Max(t, cohort.TypeBehavioral)
		case p.Type == filter.TypePerson:
			t = cohort.Max(t, cohort.TypePersonProperty)
		}
	})
	return t
}

// directTypeOf classifies a cohort snapshot. Static cohorts are Static
// whatever their stored tree says.
func directTypeOf(c *cohort.Cohort) cohort.Type {
	if c.IsStatic {
		return cohort.TypeStatic
	}
	return DirectType(c.Filters)
}

// Classification is the result of Classify.
type Classification struct {
	// Graph spans every cohort reached from the requested ids.
	Graph *Graph `json:"-"`
	// Order is a dependency order of every classified cohort.
	Order []int64 `json:"order"`
	// Types holds the final type of every cohort that classified.
	Types map[int64]cohort.Type `json:"types"`
	// Errors holds, per affected cohort, the *cohort.MissingReferenceError or
	// *CircularDependencyError that prevented classification. Requested ids
	// that do not exist map to an error wrapping cohort.ErrNotFound.
	Errors map[int64]error `json:"-"`
}

// Failed reports whether id could not be classified.
func (c *Classification) Failed(id int64) bool {
	_, ok := c.Errors[id]
	return ok
}

// Classify computes type(c) = max(DirectType(c), type(d) for every d c
// references transitively) for every requested cohort and its dependencies.
//
// References are resolved breadth first with one GetMany per level. A cohort
// that transitively references a missing cohort, or that lies on or depends
// on a cycle, gets an entry in Errors instead of a type; unaffected cohorts
// still classify. An error from the loader itself fails the whole call.
func Classify(ctx context.Context, teamID int64, ids []int64, loader cohort.BatchLoader) (*Classification, error) {
	loaded := make(map[int64]*cohort.Cohort)
	missing := make(map[int64]bool)
	requested := sortedUnique(ids)

	frontier := requested
	for len(frontier) > 0 {
		found, err := loader.GetMany(ctx, frontier, teamID)
		if err != nil {
			return nil, fmt.Errorf("load cohorts %v: %w", frontier, err)
		}

		var next []int64
		queued := make(map[int64]bool)
		for _, id := range frontier {
			c, ok := found[id]
			if !ok || c == nil {
				missing[id] = true
				continue
			}
			loaded[id] = c
			refs, err := filter.CohortReferences(c.Filters)
			if err != nil {
				return nil, fmt.Errorf("cohort %d: %w", id, err)
			}
			for _, ref := range refs {
				if _, seen := loaded[ref]; seen || missing[ref] || queued[ref] || contains(frontier, ref) {
					continue
				}
				queued[ref] = true
				next = append(next, ref)
			}
		}
		sortIDs(next)
		frontier = next
	}

	snapshots := make([]*cohort.Cohort, 0, len(loaded))
	for _, c := range loaded {
		snapshots = append(snapshots, c)
	}
	g, err := Build(snapshots)
	if err != nil {
		return nil, err
	}

	result := &Classification{
		Graph:  g,
		Types:  make(map[int64]cohort.Type),
		Errors: make(map[int64]error),
	}

	for _, id := range requested {
		if missing[id] {
			result.Errors[id] = fmt.Errorf("cohort %d: %w", id, cohort.ErrNotFound)
		}
	}

	// Cycles poison every member and every cohort that reaches a member.
	for _, cycle := range g.Cycles() {
		for _, id := range cycle.Path {
			result.Errors[id] = cycle
		}
	}
	nodes := g.Nodes()
	for _, id := range nodes {
		if _, failed := result.Errors[id]; failed {
			continue
		}
		for _, d := range g.TransitiveDeps(id) {
			if err, failed := result.Errors[d]; failed && IsCycle(err) {
				result.Errors[id] = err
				break
			}
		}
	}

	// A missing reference fails its direct referrer and everything above it.
	for _, id := range nodes {
		if _, failed := result.Errors[id]; failed {
			continue
		}
		if err := firstMissing(g, id, missing); err != nil {
			result.Errors[id] = err
		}
	}

	order, _ := g.kahn()
	for _, id := range order {
		if _, failed := result.Errors[id]; failed {
			continue
		}
		t := directTypeOf(loaded[id])
		for _, d := range g.Deps(id) {
			t = cohort.Max(t, result.Types[d])
		}
		result.Types[id] = t
		result.Order = append(result.Order, id)
	}
	return result, nil
}

// firstMissing returns the missing-reference error for the smallest missing
// cohort reachable from id, attributed to the cohort that references it.
func firstMissing(g *Graph, id int64, missing map[int64]bool) error {
	for _, n := range append([]int64{id}, g.TransitiveDeps(id)...) {
		for _, d := range g.Deps(n) {
			if missing[d] {
				return cohort.NewMissingReferenceError(n, d)
			}
		}
	}
	return nil
}

func contains(ids []int64, id int64) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
