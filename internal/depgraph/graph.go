// Package depgraph builds the cohort reference graph, orders cohorts so every
// cohort follows the cohorts it references, and classifies each cohort's
// evaluation complexity.
package depgraph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/cohortc/internal/cohort"
	"github.com/roach88/cohortc/internal/filter"
)

// ErrCodeCircularDependency is the code of CircularDependencyError.
const ErrCodeCircularDependency = "E320"

// CircularDependencyError names one cycle of cohort references. Path starts
// and ends at the same cohort.
type CircularDependencyError struct {
	Code string  `json:"code"`
	Path []int64 `json:"path"`
}

// Error implements the error interface.
func (e *CircularDependencyError) Error() string {
	parts := make([]string, len(e.Path))
	for i, id := range e.Path {
		parts[i] = fmt.Sprint(id)
	}
	return fmt.Sprintf("[%s] circular cohort dependency: %s", e.Code, strings.Join(parts, " → "))
}

// IsCycle reports whether err is (or wraps) a CircularDependencyError.
func IsCycle(err error) bool {
	var ce *CircularDependencyError
	return errors.As(err, &ce)
}

// Graph maps each cohort to the cohorts its tree references directly.
// Only cohort and precalculated-cohort leaves are edges; static-cohort leaves
// are recorded separately since they need no evaluation order.
type Graph struct {
	deps   map[int64][]int64
	static map[int64]bool
}

// Build collects the direct references of every cohort. Trees are walked as
// stored, without unwrapping.
func Build(cohorts []*cohort.Cohort) (*Graph, error) {
	g := &Graph{deps: make(map[int64][]int64, len(cohorts)), static: make(map[int64]bool)}
	for _, c := range cohorts {
		refs, err := filter.CohortReferences(c.Filters)
		if err != nil {
			return nil, fmt.Errorf("cohort %d: %w", c.ID, err)
		}
		g.deps[c.ID] = sortedUnique(refs)
		if c.IsStatic || filter.Any(c.Filters, isStaticLeaf) {
			g.static[c.ID] = true
		}
	}
	return g, nil
}

// New builds a graph from explicit edges.
func New(deps map[int64][]int64) *Graph {
	g := &Graph{deps: make(map[int64][]int64, len(deps)), static: make(map[int64]bool)}
	for id, refs := range deps {
		g.deps[id] = sortedUnique(refs)
	}
	return g
}

func isStaticLeaf(p *filter.Property) bool {
	return p.Type == filter.TypeStaticCohort
}

// Nodes returns the graph's cohort ids in ascending order.
func (g *Graph) Nodes() []int64 {
	ids := make([]int64, 0, len(g.deps))
	for id := range g.deps {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

// Has reports whether id is a node of the graph.
func (g *Graph) Has(id int64) bool {
	_, ok := g.deps[id]
	return ok
}

// Deps returns the cohorts id references directly, ascending.
func (g *Graph) Deps(id int64) []int64 {
	return g.deps[id]
}

// TransitiveDeps returns every cohort reachable from id, ascending, excluding
// id itself unless it lies on a cycle. References to cohorts outside the
// graph are included but not followed.
func (g *Graph) TransitiveDeps(id int64) []int64 {
	seen := make(map[int64]bool)
	stack := append([]int64{}, g.deps[id]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g.deps[n]...)
	}
	out := make([]int64, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sortIDs(out)
	return out
}

// ReferencesStatic reports whether id, or any cohort it transitively
// references, is static or contains a static-cohort condition.
func (g *Graph) ReferencesStatic(id int64) bool {
	if g.static[id] {
		return true
	}
	for _, d := range g.TransitiveDeps(id) {
		if g.static[d] {
			return true
		}
	}
	return false
}

// Sort orders the graph with Kahn's algorithm: a cohort is emitted once all
// cohorts it references have been emitted. Among ready cohorts the smallest
// id goes first, so the order is deterministic. References to cohorts outside
// the graph do not constrain the order.
//
// If cohorts remain that can never become ready, Sort returns a
// *CircularDependencyError naming one cycle among them.
func (g *Graph) Sort() ([]int64, error) {
	order, blocked := g.kahn()
	if len(blocked) > 0 {
		cycles := g.cyclesAmong(blocked)
		if len(cycles) == 0 {
			return nil, fmt.Errorf("dependency sort stalled on %v", blocked)
		}
		return nil, cycles[0]
	}
	return order, nil
}

// kahn returns the emitted order and the ids that never became ready.
func (g *Graph) kahn() (order, blocked []int64) {
	indegree := make(map[int64]int, len(g.deps))
	dependents := make(map[int64][]int64)
	for id, refs := range g.deps {
		indegree[id] += 0
		for _, d := range refs {
			if !g.Has(d) {
				continue
			}
			indegree[id]++
			dependents[d] = append(dependents[d], id)
		}
	}

	var ready []int64
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	sortIDs(ready)

	order = make([]int64, 0, len(g.deps))
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, c := range dependents[next] {
			indegree[c]--
			if indegree[c] == 0 {
				ready = insertSorted(ready, c)
			}
		}
	}

	for id, n := range indegree {
		if n > 0 {
			blocked = append(blocked, id)
		}
	}
	sortIDs(blocked)
	return order, blocked
}

// Cycles returns one CircularDependencyError per strongly connected cycle,
// ordered by the smallest id on the cycle.
func (g *Graph) Cycles() []*CircularDependencyError {
	return g.cyclesAmong(g.Nodes())
}

func insertSorted(ids []int64, id int64) []int64 {
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func sortedUnique(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sortIDs(out)
	return out
}
