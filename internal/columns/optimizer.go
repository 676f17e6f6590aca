package columns

import (
	"context"
	"sort"

	"github.com/roach88/cohortc/internal/action"
	"github.com/roach88/cohortc/internal/filter"
)

// UsedProperty is one property a query reads.
type UsedProperty struct {
	Name           string
	Type           filter.PropertyType
	GroupTypeIndex *int
}

type usedKey struct {
	name  string
	typ   filter.PropertyType
	group int
}

func (u UsedProperty) key() usedKey {
	g := -1
	if u.GroupTypeIndex != nil {
		g = *u.GroupTypeIndex
	}
	return usedKey{u.Name, u.Type, g}
}

// Entity is an event or action a query counts, with its own filters.
type Entity struct {
	Ref        filter.Entity
	Properties *filter.Group
	// MathProperty is an event property aggregated by the query, if any.
	MathProperty string
}

// Breakdown splits results by one property.
type Breakdown struct {
	Property       string
	Type           filter.PropertyType
	GroupTypeIndex *int
}

// Query lists everything a query reads properties from.
type Query struct {
	Filters    *filter.Group
	Entities   []Entity
	Exclusions []Entity
	Breakdowns []Breakdown
	// CorrelationPropertyNames are person properties read by correlation
	// analysis.
	CorrelationPropertyNames []string
}

// Optimizer answers physical-column questions against one Snapshot.
type Optimizer struct {
	snapshot *Snapshot
	actions  action.Resolver
	teamID   int64
}

// NewOptimizer binds an optimizer to a snapshot. actions may be nil when the
// queries contain no action entities.
func NewOptimizer(snapshot *Snapshot, actions action.Resolver, teamID int64) *Optimizer {
	return &Optimizer{snapshot: snapshot, actions: actions, teamID: teamID}
}

// Snapshot returns the snapshot the optimizer is bound to.
func (o *Optimizer) Snapshot() *Snapshot {
	return o.snapshot
}

// UsedProperties collects the properties q reads: filter leaves, entity
// filters and math properties, action step properties, exclusions,
// breakdowns, and correlation properties. Behavioral leaves contribute their
// entities. The result is deduplicated and sorted.
func (o *Optimizer) UsedProperties(ctx context.Context, q Query) ([]UsedProperty, error) {
	seen := make(map[usedKey]UsedProperty)
	add := func(u UsedProperty) {
		if u.Name == "" {
			return
		}
		seen[u.key()] = u
	}

	entities := append(append([]Entity{}, q.Entities...), q.Exclusions...)
	filter.Walk(q.Filters, func(p *filter.Property) {
		if p.Behavior == nil {
			addFilterProperty(add, p)
			return
		}
		entities = append(entities, Entity{Ref: p.Behavior.Subject()})
		if seq, ok := p.Behavior.(filter.PerformedEventSequence); ok {
			entities = append(entities, Entity{Ref: seq.SeqEntity})
		}
	})

	for _, e := range entities {
		filter.Walk(e.Properties, func(p *filter.Property) { addFilterProperty(add, p) })
		add(UsedProperty{Name: e.MathProperty, Type: filter.TypeEvent})

		if e.Ref.Type != filter.EntityActions {
			continue
		}
		steps, err := action.StepsFor(ctx, o.actions, e.Ref, o.teamID)
		if err != nil {
			return nil, err
		}
		for _, step := range steps {
			filter.Walk(step.Properties, func(p *filter.Property) { addFilterProperty(add, p) })
			if step.URL != "" {
				add(UsedProperty{Name: "$current_url", Type: filter.TypeEvent})
			}
		}
	}

	for _, b := range q.Breakdowns {
		add(UsedProperty{Name: b.Property, Type: b.Type, GroupTypeIndex: b.GroupTypeIndex})
	}
	for _, name := range q.CorrelationPropertyNames {
		add(UsedProperty{Name: name, Type: filter.TypePerson})
	}

	out := make([]UsedProperty, 0, len(seen))
	for _, u := range seen {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].key(), out[j].key()
		if a.typ != b.typ {
			return a.typ < b.typ
		}
		if a.group != b.group {
			return a.group < b.group
		}
		return a.name < b.name
	})
	return out, nil
}

func addFilterProperty(add func(UsedProperty), p *filter.Property) {
	switch p.Type {
	case filter.TypeEvent, filter.TypePerson, filter.TypeGroup, filter.TypeSession:
		add(UsedProperty{Name: p.Key, Type: p.Type, GroupTypeIndex: p.GroupTypeIndex})
	}
}

// ColumnsToQuery returns the physical columns of table needed to read used:
// the materialized column when one exists and is not nullable, otherwise the
// blob column the property lives in. Properties the table does not carry
// are ignored. The result is sorted.
func (o *Optimizer) ColumnsToQuery(table string, used []UsedProperty) []string {
	cols := make(map[string]bool)
	for _, u := range used {
		tableColumn, ok := TableColumnFor(table, u.Type, u.GroupTypeIndex)
		if !ok {
			continue
		}
		if e, found := o.snapshot.Lookup(table, tableColumn, u.Name); found && !e.IsNullable {
			cols[e.ColumnName] = true
			continue
		}
		cols[tableColumn] = true
	}
	return sortedKeys(cols)
}

// GroupTypesToQuery returns the distinct group type indexes referenced by
// group properties, ascending.
func (o *Optimizer) GroupTypesToQuery(used []UsedProperty) []int {
	seen := make(map[int]bool)
	for _, u := range used {
		if u.Type == filter.TypeGroup && u.GroupTypeIndex != nil {
			seen[*u.GroupTypeIndex] = true
		}
	}
	out := make([]int, 0, len(seen))
	for g := range seen {
		out = append(out, g)
	}
	sort.Ints(out)
	return out
}

// ShouldQueryElementsChain reports whether q reads the elements chain:
// an element filter anywhere, or an action entity with a step that matches
// on elements.
func (o *Optimizer) ShouldQueryElementsChain(ctx context.Context, q Query) (bool, error) {
	isElement := func(p *filter.Property) bool { return p.Type == filter.TypeElement }

	if filter.Any(q.Filters, isElement) {
		return true, nil
	}

	var refs []filter.Entity
	for _, e := range append(append([]Entity{}, q.Entities...), q.Exclusions...) {
		if filter.Any(e.Properties, isElement) {
			return true, nil
		}
		refs = append(refs, e.Ref)
	}
	filter.Walk(q.Filters, func(p *filter.Property) {
		if p.Behavior == nil {
			return
		}
		refs = append(refs, p.Behavior.Subject())
		if seq, ok := p.Behavior.(filter.PerformedEventSequence); ok {
			refs = append(refs, seq.SeqEntity)
		}
	})

	for _, ref := range refs {
		if ref.Type != filter.EntityActions {
			continue
		}
		steps, err := action.StepsFor(ctx, o.actions, ref, o.teamID)
		if err != nil {
			return false, err
		}
		for _, step := range steps {
			if step.UsesElements() {
				return true, nil
			}
		}
	}
	return false, nil
}

// PersonOnEventColumnsToQuery returns the events columns that hold the
// denormalized person properties in used.
func (o *Optimizer) PersonOnEventColumnsToQuery(used []UsedProperty) []string {
	var person []UsedProperty
	for _, u := range used {
		if u.Type == filter.TypePerson {
			person = append(person, u)
		}
	}
	return o.ColumnsToQuery(TableEvents, person)
}

// GroupOnEventColumnsToQuery returns the events columns that hold the
// denormalized properties of one group type.
func (o *Optimizer) GroupOnEventColumnsToQuery(groupTypeIndex int, used []UsedProperty) []string {
	var group []UsedProperty
	for _, u := range used {
		if u.Type == filter.TypeGroup && u.GroupTypeIndex != nil && *u.GroupTypeIndex == groupTypeIndex {
			group = append(group, u)
		}
	}
	return o.ColumnsToQuery(TableEvents, group)
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
