// Package filter provides the typed filter tree consumed by the cohort
// compiler.
//
// A filter is a boolean tree of conditions:
//
//	[raw JSON] → Parse → Group{AND|OR, Values}
//	                       ├── Group ...        (nested groups)
//	                       └── Property ...     (leaf conditions)
//
// A group's values are homogeneous: either all groups or all properties.
// An empty group matches everything.
//
// SEALED INTERFACES:
//
// Node and Behavior are sealed interfaces using the marker method pattern.
// Only types in this package implement them, which lets downstream packages
// (unwrapper, splitter, SQL compiler) switch exhaustively:
//
//	switch n := node.(type) {
//	case *Group:
//	    // recurse
//	case *Property:
//	    // leaf
//	}
//
// BEHAVIORAL LEAVES:
//
// A Property with Type == TypeBehavioral carries exactly one Behavior variant
// (PerformedEvent, PerformedEventMultiple, PerformedEventFirstTime,
// StoppedPerformingEvent, RestartedPerformingEvent, PerformedEventSequence,
// PerformedEventRegularly). Each variant holds only the fields its kind
// requires; Parse refuses to construct a variant with a missing or invalid
// field, so consumers never check for optional attributes.
//
// IMMUTABILITY:
//
// Trees are treated as immutable once parsed. Transformations (cohort
// unwrapping, pushdown splitting) build new trees and may share unchanged
// subtrees with their input.
//
// INTERPOLATION CONTRACT:
//
// Interval units and count operators are closed enums validated here. They
// are the only filter-derived values the SQL compiler may splice into query
// text; everything else is bound as a parameter.
package filter
