// Package cohort holds cohort snapshots, loaders, and the unwrapper that
// inlines cohort-into-cohort references.
package cohort

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/cohortc/internal/filter"
)

// Type is a cohort's complexity classification.
//
// Types are ordered: Static < PersonProperty < Behavioral < Analytical.
// None sorts below every known type and means "not yet classified".
type Type int

const (
	TypeNone Type = iota
	TypeStatic
	TypePersonProperty
	TypeBehavioral
	TypeAnalytical
)

var typeNames = map[Type]string{
	TypeNone:           "none",
	TypeStatic:         "static",
	TypePersonProperty: "person_property",
	TypeBehavioral:     "behavioral",
	TypeAnalytical:     "analytical",
}

// String returns the lower_snake name used in JSON, YAML, and the store.
func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// ParseType is the inverse of String. The empty string parses to TypeNone.
func ParseType(s string) (Type, error) {
	if s == "" {
		return TypeNone, nil
	}
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return TypeNone, fmt.Errorf("unknown cohort type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Max returns the larger of a and b.
func Max(a, b Type) Type {
	if b > a {
		return b
	}
	return a
}

// Cohort is a snapshot of one cohort definition.
type Cohort struct {
	ID       int64
	TeamID   int64
	Name     string
	IsStatic bool

	// Filters is the cohort's own property tree. Ignored for static cohorts.
	Filters *filter.Group

	// Version is the membership version readers see; PendingVersion is the
	// version a running recalculation writes.
	Version        int64
	PendingVersion int64

	CohortType        Type
	Deleted           bool
	ErrorsCalculating int
}

// ErrNotFound is returned by Loader.Get when the cohort does not exist for
// the team, or has been deleted.
var ErrNotFound = errors.New("cohort not found")

// Loader fetches cohort snapshots.
//
// GetMany returns only the cohorts that exist; absent ids are simply missing
// from the map.
type Loader interface {
	Get(ctx context.Context, id, teamID int64) (*Cohort, error)
	GetMany(ctx context.Context, ids []int64, teamID int64) (map[int64]*Cohort, error)
}

// BatchLoader is the subset of Loader used by dependency classification,
// which only ever fetches a whole BFS level at once.
type BatchLoader interface {
	GetMany(ctx context.Context, ids []int64, teamID int64) (map[int64]*Cohort, error)
}

// MapLoader is an in-memory Loader keyed by cohort id.
type MapLoader map[int64]*Cohort

// NewMapLoader indexes cohorts by id.
func NewMapLoader(cohorts ...*Cohort) MapLoader {
	m := make(MapLoader, len(cohorts))
	for _, c := range cohorts {
		m[c.ID] = c
	}
	return m
}

// Get implements Loader.
func (m MapLoader) Get(_ context.Context, id, teamID int64) (*Cohort, error) {
	c, ok := m[id]
	if !ok || c.TeamID != teamID || c.Deleted {
		return nil, ErrNotFound
	}
	return c, nil
}

// GetMany implements Loader.
func (m MapLoader) GetMany(ctx context.Context, ids []int64, teamID int64) (map[int64]*Cohort, error) {
	out := make(map[int64]*Cohort, len(ids))
	for _, id := range ids {
		if c, err := m.Get(ctx, id, teamID); err == nil {
			out[id] = c
		}
	}
	return out, nil
}

// IDs returns the loader's cohort ids in ascending order.
func (m MapLoader) IDs() []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
