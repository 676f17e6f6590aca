package pushdown

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cohortc/internal/filter"
)

func personProp(key string) *filter.Property {
	return &filter.Property{Key: key, Value: "x", Type: filter.TypePerson}
}

func eventProp(key string) *filter.Property {
	return &filter.Property{
		Key:  key,
		Type: filter.TypeBehavioral,
		Behavior: filter.PerformedEvent{
			Entity: filter.Entity{Type: filter.EntityEvents, Key: key},
			Window: filter.Window{Value: 7, Interval: filter.Day},
		},
	}
}

func TestSplit(t *testing.T) {
	a, b := personProp("a"), personProp("b")
	e := eventProp("e")

	testCases := []struct {
		name      string
		tree      *filter.Group
		wantOuter *filter.Group
		wantInner *filter.Group
	}{
		{
			name: "empty",
			tree: filter.NewAnd(),
		},
		{
			name:      "or of mixed stays outer",
			tree:      filter.NewOr(a, e),
			wantOuter: filter.NewOr(a, e),
		},
		{
			name:      "or of person pushes down",
			tree:      filter.NewOr(a, b),
			wantInner: filter.NewOr(a, b),
		},
		{
			name:      "and of person pushes down",
			tree:      filter.NewAnd(a, b),
			wantInner: filter.NewAnd(a, b),
		},
		{
			name:      "and of mixed leaves partitions",
			tree:      filter.NewAnd(a, e, b),
			wantOuter: filter.NewAnd(e),
			wantInner: filter.NewAnd(a, b),
		},
		{
			name: "and of mixed groups splits each child",
			tree: filter.NewGroupOfGroups(filter.And,
				filter.NewAnd(a, e),
				filter.NewOr(b, e),
				filter.NewOr(a, b),
			),
			wantOuter: filter.NewGroupOfGroups(filter.And,
				filter.NewAnd(e),
				filter.NewOr(b, e),
			),
			wantInner: filter.NewGroupOfGroups(filter.And,
				filter.NewAnd(a),
				filter.NewOr(a, b),
			),
		},
		{
			name: "or of groups with behavior stays outer",
			tree: filter.NewGroupOfGroups(filter.Or,
				filter.NewAnd(a),
				filter.NewAnd(e),
			),
			wantOuter: filter.NewGroupOfGroups(filter.Or,
				filter.NewAnd(a),
				filter.NewAnd(e),
			),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			outer, inner, err := Split(tc.tree)
			require.NoError(t, err)
			if diff := cmp.Diff(tc.wantOuter, outer); diff != "" {
				t.Errorf("outer (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tc.wantInner, inner); diff != "" {
				t.Errorf("inner (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSplit_UnsupportedShape(t *testing.T) {
	tree := &filter.Group{Operator: "XOR", Values: []filter.Node{personProp("a")}}

	_, _, err := Split(tree)
	require.Error(t, err)
	assert.True(t, IsUnsupportedShape(err))

	nested := filter.NewGroupOfGroups(filter.And,
		filter.NewAnd(eventProp("e")),
		&filter.Group{Operator: "NAND", Values: []filter.Node{eventProp("f")}},
	)
	_, _, err = Split(nested)
	require.Error(t, err)
	assert.True(t, IsUnsupportedShape(err))
	assert.Contains(t, err.Error(), "values[1]")
}

func TestIsPurePerson(t *testing.T) {
	assert.True(t, IsPurePerson(filter.NewAnd()))
	assert.True(t, IsPurePerson(filter.NewGroupOfGroups(filter.Or, filter.NewAnd(personProp("a")))))
	assert.False(t, IsPurePerson(filter.NewAnd(personProp("a"), eventProp("e"))))
	assert.False(t, IsPurePerson(filter.NewAnd(filter.StaticCohort(1, false))))
}
