package columns

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cohortc/internal/action"
	"github.com/roach88/cohortc/internal/filter"
)

func intPtr(i int) *int { return &i }

func TestColumnsToQuery(t *testing.T) {
	snap := NewSnapshot(
		browser,
		Entry{Table: TableEvents, TableColumn: ColumnProperties, PropertyName: "$os", ColumnName: "mat_os", IsNullable: true},
		Entry{Table: TableEvents, TableColumn: ColumnPersonProperties, PropertyName: "email", ColumnName: "mat_pp_email"},
		Entry{Table: TablePerson, TableColumn: ColumnProperties, PropertyName: "email", ColumnName: "pmat_email"},
	)
	o := NewOptimizer(snap, nil, 1)

	testCases := []struct {
		name  string
		table string
		used  []UsedProperty
		want  []string
	}{
		{
			name:  "materialized event property",
			table: TableEvents,
			used:  []UsedProperty{{Name: "$browser", Type: filter.TypeEvent}},
			want:  []string{"mat_browser"},
		},
		{
			name:  "unmaterialized falls back to blob",
			table: TableEvents,
			used:  []UsedProperty{{Name: "$referrer", Type: filter.TypeEvent}},
			want:  []string{"properties"},
		},
		{
			name:  "nullable materialization falls back to blob",
			table: TableEvents,
			used:  []UsedProperty{{Name: "$os", Type: filter.TypeEvent}},
			want:  []string{"properties"},
		},
		{
			name:  "person property on events",
			table: TableEvents,
			used:  []UsedProperty{{Name: "email", Type: filter.TypePerson}, {Name: "name", Type: filter.TypePerson}},
			want:  []string{"mat_pp_email", "person_properties"},
		},
		{
			name:  "person table",
			table: TablePerson,
			used: []UsedProperty{
				{Name: "email", Type: filter.TypePerson},
				{Name: "$browser", Type: filter.TypeEvent},
			},
			want: []string{"pmat_email"},
		},
		{
			name:  "group property on groups table",
			table: TableGroups,
			used:  []UsedProperty{{Name: "industry", Type: filter.TypeGroup, GroupTypeIndex: intPtr(0)}},
			want:  []string{"group_properties"},
		},
		{
			name:  "nothing used",
			table: TableEvents,
			want:  []string{},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, o.ColumnsToQuery(tc.table, tc.used))
		})
	}
}

func TestUsedProperties(t *testing.T) {
	actions := action.NewMapResolver(&action.Action{
		ID:     3,
		TeamID: 1,
		Steps: []action.Step{{
			URL:        "/checkout",
			Properties: filter.NewAnd(&filter.Property{Key: "plan", Type: filter.TypeEvent}),
		}},
	})
	o := NewOptimizer(NewSnapshot(), actions, 1)

	q := Query{
		Filters: filter.NewAnd(
			&filter.Property{Key: "email", Type: filter.TypePerson},
			&filter.Property{Key: "industry", Type: filter.TypeGroup, GroupTypeIndex: intPtr(1)},
			&filter.Property{Key: "id", Value: int64(4), Type: filter.TypeCohort},
			&filter.Property{
				Key:  "3",
				Type: filter.TypeBehavioral,
				Behavior: filter.PerformedEvent{
					Entity: filter.Entity{Type: filter.EntityActions, Key: "3"},
					Window: filter.Window{Value: 7, Interval: filter.Day},
				},
			},
		),
		Entities:                 []Entity{{Ref: filter.Entity{Type: filter.EntityEvents, Key: "$pageview"}, MathProperty: "revenue"}},
		Breakdowns:               []Breakdown{{Property: "$browser", Type: filter.TypeEvent}},
		CorrelationPropertyNames: []string{"email", "company"},
	}

	used, err := o.UsedProperties(context.Background(), q)
	require.NoError(t, err)

	var names []string
	for _, u := range used {
		names = append(names, string(u.Type)+":"+u.Name)
	}
	assert.Equal(t, []string{
		"event:$browser",
		"event:$current_url",
		"event:plan",
		"event:revenue",
		"group:industry",
		"person:company",
		"person:email",
	}, names)
	assert.Equal(t, []int{1}, o.GroupTypesToQuery(used))
}

func TestUsedProperties_UnknownAction(t *testing.T) {
	o := NewOptimizer(NewSnapshot(), action.NewMapResolver(), 1)
	_, err := o.UsedProperties(context.Background(), Query{
		Entities: []Entity{{Ref: filter.Entity{Type: filter.EntityActions, Key: "99"}}},
	})
	assert.ErrorIs(t, err, action.ErrNotFound)
}

func TestShouldQueryElementsChain(t *testing.T) {
	actions := action.NewMapResolver(
		&action.Action{ID: 1, TeamID: 1, Steps: []action.Step{{Selector: "button.buy"}}},
		&action.Action{ID: 2, TeamID: 1, Steps: []action.Step{{URL: "/pricing"}}},
	)
	o := NewOptimizer(NewSnapshot(), actions, 1)
	ctx := context.Background()

	behavior := func(actionID string) *filter.Group {
		return filter.NewAnd(&filter.Property{
			Key:  actionID,
			Type: filter.TypeBehavioral,
			Behavior: filter.PerformedEvent{
				Entity: filter.Entity{Type: filter.EntityActions, Key: actionID},
				Window: filter.Window{Value: 1, Interval: filter.Week},
			},
		})
	}

	testCases := []struct {
		name string
		q    Query
		want bool
	}{
		{"no elements", Query{Filters: filter.NewAnd(&filter.Property{Key: "a", Type: filter.TypePerson})}, false},
		{"element filter", Query{Filters: filter.NewAnd(&filter.Property{Key: "tag_name", Type: filter.TypeElement})}, true},
		{"action with selector", Query{Filters: behavior("1")}, true},
		{"action with url only", Query{Filters: behavior("2")}, false},
		{"entity action", Query{Entities: []Entity{{Ref: filter.Entity{Type: filter.EntityActions, Key: "1"}}}}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := o.ShouldQueryElementsChain(ctx, tc.q)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestOnEventColumns(t *testing.T) {
	snap := NewSnapshot(
		Entry{Table: TableEvents, TableColumn: ColumnPersonProperties, PropertyName: "email", ColumnName: "mat_pp_email"},
		Entry{Table: TableEvents, TableColumn: GroupPropertiesColumn(0), PropertyName: "industry", ColumnName: "mat_group0_industry"},
	)
	o := NewOptimizer(snap, nil, 1)
	used := []UsedProperty{
		{Name: "email", Type: filter.TypePerson},
		{Name: "industry", Type: filter.TypeGroup, GroupTypeIndex: intPtr(0)},
		{Name: "size", Type: filter.TypeGroup, GroupTypeIndex: intPtr(1)},
		{Name: "$browser", Type: filter.TypeEvent},
	}

	assert.Equal(t, []string{"mat_pp_email"}, o.PersonOnEventColumnsToQuery(used))
	assert.Equal(t, []string{"mat_group0_industry"}, o.GroupOnEventColumnsToQuery(0, used))
	assert.Equal(t, []string{"group1_properties"}, o.GroupOnEventColumnsToQuery(1, used))
	assert.Equal(t, []string{}, o.GroupOnEventColumnsToQuery(2, used))
}
