package querysql

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cohortc/internal/action"
	"github.com/roach88/cohortc/internal/columns"
	"github.com/roach88/cohortc/internal/filter"
)

func parse(t *testing.T, raw string) *filter.Group {
	t.Helper()
	g, err := filter.Parse([]byte(raw))
	require.NoError(t, err)
	return g
}

func assertGoldenSQL(t *testing.T, name string, q *Query) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, []byte(q.SQL))
}

func TestCompile_PersonOnlyGolden(t *testing.T) {
	c := NewCompiler(nil, nil)
	q, err := c.Compile(context.Background(), CompileInput{
		TeamID: 2,
		Outer:  parse(t, `{"type": "AND", "values": [{"key": "email", "value": "@acme.com", "operator": "icontains", "type": "person"}]}`),
	})
	require.NoError(t, err)

	assertGoldenSQL(t, "person_only", q)
	assert.Equal(t, map[string]any{
		"team_id":      int64(2),
		"prop_0_key":   "email",
		"prop_0_value": "%@acme.com%",
	}, q.Params)
	assert.Equal(t, map[string][]string{"person": {"properties"}}, q.Columns)
	assert.True(t, q.RestrictsWindow)
}

func TestCompile_BehaviorWithPushdownGolden(t *testing.T) {
	c := NewCompiler(nil, nil)
	q, err := c.CompileTree(context.Background(), 2, parse(t, `{"type": "AND", "values": [
		{"key": "$pageview", "value": "performed_event", "type": "behavioral", "event_type": "events", "time_value": 30, "time_interval": "day"},
		{"key": "plan", "value": "pro", "type": "person"}
	]}`))
	require.NoError(t, err)

	assertGoldenSQL(t, "behavior_pushdown", q)
	assert.Equal(t, []string{"$pageview"}, q.Params["events"])
	assert.Equal(t, int64(30), q.Params["earliest_time_value"])
	assert.Equal(t, []filter.Window{{Value: 30, Interval: filter.Day}}, q.Lookbacks)
}

func TestCompile_PerformedEventMultiple(t *testing.T) {
	c := NewCompiler(nil, nil)
	q, err := c.Compile(context.Background(), CompileInput{
		TeamID: 1,
		Outer: parse(t, `{"type": "AND", "values": [
			{"key": "$pageview", "value": "performed_event_multiple", "type": "behavioral", "event_type": "events", "time_value": 30, "time_interval": "day", "operator": "gte", "operator_value": 5}
		]}`),
	})
	require.NoError(t, err)

	assert.Contains(t, q.SQL,
		"countIf(timestamp > now() - INTERVAL %(time_value_0)s day AND event = %(event_0)s) >= %(operator_value_0)s AS performed_event_multiple_condition_0")
	assert.EqualValues(t, 5, q.Params["operator_value_0"])
	assert.Equal(t, "$pageview", q.Params["event_0"])
	assert.Equal(t, []filter.Window{{Value: 30, Interval: filter.Day}}, q.Lookbacks)
	assert.Contains(t, q.SQL, "FULL OUTER JOIN")
}

func performed(key string, value int64, interval string) string {
	return fmt.Sprintf(`{"key": %q, "value": "performed_event", "type": "behavioral", "event_type": "events", "time_value": %d, "time_interval": %q}`,
		key, value, interval)
}

func TestCompile_SharedLookbackCoversEveryWindow(t *testing.T) {
	tests := []struct {
		name      string
		leaves    []string
		lookbacks []filter.Window
		bound     string
		params    map[string]int64
	}{
		{
			name:      "same unit keeps the longest",
			leaves:    []string{performed("a", 7, "day"), performed("b", 30, "day")},
			lookbacks: []filter.Window{{Value: 30, Interval: filter.Day}},
			bound:     "timestamp >= now() - INTERVAL %(earliest_time_value)s day",
			params:    map[string]int64{"earliest_time_value": 30},
		},
		{
			name:      "a month is not covered by 30 days",
			leaves:    []string{performed("a", 30, "day"), performed("b", 1, "month")},
			lookbacks: []filter.Window{{Value: 30, Interval: filter.Day}, {Value: 1, Interval: filter.Month}},
			bound:     "timestamp >= least(now() - INTERVAL %(earliest_time_value_0)s day, now() - INTERVAL %(earliest_time_value_1)s month)",
			params:    map[string]int64{"earliest_time_value_0": 30, "earliest_time_value_1": 1},
		},
		{
			name:      "12 months is not covered by 365 days",
			leaves:    []string{performed("a", 365, "day"), performed("b", 12, "month")},
			lookbacks: []filter.Window{{Value: 365, Interval: filter.Day}, {Value: 12, Interval: filter.Month}},
			bound:     "timestamp >= least(now() - INTERVAL %(earliest_time_value_0)s day, now() - INTERVAL %(earliest_time_value_1)s month)",
			params:    map[string]int64{"earliest_time_value_0": 365, "earliest_time_value_1": 12},
		},
		{
			name:      "a month covers four weeks",
			leaves:    []string{performed("a", 4, "week"), performed("b", 1, "month")},
			lookbacks: []filter.Window{{Value: 1, Interval: filter.Month}},
			bound:     "timestamp >= now() - INTERVAL %(earliest_time_value)s month",
			params:    map[string]int64{"earliest_time_value": 1},
		},
		{
			name:      "a wider window replaces the ones it covers",
			leaves:    []string{performed("a", 30, "day"), performed("b", 1, "month"), performed("c", 1, "year")},
			lookbacks: []filter.Window{{Value: 1, Interval: filter.Year}},
			bound:     "timestamp >= now() - INTERVAL %(earliest_time_value)s year",
			params:    map[string]int64{"earliest_time_value": 1},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tree := fmt.Sprintf(`{"type": "AND", "values": [%s]}`, strings.Join(tc.leaves, ", "))
			q, err := NewCompiler(nil, nil).Compile(context.Background(), CompileInput{TeamID: 1, Outer: parse(t, tree)})
			require.NoError(t, err)

			assert.Equal(t, tc.lookbacks, q.Lookbacks)
			assert.Contains(t, q.SQL, tc.bound)
			for name, want := range tc.params {
				assert.EqualValues(t, want, q.Params[name], name)
			}
		})
	}
}

func TestCompile_WindowedBehaviors(t *testing.T) {
	tests := []struct {
		name      string
		leaf      string
		fragments []string
		params    map[string]int64
		restricts bool
		lookbacks []filter.Window
	}{
		{
			name: "stopped performing",
			leaf: `{"key": "login", "value": "stopped_performing_event", "type": "behavioral", "event_type": "events", "time_value": 30, "time_interval": "day", "seq_time_value": 7, "seq_time_interval": "day"}`,
			fragments: []string{
				"countIf(timestamp > now() - INTERVAL %(time_value_0)s day AND timestamp <= now() - INTERVAL %(seq_time_value_0)s day AND event = %(event_0)s) > 0",
				"AND countIf(timestamp > now() - INTERVAL %(seq_time_value_0)s day AND timestamp <= now() AND event = %(event_0)s) = 0 AS stopped_performing_event_condition_0",
				"timestamp >= now() - INTERVAL %(earliest_time_value)s day",
			},
			params:    map[string]int64{"time_value_0": 30, "seq_time_value_0": 7, "earliest_time_value": 30},
			restricts: true,
			lookbacks: []filter.Window{{Value: 30, Interval: filter.Day}},
		},
		{
			name: "restarted performing",
			leaf: `{"key": "login", "value": "restarted_performing_event", "type": "behavioral", "event_type": "events", "time_value": 2, "time_interval": "week", "seq_time_value": 3, "seq_time_interval": "day"}`,
			fragments: []string{
				"countIf(timestamp <= now() - INTERVAL %(time_value_0)s week AND event = %(event_0)s) > 0",
				"AND countIf(timestamp > now() - INTERVAL %(time_value_0)s week AND timestamp <= now() - INTERVAL %(seq_time_value_0)s day AND event = %(event_0)s) = 0",
				"AND countIf(timestamp > now() - INTERVAL %(seq_time_value_0)s day AND timestamp <= now() AND event = %(event_0)s) > 0 AS restarted_performing_event_condition_0",
			},
			params:    map[string]int64{"time_value_0": 2, "seq_time_value_0": 3},
			restricts: false,
			lookbacks: []filter.Window{{Value: 2, Interval: filter.Week}},
		},
		{
			name: "performed regularly",
			leaf: `{"key": "login", "value": "performed_event_regularly", "type": "behavioral", "event_type": "events", "time_value": 1, "time_interval": "week", "operator": "gte", "operator_value": 2, "min_periods": 2, "total_periods": 3}`,
			fragments: []string{
				"if(countIf(event = %(event_0)s AND timestamp <= now() - INTERVAL %(time_value_0)s * 0 week AND timestamp > now() - INTERVAL %(time_value_0)s * 1 week) >= %(operator_value_0)s, 1, 0)",
				" + if(countIf(event = %(event_0)s AND timestamp <= now() - INTERVAL %(time_value_0)s * 1 week AND timestamp > now() - INTERVAL %(time_value_0)s * 2 week) >= %(operator_value_0)s, 1, 0)",
				" + if(countIf(event = %(event_0)s AND timestamp <= now() - INTERVAL %(time_value_0)s * 2 week AND timestamp > now() - INTERVAL %(time_value_0)s * 3 week) >= %(operator_value_0)s, 1, 0)) >= %(min_periods_0)s AS performed_event_regularly_condition_0",
				"timestamp >= now() - INTERVAL %(earliest_time_value)s week",
			},
			params:    map[string]int64{"time_value_0": 1, "operator_value_0": 2, "min_periods_0": 2, "earliest_time_value": 3},
			restricts: true,
			lookbacks: []filter.Window{{Value: 3, Interval: filter.Week}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tree := fmt.Sprintf(`{"type": "AND", "values": [%s]}`, tc.leaf)
			q, err := NewCompiler(nil, nil).Compile(context.Background(), CompileInput{TeamID: 1, Outer: parse(t, tree)})
			require.NoError(t, err)

			for _, frag := range tc.fragments {
				assert.Contains(t, q.SQL, frag)
			}
			for name, want := range tc.params {
				assert.EqualValues(t, want, q.Params[name], name)
			}
			assert.Equal(t, "login", q.Params["event_0"])
			assert.Equal(t, tc.restricts, q.RestrictsWindow)
			assert.Equal(t, tc.lookbacks, q.Lookbacks)
			if !tc.restricts {
				assert.NotContains(t, q.SQL, "earliest_time_value")
			}
		})
	}
}

func TestCompile_RegularlyPeriodBound(t *testing.T) {
	leaf := &filter.Property{Key: "login", Type: filter.TypeBehavioral, Behavior: filter.PerformedEventRegularly{
		Entity:        filter.Entity{Type: filter.EntityEvents, Key: "login"},
		Window:        filter.Window{Value: 1, Interval: filter.Day},
		Operator:      filter.CountGte,
		OperatorValue: 1,
		MinPeriods:    1,
		TotalPeriods:  filter.MaxPeriods + 1,
	}}
	_, err := NewCompiler(nil, nil).Compile(context.Background(), CompileInput{TeamID: 1, Outer: filter.NewAnd(leaf)})
	assert.True(t, IsInvariantViolation(err))
}

func TestCompile_MaterializedColumn(t *testing.T) {
	snap := columns.NewSnapshot(
		columns.Entry{Table: columns.TablePerson, TableColumn: columns.ColumnProperties, PropertyName: "email", ColumnName: "pmat_email"},
		columns.Entry{Table: columns.TablePerson, TableColumn: columns.ColumnProperties, PropertyName: "plan", ColumnName: "pmat_plan", IsNullable: true},
	)
	c := NewCompiler(snap, nil)
	q, err := c.Compile(context.Background(), CompileInput{
		TeamID: 1,
		Inner: parse(t, `{"type": "OR", "values": [
			{"key": "email", "operator": "is_set", "type": "person"},
			{"key": "plan", "value": ["pro", "team"], "type": "person"}
		]}`),
	})
	require.NoError(t, err)

	assert.Contains(t, q.SQL, "argMax(pmat_email, version) AS latest_pmat_email")
	assert.Contains(t, q.SQL, "argMax(properties, version) AS latest_properties")
	assert.Contains(t, q.SQL, "HAVING max(is_deleted) = 0 AND (notEmpty(latest_pmat_email) OR ")
	assert.Contains(t, q.SQL, "JSONExtractRaw(latest_properties, %(prop_1_key)s), '^\"|\"$', '') IN %(prop_1_value)s")
	assert.Equal(t, []string{"pro", "team"}, q.Params["prop_1_value"])
	assert.NotContains(t, q.Params, "prop_0_key")
	assert.Equal(t, map[string][]string{"person": {"pmat_email", "properties"}}, q.Columns)
	assert.NotContains(t, q.SQL, "WHERE person_query")
}

func TestCompile_NegatedBehavior(t *testing.T) {
	tree := `{"type": "AND", "values": [
		{"key": "signup", "value": "performed_event", "type": "behavioral", "event_type": "events", "time_value": 7, "time_interval": "day"},
		{"key": "churn", "value": "performed_event", "type": "behavioral", "event_type": "events", "time_value": 7, "time_interval": "day", "negation": true}
	]}`

	q, err := NewCompiler(nil, nil).Compile(context.Background(), CompileInput{TeamID: 1, Outer: parse(t, tree)})
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "WHERE (behavior_query.performed_event_condition_0 AND NOT coalesce(behavior_query.performed_event_condition_1, false))")
	assert.Equal(t, []string{"churn", "signup"}, q.Params["events"])

	q, err = NewCompiler(nil, nil, WithNullBehaviorAsFalse(false)).Compile(context.Background(), CompileInput{TeamID: 1, Outer: parse(t, tree)})
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "AND NOT behavior_query.performed_event_condition_1)")
}

func TestCompile_StaticAndNeverMatch(t *testing.T) {
	outer := filter.NewOr(filter.StaticCohort(12, true), filter.NeverMatch())
	q, err := NewCompiler(nil, nil).Compile(context.Background(), CompileInput{TeamID: 3, Outer: outer})
	require.NoError(t, err)

	assert.Contains(t, q.SQL,
		"WHERE (person_query.actor_id NOT IN (SELECT person_id FROM person_static_cohort WHERE cohort_id = %(static_cohort_id_0)s AND team_id = %(team_id)s) OR 1 = 0)")
	assert.Equal(t, int64(12), q.Params["static_cohort_id_0"])

	_, err = NewCompiler(nil, nil, WithStaticCohortTable("bad table")).Compile(context.Background(), CompileInput{TeamID: 3, Outer: outer})
	assert.True(t, IsInvariantViolation(err))
}

func TestCompile_FirstTimeDisablesWindow(t *testing.T) {
	q, err := NewCompiler(nil, nil).Compile(context.Background(), CompileInput{
		TeamID: 1,
		Outer: parse(t, `{"type": "AND", "values": [
			{"key": "signup", "value": "performed_event_first_time", "type": "behavioral", "event_type": "events", "time_value": 7, "time_interval": "day"}
		]}`),
	})
	require.NoError(t, err)
	assert.False(t, q.RestrictsWindow)
	assert.NotContains(t, q.SQL, "earliest_time_value")
	assert.Contains(t, q.SQL, "minIf(timestamp, event = %(event_0)s) >= now() - INTERVAL %(time_value_0)s day")
}

func TestCompile_Sequence(t *testing.T) {
	q, err := NewCompiler(nil, nil).Compile(context.Background(), CompileInput{
		TeamID: 1,
		Outer: parse(t, `{"type": "AND", "values": [
			{"key": "signup", "value": "performed_event_sequence", "type": "behavioral", "event_type": "events", "time_value": 30, "time_interval": "day", "seq_event": "purchase", "seq_event_type": "events", "seq_time_value": 3, "seq_time_interval": "day"}
		]}`),
	})
	require.NoError(t, err)

	assert.Contains(t, q.SQL, "AS seq_0_step_0")
	assert.Contains(t, q.SQL, "min(seq_0_latest_1) OVER (PARTITION BY actor_id ORDER BY timestamp DESC ROWS BETWEEN UNBOUNDED PRECEDING AND 0 PRECEDING) AS seq_0_latest_1")
	assert.Contains(t, q.SQL, "AS performed_event_sequence_condition_0")
	assert.Contains(t, q.SQL, "GROUP BY actor_id")
	assert.Equal(t, "signup", q.Params["event_0"])
	assert.Equal(t, "purchase", q.Params["seq_event_0"])
	assert.Equal(t, []string{"purchase", "signup"}, q.Params["events"])
}

func TestCompile_Actions(t *testing.T) {
	click := "$autocapture"
	pageview := "$pageview"
	actions := action.NewMapResolver(&action.Action{
		ID: 7, TeamID: 1, Name: "Clicked pricing",
		Steps: []action.Step{
			{Event: &click, Selector: "nav > a.pricing", Text: "Pricing"},
			{Event: &pageview, URL: "/pricing"},
		},
	})

	q, err := NewCompiler(nil, actions).Compile(context.Background(), CompileInput{
		TeamID: 1,
		Outer: parse(t, `{"type": "AND", "values": [
			{"key": 7, "value": "performed_event", "type": "behavioral", "event_type": "actions", "time_value": 30, "time_interval": "day"}
		]}`),
	})
	require.NoError(t, err)

	assert.Contains(t, q.SQL, "event = %(action_0_step_0_event)s")
	assert.Contains(t, q.SQL, "match(elements_chain, %(action_0_step_0_selector)s)")
	assert.Contains(t, q.SQL, "LIKE %(action_0_step_1_url_value)s")
	assert.Equal(t, "%/pricing%", q.Params["action_0_step_1_url_value"])
	assert.Equal(t, `text="Pricing"`, q.Params["action_0_step_0_text"])
	assert.Equal(t, []string{"$autocapture", "$pageview"}, q.Params["events"])
	assert.Equal(t, []string{"elements_chain", "properties"}, q.Columns["events"])

	_, err = NewCompiler(nil, nil).Compile(context.Background(), CompileInput{
		TeamID: 2,
		Outer: parse(t, `{"type": "AND", "values": [
			{"key": 7, "value": "performed_event", "type": "behavioral", "event_type": "actions", "time_value": 30, "time_interval": "day"}
		]}`),
	})
	require.Error(t, err)
}

func TestCompile_AnyEventStepDropsEventFilter(t *testing.T) {
	actions := action.NewMapResolver(&action.Action{
		ID: 1, TeamID: 1, Steps: []action.Step{{TagName: "button"}},
	})
	q, err := NewCompiler(nil, actions).Compile(context.Background(), CompileInput{
		TeamID: 1,
		Outer: parse(t, `{"type": "AND", "values": [
			{"key": 1, "value": "performed_event", "type": "behavioral", "event_type": "actions", "time_value": 1, "time_interval": "week"}
		]}`),
	})
	require.NoError(t, err)
	assert.NotContains(t, q.SQL, "event IN")
	assert.NotContains(t, q.Params, "events")
}

func TestCompile_Errors(t *testing.T) {
	ctx := context.Background()
	c := NewCompiler(nil, nil)

	t.Run("unresolved cohort reference", func(t *testing.T) {
		_, err := c.Compile(ctx, CompileInput{TeamID: 1, Outer: parse(t, `{"type": "AND", "values": [{"key": "id", "value": 4, "type": "cohort"}]}`)})
		assert.True(t, IsInvariantViolation(err))
	})

	t.Run("event property at top level", func(t *testing.T) {
		_, err := c.Compile(ctx, CompileInput{TeamID: 1, Outer: parse(t, `{"type": "AND", "values": [{"key": "$browser", "value": "Chrome", "type": "event"}]}`)})
		assert.True(t, IsUnsupportedPropertyType(err))
	})

	t.Run("non-person inner leaf", func(t *testing.T) {
		_, err := c.Compile(ctx, CompileInput{TeamID: 1, Inner: filter.NewAnd(filter.NeverMatch())})
		assert.True(t, IsInvariantViolation(err))
	})

	t.Run("unknown operator", func(t *testing.T) {
		_, err := c.Compile(ctx, CompileInput{TeamID: 1, Inner: filter.NewAnd(&filter.Property{Key: "a", Value: "b", Operator: "between", Type: filter.TypePerson})})
		var ue *UnsupportedOperatorError
		assert.ErrorAs(t, err, &ue)
	})

	t.Run("non-numeric comparison", func(t *testing.T) {
		_, err := c.Compile(ctx, CompileInput{TeamID: 1, Inner: filter.NewAnd(&filter.Property{Key: "age", Value: "old", Operator: "gt", Type: filter.TypePerson})})
		var ie *InvalidValueError
		assert.ErrorAs(t, err, &ie)
	})
}

func TestCompile_NoValueInterpolation(t *testing.T) {
	hostile := `x'); DROP TABLE person; --`
	q, err := NewCompiler(nil, nil).Compile(context.Background(), CompileInput{
		TeamID: 1,
		Inner:  filter.NewAnd(&filter.Property{Key: hostile, Value: hostile, Operator: "exact", Type: filter.TypePerson}),
	})
	require.NoError(t, err)
	assert.NotContains(t, q.SQL, "DROP TABLE")
	assert.Equal(t, hostile, q.Params["prop_0_value"])
}

func TestSelectorRegex(t *testing.T) {
	re, err := selectorRegex("div > a.nav")
	require.NoError(t, err)
	assert.NotContains(t, re, elementTail+".*")

	re, err = selectorRegex("div a")
	require.NoError(t, err)
	assert.Contains(t, re, elementTail+".*")

	_, err = selectorRegex("a:hover")
	assert.Error(t, err)
}
