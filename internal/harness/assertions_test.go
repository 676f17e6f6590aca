package harness

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/cohortc/internal/cohort"
	"github.com/roach88/cohortc/internal/planner"
	"github.com/roach88/cohortc/internal/querysql"
)

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"coded", cohort.NewMissingReferenceError(1, 2), "E301"},
		{"wrapped", fmt.Errorf("plan: %w", cohort.NewMissingReferenceError(1, 2)), "E301"},
		{"uncoded", errors.New("boom"), ""},
		{"first code wins", errors.New("[E320] outer: [E301] inner"), "E320"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCode(tt.err))
		})
	}
}

func TestValuesEqual(t *testing.T) {
	tests := []struct {
		name     string
		actual   any
		expected any
		want     bool
	}{
		{"int widths", int64(3), 3, true},
		{"integral float", int64(3), 3.0, true},
		{"fraction", 2.5, 2.5, true},
		{"string list", []string{"pro", "team"}, []any{"pro", "team"}, true},
		{"int list", []int64{1, 2}, []any{1, 2}, true},
		{"order matters", []string{"team", "pro"}, []any{"pro", "team"}, false},
		{"type mismatch", "3", 3, false},
		{"nested", map[string]any{"a": []any{int32(1)}}, map[string]any{"a": []any{1}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, valuesEqual(tt.actual, tt.expected))
		})
	}
}

func TestEvaluateExpectations_AllPass(t *testing.T) {
	realtime := true
	elements := false
	plan := &planner.Plan{
		Order: []int64{1},
		Cohorts: []*planner.CohortPlan{{
			CohortID: 1,
			Type:     cohort.TypeBehavioral,
			Realtime: true,
			Query: &querysql.Query{
				SQL:    "SELECT actor_id FROM behavior_query",
				Params: map[string]any{"events": []string{"$pageview"}, "team_id": int64(1)},
			},
			Columns: &planner.Columns{Events: []string{"properties"}, Person: []string{}},
		}},
	}
	s := &Scenario{
		Order: []int64{1},
		Expect: []Expectation{{
			Cohort:      1,
			Type:        "behavioral",
			Realtime:    &realtime,
			SQLContains: []string{"behavior_query"},
			SQLExcludes: []string{"person_query"},
			Params:      map[string]any{"events": []any{"$pageview"}, "team_id": 1},
			Columns:     &ColumnsExpectation{Events: []string{"properties"}, ElementsChain: &elements},
		}},
	}

	assert.Empty(t, EvaluateExpectations(plan, s))
}

func TestEvaluateExpectations_ErrorOnly(t *testing.T) {
	plan := &planner.Plan{Cohorts: []*planner.CohortPlan{
		{CohortID: 5, Err: cohort.NewMissingReferenceError(5, 99)},
	}}

	assert.Empty(t, EvaluateExpectations(plan, &Scenario{Expect: []Expectation{{Cohort: 5, Error: "E301"}}}))
	assert.Equal(t,
		[]string{`cohort 5: error: expected no error, got "[E301] cohort 5 references missing cohort 99"`},
		EvaluateExpectations(plan, &Scenario{Expect: []Expectation{{Cohort: 5, Type: "static"}}}))
}

func TestEvaluateExpectations_Warning(t *testing.T) {
	plan := &planner.Plan{Cohorts: []*planner.CohortPlan{
		{CohortID: 5, Query: &querysql.Query{SQL: "SELECT 1 WHERE 1 = 0"}, Warning: cohort.NewMissingReferenceError(5, 99)},
		{CohortID: 6, Type: cohort.TypePersonProperty, Query: &querysql.Query{SQL: "SELECT 1"}},
	}}

	assert.Empty(t, EvaluateExpectations(plan, &Scenario{Expect: []Expectation{
		{Cohort: 5, Type: "none", Warning: "E301", SQLContains: []string{"1 = 0"}},
		{Cohort: 6},
	}}))
	assert.Equal(t,
		[]string{`cohort 5: warning: expected no warning, got "[E301] cohort 5 references missing cohort 99"`},
		EvaluateExpectations(plan, &Scenario{Expect: []Expectation{{Cohort: 5}}}))
	assert.Equal(t,
		[]string{"cohort 6: warning: expected E301, got no warning"},
		EvaluateExpectations(plan, &Scenario{Expect: []Expectation{{Cohort: 6, Warning: "E301"}}}))
}

func TestEvaluateExpectations_StaticHasNoSQL(t *testing.T) {
	plan := &planner.Plan{Cohorts: []*planner.CohortPlan{{CohortID: 3, Type: cohort.TypeStatic}}}
	s := &Scenario{Expect: []Expectation{{
		Cohort:      3,
		SQLContains: []string{"SELECT"},
		Params:      map[string]any{"team_id": 1},
	}}}

	assert.Equal(t, []string{
		`cohort 3: sql: expected to contain "SELECT", got no match`,
		"cohort 3: params.team_id: expected 1, got unbound",
	}, EvaluateExpectations(plan, s))
}

func TestExpectationError_Format(t *testing.T) {
	err := &ExpectationError{Cohort: 7, Field: "type", Expected: "static", Actual: "behavioral"}
	assert.Equal(t, "cohort 7: type: expected static, got behavioral", err.Error())
}
