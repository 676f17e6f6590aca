package harness

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cohortc/internal/cohort"
	"github.com/roach88/cohortc/internal/planner"
	"github.com/roach88/cohortc/internal/querysql"
)

func TestRunWithGolden_Failures(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/failures.yaml")
	require.NoError(t, err)

	result, err := RunWithGolden(t, s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "failures: %v", result.Errors)
}

func TestRenderPlan(t *testing.T) {
	plan := &planner.Plan{
		TeamID: 4,
		Order:  []int64{2, 1},
		Cohorts: []*planner.CohortPlan{
			{CohortID: 2, Type: cohort.TypeBehavioral, Query: &querysql.Query{SQL: "SELECT 1"}},
			{CohortID: 1, Type: cohort.TypeStatic},
			{CohortID: 9, Query: &querysql.Query{SQL: "SELECT 0"}, Warning: cohort.NewMissingReferenceError(9, 10)},
			{CohortID: 11, Err: errors.New("cohort 11: cohort not found")},
		},
	}

	want := "team 4 order [2 1]\n" +
		"\n-- cohort 2 behavioral\nSELECT 1\n" +
		"\n-- cohort 1 static\n" +
		"\n-- cohort 9 none warning E301\nSELECT 0\n" +
		"\n-- cohort 11 error cohort 11: cohort not found\n"
	assert.Equal(t, want, string(RenderPlan(plan)))
}

func TestRenderPlan_Realtime(t *testing.T) {
	plan := &planner.Plan{
		TeamID:  1,
		Order:   []int64{1},
		Cohorts: []*planner.CohortPlan{{CohortID: 1, Type: cohort.TypePersonProperty, Realtime: true}},
	}
	assert.Equal(t, "team 1 order [1]\n\n-- cohort 1 person_property realtime\n", string(RenderPlan(plan)))
}
