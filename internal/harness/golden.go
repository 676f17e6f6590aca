package harness

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/cohortc/internal/planner"
)

// RenderPlan renders a plan as the text stored in golden files: a header
// line, then one block per cohort in plan order with its type, warning code
// and SQL, or its error code.
func RenderPlan(plan *planner.Plan) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "team %d order %v\n", plan.TeamID, plan.Order)

	for _, cp := range plan.Cohorts {
		b.WriteString("\n")
		if cp.Err != nil {
			code := ErrorCode(cp.Err)
			if code == "" {
				code = cp.Err.Error()
			}
			fmt.Fprintf(&b, "-- cohort %d error %s\n", cp.CohortID, code)
			continue
		}

		fmt.Fprintf(&b, "-- cohort %d %s", cp.CohortID, cp.Type)
		if cp.Realtime {
			b.WriteString(" realtime")
		}
		if cp.Warning != nil {
			fmt.Fprintf(&b, " warning %s", ErrorCode(cp.Warning))
		}
		b.WriteString("\n")
		if cp.Query != nil {
			b.WriteString(cp.Query.SQL)
			b.WriteString("\n")
		}
	}
	return []byte(b.String())
}

// RunWithGolden runs a scenario and compares the rendered plan against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an existing result's plan against a golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, RenderPlan(result.Plan))
}
