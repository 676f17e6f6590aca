package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/roach88/cohortc/internal/harness"
	"github.com/roach88/cohortc/internal/planner"
)

// TeamReport is the serializable form of one team's plan.
type TeamReport struct {
	TeamID  int64          `json:"team_id" yaml:"team_id"`
	Order   []int64        `json:"order" yaml:"order"`
	Cohorts []CohortReport `json:"cohorts" yaml:"cohorts"`
	Failed  int            `json:"failed" yaml:"failed"`

	// Untyped counts cohorts compiled with a warning.
	Untyped int `json:"untyped" yaml:"untyped"`
}

// CohortReport is the serializable form of one compiled cohort.
type CohortReport struct {
	CohortID int64            `json:"cohort_id" yaml:"cohort_id"`
	Name     string           `json:"name,omitempty" yaml:"name,omitempty"`
	Type     string           `json:"type,omitempty" yaml:"type,omitempty"`
	Realtime bool             `json:"realtime" yaml:"realtime"`
	SQL      string           `json:"sql,omitempty" yaml:"sql,omitempty"`
	Params   map[string]any   `json:"params,omitempty" yaml:"params,omitempty"`
	Columns  *planner.Columns `json:"columns,omitempty" yaml:"columns,omitempty"`
	Error    *CLIError        `json:"error,omitempty" yaml:"error,omitempty"`
	Warning  *CLIError        `json:"warning,omitempty" yaml:"warning,omitempty"`
}

func reportPlan(p *planner.Plan) TeamReport {
	r := TeamReport{TeamID: p.TeamID, Order: p.Order, Cohorts: make([]CohortReport, 0, len(p.Cohorts))}
	if r.Order == nil {
		r.Order = []int64{}
	}
	for _, cp := range p.Cohorts {
		cr := CohortReport{CohortID: cp.CohortID, Name: cp.Name, Realtime: cp.Realtime}
		if cp.Err != nil {
			issue := cohortIssue(cp.Err)
			cr.Error = &issue
			r.Failed++
		} else {
			cr.Type = cp.Type.String()
			cr.Columns = cp.Columns
			if cp.Warning != nil {
				warning := cohortIssue(cp.Warning)
				cr.Warning = &warning
				r.Untyped++
			}
			if cp.Query != nil {
				cr.SQL = cp.Query.SQL
				cr.Params = cp.Query.Params
			}
		}
		r.Cohorts = append(r.Cohorts, cr)
	}
	return r
}

func reportPlans(plans []*planner.Plan) ([]TeamReport, int) {
	reports := make([]TeamReport, len(plans))
	failed := 0
	for i, p := range plans {
		reports[i] = reportPlan(p)
		failed += reports[i].Failed
	}
	return reports, failed
}

func cohortIssue(err error) CLIError {
	code := harness.ErrorCode(err)
	if code == "" {
		code = ErrCodeGeneric
	}
	return CLIError{Code: code, Message: err.Error()}
}

func writeParams(w io.Writer, params map[string]any) {
	if len(params) == 0 {
		return
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(w, "params:")
	for _, name := range names {
		fmt.Fprintf(w, "  %s = %#v\n", name, params[name])
	}
}

func cohortLabel(cr CohortReport) string {
	if cr.Name == "" {
		return fmt.Sprintf("cohort %d", cr.CohortID)
	}
	return fmt.Sprintf("cohort %d %q", cr.CohortID, cr.Name)
}
