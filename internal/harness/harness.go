package harness

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/cohortc/internal/columns"
	"github.com/roach88/cohortc/internal/planner"
	"github.com/roach88/cohortc/internal/querysql"
	"github.com/roach88/cohortc/internal/workspace"
)

// Run loads the scenario's workspace, plans the requested cohorts and checks
// every expectation against the plan.
//
// An error is returned only when the scenario cannot run at all: the
// workspace fails to load, the team is ambiguous, or planning fails outright.
// Cohort-level compile errors are part of the plan and are checked like any
// other expectation.
func Run(ctx context.Context, s *Scenario, opts ...planner.Option) (*Result, error) {
	ws, err := loadWorkspace(s)
	if err != nil {
		return nil, err
	}

	team, err := resolveTeam(s, ws)
	if err != nil {
		return nil, err
	}

	ids := s.Cohorts
	if len(ids) == 0 {
		ids = ws.CohortIDs(team)
	}

	if s.NullBehaviorAsFalse != nil {
		opts = append(opts, planner.WithCompilerOptions(querysql.WithNullBehaviorAsFalse(*s.NullBehaviorAsFalse)))
	}

	registry := columns.NewRegistry(ws.Source())
	defer registry.Close()

	plan, err := planner.New(ws.Loader(), registry, ws.Resolver(), opts...).Plan(ctx, team, ids)
	if err != nil {
		return nil, fmt.Errorf("plan scenario %s: %w", s.Name, err)
	}

	result := NewResult()
	result.Plan = plan
	for _, msg := range EvaluateExpectations(plan, s) {
		result.AddError(msg)
	}
	return result, nil
}

func loadWorkspace(s *Scenario) (*workspace.Workspace, error) {
	var (
		ws   *workspace.Workspace
		errs []error
	)
	if s.Workspace != "" {
		ws, errs = workspace.Load(s.Workspace, workspace.LoadModeCollectAll)
	} else {
		ws, errs = workspace.LoadString(s.CUE, workspace.LoadModeCollectAll)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("load workspace for %s: %w", s.Name, errors.Join(errs...))
	}
	return ws, nil
}

func resolveTeam(s *Scenario, ws *workspace.Workspace) (int64, error) {
	if s.Team != 0 {
		return s.Team, nil
	}
	switch teams := ws.Teams(); len(teams) {
	case 0:
		return workspace.DefaultTeam, nil
	case 1:
		return teams[0], nil
	default:
		return 0, fmt.Errorf("scenario %s: workspace holds teams %v; set team", s.Name, teams)
	}
}
