package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/cohortc/internal/action"
	"github.com/roach88/cohortc/internal/cohort"
	"github.com/roach88/cohortc/internal/columns"
	"github.com/roach88/cohortc/internal/planner"
	"github.com/roach88/cohortc/internal/store"
	"github.com/roach88/cohortc/internal/workspace"
)

// CLI error codes. Workspace, filter and compiler errors keep their own
// codes (E1xx-E3xx).
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeNoSource    = "E002" // Neither a workspace nor a database given
	ErrCodeStoreFailed = "E003" // SQLite catalog could not be opened or read
	ErrCodePlanFailed  = "E004" // Planning failed outright
	ErrCodeWriteFailed = "E007" // File write error
)

// Catalog is the source of cohorts, actions and materialized columns a
// command works on: a CUE workspace directory or the SQLite catalog.
type Catalog struct {
	Loader  cohort.Loader
	Source  columns.Source
	Actions action.Resolver

	// Origin names the catalog in messages.
	Origin string

	ws    *workspace.Workspace
	store *store.Store
}

// catalogFlags are the flags shared by commands that read a catalog.
type catalogFlags struct {
	DB      string
	Team    int64
	Cohorts []int64
}

func (f *catalogFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.DB, "db", "", "read cohorts from the SQLite catalog instead of a workspace")
	cmd.Flags().Int64Var(&f.Team, "team", 0, "team to plan (default: every team)")
	cmd.Flags().Int64SliceVar(&f.Cohorts, "cohort", nil, "cohort ids to plan (default: every cohort of the team)")
}

// openCatalog opens the workspace in args, or the database named by --db.
// Load errors are returned all together; err is set when nothing could be
// opened at all.
func openCatalog(opts *RootOptions, flags *catalogFlags, args []string) (*Catalog, []error) {
	switch {
	case flags.DB != "" && len(args) > 0:
		return nil, []error{NewExitError(ExitCommandError, "give either a workspace directory or --db, not both")}
	case flags.DB != "":
		st, err := store.Open(flags.DB, store.WithLogger(opts.logger()))
		if err != nil {
			return nil, []error{&workspace.LoadError{Code: ErrCodeStoreFailed, Message: err.Error(), Err: err}}
		}
		return &Catalog{Loader: st, Source: st, Actions: st, Origin: flags.DB, store: st}, nil
	case len(args) == 1:
		ws, errs := workspace.Load(args[0], workspace.LoadModeCollectAll)
		if len(errs) > 0 {
			return nil, errs
		}
		return &Catalog{
			Loader:  ws.Loader(),
			Source:  ws.Source(),
			Actions: ws.Resolver(),
			Origin:  args[0],
			ws:      ws,
		}, nil
	default:
		return nil, []error{&workspace.LoadError{Code: ErrCodeNoSource, Message: "a workspace directory or --db is required"}}
	}
}

// Close releases the database, if any.
func (c *Catalog) Close() error {
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// Teams returns the team to work on, or every team of the catalog.
func (c *Catalog) Teams(ctx context.Context, team int64) ([]int64, error) {
	if team != 0 {
		return []int64{team}, nil
	}
	if c.store != nil {
		return c.store.Teams(ctx)
	}
	return c.ws.Teams(), nil
}

// CohortIDs returns the requested ids, or every cohort of the team.
func (c *Catalog) CohortIDs(ctx context.Context, team int64, requested []int64) ([]int64, error) {
	if len(requested) > 0 {
		return requested, nil
	}
	if c.store == nil {
		return c.ws.CohortIDs(team), nil
	}
	cohorts, err := c.store.ListCohorts(ctx, team)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(cohorts))
	for i, co := range cohorts {
		ids[i] = co.ID
	}
	return ids, nil
}

// Plans compiles the selected cohorts of every selected team.
func (c *Catalog) Plans(ctx context.Context, opts *RootOptions, flags *catalogFlags) ([]*planner.Plan, error) {
	cfg := opts.config()

	registry := columns.NewRegistry(c.Source, append(cfg.RegistryOptions(), columns.WithLogger(opts.logger()))...)
	defer registry.Close()

	p := planner.New(c.Loader, registry, c.Actions,
		planner.WithLogger(opts.logger()),
		planner.WithCompilerOptions(cfg.Compiler.CompilerOptions()...),
	)

	teams, err := c.Teams(ctx, flags.Team)
	if err != nil {
		return nil, fmt.Errorf("listing teams: %w", err)
	}

	plans := make([]*planner.Plan, 0, len(teams))
	for _, team := range teams {
		ids, err := c.CohortIDs(ctx, team, flags.Cohorts)
		if err != nil {
			return nil, fmt.Errorf("listing cohorts of team %d: %w", team, err)
		}
		plan, err := p.Plan(ctx, team, ids)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// outputLoadErrors reports catalog load errors and returns the exit error.
func outputLoadErrors(f *OutputFormatter, errs []error) error {
	var exitErr *ExitError
	if len(errs) == 1 && errors.As(errs[0], &exitErr) {
		_ = f.Error(ErrCodeGeneric, exitErr.Message, nil)
		return exitErr
	}

	issues := make([]CLIError, len(errs))
	for i, err := range errs {
		issues[i] = loadIssue(err)
	}

	if f.Structured() {
		_ = f.Encode(CLIResponse{Status: "error", Error: &issues[0], Data: issues})
	} else {
		fmt.Fprintln(f.Writer, "✗ Loading failed")
		fmt.Fprintln(f.Writer)
		for _, issue := range issues {
			if pos, ok := issue.Details.(string); ok {
				fmt.Fprintln(f.Writer, pos)
			}
			fmt.Fprintf(f.Writer, "  %s: %s\n\n", issue.Code, issue.Message)
		}
	}

	if len(errs) == 1 {
		return WrapExitError(ExitCommandError, issues[0].Code, errs[0])
	}
	return NewExitError(ExitCommandError, fmt.Sprintf("loading failed with %d error(s)", len(errs)))
}

func loadIssue(err error) CLIError {
	var le *workspace.LoadError
	if errors.As(err, &le) {
		issue := CLIError{Code: le.Code, Message: le.Message}
		if le.Pos.IsValid() {
			issue.Details = fmt.Sprintf("%s:%d:%d", le.Pos.Filename(), le.Pos.Line(), le.Pos.Column())
		}
		return issue
	}
	return CLIError{Code: ErrCodeGeneric, Message: err.Error()}
}
