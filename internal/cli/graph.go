package cli

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/cohortc/internal/cohort"
	"github.com/roach88/cohortc/internal/depgraph"
	"github.com/roach88/cohortc/internal/realtime"
)

// GraphOptions holds flags for the graph command.
type GraphOptions struct {
	*RootOptions
	catalogFlags
	Record bool // write classifications back to the catalog
}

// GraphReport is the dependency classification of one team.
type GraphReport struct {
	TeamID  int64       `json:"team_id" yaml:"team_id"`
	Order   []int64     `json:"order" yaml:"order"`
	Cohorts []GraphNode `json:"cohorts" yaml:"cohorts"`
}

// GraphNode is one cohort of the dependency graph.
type GraphNode struct {
	CohortID int64     `json:"cohort_id" yaml:"cohort_id"`
	Type     string    `json:"type,omitempty" yaml:"type,omitempty"`
	Realtime bool      `json:"realtime" yaml:"realtime"`
	Deps     []int64   `json:"deps,omitempty" yaml:"deps,omitempty"`
	Error    *CLIError `json:"error,omitempty" yaml:"error,omitempty"`
}

// NewGraphCommand creates the graph command.
func NewGraphCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GraphOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "graph [workspace]",
		Short: "Show cohort evaluation order and types",
		Long: `Build the cohort dependency graph and classify every cohort.

Prints the evaluation order (dependencies first), each cohort's type and
realtime eligibility, and the cohorts that could not be classified because
of a missing reference or a reference cycle. With --db and --record, the
computed types are stored back into the catalog.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGraph(opts, args, cmd)
		},
	}

	opts.catalogFlags.register(cmd)
	cmd.Flags().BoolVar(&opts.Record, "record", false, "store computed cohort types in the --db catalog")

	return cmd
}

func runGraph(opts *GraphOptions, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	ctx := cmd.Context()

	if opts.Record && opts.DB == "" {
		_ = formatter.Error(ErrCodeNoSource, "--record requires --db", nil)
		return NewExitError(ExitCommandError, "--record requires --db")
	}

	cat, errs := openCatalog(opts.RootOptions, &opts.catalogFlags, args)
	if len(errs) > 0 {
		return outputLoadErrors(formatter, errs)
	}
	defer cat.Close()

	teams, err := cat.Teams(ctx, opts.Team)
	if err != nil {
		_ = formatter.Error(ErrCodeStoreFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "listing teams", err)
	}

	reports := make([]GraphReport, 0, len(teams))
	failed := 0
	for _, team := range teams {
		ids, err := cat.CohortIDs(ctx, team, opts.Cohorts)
		if err != nil {
			_ = formatter.Error(ErrCodeStoreFailed, err.Error(), nil)
			return WrapExitError(ExitCommandError, "listing cohorts", err)
		}

		cls, err := depgraph.Classify(ctx, team, ids, cohort.NewMemoLoader(cat.Loader))
		if err != nil {
			_ = formatter.Error(ErrCodePlanFailed, err.Error(), nil)
			return WrapExitError(ExitCommandError, "classifying cohorts", err)
		}

		if opts.Record {
			for _, id := range cls.Order {
				if err := cat.store.SetCohortType(ctx, id, cls.Types[id]); err != nil {
					_ = formatter.Error(ErrCodeStoreFailed, err.Error(), nil)
					return WrapExitError(ExitCommandError, "recording cohort types", err)
				}
			}
			formatter.VerboseLog("Recorded %d cohort type(s) for team %d", len(cls.Order), team)
		}

		report := graphReport(team, cls)
		failed += len(cls.Errors)
		reports = append(reports, report)
	}

	if formatter.Structured() {
		if err := formatter.Success(reports); err != nil {
			return err
		}
	} else {
		outputGraphText(formatter, reports)
	}

	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d cohort(s) could not be classified", failed))
	}
	return nil
}

func graphReport(team int64, cls *depgraph.Classification) GraphReport {
	r := GraphReport{TeamID: team, Order: cls.Order}
	if r.Order == nil {
		r.Order = []int64{}
	}
	for _, id := range cls.Order {
		r.Cohorts = append(r.Cohorts, GraphNode{
			CohortID: id,
			Type:     cls.Types[id].String(),
			Realtime: realtime.Eligible(cls, id),
			Deps:     cls.Graph.Deps(id),
		})
	}
	for _, id := range slices.Sorted(maps.Keys(cls.Errors)) {
		issue := cohortIssue(cls.Errors[id])
		r.Cohorts = append(r.Cohorts, GraphNode{CohortID: id, Error: &issue})
	}
	return r
}

func outputGraphText(f *OutputFormatter, reports []GraphReport) {
	w := f.Writer
	for _, r := range reports {
		order := make([]string, len(r.Order))
		for i, id := range r.Order {
			order[i] = fmt.Sprint(id)
		}
		fmt.Fprintf(w, "Team %d order: %s\n", r.TeamID, strings.Join(order, " → "))

		for _, n := range r.Cohorts {
			if n.Error != nil {
				fmt.Fprintf(w, "  ✗ %d: %s\n", n.CohortID, n.Error.Message)
				continue
			}
			rt := ""
			if n.Realtime {
				rt = ", realtime"
			}
			deps := ""
			if len(n.Deps) > 0 {
				deps = fmt.Sprintf(" (depends on %v)", n.Deps)
			}
			fmt.Fprintf(w, "  %d: %s%s%s\n", n.CohortID, n.Type, rt, deps)
		}
		fmt.Fprintln(w)
	}
}
