package cli

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/cohortc/internal/columns"
	"github.com/roach88/cohortc/internal/planner"
)

// ColumnsOptions holds flags for the columns command.
type ColumnsOptions struct {
	*RootOptions
	catalogFlags
	Table string // "", "events" or "person"
}

// ColumnsReport is the column selection of one cohort.
type ColumnsReport struct {
	TeamID   int64            `json:"team_id" yaml:"team_id"`
	CohortID int64            `json:"cohort_id" yaml:"cohort_id"`
	Columns  *planner.Columns `json:"columns,omitempty" yaml:"columns,omitempty"`
	Error    *CLIError        `json:"error,omitempty" yaml:"error,omitempty"`
	Warning  *CLIError        `json:"warning,omitempty" yaml:"warning,omitempty"`
}

// NewColumnsCommand creates the columns command.
func NewColumnsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ColumnsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "columns [workspace]",
		Short: "Show the physical columns each cohort query reads",
		Long: `Compile every cohort and list the physical columns its query reads:
materialized property columns where one exists, the raw properties column
otherwise, plus the group columns and whether the elements chain is needed.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runColumns(opts, args, cmd)
		},
	}

	opts.catalogFlags.register(cmd)
	cmd.Flags().StringVar(&opts.Table, "table", "", "only show columns of this table (events|person)")

	return cmd
}

func runColumns(opts *ColumnsOptions, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	if opts.Table != "" && opts.Table != columns.TableEvents && opts.Table != columns.TablePerson {
		msg := fmt.Sprintf("invalid table %q: must be %s or %s", opts.Table, columns.TableEvents, columns.TablePerson)
		_ = formatter.Error(ErrCodeGeneric, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}

	cat, errs := openCatalog(opts.RootOptions, &opts.catalogFlags, args)
	if len(errs) > 0 {
		return outputLoadErrors(formatter, errs)
	}
	defer cat.Close()

	plans, err := cat.Plans(cmd.Context(), opts.RootOptions, &opts.catalogFlags)
	if err != nil {
		_ = formatter.Error(ErrCodePlanFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "planning failed", err)
	}

	var reports []ColumnsReport
	failed := 0
	for _, p := range plans {
		for _, cp := range p.Cohorts {
			r := ColumnsReport{TeamID: p.TeamID, CohortID: cp.CohortID}
			if cp.Err != nil {
				issue := cohortIssue(cp.Err)
				r.Error = &issue
				failed++
			} else if cp.Columns != nil {
				r.Columns = onlyTable(cp.Columns, opts.Table)
			}
			if cp.Warning != nil {
				warning := cohortIssue(cp.Warning)
				r.Warning = &warning
			}
			reports = append(reports, r)
		}
	}

	if formatter.Structured() {
		if err := formatter.Success(reports); err != nil {
			return err
		}
	} else {
		outputColumnsText(formatter, reports)
	}

	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d cohort(s) failed to compile", failed))
	}
	return nil
}

func onlyTable(c *planner.Columns, table string) *planner.Columns {
	switch table {
	case columns.TableEvents:
		return &planner.Columns{
			Events:         c.Events,
			GroupTypes:     c.GroupTypes,
			ElementsChain:  c.ElementsChain,
			PersonOnEvents: c.PersonOnEvents,
			GroupOnEvents:  c.GroupOnEvents,
		}
	case columns.TablePerson:
		return &planner.Columns{Person: c.Person}
	}
	return c
}

func outputColumnsText(f *OutputFormatter, reports []ColumnsReport) {
	w := f.Writer
	for _, r := range reports {
		switch {
		case r.Error != nil:
			fmt.Fprintf(w, "✗ team %d cohort %d: %s\n", r.TeamID, r.CohortID, r.Error.Message)
		case r.Columns == nil:
			fmt.Fprintf(w, "team %d cohort %d: static, no columns\n", r.TeamID, r.CohortID)
		default:
			fmt.Fprintf(w, "team %d cohort %d:\n", r.TeamID, r.CohortID)
			if len(r.Columns.Events) > 0 {
				fmt.Fprintf(w, "  events: %s\n", strings.Join(r.Columns.Events, ", "))
			}
			if len(r.Columns.Person) > 0 {
				fmt.Fprintf(w, "  person: %s\n", strings.Join(r.Columns.Person, ", "))
			}
			if len(r.Columns.GroupTypes) > 0 {
				fmt.Fprintf(w, "  group types: %v\n", r.Columns.GroupTypes)
			}
			if r.Columns.ElementsChain {
				fmt.Fprintln(w, "  elements_chain")
			}
			if len(r.Columns.PersonOnEvents) > 0 {
				fmt.Fprintf(w, "  person on events: %s\n", strings.Join(r.Columns.PersonOnEvents, ", "))
			}
			for _, g := range slices.Sorted(maps.Keys(r.Columns.GroupOnEvents)) {
				fmt.Fprintf(w, "  group %d on events: %s\n", g, strings.Join(r.Columns.GroupOnEvents[g], ", "))
			}
		}
		if r.Warning != nil {
			fmt.Fprintf(w, "  warning: %s\n", r.Warning.Message)
		}
	}
}
