package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	catalogFlags
}

// ValidateResult summarizes a validation run.
type ValidateResult struct {
	Valid   bool       `json:"valid" yaml:"valid"`
	Teams   int        `json:"teams" yaml:"teams"`
	Cohorts int        `json:"cohorts" yaml:"cohorts"`
	Issues  []CLIError `json:"issues,omitempty" yaml:"issues,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate [workspace]",
		Short: "Check that every cohort compiles",
		Long: `Load a workspace (or the --db catalog) and check that every cohort
compiles: schema errors, filter errors, missing references, reference
cycles, and unpaired negations are all reported in one pass. A missing
reference does not stop compile, but validate counts it as an issue.

Exit codes:
  0 - Every cohort is valid
  1 - One or more cohorts are invalid
  2 - Command error (workspace not loadable, catalog unreadable)`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args, cmd)
		},
	}

	opts.catalogFlags.register(cmd)

	return cmd
}

func runValidate(opts *ValidateOptions, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

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

	result := ValidateResult{Valid: true, Teams: len(plans)}
	for _, p := range plans {
		result.Cohorts += len(p.Cohorts)
		for _, cp := range p.Cohorts {
			err := cp.Err
			if err == nil {
				err = cp.Warning
			}
			if err == nil {
				continue
			}
			issue := cohortIssue(err)
			issue.Details = fmt.Sprintf("team %d cohort %d", p.TeamID, cp.CohortID)
			result.Issues = append(result.Issues, issue)
		}
	}
	result.Valid = len(result.Issues) == 0

	if formatter.Structured() {
		if result.Valid {
			if err := formatter.Success(result); err != nil {
				return err
			}
		} else {
			_ = formatter.Encode(CLIResponse{Status: "error", Data: result, Error: &result.Issues[0]})
		}
	} else {
		outputValidateText(formatter, result)
	}

	if !result.Valid {
		return NewExitError(ExitFailure, fmt.Sprintf("%d cohort(s) invalid", len(result.Issues)))
	}
	return nil
}

func outputValidateText(f *OutputFormatter, r ValidateResult) {
	w := f.Writer
	if r.Valid {
		fmt.Fprintf(w, "✓ %d cohort(s) in %d team(s) valid\n", r.Cohorts, r.Teams)
		return
	}
	fmt.Fprintf(w, "✗ %d of %d cohort(s) invalid\n\n", len(r.Issues), r.Cohorts)
	for _, issue := range r.Issues {
		fmt.Fprintf(w, "%s\n  %s: %s\n\n", issue.Details, issue.Code, issue.Message)
	}
}
