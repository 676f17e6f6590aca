package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	catalogFlags
	Output string // output file path
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile [workspace]",
		Short: "Compile cohorts to parameterized SQL",
		Long: `Compile every cohort of a workspace (or of the SQLite catalog with --db)
into a ClickHouse query with bound parameters.

Cohorts are compiled in dependency order. A cohort that cannot be compiled
(cycle, unpaired negation, unsupported shape) is reported without affecting
the others. A cohort that references a missing cohort is still compiled,
without a type, and that branch never matches; it is listed with a warning.

Exit codes:
  0 - Every cohort compiled
  1 - One or more cohorts failed to compile
  2 - Command error (workspace not loadable, catalog unreadable)`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args, cmd)
		},
	}

	opts.catalogFlags.register(cmd)
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "also write the JSON report to this file")

	return cmd
}

func runCompile(opts *CompileOptions, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cat, errs := openCatalog(opts.RootOptions, &opts.catalogFlags, args)
	if len(errs) > 0 {
		return outputLoadErrors(formatter, errs)
	}
	defer cat.Close()
	formatter.VerboseLog("Compiling cohorts from %s", cat.Origin)

	plans, err := cat.Plans(cmd.Context(), opts.RootOptions, &opts.catalogFlags)
	if err != nil {
		_ = formatter.Error(ErrCodePlanFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "planning failed", err)
	}
	reports, failed := reportPlans(plans)

	if opts.Output != "" {
		if err := writeReport(reports, opts.Output); err != nil {
			_ = formatter.Error(ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err), nil)
			return WrapExitError(ExitCommandError, "writing output file", err)
		}
	}

	if formatter.Structured() {
		if err := formatter.Success(reports); err != nil {
			return err
		}
	} else {
		outputCompileText(formatter, reports, opts.Output)
	}

	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d cohort(s) failed to compile", failed))
	}
	return nil
}

func outputCompileText(f *OutputFormatter, reports []TeamReport, outputFile string) {
	w := f.Writer
	for _, r := range reports {
		switch {
		case r.Failed == 0 && r.Untyped > 0:
			fmt.Fprintf(w, "✓ Team %d: compiled %d cohort(s), %d without a type\n\n", r.TeamID, len(r.Cohorts), r.Untyped)
		case r.Failed == 0:
			fmt.Fprintf(w, "✓ Team %d: compiled %d cohort(s)\n\n", r.TeamID, len(r.Cohorts))
		default:
			fmt.Fprintf(w, "✗ Team %d: %d of %d cohort(s) failed\n\n", r.TeamID, r.Failed, len(r.Cohorts))
		}

		for _, cr := range r.Cohorts {
			if cr.Error != nil {
				fmt.Fprintf(w, "✗ %s: %s\n\n", cohortLabel(cr), cr.Error.Message)
				continue
			}
			realtime := ""
			if cr.Realtime {
				realtime = " realtime"
			}
			fmt.Fprintf(w, "-- %s %s%s\n", cohortLabel(cr), cr.Type, realtime)
			if cr.Warning != nil {
				fmt.Fprintf(w, "-- warning: %s\n", cr.Warning.Message)
			}
			if cr.SQL == "" {
				fmt.Fprintln(w, "-- static membership, no query")
				fmt.Fprintln(w)
				continue
			}
			fmt.Fprintln(w, cr.SQL)
			writeParams(w, cr.Params)
			fmt.Fprintln(w)
		}
	}

	if outputFile != "" {
		fmt.Fprintf(w, "Wrote report to %s\n", outputFile)
	}
}

func writeReport(reports []TeamReport, filename string) error {
	data, err := json.MarshalIndent(reports, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	return nil
}
