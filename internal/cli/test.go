package cli

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"

	"github.com/roach88/cohortc/internal/harness"
	"github.com/roach88/cohortc/internal/planner"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Filter    string // glob over scenario names
	GoldenDir string
	Update    bool
}

// TestResult holds the outcome of one scenario.
type TestResult struct {
	Scenario string   `json:"scenario" yaml:"scenario"`
	Pass     bool     `json:"pass" yaml:"pass"`
	Errors   []string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// TestSummary holds the outcome of a test run.
type TestSummary struct {
	Passed  int          `json:"passed" yaml:"passed"`
	Failed  int          `json:"failed" yaml:"failed"`
	Results []TestResult `json:"results" yaml:"results"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios>",
		Short: "Run compile scenarios",
		Long: `Run YAML compile scenarios from a file or directory. Each scenario
names a workspace and the expected type, SQL fragments, parameters and
columns (or error code) of its cohorts.

With --golden, each scenario's rendered plan is also compared against
<dir>/<scenario>.golden; --update rewrites those files instead.

Exit codes:
  0 - Every scenario passed
  1 - One or more scenarios failed
  2 - Command error (scenarios not loadable)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTest(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "only run scenarios whose name matches this glob")
	cmd.Flags().StringVar(&opts.GoldenDir, "golden", "", "compare rendered plans against golden files in this directory")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "rewrite golden files instead of comparing")

	return cmd
}

func runTest(opts *TestOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	if opts.Update && opts.GoldenDir == "" {
		_ = formatter.Error(ErrCodeGeneric, "--update requires --golden", nil)
		return NewExitError(ExitCommandError, "--update requires --golden")
	}
	if opts.Filter != "" {
		if _, err := filepath.Match(opts.Filter, ""); err != nil {
			_ = formatter.Error(ErrCodeGeneric, fmt.Sprintf("invalid filter: %v", err), nil)
			return WrapExitError(ExitCommandError, "invalid filter", err)
		}
	}

	scenarios, err := loadScenarios(path)
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "loading scenarios", err)
	}

	cfg := opts.config()
	planOpts := []planner.Option{
		planner.WithLogger(opts.logger()),
		planner.WithCompilerOptions(cfg.Compiler.CompilerOptions()...),
	}

	var summary TestSummary
	for _, s := range scenarios {
		if opts.Filter != "" {
			if ok, _ := filepath.Match(opts.Filter, s.Name); !ok {
				continue
			}
		}
		formatter.VerboseLog("Running %s", s.Name)

		tr := TestResult{Scenario: s.Name}
		result, err := harness.Run(cmd.Context(), s, planOpts...)
		if err != nil {
			tr.Errors = []string{err.Error()}
		} else {
			tr.Errors = result.Errors
			if opts.GoldenDir != "" {
				if msg := checkGolden(opts, s.Name, harness.RenderPlan(result.Plan)); msg != "" {
					tr.Errors = append(tr.Errors, msg)
				}
			}
		}
		tr.Pass = len(tr.Errors) == 0

		if tr.Pass {
			summary.Passed++
		} else {
			summary.Failed++
		}
		summary.Results = append(summary.Results, tr)
	}

	if formatter.Structured() {
		if err := formatter.Success(summary); err != nil {
			return err
		}
	} else {
		outputTestText(formatter, summary)
	}

	if summary.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", summary.Failed))
	}
	return nil
}

func loadScenarios(path string) ([]*harness.Scenario, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return harness.LoadSuite(path)
	}
	s, err := harness.LoadScenario(path)
	if err != nil {
		return nil, err
	}
	return []*harness.Scenario{s}, nil
}

// checkGolden compares or rewrites the golden file of one scenario and
// returns a failure message, or "" when it matches.
func checkGolden(opts *TestOptions, name string, got []byte) string {
	file := filepath.Join(opts.GoldenDir, name+".golden")

	if opts.Update {
		if err := os.MkdirAll(opts.GoldenDir, 0o755); err != nil {
			return fmt.Sprintf("golden: %v", err)
		}
		if err := os.WriteFile(file, got, 0o644); err != nil {
			return fmt.Sprintf("golden: %v", err)
		}
		return ""
	}

	want, err := os.ReadFile(file)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Sprintf("golden: %s does not exist (run with --update)", file)
	}
	if err != nil {
		return fmt.Sprintf("golden: %v", err)
	}
	if bytes.Equal(want, got) {
		return ""
	}
	return fmt.Sprintf("golden: %s mismatch (-want +got):\n%s", file, cmp.Diff(string(want), string(got)))
}

func outputTestText(f *OutputFormatter, s TestSummary) {
	w := f.Writer
	for _, r := range s.Results {
		if r.Pass {
			fmt.Fprintf(w, "✓ %s\n", r.Scenario)
			continue
		}
		fmt.Fprintf(w, "✗ %s\n", r.Scenario)
		for _, msg := range r.Errors {
			fmt.Fprintf(w, "    %s\n", msg)
		}
	}
	fmt.Fprintf(w, "\n%d passed, %d failed\n", s.Passed, s.Failed)
}
