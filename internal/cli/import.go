package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/cohortc/internal/cohort"
	"github.com/roach88/cohortc/internal/depgraph"
	"github.com/roach88/cohortc/internal/store"
	"github.com/roach88/cohortc/internal/workspace"
)

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
	DB string
}

// ImportResult counts what an import wrote.
type ImportResult struct {
	DB            string `json:"db" yaml:"db"`
	Cohorts       int    `json:"cohorts" yaml:"cohorts"`
	Actions       int    `json:"actions" yaml:"actions"`
	Columns       int    `json:"columns" yaml:"columns"`
	StaticMembers int    `json:"static_members" yaml:"static_members"`
	Classified    int    `json:"classified" yaml:"classified"`
	Unclassified  int    `json:"unclassified" yaml:"unclassified"`
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import <workspace>",
		Short: "Load a workspace into the SQLite catalog",
		Long: `Write the cohorts, actions, materialized columns and static members of a
workspace into the SQLite catalog, then classify every cohort and record its
type. Existing rows with the same ids are updated.

Cohorts that cannot be classified (missing reference, cycle) are imported
without a type and counted as unclassified.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "catalog path (default: database.path from config)")

	return cmd
}

func runImport(opts *ImportOptions, dir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	ctx := cmd.Context()

	ws, errs := workspace.Load(dir, workspace.LoadModeCollectAll)
	if len(errs) > 0 {
		return outputLoadErrors(formatter, errs)
	}

	path := opts.DB
	if path == "" {
		path = opts.config().Database.Path
	}

	st, err := store.Open(path, store.WithLogger(opts.logger()))
	if err != nil {
		_ = formatter.Error(ErrCodeStoreFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "opening catalog", err)
	}
	defer st.Close()

	result, err := importWorkspace(ctx, st, ws)
	if err != nil {
		_ = formatter.Error(ErrCodeStoreFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "import failed", err)
	}
	result.DB = path
	opts.logger().Info("workspace imported",
		zap.String("workspace", dir),
		zap.String("db", path),
		zap.Int("cohorts", result.Cohorts))

	if formatter.Structured() {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "✓ Imported %s into %s\n", dir, path)
	fmt.Fprintf(w, "  cohorts:        %d\n", result.Cohorts)
	fmt.Fprintf(w, "  actions:        %d\n", result.Actions)
	fmt.Fprintf(w, "  columns:        %d\n", result.Columns)
	fmt.Fprintf(w, "  static members: %d\n", result.StaticMembers)
	fmt.Fprintf(w, "  classified:     %d\n", result.Classified)
	if result.Unclassified > 0 {
		fmt.Fprintf(w, "  unclassified:   %d (run graph for details)\n", result.Unclassified)
	}
	return nil
}

func importWorkspace(ctx context.Context, st *store.Store, ws *workspace.Workspace) (*ImportResult, error) {
	result := &ImportResult{}

	for _, a := range ws.Actions {
		if err := st.PutAction(ctx, a); err != nil {
			return nil, err
		}
		result.Actions++
	}
	for _, e := range ws.Columns {
		if err := st.PutMaterializedColumn(ctx, e); err != nil {
			return nil, err
		}
		result.Columns++
	}

	teamOf := make(map[int64]int64, len(ws.Cohorts))
	for _, c := range ws.Cohorts {
		if err := st.PutCohort(ctx, c); err != nil {
			return nil, err
		}
		teamOf[c.ID] = c.TeamID
		result.Cohorts++
	}
	for id, members := range ws.StaticMembers {
		if err := st.AddStaticMembers(ctx, teamOf[id], id, members...); err != nil {
			return nil, err
		}
		result.StaticMembers += len(members)
	}

	for _, team := range ws.Teams() {
		cls, err := depgraph.Classify(ctx, team, ws.CohortIDs(team), cohort.NewMemoLoader(st))
		if err != nil {
			return nil, fmt.Errorf("classify team %d: %w", team, err)
		}
		for _, id := range cls.Order {
			if err := st.SetCohortType(ctx, id, cls.Types[id]); err != nil {
				return nil, err
			}
		}
		result.Classified += len(cls.Order)
		result.Unclassified += len(cls.Errors)
	}
	return result, nil
}
