package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/cohortc/internal/config"
	"github.com/roach88/cohortc/internal/logging"
)

// RootOptions holds global flags for all commands, and the configuration and
// logger built from them before any subcommand runs.
type RootOptions struct {
	Verbose    bool
	Format     string // "text" | "json" | "yaml"
	ConfigPath string

	Config *config.Config
	Logger *zap.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json", "yaml"}

// NewRootCommand creates the root command for the cohortc CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "cohortc",
		Short: "cohortc - cohort filter compiler",
		Long: `Compile cohort definitions (nested person, behavioral and cohort-reference
filters) into parameterized ClickHouse SQL, with dependency ordering,
classification and materialized-column selection.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.init()
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default: ./cohortc.yaml if present)")

	cmd.AddCommand(NewCompileCommand(opts))
	cmd.AddCommand(NewGraphCommand(opts))
	cmd.AddCommand(NewColumnsCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

func (o *RootOptions) init() error {
	if !isValidFormat(o.Format) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", o.Format, ValidFormats))
	}

	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "loading configuration", err)
	}
	o.Config = cfg

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, o.Verbose)
	if err != nil {
		return WrapExitError(ExitCommandError, "building logger", err)
	}
	o.Logger = logger
	return nil
}

// config returns the loaded configuration, or the defaults when a
// subcommand runs without the root command.
func (o *RootOptions) config() *config.Config {
	if o.Config == nil {
		return config.GetDefaults()
	}
	return o.Config
}

func (o *RootOptions) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
