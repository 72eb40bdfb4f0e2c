package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roach88/context-compat/internal/config"
	"github.com/roach88/context-compat/internal/report"
)

// RootOptions holds global flags for all commands and the configuration
// they resolve to.
type RootOptions struct {
	Verbose  bool
	Format   string // "text" | "json" | "yaml"
	Fixtures string
	Contract string

	v *viper.Viper
}

// Config resolves the configuration from bound flags, the environment and
// defaults.
func (o *RootOptions) Config() (*config.Config, error) {
	cfg, err := config.Load(o.viper())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, nil
}

func (o *RootOptions) viper() *viper.Viper {
	if o.v == nil {
		o.v = config.New()
	}
	return o.v
}

// bind ties a flag to a configuration key so an explicitly set flag wins
// over the environment.
func (o *RootOptions) bind(key string, flag *pflag.Flag) {
	_ = o.viper().BindPFlag(key, flag)
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    report.Format(o.Format),
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting structured output
		Verbose:   o.Verbose,
	}
}

// NewRootCommand creates the root command for the compat CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{}, nil)
}

// newRootCommand builds the command tree. configureRun, when set, adjusts
// the run command's options before flags are registered.
func newRootCommand(opts *RootOptions, configureRun func(*RunOptions)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compat",
		Short: "compat - black-box compatibility harness for context",
		Long: `Verify released context CLI and MCP server binaries against frozen
fixture contracts: determinism, golden outputs, schema conformance,
protocol compliance and backward compatibility with a previous release.

Targets are configured through the environment:
  CONTEXT_CLI_BIN   current CLI binary
  MCP_SERVER_BIN    current MCP server binary
  CONTEXT_PREV_BIN  previous-release CLI (optional)

Cases whose target is not configured are skipped, not failed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Flags win over COMPAT_FORMAT and COMPAT_VERBOSE.
			opts.Format = opts.viper().GetString(config.KeyFormat)
			opts.Verbose = opts.viper().GetBool(config.KeyVerbose)
			if _, err := report.ParseFormat(opts.Format); err != nil {
				return WrapExitError(ExitCommandError, "invalid flag", err)
			}
			return nil
		},
	}

	// Global flags
	flags := cmd.PersistentFlags()
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	flags.StringVar(&opts.Format, "format", string(report.FormatText), "output format (text|json|yaml)")
	flags.StringVar(&opts.Fixtures, "fixtures", config.DefaultFixtures, "fixture root (env COMPAT_FIXTURES)")
	flags.StringVar(&opts.Contract, "contract", config.DefaultContract, "contract version (env COMPAT_CONTRACT)")
	flags.String("db", "", "run history database (env COMPAT_DB)")
	opts.bind(config.KeyVerbose, flags.Lookup("verbose"))
	opts.bind(config.KeyFormat, flags.Lookup("format"))
	opts.bind(config.KeyFixtures, flags.Lookup("fixtures"))
	opts.bind(config.KeyContract, flags.Lookup("contract"))
	opts.bind(config.KeyDB, flags.Lookup("db"))

	// Add subcommands
	runOpts := &RunOptions{RootOptions: opts}
	if configureRun != nil {
		configureRun(runOpts)
	}
	cmd.AddCommand(newRunCommand(runOpts))
	cmd.AddCommand(NewCompareCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewDiffCommand(opts))
	cmd.AddCommand(NewFixturesCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))

	return cmd
}

// Execute runs the root command with args and returns the process exit
// code. Errors not already written by a command are printed to stderr.
func Execute(args []string) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || !exitErr.shown {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
	}
	return GetExitCode(err)
}
