package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/roach88/context-compat/internal/config"
	"github.com/roach88/context-compat/internal/harness"
	"github.com/roach88/context-compat/internal/report"
	"github.com/roach88/context-compat/internal/store"
)

// HistoryOptions holds flags for the history commands.
type HistoryOptions struct {
	*RootOptions
	Limit int
	All   bool
}

// RunShow is the structured output of history show.
type RunShow struct {
	Report      *harness.SuiteReport `json:"report" yaml:"report"`
	Regressions []store.Regression   `json:"regressions" yaml:"regressions"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded suite runs",
		Long: `List suite runs recorded with "compat run --db", most recent first.
The database is taken from --db or COMPAT_DB.

By default only runs of the selected contract version are listed.

Example:
  compat history --db ./history.db --limit 5
  compat history show <run-id> --db ./history.db
  compat history delete <run-id> --db ./history.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistoryList(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum runs to list (0 for all)")
	cmd.Flags().BoolVar(&opts.All, "all", false, "list runs of every contract version")

	cmd.AddCommand(newHistoryShowCommand(opts))
	cmd.AddCommand(newHistoryDeleteCommand(opts))
	return cmd
}

func newHistoryShowCommand(opts *HistoryOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the report of a recorded run and its regressions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistoryShow(opts, args[0], cmd)
		},
	}
}

func newHistoryDeleteCommand(opts *HistoryOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistoryDelete(opts, args[0], cmd)
		},
	}
}

func openHistory(opts *RootOptions, formatter *OutputFormatter) (*store.Store, *config.Config, error) {
	cfg, err := opts.Config()
	if err != nil {
		return nil, nil, formatter.Fail(ExitCommandError, ErrCodeConfig, err.Error(), nil, err)
	}
	if !cfg.HistoryEnabled() {
		return nil, nil, formatter.Fail(ExitCommandError, ErrCodeHistory,
			"no history database: pass --db or set "+config.EnvVar(config.KeyDB), nil, nil)
	}
	st, err := store.Open(cfg.DB)
	if err != nil {
		return nil, nil, formatter.Fail(ExitCommandError, ErrCodeHistory, err.Error(), nil, err)
	}
	return st, cfg, nil
}

func runHistoryList(opts *HistoryOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	st, cfg, err := openHistory(opts.RootOptions, formatter)
	if err != nil {
		return err
	}
	defer st.Close()

	contract := string(cfg.Contract)
	if opts.All {
		contract = ""
	}
	runs, err := st.ListRuns(commandContext(cmd), contract, opts.Limit)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeHistory, err.Error(), nil, err)
	}

	if formatter.structured() {
		return formatter.Success(runs, "")
	}
	if len(runs) == 0 {
		fmt.Fprintln(formatter.Writer, "No runs recorded")
		return nil
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(formatter.Writer)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Run", "Contract", "Started", "Duration", "Passed", "Failed", "Skipped", "Fingerprint"})
	for _, r := range runs {
		fp := r.Fingerprint
		if len(fp) > 12 {
			fp = fp[:12]
		}
		tw.AppendRow(table.Row{
			r.ID,
			r.ContractVersion,
			r.StartedAt.UTC().Format(time.RFC3339),
			r.Duration.Round(time.Millisecond),
			r.Passed,
			r.Failed,
			r.Skipped,
			fp,
		})
	}
	tw.Render()
	return nil
}

func runHistoryShow(opts *HistoryOptions, runID string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	st, cfg, err := openHistory(opts.RootOptions, formatter)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := commandContext(cmd)
	rep, err := st.LoadReport(ctx, runID)
	if err != nil {
		code := ErrCodeHistory
		if errors.Is(err, store.ErrRunNotFound) {
			code = ErrCodeNotFound
		}
		return formatter.Fail(ExitCommandError, code, err.Error(), nil, err)
	}
	regressions, err := st.Regressions(ctx, runID)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeHistory, err.Error(), nil, err)
	}

	if formatter.structured() {
		return formatter.Success(RunShow{Report: rep, Regressions: regressions}, "")
	}
	if err := report.Render(formatter.Writer, rep, cfg.Format); err != nil {
		return WrapExitError(ExitCommandError, "write report", err)
	}
	if len(regressions) > 0 {
		fmt.Fprintf(formatter.Writer, "\n%d case(s) regressed since run %s:\n", len(regressions), regressions[0].PreviousRunID)
		for _, r := range regressions {
			fmt.Fprintf(formatter.Writer, "  %s [%s]\n", r.Name(), r.Category)
		}
	}
	return nil
}

func runHistoryDelete(opts *HistoryOptions, runID string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	st, _, err := openHistory(opts.RootOptions, formatter)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := commandContext(cmd)
	if _, err := st.GetRun(ctx, runID); err != nil {
		code := ErrCodeHistory
		if errors.Is(err, store.ErrRunNotFound) {
			code = ErrCodeNotFound
		}
		return formatter.Fail(ExitCommandError, code, err.Error(), nil, err)
	}
	if err := st.DeleteRun(ctx, runID); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeHistory, err.Error(), nil, err)
	}
	return formatter.Success(map[string]string{"deleted": runID}, "Deleted run "+runID)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
