package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/context-compat/internal/config"
	"github.com/roach88/context-compat/internal/fixture"
	"github.com/roach88/context-compat/internal/harness"
	"github.com/roach88/context-compat/internal/log"
	"github.com/roach88/context-compat/internal/report"
	"github.com/roach88/context-compat/internal/schema"
	"github.com/roach88/context-compat/internal/store"
	"github.com/roach88/context-compat/internal/suites"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Filter string
	Upload bool

	// NewRunID allows overriding run id generation (for testing).
	// If nil, defaults to UUIDv7.
	NewRunID func() string

	// Sink allows overriding the upload destination (for testing).
	// If nil, an S3 sink is built from the configuration.
	Sink ReportSink
}

// ReportSink stores a finished report and returns where it went.
type ReportSink interface {
	Put(ctx context.Context, r *harness.SuiteReport) (string, error)
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the compatibility suite against the configured binaries",
		Long: `Run every case of the contract's suite manifest against the binaries
named by CONTEXT_CLI_BIN, MCP_SERVER_BIN and CONTEXT_PREV_BIN.

Independent groups run in parallel; protocol sessions run their steps in
order. The report is written to stdout in the selected format and,
when configured, recorded in the run history and uploaded to S3.

Exit codes: 0 all cases passed or skipped, 1 a case failed, 2 the
suite could not be run.

Example:
  compat run
  compat run --filter 'golden/*' --format json
  compat run --db ./history.db --upload`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSuite(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", `only run cases matching this glob ("group/case" or "group")`)
	cmd.Flags().Int("parallel", 0, "groups run at once (env COMPAT_PARALLEL, default NumCPU)")
	cmd.Flags().BoolVar(&opts.Upload, "upload", false, "upload the JSON report to S3 (env COMPAT_S3_BUCKET)")
	opts.bind(config.KeyParallel, cmd.Flags().Lookup("parallel"))

	return cmd
}

func runSuite(opts *RunOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cfg, err := opts.Config()
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, err.Error(), nil, err)
	}
	if opts.Upload && !cfg.UploadEnabled() {
		return formatter.Fail(ExitCommandError, ErrCodeConfig,
			"--upload needs "+config.EnvVar(config.KeyS3Bucket), nil, nil)
	}

	repo, err := fixture.Open(cfg.Fixtures)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeFixtures, err.Error(), nil, err)
	}
	set, err := repo.Set(cfg.Contract)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeFixtures, err.Error(), nil, err)
	}
	groups, err := suites.ForSet(set)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeFixtures, err.Error(), nil, err)
	}

	var filter func(group, name string) bool
	if opts.Filter != "" {
		if filter, err = suites.Filter(opts.Filter); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil, err)
		}
	}

	newRunID := opts.NewRunID
	if newRunID == nil {
		newRunID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	runID := newRunID()

	logger := log.NewLogger(
		log.RunMeta{RunID: runID, Contract: string(cfg.Contract)},
		log.Options{Output: cmd.ErrOrStderr(), Verbose: cfg.Verbose},
	)
	defer func() { _ = logger.Sync() }()
	formatter.VerboseLog("Running contract %s from %s with %d worker(s)", cfg.Contract, set.Dir, cfg.Parallel)

	ctx, cancel := signalContext(cmd, logger)
	defer cancel()

	rep := harness.Run(ctx, groups, harness.Options{
		Parallelism: cfg.Parallel,
		Targets:     cfg.Targets,
		Fixtures:    set,
		Validator:   schema.NewValidator(repo.FS()),
		Policy:      cfg.Policy(),
		Timeout:     cfg.Timeout,
		CallTimeout: cfg.CallTimeout,
		Logger:      logger,
		NewRunID:    func() string { return runID },
		Filter:      filter,
	})

	if err := report.Render(cmd.OutOrStdout(), rep, cfg.Format); err != nil {
		return WrapExitError(ExitCommandError, "write report", err)
	}

	if cfg.HistoryEnabled() {
		if err := recordRun(ctx, cfg.DB, rep, formatter, logger); err != nil {
			return err
		}
	}

	if opts.Upload {
		sink := opts.Sink
		if sink == nil {
			s3Sink, err := report.NewS3Sink(ctx, cfg.S3)
			if err != nil {
				return WrapExitError(ExitCommandError, "["+ErrCodeUpload+"] report upload", err)
			}
			sink = s3Sink
		}
		uri, err := sink.Put(ctx, rep)
		if err != nil {
			return WrapExitError(ExitCommandError, "["+ErrCodeUpload+"] report upload", err)
		}
		logger.Info("report uploaded", map[string]any{"uri": uri})
		formatter.VerboseLog("Report uploaded to %s", uri)
	}

	if !rep.OK() {
		return NewExitError(ExitFailure, fmt.Sprintf("[%s] %d of %d case(s) failed", ErrCodeSuiteFailure, rep.Failed, rep.Total))
	}
	return nil
}

// recordRun stores rep and reports cases that regressed since the previous
// run of the same contract.
func recordRun(ctx context.Context, path string, rep *harness.SuiteReport, formatter *OutputFormatter, logger *log.Logger) error {
	st, err := store.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "["+ErrCodeHistory+"] open history", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing history", map[string]any{"error": closeErr.Error()})
		}
	}()

	if err := st.RecordRun(ctx, rep); err != nil {
		return WrapExitError(ExitCommandError, "["+ErrCodeHistory+"] record run", err)
	}
	regressions, err := st.Regressions(ctx, rep.RunID)
	if err != nil {
		return WrapExitError(ExitCommandError, "["+ErrCodeHistory+"] query regressions", err)
	}
	for _, r := range regressions {
		logger.Warn("case regressed", map[string]any{
			"case":         r.Name(),
			"category":     string(r.Category),
			"previous_run": r.PreviousRunID,
		})
	}
	if len(regressions) > 0 && !formatter.structured() {
		w := formatter.GetErrWriter()
		fmt.Fprintf(w, "\n%d case(s) regressed since run %s:\n", len(regressions), regressions[0].PreviousRunID)
		for _, r := range regressions {
			fmt.Fprintf(w, "  %s [%s]\n", r.Name(), r.Category)
		}
	}
	return nil
}

// signalContext cancels on SIGINT/SIGTERM so running cases fail fast and
// the partial report is still written.
func signalContext(cmd *cobra.Command, logger *log.Logger) (context.Context, context.CancelFunc) {
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Sugar().Warnf("received %s, cancelling run", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan) // Prevent signal handler leak
		cancel()
	}
}
