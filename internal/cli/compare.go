package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/context-compat/internal/compare"
	"github.com/roach88/context-compat/internal/report"
)

// CompareOptions holds flags for the compare command.
type CompareOptions struct {
	*RootOptions
	Policy string
}

// CompareResult is the structured output of compare.
type CompareResult struct {
	Equal   bool            `json:"equal" yaml:"equal"`
	Policy  compare.Mode    `json:"policy" yaml:"policy"`
	Entries []compare.Entry `json:"entries" yaml:"entries"`
}

// NewCompareCommand creates the compare command.
func NewCompareCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompareOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compare <actual> <expected>",
		Short: "Compare an output file against an expected output",
		Long: `Compare an output file against an expected output under a comparison
policy.

exact compares the canonicalized text byte for byte. tolerant compares the
parsed JSON trees, allowing numeric drift within COMPAT_REL_TOL and
COMPAT_ABS_TOL; tolerated drift is reported as informational.

Exits 1 when the outputs differ.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompare(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Policy, "policy", string(compare.ModeTolerant), "comparison policy (exact|tolerant)")

	return cmd
}

func runCompare(opts *CompareOptions, actualPath, expectedPath string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cfg, err := opts.Config()
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, err.Error(), nil, err)
	}
	mode, err := compare.ParseMode(opts.Policy)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil, err)
	}
	policy := compare.Policy{Mode: mode, Tolerance: cfg.Tolerance}

	actual, err := readInput(formatter, actualPath)
	if err != nil {
		return err
	}
	expected, err := readInput(formatter, expectedPath)
	if err != nil {
		return err
	}

	diff, err := compare.Diff(compare.CanonicalizeText(actual), compare.CanonicalizeText(expected), policy)
	if err != nil {
		var pe *compare.ParseError
		if errors.As(err, &pe) {
			return formatter.Fail(ExitCommandError, ErrCodeInput, err.Error(), nil, err)
		}
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil, err)
	}

	result := CompareResult{Equal: !diff.HasBreaking(), Policy: mode, Entries: diff.Entries}
	if result.Entries == nil {
		result.Entries = []compare.Entry{}
	}
	if formatter.structured() {
		err = formatter.Success(result, "")
	} else {
		err = report.WriteDiff(formatter.Writer, diff)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "write output", err)
	}
	if !result.Equal {
		return NewExitError(ExitFailure, fmt.Sprintf("[%s] outputs differ: %d breaking difference(s)",
			ErrCodeMismatch, len(diff.Breaking())))
	}
	return nil
}

// readInput reads a file named on the command line, reporting a missing
// or unreadable file as a command error.
func readInput(formatter *OutputFormatter, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		code := ErrCodeInput
		if errors.Is(err, os.ErrNotExist) {
			code = ErrCodeNotFound
		}
		return nil, formatter.Fail(ExitCommandError, code, err.Error(), map[string]string{"path": path}, err)
	}
	return data, nil
}
