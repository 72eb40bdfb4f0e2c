package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/context-compat/internal/compare"
	"github.com/roach88/context-compat/internal/crossver"
	"github.com/roach88/context-compat/internal/report"
)

// DiffOptions holds flags for the diff command.
type DiffOptions struct {
	*RootOptions
	AllowBreaking []string
	Fields        []string
	IdentityKey   string
}

// DiffResult is the structured output of diff.
type DiffResult struct {
	Compatible    bool            `json:"compatible" yaml:"compatible"`
	Breaking      []compare.Entry `json:"breaking" yaml:"breaking"`
	Informational []compare.Entry `json:"informational" yaml:"informational"`
	Missing       []string        `json:"missing_documented_changes,omitempty" yaml:"missing_documented_changes,omitempty"`
}

// NewDiffCommand creates the diff command.
func NewDiffCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DiffOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "diff <previous> <current>",
		Short: "Classify differences between a previous and a current output",
		Long: `Diff the output of a previous release against the current one and
classify every difference as breaking or informational.

Removed fields, type changes, reordered or changed values are breaking.
Added fields and numeric drift within tolerance are informational.
Documented intentional changes are listed with --allow-breaking; the
diff then passes only when exactly those paths break.

Exits 1 on an undocumented breaking difference.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiff(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.AllowBreaking, "allow-breaking", nil, "documented breaking path (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Fields, "field", nil, "restrict the diff to this top-level field (repeatable)")
	cmd.Flags().StringVar(&opts.IdentityKey, "identity-key", crossver.DefaultIdentityKey, "field that identifies ranked array elements")

	return cmd
}

func runDiff(opts *DiffOptions, previousPath, currentPath string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cfg, err := opts.Config()
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, err.Error(), nil, err)
	}

	previous, err := readInput(formatter, previousPath)
	if err != nil {
		return err
	}
	current, err := readInput(formatter, currentPath)
	if err != nil {
		return err
	}

	differ := crossver.NewDiffer()
	differ.Tolerance = cfg.Tolerance
	differ.IdentityKey = opts.IdentityKey
	differ.Fields = opts.Fields

	diff, err := differ.Diff(compare.CanonicalizeText(previous), compare.CanonicalizeText(current))
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeInput, err.Error(), nil, err)
	}

	result := DiffResult{
		Compatible:    true,
		Breaking:      nonNil(diff.Breaking()),
		Informational: nonNil(diff.Informational()),
	}
	checkErr := crossver.Check(diff, opts.AllowBreaking)
	var regression *crossver.RegressionError
	if errors.As(checkErr, &regression) {
		result.Compatible = false
		result.Missing = regression.Missing
	}

	if formatter.structured() {
		err = formatter.Success(result, "")
	} else {
		err = report.WriteDiff(formatter.Writer, diff)
		for _, p := range result.Missing {
			fmt.Fprintf(formatter.Writer, "  documented breaking change not observed: %s\n", p)
		}
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "write output", err)
	}
	if checkErr != nil {
		return WrapExitError(ExitFailure, "["+ErrCodeRegression+"] incompatible", checkErr)
	}
	return nil
}

func nonNil(entries []compare.Entry) []compare.Entry {
	if entries == nil {
		return []compare.Entry{}
	}
	return entries
}
