package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/context-compat/internal/fixture"
	"github.com/roach88/context-compat/internal/schema"
)

// kindAuto asks validate to classify the document itself.
const kindAuto = "auto"

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid      bool               `json:"valid" yaml:"valid"`
	Kind       schema.Kind        `json:"kind,omitempty" yaml:"kind,omitempty"`
	Contract   string             `json:"contract" yaml:"contract"`
	Violations []schema.Violation `json:"violations,omitempty" yaml:"violations,omitempty"`
}

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Kind string
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <doc>",
		Short: "Validate a JSON document against the contract's schemas",
		Long: `Validate a JSON document against one of the contract's frozen output
schemas: selection_result, inspect_output, error_envelope or mcp_error.

With --kind auto the document must satisfy exactly one schema.

Exits 1 when the document does not conform.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Kind, "kind", kindAuto, "output kind ("+kindNames()+"|auto)")

	return cmd
}

func kindNames() string {
	names := make([]string, 0, len(schema.Kinds()))
	for _, k := range schema.Kinds() {
		names = append(names, string(k))
	}
	return strings.Join(names, "|")
}

func runValidate(opts *ValidateOptions, docPath string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cfg, err := opts.Config()
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, err.Error(), nil, err)
	}

	var kind schema.Kind
	if opts.Kind != kindAuto {
		if kind, err = schema.ParseKind(opts.Kind); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil, err)
		}
	}

	repo, err := fixture.Open(cfg.Fixtures)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeFixtures, err.Error(), nil, err)
	}
	if _, err := repo.Set(cfg.Contract); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeFixtures, err.Error(), nil, err)
	}

	doc, err := readInput(formatter, docPath)
	if err != nil {
		return err
	}

	validator := schema.NewValidator(repo.FS())
	version := string(cfg.Contract)
	formatter.VerboseLog("Validating %s against contract %s (kind %s)", docPath, version, opts.Kind)

	if kind == "" {
		kind, err = validator.Classify(doc, version)
	} else {
		err = validator.Validate(doc, schema.Key{Version: version, Kind: kind})
	}

	result := ValidationResult{Valid: err == nil, Kind: kind, Contract: version}
	if err != nil {
		var ve *schema.ViolationError
		if !errors.As(err, &ve) {
			return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil, err)
		}
		result.Violations = ve.Violations
	}

	if err := formatter.Success(result, validationText(result)); err != nil {
		return WrapExitError(ExitCommandError, "write output", err)
	}
	if !result.Valid {
		return NewExitError(ExitFailure, fmt.Sprintf("[%s] %d violation(s)", ErrCodeSchema, len(result.Violations)))
	}
	return nil
}

func validationText(r ValidationResult) string {
	if r.Valid {
		return fmt.Sprintf("✓ valid %s (contract %s)", r.Kind, r.Contract)
	}
	var b strings.Builder
	target := string(r.Kind)
	if target == "" {
		target = "any single kind"
	}
	fmt.Fprintf(&b, "✗ does not conform to %s (contract %s)", target, r.Contract)
	for _, v := range r.Violations {
		fmt.Fprintf(&b, "\n  %s", v)
	}
	return b.String()
}
