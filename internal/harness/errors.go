package harness

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/context-compat/internal/compare"
	"github.com/roach88/context-compat/internal/crossver"
	"github.com/roach88/context-compat/internal/proc"
	"github.com/roach88/context-compat/internal/rpc"
	"github.com/roach88/context-compat/internal/schema"
)

// SkipError ends a case as Skipped instead of Failed.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string {
	return "skipped: " + e.Reason
}

// Skip returns a SkipError with a formatted reason.
func Skip(format string, args ...any) error {
	return &SkipError{Reason: fmt.Sprintf(format, args...)}
}

// IsSkip reports whether err is (or wraps) a SkipError.
func IsSkip(err error) bool {
	var se *SkipError
	return errors.As(err, &se)
}

// AssertionError describes a check whose observed value differs from the
// expected one.
type AssertionError struct {
	Check    string // what was checked, e.g. "exit code"
	Expected string
	Actual   string

	// Context is extra output that helps explain the failure (stderr, a
	// selection listing). Optional.
	Context string
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%s: expected %s, got %s", e.Check, e.Expected, e.Actual)
	if e.Context != "" {
		fmt.Fprintf(&buf, "\n%s", e.Context)
	}
	return buf.String()
}

// Assertf builds an AssertionError.
func Assertf(check, expected, actual string) error {
	return &AssertionError{Check: check, Expected: expected, Actual: actual}
}

// outcomeOf classifies a case error into a status and error category.
// Group and Case are filled in by the caller.
func outcomeOf(err error, targets Targets) Outcome {
	if err == nil {
		return Outcome{Status: StatusPassed}
	}

	failed := func(c Category) Outcome {
		return Outcome{Status: StatusFailed, Category: c, Reason: err.Error()}
	}

	var skip *SkipError
	if errors.As(err, &skip) {
		return Outcome{Status: StatusSkipped, Category: CategorySkip, Reason: skip.Reason}
	}

	var spawn *proc.SpawnError
	if errors.As(err, &spawn) {
		if t, ok := targets.targetOf(spawn.Binary); ok && t.Optional() {
			return Outcome{Status: StatusSkipped, Category: CategorySkip,
				Reason: fmt.Sprintf("%s binary unavailable: %v", t, spawn.Err)}
		}
		return failed(CategorySpawnFailure)
	}

	var procTimeout *proc.TimeoutError
	var rpcTimeout *rpc.TimeoutError
	if errors.As(err, &procTimeout) || errors.As(err, &rpcTimeout) {
		return failed(CategoryTimeout)
	}

	var protocol *rpc.ProtocolError
	if errors.As(err, &protocol) {
		return failed(CategoryProtocolError)
	}

	var violation *schema.ViolationError
	if errors.As(err, &violation) {
		o := failed(CategorySchemaViolation)
		o.Violations = violation.Violations
		return o
	}

	var regression *crossver.RegressionError
	if errors.As(err, &regression) {
		o := failed(CategoryCrossVersionRegression)
		o.Diff = regression.Report
		return o
	}

	var mismatch *compare.MismatchError
	if errors.As(err, &mismatch) {
		o := failed(CategoryOutputMismatch)
		o.Diff = mismatch.Report
		return o
	}

	var assertion *AssertionError
	var parse *compare.ParseError
	if errors.As(err, &assertion) || errors.As(err, &parse) {
		return failed(CategoryOutputMismatch)
	}

	return failed(CategoryError)
}
