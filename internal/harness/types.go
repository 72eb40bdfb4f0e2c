package harness

import (
	"time"

	"github.com/roach88/context-compat/internal/compare"
	"github.com/roach88/context-compat/internal/schema"
)

// Target names a binary the harness can drive.
type Target string

const (
	TargetCLI      Target = "cli"
	TargetServer   Target = "server"
	TargetPrevious Target = "previous"
)

// Environment variables that configure each target.
const (
	EnvCLIBin      = "CONTEXT_CLI_BIN"
	EnvServerBin   = "MCP_SERVER_BIN"
	EnvPreviousBin = "CONTEXT_PREV_BIN"
)

// EnvVar returns the environment variable that configures t.
func (t Target) EnvVar() string {
	switch t {
	case TargetCLI:
		return EnvCLIBin
	case TargetServer:
		return EnvServerBin
	case TargetPrevious:
		return EnvPreviousBin
	default:
		return ""
	}
}

// Optional reports whether a failure to run t is a skip rather than a
// failure.
func (t Target) Optional() bool {
	return t == TargetPrevious
}

// Targets holds the configured binary path of each target. An empty path
// means the target is not configured.
type Targets struct {
	CLI      string `json:"cli,omitempty" yaml:"cli,omitempty"`
	Server   string `json:"server,omitempty" yaml:"server,omitempty"`
	Previous string `json:"previous,omitempty" yaml:"previous,omitempty"`
}

// Path returns the binary path configured for t.
func (ts Targets) Path(t Target) string {
	switch t {
	case TargetCLI:
		return ts.CLI
	case TargetServer:
		return ts.Server
	case TargetPrevious:
		return ts.Previous
	default:
		return ""
	}
}

// targetOf returns the target whose configured path is binary.
func (ts Targets) targetOf(binary string) (Target, bool) {
	for _, t := range []Target{TargetCLI, TargetServer, TargetPrevious} {
		if p := ts.Path(t); p != "" && p == binary {
			return t, true
		}
	}
	return "", false
}

// Status is the final state of one case.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Category places a non-passing outcome in the error taxonomy.
type Category string

const (
	CategoryNone                   Category = ""
	CategorySkip                   Category = "skip"
	CategorySpawnFailure           Category = "spawn_failure"
	CategoryTimeout                Category = "timeout"
	CategoryOutputMismatch         Category = "output_mismatch"
	CategorySchemaViolation        Category = "schema_violation"
	CategoryProtocolError          Category = "protocol_error"
	CategoryCrossVersionRegression Category = "cross_version_regression"
	CategoryError                  Category = "error"
)

// Outcome is the result of one case.
type Outcome struct {
	Group    string        `json:"group" msgpack:"group" yaml:"group"`
	Case     string        `json:"case" msgpack:"case" yaml:"case"`
	Status   Status        `json:"status" msgpack:"status" yaml:"status"`
	Category Category      `json:"category,omitempty" msgpack:"category,omitempty" yaml:"category,omitempty"`
	Reason   string        `json:"reason,omitempty" msgpack:"reason,omitempty" yaml:"reason,omitempty"`
	Duration time.Duration `json:"duration_ns" msgpack:"duration_ns" yaml:"duration"`

	// Diff holds the categorized differences of a mismatch or regression.
	Diff *compare.Report `json:"diff,omitempty" msgpack:"diff,omitempty" yaml:"diff,omitempty"`

	// Violations holds the schema violations of a non-conforming output.
	Violations []schema.Violation `json:"violations,omitempty" msgpack:"violations,omitempty" yaml:"violations,omitempty"`

	// Informational holds differences that were noted but did not fail.
	Informational []compare.Entry `json:"informational,omitempty" msgpack:"informational,omitempty" yaml:"informational,omitempty"`
}

// Name is the full case name, "group/case".
func (o Outcome) Name() string {
	return o.Group + "/" + o.Case
}

// SuiteReport aggregates every outcome of one run.
type SuiteReport struct {
	RunID           string        `json:"run_id" yaml:"run_id"`
	ContractVersion string        `json:"contract_version" yaml:"contract_version"`
	StartedAt       time.Time     `json:"started_at" yaml:"started_at"`
	Duration        time.Duration `json:"duration_ns" yaml:"duration"`
	Targets         Targets       `json:"targets" yaml:"targets"`
	Outcomes        []Outcome     `json:"outcomes" yaml:"outcomes"`
	Passed          int           `json:"passed" yaml:"passed"`
	Failed          int           `json:"failed" yaml:"failed"`
	Skipped         int           `json:"skipped" yaml:"skipped"`
	Total           int           `json:"total" yaml:"total"`
}

// OK reports whether no case failed. Skips do not count against a run.
func (r *SuiteReport) OK() bool {
	return r.Failed == 0
}

// Failures returns the failed outcomes in report order.
func (r *SuiteReport) Failures() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed {
			out = append(out, o)
		}
	}
	return out
}

func (r *SuiteReport) tally() {
	r.Passed, r.Failed, r.Skipped = 0, 0, 0
	for _, o := range r.Outcomes {
		switch o.Status {
		case StatusPassed:
			r.Passed++
		case StatusFailed:
			r.Failed++
		case StatusSkipped:
			r.Skipped++
		}
	}
	r.Total = len(r.Outcomes)
}
