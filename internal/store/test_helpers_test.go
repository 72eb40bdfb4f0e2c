package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/context-compat/internal/compare"
	"github.com/roach88/context-compat/internal/harness"
	"github.com/roach88/context-compat/internal/schema"
)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testEpoch = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

// createTestReport builds a report from "group/case" -> status pairs, in
// order. Failed outcomes carry a one-entry diff.
func createTestReport(id string, seq int, cases ...[2]string) *harness.SuiteReport {
	r := &harness.SuiteReport{
		RunID:           id,
		ContractVersion: "v0",
		StartedAt:       testEpoch.Add(time.Duration(seq) * time.Minute),
		Duration:        2 * time.Second,
		Targets:         harness.Targets{CLI: "/bin/context", Server: "/bin/mcp-context-server"},
	}
	for _, c := range cases {
		group, name := splitName(c[0])
		o := harness.Outcome{Group: group, Case: name, Status: harness.Status(c[1]), Duration: time.Millisecond}
		switch o.Status {
		case harness.StatusPassed:
			r.Passed++
		case harness.StatusFailed:
			r.Failed++
			o.Category = harness.CategoryOutputMismatch
			o.Reason = "output mismatch"
			o.Diff = &compare.Report{Entries: []compare.Entry{
				{Path: "$.documents[0].score", Kind: compare.KindChanged, Severity: compare.SeverityBreaking, Old: "0.75", New: "0.8"},
			}}
		case harness.StatusSkipped:
			r.Skipped++
			o.Category = harness.CategorySkip
			o.Reason = "binary not configured: CONTEXT_PREV_BIN"
		}
		r.Outcomes = append(r.Outcomes, o)
	}
	r.Total = len(r.Outcomes)
	return r
}

func splitName(full string) (string, string) {
	for i := len(full) - 1; i >= 0; i-- {
		if full[i] == '/' {
			return full[:i], full[i+1:]
		}
	}
	return full, ""
}

func violationOutcome() harness.Outcome {
	return harness.Outcome{
		Group:    "schema",
		Case:     "selection_result",
		Status:   harness.StatusFailed,
		Category: harness.CategorySchemaViolation,
		Reason:   "1 violation",
		Violations: []schema.Violation{
			{Path: "$.documents[0].score", Message: "conflicting values"},
		},
		Informational: []compare.Entry{
			{Path: "$.engine", Kind: compare.KindAdded, Severity: compare.SeverityInformational, New: "fake"},
		},
	}
}
