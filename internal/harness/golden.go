package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/context-compat/internal/canon"
)

// Snapshot renders the stable part of a report as canonical JSON: counts,
// and per outcome its name, status, category, reason and the paths of
// breaking differences. Timings and binary paths are left out so the same
// suite against the same binaries always snapshots identically.
func Snapshot(r *SuiteReport) ([]byte, error) {
	outcomes := make([]any, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		entry := map[string]any{
			"group":  o.Group,
			"case":   o.Case,
			"status": string(o.Status),
		}
		if o.Category != CategoryNone {
			entry["category"] = string(o.Category)
		}
		if o.Reason != "" {
			entry["reason"] = o.Reason
		}
		if breaking := o.Diff.Breaking(); len(breaking) > 0 {
			paths := make([]any, len(breaking))
			for i, e := range breaking {
				paths[i] = e.Path
			}
			entry["breaking"] = paths
		}
		if len(o.Violations) > 0 {
			paths := make([]any, len(o.Violations))
			for i, v := range o.Violations {
				paths[i] = v.Path
			}
			entry["violations"] = paths
		}
		outcomes = append(outcomes, entry)
	}

	return canon.Marshal(map[string]any{
		"run_id":           r.RunID,
		"contract_version": r.ContractVersion,
		"passed":           r.Passed,
		"failed":           r.Failed,
		"skipped":          r.Skipped,
		"total":            r.Total,
		"outcomes":         outcomes,
	})
}

// AssertGolden compares data against testdata/golden/<name>.golden.
//
// To regenerate golden files, run:
//
//	go test ./... -update
func AssertGolden(t *testing.T, name string, data []byte) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}

// AssertReportGolden snapshots r and compares it against a golden file.
func AssertReportGolden(t *testing.T, name string, r *SuiteReport) {
	t.Helper()
	data, err := Snapshot(r)
	if err != nil {
		t.Fatalf("snapshot report: %v", err)
	}
	AssertGolden(t, name, data)
}
