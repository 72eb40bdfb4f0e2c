// Package crossver compares the output of two releases of the same binary
// and sorts every difference into breaking or informational.
//
// A difference is breaking when it changes a field's presence, its type,
// its value beyond tolerance, or the position of an element in a ranked
// list. It is informational when a number drifts within tolerance or a
// field appears that the older release did not emit.
package crossver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/context-compat/internal/compare"
	"github.com/roach88/context-compat/internal/proc"
)

// DefaultIdentityKey is the object field that identifies ranked elements.
const DefaultIdentityKey = "id"

// Differ classifies differences between a previous and a current output.
type Differ struct {
	Tolerance compare.Tolerance

	// IdentityKey names the field used to follow array elements that move.
	// Arrays whose elements all carry a unique identity are matched by it;
	// other arrays are compared index by index.
	IdentityKey string

	// Fields restricts the diff to these top-level fields when non-empty.
	Fields []string
}

// NewDiffer returns a differ with default tolerance and identity key.
func NewDiffer() *Differ {
	return &Differ{Tolerance: compare.DefaultTolerance(), IdentityKey: DefaultIdentityKey}
}

// Diff parses both outputs and returns the classified report.
func (d *Differ) Diff(previous, current []byte) (*compare.Report, error) {
	prev, err := compare.Decode(previous)
	if err != nil {
		return nil, &compare.ParseError{Side: "previous", Err: err}
	}
	curr, err := compare.Decode(current)
	if err != nil {
		return nil, &compare.ParseError{Side: "current", Err: err}
	}

	report := &compare.Report{}
	if len(d.Fields) == 0 {
		d.diff(report, "$", prev, curr)
		return report, nil
	}

	po, pok := prev.(map[string]any)
	co, cok := curr.(map[string]any)
	if !pok || !cok {
		return nil, fmt.Errorf("field restriction needs two JSON objects, got %s and %s",
			compare.TypeName(prev), compare.TypeName(curr))
	}
	fields := append([]string(nil), d.Fields...)
	sort.Strings(fields)
	d.diffKeys(report, "$", po, co, fields)
	return report, nil
}

func (d *Differ) diff(report *compare.Report, path string, prev, curr any) {
	switch p := prev.(type) {
	case map[string]any:
		if c, ok := curr.(map[string]any); ok {
			d.diffKeys(report, path, p, c, unionKeys(p, c))
			return
		}
	case []any:
		if c, ok := curr.([]any); ok {
			if d.identified(p) && d.identified(c) {
				d.diffByIdentity(report, path, p, c)
			} else {
				d.diffByIndex(report, path, p, c)
			}
			return
		}
	}
	d.diffLeaf(report, path, prev, curr)
}

func (d *Differ) diffKeys(report *compare.Report, path string, prev, curr map[string]any, keys []string) {
	for _, k := range keys {
		pv, inPrev := prev[k]
		cv, inCurr := curr[k]
		child := compare.JoinKey(path, k)
		switch {
		case inPrev && inCurr:
			d.diff(report, child, pv, cv)
		case inPrev:
			report.Add(compare.Entry{Path: child, Kind: compare.KindRemoved, Severity: compare.SeverityBreaking,
				Old: pv, Detail: "field no longer emitted"})
		case inCurr:
			report.Add(compare.Entry{Path: child, Kind: compare.KindAdded, Severity: compare.SeverityInformational,
				New: cv, Detail: "additive field"})
		}
	}
}

func (d *Differ) diffByIndex(report *compare.Report, path string, prev, curr []any) {
	common := min(len(prev), len(curr))
	for i := 0; i < common; i++ {
		d.diff(report, compare.JoinIndex(path, i), prev[i], curr[i])
	}
	detail := fmt.Sprintf("array length changed from %d to %d", len(prev), len(curr))
	for i := common; i < len(prev); i++ {
		report.Add(compare.Entry{Path: compare.JoinIndex(path, i), Kind: compare.KindRemoved,
			Severity: compare.SeverityBreaking, Old: prev[i], Detail: detail})
	}
	for i := common; i < len(curr); i++ {
		report.Add(compare.Entry{Path: compare.JoinIndex(path, i), Kind: compare.KindAdded,
			Severity: compare.SeverityBreaking, New: curr[i], Detail: detail})
	}
}

// diffByIdentity follows elements by identity so a reordering is reported
// as a move rather than as a cascade of value changes.
func (d *Differ) diffByIdentity(report *compare.Report, path string, prev, curr []any) {
	currIndex := make(map[string]int, len(curr))
	for i, e := range curr {
		currIndex[d.identity(e)] = i
	}
	prevIndex := make(map[string]int, len(prev))
	for i, e := range prev {
		prevIndex[d.identity(e)] = i
	}

	for i, e := range prev {
		id := d.identity(e)
		j, ok := currIndex[id]
		if !ok {
			report.Add(compare.Entry{Path: compare.JoinIndex(path, i), Kind: compare.KindRemoved,
				Severity: compare.SeverityBreaking, Old: e,
				Detail: fmt.Sprintf("element %s=%s no longer present", d.IdentityKey, id)})
			continue
		}
		if i != j {
			report.Add(compare.Entry{Path: compare.JoinIndex(path, i), Kind: compare.KindChanged,
				Severity: compare.SeverityBreaking, Old: i, New: j,
				Detail: fmt.Sprintf("element %s=%s moved from index %d to %d", d.IdentityKey, id, i, j)})
		}
		d.diff(report, compare.JoinIndex(path, j), e, curr[j])
	}
	for j, e := range curr {
		id := d.identity(e)
		if _, ok := prevIndex[id]; !ok {
			report.Add(compare.Entry{Path: compare.JoinIndex(path, j), Kind: compare.KindAdded,
				Severity: compare.SeverityBreaking, New: e,
				Detail: fmt.Sprintf("element %s=%s is new", d.IdentityKey, id)})
		}
	}
}

func (d *Differ) diffLeaf(report *compare.Report, path string, prev, curr any) {
	compare.Walk(prev, curr, d.Tolerance, func(diff compare.Difference) {
		sev := compare.SeverityBreaking
		if diff.Class == compare.ClassNumericTolerated {
			sev = compare.SeverityInformational
		}
		report.Add(compare.Entry{
			Path:     path + strings.TrimPrefix(diff.Path, "$"),
			Kind:     diff.Kind,
			Severity: sev,
			Old:      diff.Old,
			New:      diff.New,
			Detail:   diff.Detail,
		})
	})
}

// identified reports whether every element is an object with a unique,
// scalar identity.
func (d *Differ) identified(arr []any) bool {
	if d.IdentityKey == "" || len(arr) == 0 {
		return false
	}
	seen := make(map[string]bool, len(arr))
	for _, e := range arr {
		id := d.identity(e)
		if id == "" || seen[id] {
			return false
		}
		seen[id] = true
	}
	return true
}

func (d *Differ) identity(e any) string {
	obj, ok := e.(map[string]any)
	if !ok {
		return ""
	}
	switch v := obj[d.IdentityKey].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func unionKeys(a, b map[string]any) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// RegressionError reports breaking differences that were not documented as
// intentional, or documented ones that did not occur.
type RegressionError struct {
	Unexpected []compare.Entry
	Missing    []string
	Report     *compare.Report
}

func (e *RegressionError) Error() string {
	var parts []string
	if len(e.Unexpected) > 0 {
		parts = append(parts, fmt.Sprintf("%d unexpected breaking difference(s), first: %s",
			len(e.Unexpected), e.Unexpected[0].String()))
	}
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("documented breaking change(s) not observed: %s",
			strings.Join(e.Missing, ", ")))
	}
	return "cross-version regression: " + strings.Join(parts, "; ")
}

// Check passes when the breaking paths of report are exactly expected.
// With no expected paths, any breaking difference is a regression.
func Check(report *compare.Report, expected []string) error {
	want := make(map[string]bool, len(expected))
	for _, p := range expected {
		want[p] = true
	}

	var unexpected []compare.Entry
	seen := make(map[string]bool)
	for _, e := range report.Breaking() {
		seen[e.Path] = true
		if !want[e.Path] {
			unexpected = append(unexpected, e)
		}
	}
	var missing []string
	for _, p := range expected {
		if !seen[p] {
			missing = append(missing, p)
		}
	}
	sort.Strings(missing)

	if len(unexpected) == 0 && len(missing) == 0 {
		return nil
	}
	return &RegressionError{Unexpected: unexpected, Missing: missing, Report: report}
}

// RunPair runs the previous and current invocation against the same
// fixture and diffs their stdout. Differing exit codes are a breaking
// difference at "exit_code"; the outputs are still compared. Two releases
// that both print nothing agree on their output.
func (d *Differ) RunPair(ctx context.Context, previous, current proc.Invocation) (*compare.Report, error) {
	prevRes, err := proc.Run(ctx, previous)
	if err != nil {
		return nil, fmt.Errorf("previous release: %w", err)
	}
	currRes, err := proc.Run(ctx, current)
	if err != nil {
		return nil, fmt.Errorf("current release: %w", err)
	}

	report := &compare.Report{}
	if !silent(prevRes) || !silent(currRes) {
		if report, err = d.Diff(prevRes.Stdout, currRes.Stdout); err != nil {
			return nil, err
		}
	}
	if prevRes.ExitCode != currRes.ExitCode {
		exit := compare.Entry{Path: "exit_code", Kind: compare.KindChanged, Severity: compare.SeverityBreaking,
			Old: prevRes.ExitCode, New: currRes.ExitCode, Detail: "exit code changed"}
		report.Entries = append([]compare.Entry{exit}, report.Entries...)
	}
	return report, nil
}

func silent(res *proc.Result) bool {
	return len(bytes.TrimSpace(res.Stdout)) == 0
}
