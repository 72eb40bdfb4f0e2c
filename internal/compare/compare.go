// Package compare decides whether an observed output matches an expected
// one under an explicit policy, and explains every difference it finds.
//
// Two policies exist. Exact demands byte equality. Tolerant parses both
// sides as JSON: object key order is ignored, array order is significant,
// and numbers compare within a configurable tolerance.
package compare

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/roach88/context-compat/internal/canon"
)

// Mode selects a comparison policy.
type Mode string

const (
	ModeExact    Mode = "exact"
	ModeTolerant Mode = "tolerant"
)

// ParseMode validates a policy name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeExact, ModeTolerant:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown comparison policy %q (want exact or tolerant)", s)
	}
}

// Policy is a comparison mode plus its parameters.
// Tolerance is ignored by ModeExact.
type Policy struct {
	Mode      Mode      `json:"mode" yaml:"mode"`
	Tolerance Tolerance `json:"tolerance" yaml:"tolerance"`
}

// Exact returns the byte-equality policy.
func Exact() Policy {
	return Policy{Mode: ModeExact}
}

// Tolerant returns the structural policy with default tolerances.
func Tolerant() Policy {
	return Policy{Mode: ModeTolerant, Tolerance: DefaultTolerance()}
}

// Validate checks that the policy can be applied.
func (p Policy) Validate() error {
	if _, err := ParseMode(string(p.Mode)); err != nil {
		return err
	}
	if p.Tolerance.Rel < 0 || p.Tolerance.Abs < 0 {
		return fmt.Errorf("tolerances must be non-negative (rel=%g, abs=%g)", p.Tolerance.Rel, p.Tolerance.Abs)
	}
	return nil
}

// MismatchError reports that actual and expected differ under a policy.
// Report holds at least one breaking entry.
type MismatchError struct {
	Mode   Mode
	Report *Report
}

func (e *MismatchError) Error() string {
	breaking := e.Report.Breaking()
	if len(breaking) == 0 {
		return fmt.Sprintf("output mismatch (%s)", e.Mode)
	}
	return fmt.Sprintf("output mismatch (%s): %d breaking difference(s), first: %s",
		e.Mode, len(breaking), breaking[0].String())
}

// ParseError reports that one side of a tolerant comparison is not JSON.
type ParseError struct {
	Side string // "actual" or "expected"
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s output is not valid JSON: %v", e.Side, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsMismatch reports whether err is (or wraps) a MismatchError.
func IsMismatch(err error) bool {
	var me *MismatchError
	return errors.As(err, &me)
}

// Compare checks actual against expected.
//
// It returns nil on a match, *MismatchError on a difference, and
// *ParseError when a tolerant comparison cannot parse one side. Tolerated
// numeric drift is not a mismatch; use Diff to see it.
func Compare(actual, expected []byte, p Policy) error {
	report, err := Diff(actual, expected, p)
	if err != nil {
		return err
	}
	if report.HasBreaking() {
		return &MismatchError{Mode: p.Mode, Report: report}
	}
	return nil
}

// Diff returns every difference between actual and expected under p,
// including informational ones.
func Diff(actual, expected []byte, p Policy) (*Report, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.Mode == ModeExact {
		return diffExact(actual, expected), nil
	}

	exp, err := Decode(expected)
	if err != nil {
		return nil, &ParseError{Side: "expected", Err: err}
	}
	act, err := Decode(actual)
	if err != nil {
		return nil, &ParseError{Side: "actual", Err: err}
	}

	report := &Report{}
	Walk(exp, act, p.Tolerance, func(d Difference) {
		sev := SeverityBreaking
		if d.Class == ClassNumericTolerated {
			sev = SeverityInformational
		}
		report.Add(Entry{Path: d.Path, Kind: d.Kind, Severity: sev, Old: d.Old, New: d.New, Detail: d.Detail})
	})
	return report, nil
}

func diffExact(actual, expected []byte) *Report {
	report := &Report{}
	if bytes.Equal(actual, expected) {
		return report
	}

	offset := firstDifference(actual, expected)
	line, col := position(expected, offset)
	detail := fmt.Sprintf("first difference at byte %d (line %d, column %d)", offset, line, col)
	if canon.Equivalent(actual, expected) {
		detail += "; outputs are the same JSON and differ only in formatting"
	}

	udiff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(expected)),
		B:        difflib.SplitLines(string(actual)),
		FromFile: "expected",
		ToFile:   "actual",
		Context:  3,
	})
	if err == nil && udiff != "" {
		detail += "\n" + udiff
	}

	report.Add(Entry{
		Path:     "$",
		Kind:     KindChanged,
		Severity: SeverityBreaking,
		Old:      lineAt(expected, line),
		New:      lineAt(actual, line),
		Detail:   detail,
	})
	return report
}

func firstDifference(a, b []byte) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// position converts a byte offset into a 1-based line and column.
func position(data []byte, offset int) (int, int) {
	if offset > len(data) {
		offset = len(data)
	}
	line := 1 + bytes.Count(data[:offset], []byte("\n"))
	col := offset - bytes.LastIndexByte(data[:offset], '\n')
	return line, col
}

func lineAt(data []byte, line int) string {
	lines := strings.Split(string(data), "\n")
	if line-1 < len(lines) {
		return lines[line-1]
	}
	return ""
}

// CanonicalizeText normalizes output text for golden comparison: CRLF
// becomes LF, trailing whitespace is trimmed from every line, and trailing
// newlines are dropped.
func CanonicalizeText(data []byte) []byte {
	s := strings.ReplaceAll(string(data), "\r\n", "\n")
	s = strings.TrimRight(s, "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\r")
	}
	return []byte(strings.TrimRight(strings.Join(lines, "\n"), "\n"))
}
