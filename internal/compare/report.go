package compare

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind describes what happened at a path.
type Kind string

const (
	KindAdded   Kind = "added"
	KindRemoved Kind = "removed"
	KindChanged Kind = "changed"
)

// Severity decides whether a difference fails a check.
type Severity string

const (
	SeverityBreaking      Severity = "breaking"
	SeverityInformational Severity = "informational"
)

// Entry is one difference between two outputs.
//
// Old and New hold the decoded JSON values at Path (absent when the side
// has nothing there). Detail is a short human explanation.
type Entry struct {
	Path     string   `json:"path" msgpack:"path" yaml:"path"`
	Kind     Kind     `json:"kind" msgpack:"kind" yaml:"kind"`
	Severity Severity `json:"severity" msgpack:"severity" yaml:"severity"`
	Old      any      `json:"old,omitempty" msgpack:"old,omitempty" yaml:"old,omitempty"`
	New      any      `json:"new,omitempty" msgpack:"new,omitempty" yaml:"new,omitempty"`
	Detail   string   `json:"detail,omitempty" msgpack:"detail,omitempty" yaml:"detail,omitempty"`
}

// Report is an ordered list of differences. Entry order follows the
// deterministic tree walk, so the same inputs always give the same report.
type Report struct {
	Entries []Entry `json:"entries" msgpack:"entries" yaml:"entries"`
}

// Add appends an entry.
func (r *Report) Add(e Entry) {
	r.Entries = append(r.Entries, e)
}

// Len returns the number of entries.
func (r *Report) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Entries)
}

// Breaking returns the breaking entries in report order.
func (r *Report) Breaking() []Entry {
	return r.filter(SeverityBreaking)
}

// Informational returns the informational entries in report order.
func (r *Report) Informational() []Entry {
	return r.filter(SeverityInformational)
}

// HasBreaking reports whether any entry is breaking.
func (r *Report) HasBreaking() bool {
	return len(r.Breaking()) > 0
}

func (r *Report) filter(s Severity) []Entry {
	if r == nil {
		return nil
	}
	var out []Entry
	for _, e := range r.Entries {
		if e.Severity == s {
			out = append(out, e)
		}
	}
	return out
}

// String renders the report one entry per line.
func (r *Report) String() string {
	if r.Len() == 0 {
		return "no differences"
	}
	var b strings.Builder
	for i, e := range r.Entries {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(e.String())
	}
	return b.String()
}

// String renders a single entry.
func (e Entry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s", e.Severity, e.Kind, e.Path)
	switch e.Kind {
	case KindAdded:
		fmt.Fprintf(&b, ": %s", formatValue(e.New))
	case KindRemoved:
		fmt.Fprintf(&b, ": %s", formatValue(e.Old))
	case KindChanged:
		if e.Old != nil || e.New != nil {
			fmt.Fprintf(&b, ": %s -> %s", formatValue(e.Old), formatValue(e.New))
		}
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, " (%s)", firstLine(e.Detail))
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// formatValue renders a decoded JSON value compactly, truncating long ones.
func formatValue(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	const max = 80
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
