package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/roach88/context-compat/internal/compare"
	"github.com/roach88/context-compat/internal/harness"
)

// Color palette.
var (
	titleColor   = lipgloss.Color("#7C3AED") // Purple
	passedColor  = lipgloss.Color("#10B981") // Green
	skippedColor = lipgloss.Color("#F59E0B") // Amber
	failedColor  = lipgloss.Color("#EF4444") // Red
	mutedColor   = lipgloss.Color("#6B7280") // Gray
)

// styles are bound to the output writer, so color is only emitted when w
// is a terminal that supports it.
type styles struct {
	title   lipgloss.Style
	passed  lipgloss.Style
	failed  lipgloss.Style
	skipped lipgloss.Style
	muted   lipgloss.Style
}

func newStyles(w io.Writer) styles {
	re := lipgloss.NewRenderer(w)
	return styles{
		title:   re.NewStyle().Bold(true).Foreground(titleColor),
		passed:  re.NewStyle().Foreground(passedColor),
		failed:  re.NewStyle().Bold(true).Foreground(failedColor),
		skipped: re.NewStyle().Foreground(skippedColor),
		muted:   re.NewStyle().Foreground(mutedColor),
	}
}

func (s styles) status(st harness.Status) string {
	switch st {
	case harness.StatusPassed:
		return s.passed.Render(string(st))
	case harness.StatusFailed:
		return s.failed.Render(string(st))
	case harness.StatusSkipped:
		return s.skipped.Render(string(st))
	default:
		return string(st)
	}
}

const reasonWidth = 60

func renderText(w io.Writer, r *harness.SuiteReport) error {
	st := newStyles(w)
	var b strings.Builder

	fmt.Fprintf(&b, "%s (contract %s)\n", st.title.Render("Run "+r.RunID), r.ContractVersion)
	fmt.Fprintf(&b, "Started %s, took %s\n", r.StartedAt.UTC().Format(time.RFC3339), round(r.Duration))
	fmt.Fprintf(&b, "Targets: cli=%s server=%s previous=%s\n\n",
		targetPath(st, r.Targets.CLI), targetPath(st, r.Targets.Server), targetPath(st, r.Targets.Previous))

	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Case", "Status", "Category", "Duration", "Reason"})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 5, WidthMax: reasonWidth},
	})
	for _, o := range r.Outcomes {
		tw.AppendRow(table.Row{o.Name(), st.status(o.Status), string(o.Category), round(o.Duration), o.Reason})
	}
	b.WriteString(tw.Render())
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "%s, %s, %s, %d total\n",
		st.passed.Render(fmt.Sprintf("%d passed", r.Passed)),
		st.failed.Render(fmt.Sprintf("%d failed", r.Failed)),
		st.skipped.Render(fmt.Sprintf("%d skipped", r.Skipped)),
		r.Total)

	if failures := r.Failures(); len(failures) > 0 {
		fmt.Fprintf(&b, "\n%s\n", st.title.Render("Failures"))
		for _, o := range failures {
			writeFailure(&b, st, o)
		}
	}

	var noted []harness.Outcome
	for _, o := range r.Outcomes {
		if len(o.Informational) > 0 {
			noted = append(noted, o)
		}
	}
	if len(noted) > 0 {
		fmt.Fprintf(&b, "\n%s\n", st.title.Render("Informational differences"))
		for _, o := range noted {
			fmt.Fprintf(&b, "\n%s\n", o.Name())
			for _, e := range o.Informational {
				writeEntry(&b, st, e)
			}
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writeFailure(b *strings.Builder, st styles, o harness.Outcome) {
	fmt.Fprintf(b, "\n%s [%s]\n", st.failed.Render(o.Name()), o.Category)
	if o.Reason != "" {
		for _, line := range strings.Split(o.Reason, "\n") {
			fmt.Fprintf(b, "  %s\n", line)
		}
	}
	if o.Diff != nil {
		for _, e := range o.Diff.Breaking() {
			writeEntry(b, st, e)
		}
	}
	for _, v := range o.Violations {
		fmt.Fprintf(b, "  violation %s\n", v)
	}
}

// writeEntry prints one difference; a multi-line detail is printed in full
// below it.
func writeEntry(b *strings.Builder, st styles, e compare.Entry) {
	fmt.Fprintf(b, "  %s\n", e)
	lines := strings.Split(e.Detail, "\n")
	if len(lines) < 2 {
		return
	}
	for _, line := range lines[1:] {
		fmt.Fprintf(b, "    %s\n", st.muted.Render(line))
	}
}

func targetPath(st styles, p string) string {
	if p == "" {
		return st.muted.Render("(not configured)")
	}
	return p
}

func round(d time.Duration) time.Duration {
	return d.Round(time.Millisecond)
}

// WriteDiff writes every entry of d, one per line, with multi-line details
// in full.
func WriteDiff(w io.Writer, d *compare.Report) error {
	st := newStyles(w)
	var b strings.Builder
	if d.Len() == 0 {
		b.WriteString("no differences\n")
	} else {
		for _, e := range d.Entries {
			writeEntry(&b, st, e)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
