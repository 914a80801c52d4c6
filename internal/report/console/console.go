// Package console prints the end-of-run summary for a terminal.
package console

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/JakeFAU/mdscrape/internal/report"
)

// maxListedFailures caps the failure list unless verbose.
const maxListedFailures = 20

// Summary writes a short human readable account of a run.
type Summary struct {
	out     io.Writer
	bold    *color.Color
	good    *color.Color
	bad     *color.Color
	warn    *color.Color
	faint   *color.Color
	verbose bool
}

// New returns a Summary writing to out. verbose lists every failure.
func New(out io.Writer, noColor, verbose bool) *Summary {
	s := &Summary{
		out:     out,
		bold:    color.New(color.Bold),
		good:    color.New(color.FgGreen),
		bad:     color.New(color.FgRed),
		warn:    color.New(color.FgYellow),
		faint:   color.New(color.Faint),
		verbose: verbose,
	}
	if noColor {
		for _, c := range []*color.Color{s.bold, s.good, s.bad, s.warn, s.faint} {
			c.DisableColor()
		}
	}
	return s
}

// Publish implements report.Publisher.
func (s *Summary) Publish(_ context.Context, doc report.Document) error {
	sum := doc.Summary
	elapsed := doc.FinishedAt.Sub(doc.StartedAt).Round(time.Millisecond)

	lines := []string{
		s.bold.Sprintf("%s %d: %d pages in %s", doc.Mode, doc.ResourceID, sum.Total, elapsed),
		fmt.Sprintf("  %s  %s  %s  %s",
			s.good.Sprintf("%d ok", sum.Succeeded),
			s.bad.Sprintf("%d failed", sum.FailedPermanent+sum.FailedTransient),
			s.warn.Sprintf("%d skipped", sum.Skipped),
			s.faint.Sprintf("%s written", humanBytes(sum.Bytes))),
	}
	if doc.Cancelled {
		lines = append(lines, s.warn.Sprint("  run was cancelled; unfinished pages were skipped"))
	}

	failures := doc.Failures()
	limit := len(failures)
	if !s.verbose && limit > maxListedFailures {
		limit = maxListedFailures
	}
	for _, f := range failures[:limit] {
		lines = append(lines, fmt.Sprintf("  %s %s %s %s",
			s.bad.Sprintf("%-9s", f.FailureKind),
			f.Target.Destination,
			s.faint.Sprint(f.Target.Locator),
			f.Message))
	}
	if rest := len(failures) - limit; rest > 0 {
		lines = append(lines, s.faint.Sprintf("  ... and %d more, see the JSON report", rest))
	}

	for _, line := range lines {
		if _, err := fmt.Fprintln(s.out, line); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}
	return nil
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
