package app

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/JakeFAU/mdscrape/internal/plan"
)

// writeInfo prints the chapters of p and where each page would be written.
func writeInfo(out io.Writer, p plan.Plan, noColor bool) error {
	head := color.New(color.Bold)
	faint := color.New(color.Faint)
	if noColor {
		head.DisableColor()
		faint.DisableColor()
	}

	if _, err := fmt.Fprintln(out, head.Sprintf("%s %d: %d chapters, %d pages", p.Mode, p.ResourceID, len(p.Chapters), len(p.Targets))); err != nil {
		return fmt.Errorf("write info: %w", err)
	}
	next := 0
	for _, ch := range p.Chapters {
		line := fmt.Sprintf("  %d  vol %s ch %s [%s] %q, %d pages", ch.ID, orDash(ch.Volume), orDash(ch.Chapter), ch.Lang, ch.Title, ch.Pages)
		if ch.Dir != "" {
			line += " -> " + ch.Dir
		}
		if ch.Reused {
			line += faint.Sprint(" (existing)")
		}
		if _, err := fmt.Fprintln(out, line); err != nil {
			return fmt.Errorf("write info: %w", err)
		}
		for _, t := range p.Targets[next : next+ch.Pages] {
			if _, err := fmt.Fprintln(out, faint.Sprintf("      %4d  %s  %s", t.Index, t.Destination, t.Locator)); err != nil {
				return fmt.Errorf("write info: %w", err)
			}
		}
		next += ch.Pages
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
