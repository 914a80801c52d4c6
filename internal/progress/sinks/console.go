package sinks

import (
	"context"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/fatih/color"

	"github.com/JakeFAU/mdscrape/internal/download"
	"github.com/JakeFAU/mdscrape/internal/progress"
)

// ConsoleSink prints one line per finished page, e.g.
//
//	[  3/120] ok      0003.png 182.4 KiB
type ConsoleSink struct {
	mu    sync.Mutex
	out   io.Writer
	total int
	done  int

	ok   *color.Color
	fail *color.Color
	skip *color.Color
}

// NewConsoleSink writes to out. Colors are disabled when noColor is set.
func NewConsoleSink(out io.Writer, noColor bool) *ConsoleSink {
	s := &ConsoleSink{
		out:  out,
		ok:   color.New(color.FgGreen),
		fail: color.New(color.FgRed, color.Bold),
		skip: color.New(color.FgYellow),
	}
	if noColor {
		for _, c := range []*color.Color{s.ok, s.fail, s.skip} {
			c.DisableColor()
		}
	}
	return s
}

// Consume prints FETCH_DONE events and tracks the run total.
func (s *ConsoleSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.total = evt.Total
			s.done = 0
		case progress.StageFetchDone:
			s.done++
			if err := s.printLine(evt); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *ConsoleSink) printLine(evt progress.Event) error {
	width := len(fmt.Sprint(s.total))
	counter := fmt.Sprintf("[%*d/%d]", width, s.done, s.total)
	name := path.Base(evt.Locator)
	var tag, detail string
	switch evt.Status {
	case download.StatusSuccess:
		tag = s.ok.Sprintf("%-7s", "ok")
		detail = humanBytes(evt.Bytes)
	case download.StatusSkipped:
		tag = s.skip.Sprintf("%-7s", "skip")
		detail = evt.Note
	default:
		tag = s.fail.Sprintf("%-7s", "fail")
		detail = fmt.Sprintf("%s: %s", evt.FailureKind, evt.Note)
	}
	if _, err := fmt.Fprintf(s.out, "%s %s %s %s\n", counter, tag, name, detail); err != nil {
		return fmt.Errorf("write progress line: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *ConsoleSink) Close(context.Context) error {
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
