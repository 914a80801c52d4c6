// Package aggregator collects per-target outcomes into a run report.
package aggregator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/mdscrape/internal/download"
)

// Aggregator records exactly one outcome per planned target. Record calls are
// serialized; callers only wait on bookkeeping.
type Aggregator struct {
	mu       sync.Mutex
	slots    map[int]int // target index -> position in outcomes
	outcomes []download.Outcome
	recorded []bool
	summary  download.Summary
}

// New prepares an Aggregator for the given targets. Target indices must be
// unique.
func New(targets []download.Target) (*Aggregator, error) {
	a := &Aggregator{
		slots:    make(map[int]int, len(targets)),
		outcomes: make([]download.Outcome, len(targets)),
		recorded: make([]bool, len(targets)),
	}
	order := make([]int, len(targets))
	for i, t := range targets {
		if _, dup := a.slots[t.Index]; dup {
			return nil, &download.ProgrammingError{Op: "aggregator.New", Msg: fmt.Sprintf("duplicate target index %d", t.Index)}
		}
		a.slots[t.Index] = i
		order[i] = t.Index
	}
	// Slots follow ascending index so Finalize needs no sort.
	sort.Ints(order)
	for pos, idx := range order {
		a.slots[idx] = pos
	}
	a.summary.Total = len(targets)
	return a, nil
}

// Record stores the outcome for its index. Recording an index twice, or an
// index that was never planned, is a programming error.
func (a *Aggregator) Record(o download.Outcome) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	pos, ok := a.slots[o.Index]
	if !ok {
		return &download.ProgrammingError{Op: "aggregator.Record", Msg: fmt.Sprintf("unknown target index %d", o.Index)}
	}
	if a.recorded[pos] {
		return &download.ProgrammingError{Op: "aggregator.Record", Msg: fmt.Sprintf("target index %d recorded twice", o.Index)}
	}
	a.recorded[pos] = true
	a.outcomes[pos] = o
	a.summary.Add(o)
	return nil
}

// Snapshot returns the counters so far.
func (a *Aggregator) Snapshot() download.Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.summary
}

// Finalize returns the outcomes ordered by index. It fails unless every
// target has been recorded.
func (a *Aggregator) Finalize() (download.RunReport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.summary.Recorded != len(a.outcomes) {
		return download.RunReport{}, &download.ProgrammingError{
			Op:  "aggregator.Finalize",
			Msg: fmt.Sprintf("%d of %d targets unresolved", len(a.outcomes)-a.summary.Recorded, len(a.outcomes)),
		}
	}
	return download.RunReport{
		Summary:  a.summary,
		Outcomes: append([]download.Outcome(nil), a.outcomes...),
	}, nil
}
