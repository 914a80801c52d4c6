// Package download defines the domain types shared by the page download
// pipeline: targets, outcomes, run reports and the collaborator interfaces.
package download

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Origin identifies a distinct upstream host, e.g. "https://s2.mangadex.org".
type Origin string

// OriginOf derives the origin key (lower-cased scheme and host) of a locator.
func OriginOf(locator string) (Origin, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return "", fmt.Errorf("parse locator: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("locator %q has no scheme or host", locator)
	}
	return Origin(strings.ToLower(u.Scheme + "://" + u.Host)), nil
}

// Target is one planned page fetch. Targets are immutable once planned.
type Target struct {
	Origin      Origin `json:"origin"`
	Locator     string `json:"locator"`
	Index       int    `json:"index"`
	Destination string `json:"destination"`
	// Label is a human readable tag such as "ch 12 p 3".
	Label string `json:"label,omitempty"`
}

// Status is the coarse outcome of a target.
type Status string

// Outcome statuses.
const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusSkipped Status = "skipped"
)

// FailureKind separates retryable failures from final ones.
type FailureKind string

// Failure kinds.
const (
	FailureTransient FailureKind = "transient"
	FailurePermanent FailureKind = "permanent"
)

// Skip reasons.
const (
	SkipCancelled = "cancelled"
	SkipExists    = "exists"
)

// Outcome is the single result recorded for a target.
type Outcome struct {
	Index       int           `json:"index"`
	Target      Target        `json:"target"`
	Status      Status        `json:"status"`
	Bytes       int64         `json:"bytes,omitempty"`
	Elapsed     time.Duration `json:"elapsed,omitempty"`
	Digest      string        `json:"digest,omitempty"`
	Location    string        `json:"location,omitempty"`
	FailureKind FailureKind   `json:"failure_kind,omitempty"`
	Message     string        `json:"message,omitempty"`
	SkipReason  string        `json:"skip_reason,omitempty"`
}

// Success builds a successful outcome.
func Success(t Target, size int64, elapsed time.Duration, digest, location string) Outcome {
	return Outcome{
		Index:    t.Index,
		Target:   t,
		Status:   StatusSuccess,
		Bytes:    size,
		Elapsed:  elapsed,
		Digest:   digest,
		Location: location,
	}
}

// Failure builds a failed outcome of the given kind.
func Failure(t Target, kind FailureKind, message string) Outcome {
	return Outcome{
		Index:       t.Index,
		Target:      t,
		Status:      StatusFailure,
		FailureKind: kind,
		Message:     message,
	}
}

// Skipped builds a skipped outcome.
func Skipped(t Target, reason string) Outcome {
	return Outcome{
		Index:      t.Index,
		Target:     t,
		Status:     StatusSkipped,
		SkipReason: reason,
	}
}

// Summary holds the run counters.
type Summary struct {
	Total           int   `json:"total"`
	Recorded        int   `json:"recorded"`
	Succeeded       int   `json:"succeeded"`
	FailedTransient int   `json:"failed_transient"`
	FailedPermanent int   `json:"failed_permanent"`
	Skipped         int   `json:"skipped"`
	Bytes           int64 `json:"bytes"`
}

// Add folds an outcome into the counters.
func (s *Summary) Add(o Outcome) {
	s.Recorded++
	switch o.Status {
	case StatusSuccess:
		s.Succeeded++
		s.Bytes += o.Bytes
	case StatusFailure:
		if o.FailureKind == FailurePermanent {
			s.FailedPermanent++
		} else {
			s.FailedTransient++
		}
	case StatusSkipped:
		s.Skipped++
	}
}

// RunReport is the ordered account of every target of one run.
type RunReport struct {
	RunID      uuid.UUID `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Cancelled  bool      `json:"cancelled"`
	Summary    Summary   `json:"summary"`
	Outcomes   []Outcome `json:"outcomes"`
}

// Failures returns the failed outcomes in report order.
func (r RunReport) Failures() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Status == StatusFailure {
			out = append(out, o)
		}
	}
	return out
}

// Run identifies the run a task belongs to. It is passed explicitly from the
// scheduler to each task.
type Run struct {
	ID        uuid.UUID
	StartedAt time.Time
}
