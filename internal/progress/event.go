package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/mdscrape/internal/download"
)

// Stage denotes the lifecycle milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageRunStart   Stage = "RUN_START"
	StageFetchStart Stage = "FETCH_START"
	StageFetchDone  Stage = "FETCH_DONE"
	StageRunDone    Stage = "RUN_DONE"
)

// Event captures a single step of a download run.
type Event struct {
	// RunID identifies the run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Origin scopes fetch events to an upstream host.
	Origin  string
	Locator string
	// Index is the target index for fetch events.
	Index int
	// Total is the number of planned targets, set on run events.
	Total int
	Bytes int64
	// Status and FailureKind mirror the outcome on FETCH_DONE.
	Status      download.Status
	FailureKind download.FailureKind
	Dur         time.Duration
	// Note carries low-volume context such as a failure message.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StageFetchStart:
		if e.Origin == "" {
			return errors.New("fetch start requires origin")
		}
	case StageFetchDone:
		if e.Origin == "" {
			return errors.New("fetch done requires origin")
		}
		if e.Status == "" {
			return errors.New("fetch done requires status")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID back to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// FetchStarted builds the FETCH_START event for target.
func FetchStarted(run download.Run, ts time.Time, target download.Target) Event {
	return Event{
		RunID:   run.ID,
		TS:      ts,
		Stage:   StageFetchStart,
		Origin:  string(target.Origin),
		Locator: target.Locator,
		Index:   target.Index,
	}
}

// FetchDone builds the FETCH_DONE event for an outcome.
func FetchDone(run download.Run, ts time.Time, o download.Outcome) Event {
	note := o.Message
	if o.Status == download.StatusSkipped {
		note = o.SkipReason
	}
	return Event{
		RunID:       run.ID,
		TS:          ts,
		Stage:       StageFetchDone,
		Origin:      string(o.Target.Origin),
		Locator:     o.Target.Locator,
		Index:       o.Index,
		Bytes:       o.Bytes,
		Status:      o.Status,
		FailureKind: o.FailureKind,
		Dur:         o.Elapsed,
		Note:        note,
	}
}
