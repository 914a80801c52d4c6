// Package scheduler fans a planned target list out to fetch tasks and
// collects one outcome per target into a run report.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/mdscrape/internal/aggregator"
	"github.com/JakeFAU/mdscrape/internal/download"
	"github.com/JakeFAU/mdscrape/internal/progress"
	"github.com/JakeFAU/mdscrape/internal/telemetry"
)

var tracer = otel.Tracer("github.com/JakeFAU/mdscrape/internal/scheduler")

// Runner executes one fetch task. worker.Worker satisfies it.
type Runner interface {
	Run(ctx context.Context, run download.Run, target download.Target) download.Outcome
}

// Scheduler starts one task per target without waiting on earlier ones; the
// runner's admission control bounds how many actually execute.
type Scheduler struct {
	runner  Runner
	emitter progress.Emitter
	clock   download.Clock
	logger  *zap.Logger
	newID   func() uuid.UUID

	current atomic.Pointer[aggregator.Aggregator]
}

// New constructs a Scheduler. emitter may be nil.
func New(runner Runner, emitter progress.Emitter, clock download.Clock, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = download.SystemClock{}
	}
	return &Scheduler{
		runner:  runner,
		emitter: emitter,
		clock:   clock,
		logger:  logger,
		newID:   uuid.New,
	}
}

// Progress returns the counters of the run in progress, or of the last run.
func (s *Scheduler) Progress() download.Summary {
	if agg := s.current.Load(); agg != nil {
		return agg.Snapshot()
	}
	return download.Summary{}
}

// Run resolves every target exactly once. Target failures are reported in
// the returned report, not as an error; an error means an invariant was
// broken (duplicate indices, an outcome recorded twice) and no report is
// produced. When ctx is cancelled no further tasks start, in-flight tasks
// stop at their next wait, and unstarted targets are recorded as
// Skipped("cancelled").
func (s *Scheduler) Run(ctx context.Context, targets []download.Target) (download.RunReport, error) {
	agg, err := aggregator.New(targets)
	if err != nil {
		return download.RunReport{}, fmt.Errorf("plan targets: %w", err)
	}
	s.current.Store(agg)

	run := download.Run{ID: s.newID(), StartedAt: s.clock.Now()}
	ctx, span := tracer.Start(ctx, "scheduler.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", run.ID.String()),
		attribute.Int("run.targets", len(targets)),
	)
	logger := s.logger.With(zap.Stringer("run_id", run.ID))
	if traceID := telemetry.TraceID(ctx); traceID != "" {
		logger = logger.With(zap.String("trace_id", traceID))
	}
	logger.Info("run started", zap.Int("targets", len(targets)))
	progress.Emit(s.emitter, progress.Event{
		RunID: run.ID,
		TS:    run.StartedAt,
		Stage: progress.StageRunStart,
		Total: len(targets),
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg        sync.WaitGroup
		fatalOnce sync.Once
		fatal     error
	)
	record := func(o download.Outcome) {
		if err := agg.Record(o); err != nil {
			fatalOnce.Do(func() {
				fatal = err
				cancel()
			})
		}
	}

	spawned := 0
	for _, target := range targets {
		if runCtx.Err() != nil {
			break
		}
		spawned++
		wg.Add(1)
		go func() {
			defer wg.Done()
			record(s.runner.Run(runCtx, run, target))
		}()
	}
	for _, target := range targets[spawned:] {
		record(download.Skipped(target, download.SkipCancelled))
	}
	wg.Wait()

	if fatal != nil {
		logger.Error("run aborted", zap.Error(fatal))
		span.RecordError(fatal)
		span.SetStatus(codes.Error, "outcome recording failed")
		return download.RunReport{}, fmt.Errorf("record outcome: %w", fatal)
	}
	report, err := agg.Finalize()
	if err != nil {
		return download.RunReport{}, fmt.Errorf("finalize run: %w", err)
	}
	report.RunID = run.ID
	report.StartedAt = run.StartedAt
	report.FinishedAt = s.clock.Now()
	report.Cancelled = ctx.Err() != nil && interrupted(report.Outcomes)
	span.SetAttributes(
		attribute.Int("run.succeeded", report.Summary.Succeeded),
		attribute.Int("run.failed", report.Summary.FailedTransient+report.Summary.FailedPermanent),
		attribute.Bool("run.cancelled", report.Cancelled),
	)

	progress.Emit(s.emitter, progress.Event{
		RunID: run.ID,
		TS:    report.FinishedAt,
		Stage: progress.StageRunDone,
		Total: len(targets),
		Dur:   report.FinishedAt.Sub(report.StartedAt),
	})
	logger.Info("run finished",
		zap.Int("succeeded", report.Summary.Succeeded),
		zap.Int("failed_transient", report.Summary.FailedTransient),
		zap.Int("failed_permanent", report.Summary.FailedPermanent),
		zap.Int("skipped", report.Summary.Skipped),
		zap.Bool("cancelled", report.Cancelled))
	return report, nil
}

// interrupted reports whether cancellation left any target unfetched. A
// signal that lands after the last task finished does not count.
func interrupted(outcomes []download.Outcome) bool {
	for _, o := range outcomes {
		if o.Status == download.StatusSkipped && o.SkipReason == download.SkipCancelled {
			return true
		}
	}
	return false
}
