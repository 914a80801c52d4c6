// Package worker implements the fetch task: one target, one lease, one
// outcome.
package worker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"path"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/mdscrape/internal/download"
	"github.com/JakeFAU/mdscrape/internal/governor"
	"github.com/JakeFAU/mdscrape/internal/progress"
)

const defaultContentType = "application/octet-stream"

var errTimeout = errors.New("timeout")

var tracer = otel.Tracer("github.com/JakeFAU/mdscrape/internal/worker")

// Config controls Worker behavior.
type Config struct {
	// TargetTimeout bounds the transport call of a single target; 0 disables it.
	TargetTimeout time.Duration
	// RateLimitCooldown is imposed on an origin that answers 429.
	RateLimitCooldown time.Duration
}

// Worker runs fetch tasks. It holds no per-target state and is safe for
// concurrent use.
type Worker struct {
	governor  *governor.Governor
	transport download.Transport
	store     download.BlobStore
	emitter   progress.Emitter
	clock     download.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. emitter may be nil.
func New(
	gov *governor.Governor,
	transport download.Transport,
	store download.BlobStore,
	emitter progress.Emitter,
	clock download.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = download.SystemClock{}
	}
	return &Worker{
		governor:  gov,
		transport: transport,
		store:     store,
		emitter:   emitter,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run resolves target to exactly one outcome. It never returns an error:
// failures are captured in the outcome.
func (w *Worker) Run(ctx context.Context, run download.Run, target download.Target) download.Outcome {
	ctx, span := tracer.Start(ctx, "worker.Fetch")
	defer span.End()
	span.SetAttributes(
		attribute.Int("target.index", target.Index),
		attribute.String("target.origin", string(target.Origin)),
	)
	outcome := w.run(ctx, run, target)
	span.SetAttributes(attribute.String("outcome.status", string(outcome.Status)))
	if outcome.FailureKind != "" {
		span.SetAttributes(attribute.String("outcome.failure_kind", string(outcome.FailureKind)))
	}
	progress.Emit(w.emitter, progress.FetchDone(run, w.clock.Now(), outcome))
	return outcome
}

func (w *Worker) run(ctx context.Context, run download.Run, target download.Target) download.Outcome {
	logger := w.logger.With(zap.Int("index", target.Index), zap.String("locator", target.Locator))

	if w.alreadyWritten(ctx, target, logger) {
		logger.Debug("destination exists, skipping", zap.String("destination", target.Destination))
		return download.Skipped(target, download.SkipExists)
	}
	if ctx.Err() != nil {
		return download.Skipped(target, download.SkipCancelled)
	}

	progress.Emit(w.emitter, progress.FetchStarted(run, w.clock.Now(), target))

	body, elapsed, err := w.fetch(ctx, target)
	switch {
	case err == nil:
	case errors.Is(err, download.ErrCancelled):
		logger.Debug("fetch abandoned", zap.Error(err))
		return download.Skipped(target, download.SkipCancelled)
	case errors.Is(err, errTimeout):
		logger.Warn("page fetch timed out", zap.Duration("timeout", w.cfg.TargetTimeout))
		return download.Failure(target, download.FailureTransient, errTimeout.Error())
	default:
		kind := download.Classify(err)
		logger.Warn("page fetch failed", zap.String("kind", string(kind)), zap.Error(err))
		return download.Failure(target, kind, err.Error())
	}

	// The write finishes even if the run is cancelled meanwhile so a fetched
	// page is never left half written.
	writeStart := w.clock.Now()
	location, digest, err := w.persist(context.WithoutCancel(ctx), target, body)
	if err != nil {
		logger.Error("page write failed", zap.String("destination", target.Destination), zap.Error(err))
		return download.Failure(target, download.FailurePermanent, err.Error())
	}
	elapsed += w.clock.Now().Sub(writeStart)
	logger.Debug("page written", zap.String("location", location), zap.Int("bytes", len(body)))
	return download.Success(target, int64(len(body)), elapsed, digest, location)
}

func (w *Worker) alreadyWritten(ctx context.Context, target download.Target, logger *zap.Logger) bool {
	exister, ok := w.store.(download.Exister)
	if !ok {
		return false
	}
	exists, err := exister.Exists(ctx, target.Destination)
	if err != nil {
		logger.Warn("destination check failed", zap.Error(err))
		return false
	}
	return exists
}

// fetch holds the lease for the duration of the transport call only.
// Returned errors wrap download.ErrCancelled when the run was cancelled and
// are errTimeout when the per-target timeout fired.
func (w *Worker) fetch(ctx context.Context, target download.Target) ([]byte, time.Duration, error) {
	lease, err := w.governor.Acquire(ctx, target.Origin)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, fmt.Errorf("%w: %w", download.ErrCancelled, err)
		}
		return nil, 0, &download.TransientError{Err: err}
	}
	defer lease.Release()

	fetchCtx := ctx
	if w.cfg.TargetTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, w.cfg.TargetTimeout)
		defer cancel()
	}

	start := w.clock.Now()
	body, err := w.transport.Fetch(fetchCtx, target.Locator)
	elapsed := w.clock.Now().Sub(start)
	if err == nil {
		return body, elapsed, nil
	}
	switch {
	case ctx.Err() != nil:
		return nil, elapsed, fmt.Errorf("%w: %w", download.ErrCancelled, err)
	case errors.Is(fetchCtx.Err(), context.DeadlineExceeded):
		return nil, elapsed, errTimeout
	}
	if download.IsRateLimited(err) {
		w.governor.Cooldown(target.Origin, w.cfg.RateLimitCooldown)
	}
	return nil, elapsed, err
}

func (w *Worker) persist(ctx context.Context, target download.Target, body []byte) (string, string, error) {
	sum := sha256.Sum256(body)
	location, err := w.store.PutObject(ctx, target.Destination, contentTypeFor(target.Destination), bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("write %s: %w", target.Destination, err)
	}
	return location, hex.EncodeToString(sum[:]), nil
}

func contentTypeFor(destination string) string {
	if ct := mime.TypeByExtension(path.Ext(destination)); ct != "" {
		return ct
	}
	return defaultContentType
}
