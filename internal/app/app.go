// Package app initializes and holds the long-lived services of a download
// run and drives one run from plan to report.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/mdscrape/internal/api"
	"github.com/JakeFAU/mdscrape/internal/config"
	"github.com/JakeFAU/mdscrape/internal/download"
	collyfetcher "github.com/JakeFAU/mdscrape/internal/fetcher/colly"
	"github.com/JakeFAU/mdscrape/internal/governor"
	"github.com/JakeFAU/mdscrape/internal/mangadex"
	"github.com/JakeFAU/mdscrape/internal/metrics"
	"github.com/JakeFAU/mdscrape/internal/notify/pubsub"
	"github.com/JakeFAU/mdscrape/internal/plan"
	"github.com/JakeFAU/mdscrape/internal/progress"
	"github.com/JakeFAU/mdscrape/internal/progress/sinks"
	"github.com/JakeFAU/mdscrape/internal/report"
	"github.com/JakeFAU/mdscrape/internal/report/console"
	"github.com/JakeFAU/mdscrape/internal/report/postgres"
	"github.com/JakeFAU/mdscrape/internal/retry"
	"github.com/JakeFAU/mdscrape/internal/scheduler"
	"github.com/JakeFAU/mdscrape/internal/storage/gcs"
	"github.com/JakeFAU/mdscrape/internal/storage/local"
	"github.com/JakeFAU/mdscrape/internal/storage/memory"
	"github.com/JakeFAU/mdscrape/internal/telemetry"
	"github.com/JakeFAU/mdscrape/internal/worker"
)

// Exit codes returned by the fetch command.
const (
	ExitOK       = 0
	ExitFailures = 1
	ExitCanceled = 2
	ExitFatal    = 3
)

const (
	closeTimeout   = 10 * time.Second
	publishTimeout = 30 * time.Second
)

// Request names the resource to download.
type Request struct {
	Mode       plan.Mode
	ResourceID int
	Selection  plan.Options
	// Info prints the plan instead of downloading it.
	Info bool
}

// Result is what a run produced.
type Result struct {
	Plan plan.Plan
	// Report is nil in info mode.
	Report *report.Document
	Code   int
}

// Option customizes App construction.
type Option func(*options)

type options struct {
	out        io.Writer
	version    string
	store      download.BlobStore
	publishers []report.Publisher
	tracerOpts []sdktrace.TracerProviderOption
}

// WithOutput directs the progress line, the summary and info output to w.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

// WithVersion tags traces with the build version.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithStore bypasses storage.backend with an existing store.
func WithStore(s download.BlobStore) Option {
	return func(o *options) { o.store = s }
}

// WithPublisher adds a report publisher after the configured ones.
func WithPublisher(p report.Publisher) Option {
	return func(o *options) { o.publishers = append(o.publishers, p) }
}

// WithTracerOptions is passed through to the tracer provider.
func WithTracerOptions(opts ...sdktrace.TracerProviderOption) Option {
	return func(o *options) { o.tracerOpts = append(o.tracerOpts, opts...) }
}

// App holds the shared services of a run.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	out      io.Writer
	registry *prometheus.Registry
	recorder *metrics.Recorder
	promSink *sinks.PrometheusSink

	governor   *governor.Governor
	transport  download.Transport
	metadata   *mangadex.Client
	builder    *plan.Builder
	store      download.BlobStore
	publishers report.Multi

	closers []func(context.Context) error
}

// New creates and initializes an App from cfg. It fails fast if any
// configured backend cannot be reached. The caller must Close it.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	o := options{out: os.Stdout, version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, out: o.out}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	logger.Info("initializing application services",
		zap.Int("global_threshold", cfg.Scheduler.GlobalThreshold),
		zap.Int("per_origin_threshold", cfg.Scheduler.PerOriginThreshold),
		zap.String("storage_backend", cfg.Storage.Backend))

	tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry, o.version, o.tracerOpts...)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	if tp != nil {
		a.closers = append(a.closers, tp.Shutdown)
	}

	if err := a.initMetrics(); err != nil {
		return nil, err
	}

	govOpts := []governor.Option{governor.WithLogger(logger.Named("governor"))}
	fetchOpts := []collyfetcher.Option{collyfetcher.WithLogger(logger.Named("transport"))}
	retryOpts := []retry.Option{retry.WithLogger(logger.Named("retry"))}
	if a.recorder != nil {
		govOpts = append(govOpts, governor.WithObserver(a.recorder))
		fetchOpts = append(fetchOpts, collyfetcher.WithObserver(a.recorder))
		retryOpts = append(retryOpts, retry.WithObserver(a.recorder))
	}

	a.governor, err = governor.New(governor.Config{
		Global:      cfg.Scheduler.GlobalThreshold,
		PerOrigin:   cfg.Scheduler.PerOriginThreshold,
		OriginRPS:   cfg.Scheduler.OriginRPS,
		OriginBurst: cfg.Scheduler.OriginBurst,
	}, govOpts...)
	if err != nil {
		return nil, fmt.Errorf("init governor: %w", err)
	}

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.Fetch.UserAgent,
		Timeout:     cfg.Fetch.RequestTimeout,
		MaxBodySize: cfg.Fetch.MaxBodyBytes,
	}, fetchOpts...)
	a.transport, err = retry.Wrap(fetcher, cfg.Retry, retryOpts...)
	if err != nil {
		return nil, fmt.Errorf("init retry: %w", err)
	}

	a.metadata, err = mangadex.New(cfg.MangaDex.BaseURL, a.transport, a.governor, logger.Named("mangadex"))
	if err != nil {
		return nil, fmt.Errorf("init metadata client: %w", err)
	}

	var existing fs.FS
	a.store = o.store
	if a.store == nil {
		a.store, existing, err = a.openStore(ctx)
		if err != nil {
			return nil, err
		}
	}
	a.builder = plan.NewBuilder(a.metadata, existing, logger.Named("plan"))

	if err := a.initPublishers(ctx); err != nil {
		return nil, err
	}
	a.publishers = append(a.publishers, o.publishers...)

	logger.Info("application services initialized")
	return a, nil
}

func (a *App) initMetrics() error {
	if !a.cfg.Metrics.Enabled {
		return nil
	}
	a.registry = prometheus.NewRegistry()
	if err := a.registry.Register(collectors.NewGoCollector()); err != nil {
		return fmt.Errorf("register go collector: %w", err)
	}
	rec, err := metrics.New(a.registry)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	a.recorder = rec
	a.promSink, err = sinks.NewPrometheusSink(a.registry)
	if err != nil {
		return fmt.Errorf("init progress metrics: %w", err)
	}
	return nil
}

// openStore returns the page store and, for the local backend, the
// filesystem earlier runs wrote to.
func (a *App) openStore(ctx context.Context) (download.BlobStore, fs.FS, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendLocal:
		store, err := local.New(local.Config{BaseDir: a.cfg.Output.Dir})
		if err != nil {
			return nil, nil, fmt.Errorf("init local storage: %w", err)
		}
		return store, os.DirFS(store.BaseDir()), nil
	case config.BackendGCS:
		store, err := gcs.Dial(ctx, gcs.Config{Bucket: a.cfg.Storage.GCS.Bucket, Prefix: a.cfg.Storage.GCS.Prefix})
		if err != nil {
			return nil, nil, fmt.Errorf("init gcs storage: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		a.logger.Info("using GCS storage", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
		return store, nil, nil
	case config.BackendMemory:
		a.logger.Warn("using in-memory storage; pages are discarded on exit")
		return memory.NewBlobStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend: %s", a.cfg.Storage.Backend)
	}
}

func (a *App) initPublishers(ctx context.Context) error {
	rc := a.cfg.Report
	if rc.JSONPath != "" {
		fw, err := report.NewFileWriter(rc.JSONPath)
		if err != nil {
			return fmt.Errorf("init json report: %w", err)
		}
		a.publishers = append(a.publishers, fw)
	}
	if rc.Postgres.Enabled {
		store, err := postgres.New(ctx, rc.Postgres.Config)
		if err != nil {
			return fmt.Errorf("init postgres report: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { store.Close(); return nil })
		a.publishers = append(a.publishers, store)
	}
	if pc := a.cfg.Notify.PubSub; pc.Enabled {
		pub, err := pubsub.Dial(ctx, pc.Config, a.logger.Named("notify"))
		if err != nil {
			return fmt.Errorf("init pubsub notify: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return pub.Close() })
		a.publishers = append(a.publishers, pub)
	}
	if rc.Console {
		a.publishers = append(a.publishers, console.New(a.out, a.cfg.Progress.NoColor, rc.Verbose))
	}
	return nil
}

// Run plans req and, unless req.Info is set, downloads the plan and
// publishes the report. The returned error is non-nil only for fatal
// conditions; page failures are reflected in Result.Code.
func (a *App) Run(ctx context.Context, req Request) (Result, error) {
	p, err := a.builder.Build(ctx, req.Mode, req.ResourceID, req.Selection)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Code: ExitCanceled}, fmt.Errorf("build plan: %w", err)
		}
		return Result{Code: ExitFatal}, fmt.Errorf("build plan: %w", err)
	}
	if req.Info {
		if err := writeInfo(a.out, p, a.cfg.Progress.NoColor); err != nil {
			return Result{Plan: p, Code: ExitFatal}, err
		}
		return Result{Plan: p, Code: ExitOK}, nil
	}

	hub := progress.NewHub(progress.Config{
		BufferSize:   a.cfg.Progress.BufferSize,
		MaxBatchWait: a.cfg.Progress.MaxBatchWait,
		Logger:       a.logger.Named("progress"),
	}, a.progressSinks()...)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := worker.New(a.governor, a.transport, a.store, hub, nil, worker.Config{
		TargetTimeout:     a.cfg.Fetch.TargetTimeout,
		RateLimitCooldown: a.cfg.Fetch.RateLimitCooldown,
	}, a.logger.Named("worker"))
	sched := scheduler.New(w, hub, nil, a.logger.Named("scheduler"))

	stopServer := a.startStatusServer(runCtx, sched, cancel)
	rep, runErr := sched.Run(runCtx, p.Targets)
	stopServer()

	closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer closeCancel()
	if err := hub.Close(closeCtx); err != nil {
		a.logger.Warn("progress hub did not drain", zap.Error(err))
	}
	if runErr != nil {
		return Result{Plan: p, Code: ExitFatal}, fmt.Errorf("run: %w", runErr)
	}

	doc := report.Document{Mode: string(p.Mode), ResourceID: p.ResourceID, RunReport: rep}
	// A cancelled run still gets its report out.
	pubCtx, pubCancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer pubCancel()
	if err := a.publishers.Publish(pubCtx, doc); err != nil {
		a.logger.Error("report publishing failed", zap.Error(err))
	}
	return Result{Plan: p, Report: &doc, Code: ExitCode(rep)}, nil
}

// ExitCode maps a finished run to a process exit code.
func ExitCode(rep download.RunReport) int {
	switch {
	case rep.Cancelled:
		return ExitCanceled
	case rep.Summary.FailedPermanent > 0:
		return ExitFailures
	default:
		return ExitOK
	}
}

func (a *App) progressSinks() []progress.Sink {
	var out []progress.Sink
	if a.cfg.Progress.Console {
		out = append(out, sinks.NewConsoleSink(a.out, a.cfg.Progress.NoColor))
	}
	if a.cfg.Progress.Log {
		out = append(out, sinks.NewLogSink(a.logger.Named("events")))
	}
	if a.promSink != nil {
		out = append(out, a.promSink)
	}
	return out
}

// startStatusServer serves /metrics and /v1/progress for the duration of a
// run when api.enabled is set. The returned func stops it.
func (a *App) startStatusServer(ctx context.Context, sched *scheduler.Scheduler, cancelRun context.CancelFunc) func() {
	if !a.cfg.API.Enabled {
		return func() {}
	}
	opts := []api.Option{api.WithAdmission(a.governor), api.WithCancel(cancelRun)}
	if a.recorder != nil {
		opts = append(opts, api.WithRecorder(a.recorder))
	}
	var gatherer prometheus.Gatherer = prometheus.NewRegistry()
	if a.registry != nil {
		gatherer = a.registry
	}
	srv := api.NewServer(sched, gatherer, a.logger.Named("api"), opts...)
	srv.SetReady(true)

	srvCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(srvCtx, a.cfg.API.Addr); err != nil {
			a.logger.Error("status server failed", zap.Error(err))
		}
	}()
	return func() {
		stop()
		<-done
	}
}

// Close shuts down every service opened by New, in reverse order.
func (a *App) Close(ctx context.Context) error {
	if a == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, closeTimeout)
	defer cancel()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error closing application services", zap.Error(err))
		return err
	}
	return nil
}

// Registry exposes the metrics registry; nil when metrics are disabled.
func (a *App) Registry() *prometheus.Registry {
	return a.registry
}
