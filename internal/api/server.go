package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/mdscrape/internal/download"
	"github.com/JakeFAU/mdscrape/internal/metrics"
)

const (
	requestTimeout  = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Config controls the status listener.
type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ProgressSource reports the counters of the current run. scheduler.Scheduler
// satisfies it.
type ProgressSource interface {
	Progress() download.Summary
}

// AdmissionStats reports governor occupancy. governor.Governor satisfies it.
type AdmissionStats interface {
	TotalInFlight() int
	Pools() int
}

// Option customizes a Server.
type Option func(*Server)

// WithAdmission adds governor occupancy to the progress response.
func WithAdmission(a AdmissionStats) Option {
	return func(s *Server) { s.admission = a }
}

// WithCancel enables POST /v1/cancel.
func WithCancel(cancel context.CancelFunc) Option {
	return func(s *Server) { s.cancel = cancel }
}

// WithRecorder records request metrics for every route.
func WithRecorder(r *metrics.Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// Server serves health, metrics and run progress.
type Server struct {
	router    chi.Router
	progress  ProgressSource
	admission AdmissionStats
	gatherer  prometheus.Gatherer
	recorder  *metrics.Recorder
	cancel    context.CancelFunc
	logger    *zap.Logger
	ready     atomic.Bool
	cancelled atomic.Bool
}

// NewServer constructs a Server with middleware and routes.
func NewServer(progress ProgressSource, gatherer prometheus.Gatherer, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		progress: progress,
		gatherer: gatherer,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	if s.recorder != nil {
		r.Use(s.recorder.Middleware)
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(s.gatherer))
	r.Route("/v1", func(r chi.Router) {
		r.Get("/progress", s.getProgress)
		r.Post("/cancel", s.cancelRun)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetReady flips /readyz. The app marks the server ready once the run starts.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server started", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeError(w, http.StatusServiceUnavailable, "run not started")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type progressResponse struct {
	Summary   download.Summary `json:"summary"`
	Done      bool             `json:"done"`
	Cancelled bool             `json:"cancel_requested"`
	InFlight  *int             `json:"in_flight,omitempty"`
	Origins   *int             `json:"origins,omitempty"`
}

func (s *Server) getProgress(w http.ResponseWriter, _ *http.Request) {
	if s.progress == nil {
		writeError(w, http.StatusServiceUnavailable, "no run attached")
		return
	}
	sum := s.progress.Progress()
	resp := progressResponse{
		Summary:   sum,
		Done:      sum.Total > 0 && sum.Recorded == sum.Total,
		Cancelled: s.cancelled.Load(),
	}
	if s.admission != nil {
		inFlight, origins := s.admission.TotalInFlight(), s.admission.Pools()
		resp.InFlight = &inFlight
		resp.Origins = &origins
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	if s.cancel == nil {
		writeError(w, http.StatusNotImplemented, "cancellation not enabled")
		return
	}
	if s.cancelled.CompareAndSwap(false, true) {
		s.logger.Warn("run cancelled via status server", zap.String("request_id", middleware.GetReqID(r.Context())))
		s.cancel()
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
