// Package metrics exposes Prometheus collectors for admission control, the
// page transport and the status HTTP server.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns the collectors. It satisfies governor.Observer and the
// observer hooks of the transport and retry packages.
type Recorder struct {
	permitWait *prometheus.HistogramVec
	inFlight   *prometheus.GaugeVec
	cooldowns  *prometheus.CounterVec

	transportRequests *prometheus.CounterVec
	transportRetries  *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers the collectors against reg.
func New(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		permitWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mdscrape_permit_wait_seconds",
			Help:    "Time spent waiting for a global and origin permit.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"origin"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mdscrape_leases_in_flight",
			Help: "Leases currently held per origin.",
		}, []string{"origin"}),
		cooldowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdscrape_origin_cooldowns_total",
			Help: "Cooldowns imposed on an origin after rate limiting.",
		}, []string{"origin"}),
		transportRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdscrape_transport_requests_total",
			Help: "Transport requests by origin and HTTP status code (0 when no response).",
		}, []string{"origin", "code"}),
		transportRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdscrape_transport_retries_total",
			Help: "Retries scheduled after transient transport failures.",
		}, []string{"origin"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdscrape_http_requests_total",
			Help: "Status server requests by method and code.",
		}, []string{"method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mdscrape_http_request_duration_seconds",
			Help:    "Status server latency by method and route.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method", "route"}),
	}
	for _, c := range []prometheus.Collector{
		r.permitWait, r.inFlight, r.cooldowns,
		r.transportRequests, r.transportRetries,
		r.httpRequests, r.httpDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics collector: %w", err)
		}
	}
	return r, nil
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObservePermitWait records how long an Acquire call blocked.
func (r *Recorder) ObservePermitWait(origin string, wait time.Duration) {
	r.permitWait.WithLabelValues(origin).Observe(wait.Seconds())
}

// LeaseAcquired increments the in-flight gauge.
func (r *Recorder) LeaseAcquired(origin string) {
	r.inFlight.WithLabelValues(origin).Inc()
}

// LeaseReleased decrements the in-flight gauge.
func (r *Recorder) LeaseReleased(origin string) {
	r.inFlight.WithLabelValues(origin).Dec()
}

// ObserveCooldown counts a cooldown.
func (r *Recorder) ObserveCooldown(origin string, _ time.Duration) {
	r.cooldowns.WithLabelValues(origin).Inc()
}

// ObserveRequest counts one transport round trip.
func (r *Recorder) ObserveRequest(origin string, code int) {
	r.transportRequests.WithLabelValues(origin, strconv.Itoa(code)).Inc()
}

// ObserveRetry counts a retry.
func (r *Recorder) ObserveRetry(origin string, _ int, _ error) {
	r.transportRetries.WithLabelValues(origin).Inc()
}

// Middleware is a chi middleware that records status server requests.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, req)

		route := "unknown"
		if rc := chi.RouteContext(req.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		r.httpRequests.WithLabelValues(req.Method, strconv.Itoa(ww.status)).Inc()
		r.httpDuration.WithLabelValues(req.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
