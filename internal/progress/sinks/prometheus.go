package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/mdscrape/internal/download"
	"github.com/JakeFAU/mdscrape/internal/progress"
)

// PrometheusSink exports run and page counters derived from progress events.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted prometheus.Counter
	runDuration   prometheus.Histogram
	pagesPlanned  prometheus.Counter

	fetchOutcomes *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdscrape_runs_started_total",
			Help: "Download runs started.",
		}),
		runsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdscrape_runs_completed_total",
			Help: "Download runs completed.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mdscrape_run_duration_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		pagesPlanned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdscrape_pages_planned_total",
			Help: "Pages handed to the scheduler.",
		}),
		fetchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdscrape_page_outcomes_total",
			Help: "Page outcomes partitioned by origin, status and failure kind.",
		}, []string{"origin", "status", "kind"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdscrape_page_bytes_total",
			Help: "Page bytes written per origin.",
		}, []string{"origin"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mdscrape_page_fetch_duration_seconds",
			Help:    "Page fetch duration partitioned by origin and status.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"origin", "status"}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runDuration,
		s.pagesPlanned,
		s.fetchOutcomes,
		s.fetchBytes,
		s.fetchDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
			s.pagesPlanned.Add(float64(evt.Total))
		case progress.StageRunDone:
			s.runsCompleted.Inc()
			if evt.Dur > 0 {
				s.runDuration.Observe(evt.Dur.Seconds())
			}
		case progress.StageFetchDone:
			s.handleFetchDone(evt)
		}
	}
	return nil
}

func (s *PrometheusSink) handleFetchDone(evt progress.Event) {
	origin := evt.Origin
	if origin == "" {
		origin = "unknown"
	}
	status := string(evt.Status)
	s.fetchOutcomes.WithLabelValues(origin, status, string(evt.FailureKind)).Inc()
	if evt.Status != download.StatusSuccess {
		return
	}
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(origin).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(origin, status).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
