// Package api hosts the optional status server that runs alongside a
// download run. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/progress for the live run counters.
//   - POST /v1/cancel to stop the run; outstanding pages end as skipped.
package api
