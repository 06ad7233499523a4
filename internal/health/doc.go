// Package health provides the supervisor's ambient observability
// surface: a liveness/readiness HTTP endpoint, per-component status
// aggregation, and the process-wide Prometheus collectors (module state
// from the module supervisor, free space from the disk guard).
//
// The HTTP server is a thin delegate: every health decision lives in
// HealthAPI implementations, none in the handlers.
//
// Endpoints (paths configurable):
//   - /healthz: basic status (healthy/degraded/unhealthy)
//   - /healthz/detailed: per-component breakdown
//   - /healthz/ready, /healthz/live: orchestration probes
//   - /metrics: Prometheus exposition
package health
