// Package api hosts the admin HTTP server used in serve mode. Routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to start a discover or refresh run.
//   - GET /v1/runs and /v1/runs/{run_id} for run summaries.
//   - GET /v1/sources for the active source names.
package api
