// Package api hosts the HTTP server, middleware, and REST handlers of the
// serve command. Notable routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to start a scrape in the background.
//   - GET /v1/runs/latest and /v1/runs/latest/report.csv for the last run.
package api
