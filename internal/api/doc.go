// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for liveness and store readiness.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/sources, GET /v1/sources/due to manage crawl seeds.
//   - POST /v1/ingest to classify and save a text document.
//   - POST /v1/verify to start a verification run and GET /v1/runs/{run_id}
//     to follow it.
//   - POST /v1/pending/promote to re-probe parked subscriptions.
package api
