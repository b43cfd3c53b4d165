// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/login and /v1/login/challenge to drive the SMS login.
//   - POST /v1/session/reset to discard the session.
//   - GET and DELETE /v1/progress for batch status.
//   - POST /v1/batch/run to trigger a refresh run.
package api
