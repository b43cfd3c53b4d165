// Package main hosts the notewatch service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, login, progress, and manual-run endpoints.
//   - Session: internal/session.Manager drives the SMS login in a headless browser and hands one authenticated
//     browser context to the search engine. Every transition to authenticated signals the server loop.
//   - Search: internal/crawler.Engine types progressively shorter keywords into the site search and intercepts the
//     search API response, decoding the note cards into engagement metrics.
//   - Batch: internal/batch.Orchestrator refreshes every tracked note one application at a time, a few notes at
//     once, keeping a TTL'd progress record in the ProgressStore (memory or Redis).
//   - Persistence & fanout: applications and notes live in Postgres (or memory); owner notifications go to Pub/Sub
//     (or memory); matched search payloads are optionally archived to GCS or a local directory.
//
// Quick checklist:
//   - Configure env vars: NOTEWATCH_SERVER_PORT, NOTEWATCH_DB_BACKEND/NOTEWATCH_DB_DSN,
//     NOTEWATCH_PROGRESS_BACKEND/NOTEWATCH_PROGRESS_REDIS_URL, NOTEWATCH_NOTIFY_* and NOTEWATCH_ARCHIVE_*.
//   - Run locally: go run ./cmd/notewatch serve --config config.yaml
//   - Log in: POST /v1/login {"phone": "..."} then POST /v1/login/challenge {"code": "..."}.
package main
