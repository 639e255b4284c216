// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /api/v1/musics/crawl runs a crawl and persists the records.
//   - POST /api/v1/musics/patch materializes media for records still missing it.
//   - GET /api/v1/musics pages through stored records by category.
//   - GET /api/v1/runs/latest reports the most recent crawl or patch run.
package api
