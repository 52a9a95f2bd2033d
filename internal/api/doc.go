// Package api hosts the HTTP server, middleware, and REST handlers for
// sessions. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/sessions for creating, inspecting, embedding, cancelling, and
//     querying sessions.
package api
