// Package api hosts the HTTP server, middleware, and REST handlers used by the
// dashboard and operators. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/pages/{page_id}/analyze to trigger a manual analysis.
//   - GET /v1/jobs/{job_id} and POST /v1/jobs/{job_id}/cancel for job control.
//   - GET /v1/pages/{page_id}/analyses/{date} to read a stored daily analysis.
package api
