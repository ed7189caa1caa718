// Package httpapi exposes the run coordinator over HTTP. Triggers enter via
// POST /api/submit, run outcomes are observed via GET /api/runs/{id}, and the
// queue endpoints expose depth and abort for operational tooling.
package httpapi
