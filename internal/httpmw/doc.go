// Package httpmw provides HTTP middleware for the bridge API.
//
// The chain is assembled in httpserver.NewHandler, outermost first:
// recover, API headers, request ID, peer IP, rate limiting, OTEL tracing,
// bundle headers, metrics, request-scoped logging, and the chi router.
//
// Request bodies and query strings are never logged. Install and extract
// requests carry local file paths that belong to the host application.
package httpmw
