package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// APIHeaders marks every response as uncacheable JSON that must not be
// framed or sniffed.
func APIHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Cache-Control", "no-store")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Cross-Origin-Resource-Policy", "same-origin")
		next.ServeHTTP(w, r)
	})
}

// BundleInfo reports the active bundle.
type BundleInfo interface {
	ActiveHash() string
}

// BundleHeaders adds X-Bundle-Hash with the bundle active when the request
// started, and tags the span with it.
func BundleHeaders(bi BundleInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hash := bi.ActiveHash(); hash != "" {
				w.Header().Set("X-Bundle-Hash", hash)
				if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
					span.SetAttributes(attribute.String("ota.bundle.hash", hash))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
