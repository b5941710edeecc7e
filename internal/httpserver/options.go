package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-ota/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-ota/internal/log"
)

type Options struct {
	Logger log.Logger

	// Addr is the listen IP; the bridge binds loopback by default.
	Addr string
	Port int

	// MaxBodyBytes caps JSON request bodies.
	MaxBodyBytes int64

	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler

	// Bundle, when set, adds X-Bundle-Hash to responses.
	Bundle httpmw.BundleInfo

	// APIRoutes mounts the bridge endpoints.
	APIRoutes func(r chi.Router)
}
