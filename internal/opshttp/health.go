package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-ota/internal/probe"
)

// probeHandler answers 200 with okBody when p passes (or is nil) and 503
// with the failure reason otherwise.
func probeHandler(p probe.Probe, okBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(err.Error() + "\n"))
				return
			}
		}
		_, _ = w.Write([]byte(okBody + "\n"))
	}
}

// HealthzHandler reports liveness.
func HealthzHandler(p probe.Probe) http.HandlerFunc { return probeHandler(p, "ok") }

// ReadyzHandler reports readiness.
func ReadyzHandler(p probe.Probe) http.HandlerFunc { return probeHandler(p, "ready") }
