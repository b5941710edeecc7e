package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-ota/internal/version"
)

// Metrics owns a private registry with process collectors, bridge HTTP
// metrics, and bundle lifecycle + watcher metrics.
type Metrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// bridge http
	inflight               prometheus.Gauge
	reqTotal               *prometheus.CounterVec
	reqDur                 *prometheus.HistogramVec
	respBytes              *prometheus.HistogramVec
	errorsTotal            *prometheus.CounterVec
	httpPanicTotal         prometheus.Counter
	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	// bundle lifecycle
	bundleState     *prometheus.GaugeVec
	bundleActive    *prometheus.GaugeVec
	installsTotal   *prometheus.CounterVec
	installDuration prometheus.Histogram

	// watcher
	watcherPollsTotal    prometheus.Counter
	watcherInstallsTotal prometheus.Counter
	watcherErrorsTotal   *prometheus.CounterVec
	watcherLastSuccessTs prometheus.Gauge
}

// New returns a fresh registry + standard collectors.
// Labels stay low-cardinality: method, route, status, state, source, result.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight bridge API requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total bridge API requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Bridge API latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx responses by method and route",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered handler panics",
		}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of clients that hit the rate limit",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		bundleState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ota_bundle_state_info",
			Help: "Current bundle lifecycle state (label carries value, gauge is always 1)",
		}, []string{"state"}),
		bundleActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ota_bundle_active_info",
			Help: "Currently active bundle (label carries content hash, gauge is always 1)",
		}, []string{"hash"}),
		installsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ota_bundle_installs_total",
			Help: "Bundle installs by source and result",
		}, []string{"source", "result"}),
		installDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ota_bundle_install_duration_seconds",
			Help:    "Time to import, verify, and extract a bundle",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		watcherPollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ota_watcher_polls_total",
			Help: "Total number of watcher poll cycles",
		}),
		watcherInstallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ota_watcher_installs_total",
			Help: "Total number of bundles installed by the watcher",
		}),
		watcherErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ota_watcher_errors_total",
			Help: "Total watcher errors by type",
		}, []string{"type"}),
		watcherLastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ota_watcher_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful hash check",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.buildInfo,
		m.profilingActive,
		m.bundleState,
		m.bundleActive,
		m.installsTotal,
		m.installDuration,
		m.watcherPollsTotal,
		m.watcherInstallsTotal,
		m.watcherErrorsTotal,
		m.watcherLastSuccessTs,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *Metrics) Handler() http.Handler {
	return m.handler
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// set once at startup.
func (m *Metrics) SetBuildInfo(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":        app,
		"component":  component,
		"version":    vi.Version,
		"commit":     vi.Commit,
		"build_id":   vi.BuildId,
		"build_date": vi.BuildDate,
		"go_version": vi.GoVersion,
		"vcs_dirty":  dirty,
	}).Set(1)
}

func (m *Metrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *Metrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *Metrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

func (m *Metrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// SetBundleState replaces the state and active-hash series. An empty hash
// clears the active series.
func (m *Metrics) SetBundleState(state, hash string) {
	m.bundleState.Reset()
	m.bundleState.WithLabelValues(state).Set(1)
	m.bundleActive.Reset()
	if hash != "" {
		m.bundleActive.WithLabelValues(hash).Set(1)
	}
}

func (m *Metrics) IncInstall(source, result string) {
	m.installsTotal.WithLabelValues(source, result).Inc()
}

func (m *Metrics) ObserveInstallDuration(seconds float64) {
	m.installDuration.Observe(seconds)
}

func (m *Metrics) IncWatcherPolls() {
	m.watcherPollsTotal.Inc()
}

func (m *Metrics) IncWatcherInstalls() {
	m.watcherInstallsTotal.Inc()
}

func (m *Metrics) IncWatcherError(errType string) {
	m.watcherErrorsTotal.WithLabelValues(errType).Inc()
}

func (m *Metrics) SetWatcherLastSuccess(unixSeconds float64) {
	m.watcherLastSuccessTs.Set(unixSeconds)
}
