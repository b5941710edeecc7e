package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/linnemanlabs-ota/internal/bridgehttp"
	"github.com/keithlinneman/linnemanlabs-ota/internal/bundle"
	"github.com/keithlinneman/linnemanlabs-ota/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-ota/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-ota/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-ota/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-ota/internal/probe"
	"github.com/keithlinneman/linnemanlabs-ota/internal/prof"
	"github.com/keithlinneman/linnemanlabs-ota/internal/ratelimit"
	v "github.com/keithlinneman/linnemanlabs-ota/internal/version"
)

func newServeCmd(a *app) *cobra.Command {
	var drain time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge API, admin listener and update watcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context(), drain)
		},
	}
	cmd.Flags().DurationVar(&drain, "drain", 5*time.Second, "time to fail readiness before stopping listeners")
	return cmd
}

func (a *app) serve(ctx context.Context, drain time.Duration) error {
	L := a.L
	conf := a.conf
	vi := v.Get()

	L.Info(ctx, "initializing otactl serve",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"app_id", conf.AppID,
		"app_version", conf.AppVersion,
		"data_dir", conf.DataDir,
		"bridge_addr", conf.BridgeAddr,
		"bridge_port", conf.BridgePort,
		"admin_port", conf.AdminPort,
		"fetch_source", conf.FetchSource,
		"poll_interval", conf.PollInterval.String(),
		"enable_pprof", conf.EnablePprof,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
		"require_signature", conf.RequireSignature,
	)

	m := metrics.New()
	m.SetBuildInfo(appName, "serve", vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       appName,
			"component": "serve",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"app_id":    conf.AppID,
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// the collector is on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:    conf.EnableTracing,
		Endpoint:   conf.OTLPEndpoint,
		Insecure:   true,
		Sample:     conf.TraceSample,
		Service:    appName,
		Component:  "serve",
		Version:    vi.Version,
		AppID:      conf.AppID,
		AppVersion: conf.AppVersion,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	if err := a.open(ctx, managerDeps{metrics: m}); err != nil {
		return err
	}
	mgr := a.mgr

	// a failed initialize leaves the host on embedded code; keep serving so
	// the bridge can report state and accept a fresh install
	if err := mgr.Initialize(ctx); err != nil {
		L.Error(ctx, err, "bundle initialization failed, host will use embedded code")
	}

	var gate probe.ShutdownGate
	readiness := probe.All(gate.Probe(), probe.FromReady(mgr))

	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.BridgeRateLimit, conf.BridgeBurst),
		ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
		ratelimit.WithOnFirstDenied(func(key string) {
			L.Warn(ctx, "rate limit triggered", "client", key)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new clients until some are evicted")
		}),
	)

	api := bridgehttp.NewAPI(mgr, L)
	bridgeAddr, bridgeStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Addr:         conf.BridgeAddr,
		Port:         conf.BridgePort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  limiter.Middleware,
		Bundle:       mgr,
		APIRoutes:    api.RegisterRoutes,
	})
	if err != nil {
		return fmt.Errorf("start bridge listener: %w", err)
	}
	defer func() { _ = bridgeStop(context.Background()) }()

	opsStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      probe.OK(),
		Readiness:   readiness,
	})
	if err != nil {
		return fmt.Errorf("start admin listener: %w", err)
	}
	defer func() { _ = opsStop(context.Background()) }()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	fetcher, err := a.newFetcher(ctx)
	switch {
	case err != nil:
		L.Error(ctx, err, "failed to create bundle fetcher, updates disabled")
	case fetcher == nil:
		L.Info(ctx, "bundle updates disabled", "fetch_source", conf.FetchSource)
	default:
		w := bundle.NewWatcher(bundle.WatcherOptions{
			Logger:       L,
			Fetcher:      fetcher,
			Manager:      mgr,
			PollInterval: conf.PollInterval,
			Metrics:      m,
			OnInstall: func(res bundle.InstallResult) {
				L.Info(watchCtx, "new bundle installed, host reload required",
					"hash", res.Hash,
					"entry_path", res.EntryPath,
				)
			},
		})
		go func() { _ = w.Run(watchCtx) }()
	}

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd notify skipped", "error", err)
	}
	L.Info(ctx, "otactl serve ready", "bridge_addr", bridgeAddr)

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")
	stopWatch()

	gate.Set("draining")
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drain):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := bridgeStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "bridge http server shutdown")
	}
	if err := opsStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	stopProf()

	L.Info(context.Background(), "shutdown complete")
	return nil
}

func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
