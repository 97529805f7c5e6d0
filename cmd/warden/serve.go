package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alecgard/warden/internal/api"
	"github.com/alecgard/warden/internal/auth"
	"github.com/alecgard/warden/internal/config"
	"github.com/alecgard/warden/internal/governor"
	"github.com/alecgard/warden/internal/metering"
	"github.com/alecgard/warden/internal/metrics"
	"github.com/alecgard/warden/internal/provider/openai"
	"github.com/alecgard/warden/internal/ratelimit"
	"github.com/alecgard/warden/internal/reliability"
	"github.com/alecgard/warden/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Warden API server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	setupLogger(cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	counters, closeCounters, err := openCounters(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCounters()
	slog.Info("counter store ready", "driver", cfg.CounterStore.Driver)

	tp, shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Exporter:       cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("flushing spans", "error", err)
		}
	}()
	slog.Info("tracing ready", "exporter", cfg.Tracing.Exporter, "sample_ratio", cfg.Tracing.SampleRatio)

	m := metrics.New()
	m.RegisterDBStats(store.Driver, store.PoolStats)
	alerts, waitAlerts := newAlertSink(cfg, m)

	catalog, err := governor.NewCatalog(cfg)
	if err != nil {
		return err
	}
	slog.Info("agents loaded", "agents", catalog.Names())

	invoker := openai.New(cfg.Provider.APIKey, cfg.Provider.BaseURL, cfg.Provider.Timeout)
	executor := reliability.NewExecutor(invoker, counters, newPricing(cfg), alerts)
	executor.SetMetrics(m)
	executor.SetTracerProvider(tp)

	tracker, err := newTracker(cfg, store, counters, alerts)
	if err != nil {
		return err
	}
	tracker.SetMetrics(m)

	collector := metering.NewCollector(store.Executions, cfg.Metering.BatchSize, cfg.Metering.FlushInterval)
	collector.SetMetrics(m)
	m.RegisterCollectorBuffer(collector.Pending)
	collectorDone := make(chan struct{})
	go func() {
		collector.Start(ctx)
		close(collectorDone)
	}()

	svc := governor.NewService(catalog, executor, tracker, collector)
	svc.SetMetrics(m)

	verifier, err := auth.NewAdminVerifier(cfg.Auth.AdminKey, cfg.Auth.AdminKeyHash)
	if errors.Is(err, auth.ErrNoAdminKey) {
		slog.Warn("no admin key configured; admin routes will reject every request")
	} else if err != nil {
		return err
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.PerTenant > 0 || len(cfg.RateLimit.Tenants) > 0 {
		limiter = ratelimit.New(ratelimit.Config{
			PerWindow: cfg.RateLimit.PerTenant,
			Window:    cfg.RateLimit.Window,
			Overrides: cfg.RateLimit.Tenants,
		})
		go limiter.Start(ctx)
		slog.Info("execute rate limit enabled", "per_tenant", cfg.RateLimit.PerTenant, "window", cfg.RateLimit.Window)
	}

	router := api.NewRouter(api.RouterDeps{
		Service:    svc,
		Tenants:    store.Tenants,
		Executions: store.Executions,
		Counters:   counters,
		Keys:       store.Keys,
		Admin:      verifier,
		Metrics:    m,
		Limiter:    limiter,
		Health:     store.Health,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr(), "multi_tenancy", cfg.MultiTenancyEnabled)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	err = srv.Shutdown(shutdownCtx)
	collector.Stop()
	<-collectorDone
	cancel()
	waitAlerts()
	return err
}
