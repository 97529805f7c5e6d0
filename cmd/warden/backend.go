package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/alecgard/warden/internal/alert"
	"github.com/alecgard/warden/internal/auth"
	"github.com/alecgard/warden/internal/budget"
	"github.com/alecgard/warden/internal/cache"
	"github.com/alecgard/warden/internal/cache/badgerstore"
	"github.com/alecgard/warden/internal/config"
	"github.com/alecgard/warden/internal/metering"
	"github.com/alecgard/warden/internal/metrics"
	"github.com/alecgard/warden/internal/pricing"
	"github.com/alecgard/warden/internal/store/postgres"
	"github.com/alecgard/warden/internal/store/sqlite"
)

// backend is the persistent state selected by database.driver.
type backend struct {
	Driver     string
	Tenants    budget.TenantStore
	Keys       auth.KeyStore
	Usage      budget.UsageStore
	Executions metering.Store
	Health     func(ctx context.Context) error
	PoolStats  metrics.DBStatsFunc
	Close      func()
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := postgres.Connect(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		slog.Info("connected to database", "driver", "postgres")
		return &backend{
			Driver:     "postgres",
			Tenants:    postgres.NewTenantBudgetStore(pool),
			Keys:       postgres.NewKeyStore(pool),
			Usage:      postgres.NewUsageStore(pool),
			Executions: postgres.NewExecutionStore(pool),
			Health:     pool.Ping,
			PoolStats:  postgres.PoolStats(pool),
			Close:      pool.Close,
		}, nil
	case "sqlite":
		db, err := sqlite.Open(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		slog.Info("opened database", "driver", "sqlite", "path", cfg.Database.Path)
		return &backend{
			Driver:     "sqlite",
			Tenants:    sqlite.NewTenantBudgetStore(db),
			Keys:       sqlite.NewKeyStore(db),
			Usage:      sqlite.NewUsageStore(db),
			Executions: sqlite.NewExecutionStore(db),
			Health:     db.PingContext,
			PoolStats:  sqlite.PoolStats(db),
			Close:      func() { _ = db.Close() },
		}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}

// openCounters opens the counter store and starts its background
// maintenance, which stops with ctx.
func openCounters(ctx context.Context, cfg *config.Config) (cache.Store, func(), error) {
	cs := cfg.CounterStore
	switch cs.Driver {
	case "badger":
		s, err := badgerstore.Open(badgerstore.Config{
			Path:       cs.Path,
			InMemory:   cs.InMemory,
			GCInterval: cs.GCInterval,
		})
		if err != nil {
			return nil, nil, err
		}
		go s.Start(ctx)
		return s, func() {
			if err := s.Close(); err != nil {
				slog.Warn("closing counter store", "error", err)
			}
		}, nil
	default:
		s := cache.NewMemoryStore(nil)
		if cs.GCInterval > 0 {
			go s.Start(ctx, cs.GCInterval)
		}
		return s, func() {}, nil
	}
}

// newAlertSink logs every alert, posts to the webhook when one is set, and
// counts alerts when m is non-nil. wait blocks until pending webhook
// deliveries finish.
func newAlertSink(cfg *config.Config, m *metrics.Metrics) (sink alert.Sink, wait func()) {
	sinks := alert.Multi{alert.LogSink{}}
	wait = func() {}
	if cfg.Alerts.WebhookURL != "" {
		wh := alert.NewWebhookSink(cfg.Alerts.WebhookURL, cfg.Alerts.Timeout, nil)
		sinks = append(sinks, wh)
		wait = wh.Wait
	}
	if m == nil {
		return sinks, wait
	}
	return m.AlertSink(sinks), wait
}

func newPricing(cfg *config.Config) *pricing.Table {
	perMillion := make(map[string][2]float64, len(cfg.Pricing))
	for model, p := range cfg.Pricing {
		perMillion[model] = [2]float64{p.InputPerMillion, p.OutputPerMillion}
	}
	return pricing.NewTable(perMillion)
}

func newTracker(cfg *config.Config, b *backend, counters cache.Store, alerts alert.Sink) (*budget.Tracker, error) {
	global, err := budget.FromConfig(cfg.Budgets)
	if err != nil {
		return nil, err
	}
	resolver := budget.NewResolver(budget.ResolverOptions{
		MultiTenancy:      cfg.MultiTenancyEnabled,
		TenantFromContext: auth.TenantFromContext,
		Lookup:            b.Tenants,
		Global:            global,
	})
	return budget.NewTracker(resolver, b.Usage, counters, alerts), nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupLogger(level string) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}
