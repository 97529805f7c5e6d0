package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/alecgard/warden/internal/breaker"
	"github.com/alecgard/warden/internal/config"
	"github.com/alecgard/warden/internal/governor"
)

var (
	breakerAgent  string
	breakerModel  string
	breakerTenant string
)

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Inspect and reset circuit breakers",
	Long: "Inspect and reset circuit breakers in the configured counter store. " +
		"The memory driver lives inside the server process; use the admin API " +
		"(/api/v1/admin/breakers) for it, or stop the server before touching a badger store.",
}

var breakerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a breaker's failure count and open state",
	RunE:  runBreakerStatus,
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Close a breaker and clear its failures",
	RunE:  runBreakerReset,
}

func init() {
	for _, c := range []*cobra.Command{breakerStatusCmd, breakerResetCmd} {
		c.Flags().StringVar(&breakerAgent, "agent", "", "agent type")
		c.Flags().StringVar(&breakerModel, "model", "", "model")
		c.Flags().StringVar(&breakerTenant, "tenant", "", "tenant id (empty for the shared breaker)")
		_ = c.MarkFlagRequired("agent")
		_ = c.MarkFlagRequired("model")
	}
	breakerCmd.AddCommand(breakerStatusCmd, breakerResetCmd)
	rootCmd.AddCommand(breakerCmd)
}

// withBreaker opens the counter store and resolves the breaker named by the
// flags.
func withBreaker(fn func(ctx context.Context, b *breaker.Breaker) error) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	setupLogger("warn")
	if cfg.CounterStore.Driver == "memory" {
		fmt.Println("warning: the memory counter store is process-local; this command sees an empty store")
	}

	catalog, err := governor.NewCatalog(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	counters, closeCounters, err := openCounters(ctx, cfg)
	if err != nil {
		cancel()
		return err
	}
	defer func() {
		cancel()
		closeCounters()
	}()

	tenantID := breakerTenant
	if !cfg.MultiTenancyEnabled {
		tenantID = ""
	}
	b, err := catalog.Breaker(counters, breakerAgent, breakerModel, tenantID)
	if err != nil {
		return err
	}
	return fn(ctx, b)
}

func runBreakerStatus(cmd *cobra.Command, args []string) error {
	return withBreaker(func(ctx context.Context, b *breaker.Breaker) error {
		st, err := b.Status(ctx)
		if err != nil {
			return err
		}
		state := "closed"
		if st.Open {
			state = "open"
		}
		fmt.Printf("Breaker:   %s\n", b.Key())
		fmt.Printf("State:     %s\n", state)
		fmt.Printf("Failures:  %d\n", st.Failures)
		if st.Open && !st.OpenUntil.IsZero() {
			fmt.Printf("Until:     %s (%s)\n", st.OpenUntil.Format(time.RFC3339), time.Until(st.OpenUntil).Round(time.Second))
		}
		return nil
	})
}

func runBreakerReset(cmd *cobra.Command, args []string) error {
	return withBreaker(func(ctx context.Context, b *breaker.Breaker) error {
		if err := b.Reset(ctx); err != nil {
			return err
		}
		fmt.Printf("Reset breaker %s\n", b.Key())
		return nil
	})
}
