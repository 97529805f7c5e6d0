package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alecgard/warden/internal/budget"
	"github.com/alecgard/warden/internal/config"
)

var (
	budgetTenant string
	budgetAgent  string
	budgetFile   string
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Inspect usage and manage tenant budgets",
}

var budgetStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current usage against every configured limit",
	RunE:  runBudgetStatus,
}

var budgetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored tenant budgets",
	RunE:  runBudgetList,
}

var budgetSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store a tenant budget from a JSON file (- for stdin)",
	RunE:  runBudgetSet,
}

var budgetDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a stored tenant budget",
	RunE:  runBudgetDelete,
}

func init() {
	budgetStatusCmd.Flags().StringVar(&budgetTenant, "tenant", "", "tenant id (ignored unless multi-tenancy is enabled)")
	budgetStatusCmd.Flags().StringVar(&budgetAgent, "agent", "", "agent type for per-agent limits")

	budgetSetCmd.Flags().StringVar(&budgetTenant, "tenant", "", "tenant id")
	budgetSetCmd.Flags().StringVar(&budgetFile, "file", "-", "JSON budget override")
	_ = budgetSetCmd.MarkFlagRequired("tenant")

	budgetDeleteCmd.Flags().StringVar(&budgetTenant, "tenant", "", "tenant id")
	_ = budgetDeleteCmd.MarkFlagRequired("tenant")

	budgetCmd.AddCommand(budgetStatusCmd, budgetListCmd, budgetSetCmd, budgetDeleteCmd)
	rootCmd.AddCommand(budgetCmd)
}

// withBackend loads the configuration, opens the database and runs fn.
func withBackend(fn func(ctx context.Context, cfg *config.Config, b *backend) error) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	setupLogger("warn")

	ctx := context.Background()
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(ctx, cfg, b)
}

func runBudgetStatus(cmd *cobra.Command, args []string) error {
	return withBackend(func(ctx context.Context, cfg *config.Config, b *backend) error {
		// Status never alerts, so no alert sink or markers are needed.
		tracker, err := newTracker(cfg, b, nil, nil)
		if err != nil {
			return err
		}
		tenantID := tracker.Resolver().ResolveTenantID(ctx, budgetTenant)
		res, err := tracker.Status(ctx, tenantID, budgetAgent)
		if err != nil {
			return err
		}
		printBudgetStatus(res)
		return nil
	})
}

func printBudgetStatus(res *budget.CheckResult) {
	tenant := res.TenantID
	if tenant == "" {
		tenant = "(global)"
	}
	fmt.Printf("Tenant:       %s\n", tenant)
	if res.AgentType != "" {
		fmt.Printf("Agent:        %s\n", res.AgentType)
	}
	fmt.Printf("Enabled:      %t\n", res.Enabled)
	fmt.Printf("Enforcement:  %s\n", res.Enforcement)
	fmt.Printf("Allowed:      %t\n\n", res.Allowed)

	if len(res.Limits) == 0 {
		fmt.Println("No limits configured.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LIMIT\tWINDOW\tCURRENT\tMAX\tPERCENT\tSTATE")
	for _, l := range res.Limits {
		state := "ok"
		switch {
		case l.Exceeded:
			state = "exceeded"
		case l.Warning:
			state = "warning"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1f%%\t%s\n", l.Limit, l.Window, l.Current, l.Max, l.Percent, state)
	}
	_ = w.Flush()
}

func runBudgetList(cmd *cobra.Command, args []string) error {
	return withBackend(func(ctx context.Context, _ *config.Config, b *backend) error {
		list, err := b.Tenants.List(ctx)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No tenant budgets stored.")
			return nil
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	})
}

func runBudgetSet(cmd *cobra.Command, args []string) error {
	var o budget.Override
	in := os.Stdin
	if budgetFile != "-" {
		f, err := os.Open(budgetFile)
		if err != nil {
			return fmt.Errorf("opening budget file: %w", err)
		}
		defer f.Close()
		in = f
	}
	if err := json.NewDecoder(in).Decode(&o); err != nil {
		return fmt.Errorf("parsing budget: %w", err)
	}
	if err := o.Validate(); err != nil {
		return err
	}

	return withBackend(func(ctx context.Context, _ *config.Config, b *backend) error {
		tb, err := b.Tenants.Set(ctx, budgetTenant, &o)
		if err != nil {
			return err
		}
		fmt.Printf("Stored budget for tenant %s (updated %s)\n", tb.TenantID, tb.UpdatedAt.Format("2006-01-02 15:04:05"))
		return nil
	})
}

func runBudgetDelete(cmd *cobra.Command, args []string) error {
	return withBackend(func(ctx context.Context, _ *config.Config, b *backend) error {
		if err := b.Tenants.Delete(ctx, budgetTenant); err != nil {
			return err
		}
		fmt.Printf("Deleted budget for tenant %s\n", budgetTenant)
		return nil
	})
}
