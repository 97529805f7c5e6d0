package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alecgard/warden/internal/auth"
	"github.com/alecgard/warden/internal/config"
)

var (
	keyTenant string
	keyName   string
	keyID     string
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage tenant API keys",
}

var keyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue a new API key for a tenant",
	RunE:  runKeyCreate,
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the API keys issued to a tenant",
	RunE:  runKeyList,
}

var keyRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke an API key",
	RunE:  runKeyRevoke,
}

func init() {
	keyCreateCmd.Flags().StringVar(&keyTenant, "tenant", "", "tenant id")
	keyCreateCmd.Flags().StringVar(&keyName, "name", "", "label for the key")
	_ = keyCreateCmd.MarkFlagRequired("tenant")

	keyListCmd.Flags().StringVar(&keyTenant, "tenant", "", "tenant id")
	_ = keyListCmd.MarkFlagRequired("tenant")

	keyRevokeCmd.Flags().StringVar(&keyID, "id", "", "key id")
	_ = keyRevokeCmd.MarkFlagRequired("id")

	keyCmd.AddCommand(keyCreateCmd, keyListCmd, keyRevokeCmd)
	rootCmd.AddCommand(keyCmd)
}

func runKeyCreate(cmd *cobra.Command, args []string) error {
	return withBackend(func(ctx context.Context, _ *config.Config, b *backend) error {
		k, plaintext, err := auth.NewTenantKey(keyTenant, keyName)
		if err != nil {
			return err
		}
		if err := b.Keys.CreateKey(ctx, k); err != nil {
			return err
		}
		fmt.Printf("Key ID:   %s\n", k.ID)
		fmt.Printf("Tenant:   %s\n", k.TenantID)
		fmt.Printf("API key:  %s\n\n", plaintext)
		fmt.Println("Store the key now; it cannot be shown again.")
		return nil
	})
}

func runKeyList(cmd *cobra.Command, args []string) error {
	return withBackend(func(ctx context.Context, _ *config.Config, b *backend) error {
		keys, err := b.Keys.ListKeys(ctx, keyTenant)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Println("No keys issued.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPREFIX\tNAME\tCREATED")
		for _, k := range keys {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", k.ID, k.Prefix, k.Name, k.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	})
}

func runKeyRevoke(cmd *cobra.Command, args []string) error {
	return withBackend(func(ctx context.Context, _ *config.Config, b *backend) error {
		if err := b.Keys.DeleteKey(ctx, keyID); err != nil {
			return err
		}
		fmt.Printf("Revoked key %s.\n", keyID)
		return nil
	})
}
