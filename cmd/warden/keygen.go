package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alecgard/warden/internal/auth"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an admin key and its bcrypt hash",
	RunE: func(cmd *cobra.Command, args []string) error {
		plaintext, hash, err := auth.GenerateAdminKey()
		if err != nil {
			return err
		}
		fmt.Printf("Admin key:  %s\n", plaintext)
		fmt.Printf("Hash:       %s\n", hash)
		fmt.Printf("\nStore the hash as auth.admin_key_hash (or WARDEN_ADMIN_KEY_HASH) and keep the key secret.\n")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
