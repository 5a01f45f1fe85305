// Command appointlyctl is the operator CLI for the scheduling service.
package main

import (
	"fmt"
	"os"

	"github.com/appointly/appointly/libs/config"
	"github.com/spf13/cobra"
)

func main() {
	_ = config.LoadDotEnv()

	rootCmd := &cobra.Command{
		Use:          "appointlyctl",
		Short:        "Operate the Appointly scheduling service",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("database-url", "", "postgres url (defaults to DATABASE_URL)")
	rootCmd.AddCommand(
		migrateCmd(),
		healthCmd(),
		stripeSimCmd(),
		seedCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func databaseURL(cmd *cobra.Command) (string, error) {
	url, _ := cmd.Flags().GetString("database-url")
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		return "", fmt.Errorf("--database-url or DATABASE_URL is required")
	}
	return url, nil
}
