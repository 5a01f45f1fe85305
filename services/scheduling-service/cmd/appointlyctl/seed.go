package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/appointly/appointly/libs/db"
	"github.com/appointly/appointly/services/scheduling-service/internal/storage/postgres"
	"github.com/spf13/cobra"
)

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed <catalog.json>",
		Short: "Upsert tenants, services, staff, customers and webhooks from a catalog file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := readCatalog(args[0])
			if err != nil {
				return err
			}
			url, err := databaseURL(cmd)
			if err != nil {
				return err
			}
			pool, err := db.Open(cmd.Context(), url)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer pool.Close()

			if err := postgres.New(pool).ApplyCatalog(cmd.Context(), catalog); err != nil {
				return fmt.Errorf("apply catalog: %w", err)
			}
			cmd.Printf("seeded tenants=%d services=%d staff=%d customers=%d webhooks=%d\n",
				len(catalog.Tenants), len(catalog.Services), len(catalog.Staff), len(catalog.Customers), len(catalog.Webhooks))
			return nil
		},
	}
	return cmd
}

// readCatalog decodes a catalog file. Service durations are nanoseconds.
func readCatalog(path string) (postgres.Catalog, error) {
	var c postgres.Catalog
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("decode %s: %w", path, err)
	}
	if len(c.Tenants) == 0 && len(c.Services) == 0 && len(c.Staff) == 0 {
		return c, fmt.Errorf("%s: catalog is empty", path)
	}
	return c, nil
}
