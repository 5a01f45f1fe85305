package main

import (
	"context"
	"fmt"
	"time"

	"github.com/appointly/appointly/libs/grpcx"
	"github.com/spf13/cobra"
)

func healthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Ask the worker's gRPC health service for its status",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			status, err := grpcx.CheckHealth(ctx, addr)
			if err != nil {
				return fmt.Errorf("health check %s: %w", addr, err)
			}
			cmd.Println(status)
			if status != "SERVING" {
				return fmt.Errorf("worker is %s", status)
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "localhost:9090", "worker gRPC address")
	cmd.Flags().Duration("timeout", 5*time.Second, "health check timeout")
	return cmd
}
