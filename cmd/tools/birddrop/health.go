package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/birddrop/backend/internal/handler/health"
)

func newHealthCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show relay status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := httpBase(c.server)
			if err != nil {
				return fmt.Errorf("invalid --server: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("health check returned %s", resp.Status)
			}

			var status health.Response
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return fmt.Errorf("decode health response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "status=%s sessions=%d geoPool=%d uptime=%.0fs\n",
				status.Status, status.Sessions, status.GeoPool, status.Uptime)
			return nil
		},
	}
}
