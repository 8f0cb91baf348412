package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	var (
		server string
		header string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the sessions of a running collector",
		Long: `Query a running collector's API and print one line per session.

Examples:
  collector status
  VIGIL_API_KEY=secret collector status --server https://collector:8443`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := &http.Client{Timeout: 10 * time.Second}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, server+"/api/v1/sessions", nil)
			if err != nil {
				return err
			}
			if key := os.Getenv("VIGIL_API_KEY"); key != "" {
				req.Header.Set(header, key)
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("query collector: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("collector answered %s", resp.Status)
			}

			var sessions []struct {
				ID         string `json:"id"`
				AppName    string `json:"app_name"`
				Hostname   string `json:"hostname"`
				PID        int    `json:"pid"`
				State      string `json:"state"`
				Reconnects int    `json:"reconnects"`
				ErrorCount int    `json:"error_count"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
				return fmt.Errorf("decode sessions: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-36s  %-16s  %-20s  %7s  %-12s  %5s  %6s\n",
				"SESSION", "APP", "HOST", "PID", "STATE", "RECON", "ERRORS")
			for _, s := range sessions {
				fmt.Fprintf(out, "%-36s  %-16s  %-20s  %7d  %-12s  %5d  %6d\n",
					s.ID, s.AppName, s.Hostname, s.PID, s.State, s.Reconnects, s.ErrorCount)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "collector base URL")
	cmd.Flags().StringVar(&header, "header", "x-api-key", "header carrying $VIGIL_API_KEY")
	return cmd
}
