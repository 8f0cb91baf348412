// Command collector is the development collector for vigil agents: it
// accepts agent streams, keeps their sessions in memory and exposes them
// over a REST API, a WebSocket feed and Prometheus metrics.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "collector",
	Short: "Development collector for vigil agents",
	Long: `collector accepts long-lived agent streams on /agent/v1, keeps one session
per agent process and lets operators inspect sessions and push commands
(profiles, cluster control) through the REST API.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the collector version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println("collector " + version)
		},
	})
}
