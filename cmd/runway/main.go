package main

import (
	"fmt"
	"os"

	"github.com/runwayhq/runway/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "runway",
	Short: "Runway - live collection views over a document store",
	Long: `Runway keeps live, paginated views of document collections in sync
with a bbolt or RethinkDB store, applies edits optimistically and routes
every mutation through a validating gateway.

Run "runway serve" for the HTTP and websocket API, or use the view, stats,
apply and inbox commands against the same store directly.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Runway version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Runway version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	metrics.SetVersion(Version)

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Path to a YAML config file")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "Log as JSON instead of console output")
	flags.String("backend", "", "Store backend (bolt or rethinkdb)")
	flags.String("data-dir", "", "Data directory for the bolt backend")
	flags.String("rethink-addr", "", "RethinkDB address")
	flags.String("schemas", "", "Schema file overlaying the built-in collections")
	flags.String("user", "cli", "User id mutations are attributed to")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(viewCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(inboxCmd)
}
