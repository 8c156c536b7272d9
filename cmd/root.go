package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// rootConfigPath is the configuration file, shared by every
	// subcommand.
	rootConfigPath string
	// rootLogLevel filters log output (debug, info, warn, error).
	rootLogLevel string
	// rootSilent discards all log output. Useful when the proxy runs
	// over stdio and the client treats stderr as noise.
	rootSilent bool
)

// rootCmd is the entry point when conduit is called without a
// subcommand.
var rootCmd = &cobra.Command{
	Use:   "conduit",
	Short: "Aggregating MCP proxy",
	Long: `conduit runs a fleet of MCP servers behind a single endpoint.
Clients connect once and see a tag-filtered union of every upstream's
tools, resources and prompts; configuration changes apply live without
dropping sessions.`,
	SilenceUsage: true,
}

// SetVersion injects the build version from main.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "conduit version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", "", "configuration file (default ./conduit.json)")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "info", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&rootSilent, "silent", false, "discard all log output")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newCheckCmd())
	rootCmd.AddCommand(newVersionCmd())
}
