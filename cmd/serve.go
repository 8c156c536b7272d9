package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"conduit/internal/app"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		host      string
		port      int
		transport string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the aggregating proxy",
		Long: `Starts every configured upstream MCP server and serves the
aggregated capability surface on the configured transport
(streamable-http by default, sse or stdio).

The configuration file is watched; edits apply live. SIGHUP forces a
reload. SIGINT or SIGTERM shut down gracefully.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := app.Bootstrap(app.Options{
				ConfigPath: rootConfigPath,
				Host:       host,
				Port:       port,
				Transport:  transport,
				LogLevel:   rootLogLevel,
				Silent:     rootSilent,
				Version:    rootCmd.Version,
			})
			if err != nil {
				return fmt.Errorf("bootstrap failed: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return rt.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides configuration)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides configuration)")
	cmd.Flags().StringVar(&transport, "transport", "", "inbound transport: streamable-http, sse or stdio")
	return cmd
}
