package cmd

import (
	"fmt"
	"sort"
	"strings"

	"conduit/internal/config"

	"github.com/spf13/cobra"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check [config-file]",
		Short: "Validate a configuration file",
		Long: `Loads and validates a configuration file without starting anything,
then prints the upstream servers a serve run would bring up. Exits
non-zero when the file does not parse or validate.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rootConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				path = "conduit.json"
			}

			snap, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok\n", path)
			fmt.Fprintf(out, "endpoint: %s on %s:%d\n",
				snap.Aggregator.Transport, snap.Aggregator.Host, snap.Aggregator.Port)

			plan := config.Diff(&config.Snapshot{}, snap)
			sort.Strings(plan.ToStart)
			for _, name := range plan.ToStart {
				if params, ok := snap.MCPServers[name]; ok {
					fmt.Fprintf(out, "  server %-20s %-16s %s\n", name, params.Type, describeTags(params.Tags))
					continue
				}
				if params, ok := snap.MCPTemplates[name]; ok {
					fmt.Fprintf(out, "  template %-18s %-16s %s\n", name, params.Type, describeTags(params.Tags))
				}
			}

			if tags := snap.AllTags(); len(tags) > 0 {
				fmt.Fprintf(out, "tags: %s\n", strings.Join(tags, ", "))
			}
			if snap.Features.LazyLoading {
				fmt.Fprintln(out, "features: lazyLoading")
			}
			if snap.Auth.Enabled {
				fmt.Fprintln(out, "auth: enabled")
			}
			return nil
		},
	}
}

func describeTags(tags []string) string {
	if len(tags) == 0 {
		return "-"
	}
	return strings.Join(tags, ",")
}
