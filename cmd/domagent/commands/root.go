// Package commands implements the domagent CLI.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRootCmd builds the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "domagent",
		Short: "Browser automation relay between a DOM agent and its bridge",
		Long: `domagent drives browser tabs on behalf of a remote client.

The agent runs next to the browser, attaches to tabs and relays page commands
and events over a websocket to the bridge. The bridge exposes those commands
as a REST API, an SSE event stream and optionally MCP tools over stdio.

Examples:
  domagent bridge
  domagent bridge --mcp
  domagent agent --launch-browser`,
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newAgentCmd(),
		newBridgeCmd(version),
		newVersionCmd(version),
	)

	rootCmd.PersistentFlags().String("log-level", "", "override the configured log level (debug, info, warn, error)")
	return rootCmd
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// logLevelOverride returns the --log-level flag, or fallback when unset.
func logLevelOverride(cmd *cobra.Command, fallback string) string {
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		return v
	}
	return fallback
}
