// ABOUTME: CLI command for starting the MCP server.
// ABOUTME: Runs a stdio MCP server exposing sync and timeline tools.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harperreed/healthsync/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP server",
	Long: `Start the Model Context Protocol (MCP) server for AI assistant integration.

The server communicates via stdin/stdout and logs to stderr.

CONFIGURATION:

  {
    "mcpServers": {
      "healthsync": {
        "command": "healthsync",
        "args": ["mcp"]
      }
    }
  }

AVAILABLE TOOLS:

  sync_now          Run a sync session (now, incremental, or full)
  query_samples     Query the reconciled timeline
  list_conflicts    List conflict audit records
  list_sources      Show sources, availability, and metrics
  get_checkpoints   Show the last error-free sync per metric

AVAILABLE RESOURCES:

  healthsync://sources     Source capabilities
  healthsync://conflicts   Pending conflicts
  healthsync://summary     Latest value and checkpoint per metric`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		server, err := mcp.NewServer(mcp.Options{
			Store:        a.store,
			Registry:     a.registry,
			Orchestrator: a.orch,
			UserID:       currentUser(),
			Logger:       logger,
		})
		if err != nil {
			return err
		}

		// Handle shutdown signals
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigChan
			cancel()
		}()

		return server.Serve(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
