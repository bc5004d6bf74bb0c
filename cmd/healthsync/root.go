// ABOUTME: Root Cobra command for the healthsync CLI.
// ABOUTME: Sets up logging and loads configuration via PersistentPreRunE.
package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/harperreed/healthsync/internal/config"
	"github.com/harperreed/healthsync/internal/logging"
)

var (
	flagUser     string
	flagVerbose  bool
	flagJSONLogs bool

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "healthsync",
	Short: "Multi-source health data sync",
	Long: `Healthsync pulls health samples from several platforms, reconciles
conflicting readings, and keeps one canonical timeline per user.

WHAT IT SYNCS:

  Body        weight, heart_rate
  Activity    steps, distance, calories
  Rest        sleep
  Intake      nutrition

QUICK START:

  $ healthsync config init              # Write default config and policy
  $ healthsync sources                  # Check which platforms are reachable
  $ healthsync sync full --lookback 30d # Backfill the last 30 days
  $ healthsync sync incremental         # Pick up from the last checkpoint
  $ healthsync sync now -m weight       # Sync one metric right away

TIMELINE:

  $ healthsync samples list -m weight   # Show stored samples
  $ healthsync conflicts list --pending # Conflicts no strategy could settle

CONFLICTS:

  Readings of the same measurement that disagree beyond tolerance are
  resolved per metric: prefer_source, last_write_wins, average, or merge.
  Tolerances and strategies live in policy.yaml next to config.json.

MCP INTEGRATION:

  Run 'healthsync mcp' to start the Model Context Protocol server:

  {
    "mcpServers": {
      "healthsync": { "command": "healthsync", "args": ["mcp"] }
    }
  }

DATA STORAGE:

  SQLite at ~/.local/share/healthsync/healthsync.db by default. Set
  "backend" to badger or postgres in config.json to switch.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if flagVerbose {
			level = slog.LevelDebug
		}
		logger = logging.New(logging.Options{
			Level:  level,
			Output: cmd.ErrOrStderr(),
			JSON:   flagJSONLogs,
		})
		logging.SetDefault(logger)

		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagUser, "user", "u", "", "user to act on (default: config user_id or $USER)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagJSONLogs, "json-logs", false, "write logs as JSON")
}

// currentUser returns the --user flag or the configured user.
func currentUser() string {
	if flagUser != "" {
		return flagUser
	}
	return cfg.GetUserID()
}
