// ABOUTME: CLI command showing configured sources and their capabilities.
// ABOUTME: Probes each adapter for availability before printing.
package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harperreed/healthsync/internal/models"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Show configured sources",
	Long: `Probe every configured source and show whether it is reachable,
which metrics it provides, and which it accepts write-back for.

Sources come from the "adapters" and "charm" sections of config.json.
The "sources" list there limits which of them take part in sync.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, closeAdapters, err := cfg.OpenAdapters(logger)
		if err != nil {
			return err
		}
		defer closeAdapters()

		enabled, err := cfg.EnabledSources()
		if err != nil {
			return err
		}
		isEnabled := func(src models.Source) bool {
			if len(enabled) == 0 {
				return true
			}
			for _, e := range enabled {
				if e == src {
					return true
				}
			}
			return false
		}

		out := cmd.OutOrStdout()
		if registry.Len() == 0 {
			fmt.Fprintln(out, "No sources configured. Add adapters to", color.CyanString("config.json"))
			return nil
		}
		caps := registry.Describe(cmd.Context())

		faint := color.New(color.Faint)
		for _, c := range caps {
			status := color.GreenString("✓ available")
			if !c.Available {
				status = color.RedString("✗ unavailable")
			}
			if !isEnabled(c.Source) {
				status = faint.Sprint("- disabled")
			}
			fmt.Fprintf(out, "%s %s\n", padRight(string(c.Source), 16), status)
			fmt.Fprintf(out, "    reads  %s\n", joinMetrics(c.Metrics))
			if len(c.Writable) > 0 {
				fmt.Fprintf(out, "    writes %s\n", joinMetrics(c.Writable))
			}
		}
		return nil
	},
}

func joinMetrics(ms []models.Metric) string {
	if len(ms) == 0 {
		return "-"
	}
	names := make([]string, len(ms))
	for i, m := range ms {
		names[i] = string(m)
	}
	return strings.Join(names, ", ")
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
}
