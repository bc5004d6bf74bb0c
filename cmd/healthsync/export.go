// ABOUTME: CLI commands for exporting and importing the reconciled timeline.
// ABOUTME: Supports JSON, YAML, and Markdown export formats.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harperreed/healthsync/internal/models"
	"github.com/harperreed/healthsync/internal/storage"
)

var (
	exportOutput string
	exportMetric string
	exportSince  string
	exportAll    bool
)

var exportCmd = &cobra.Command{
	Use:   "export <format>",
	Short: "Export the timeline",
	Long: `Export stored samples and conflict audits.

FORMATS:

  json       Full JSON export (suitable for backup/restore)
  yaml       YAML export (human-readable)
  markdown   Markdown tables per metric (for sharing)

OPTIONS:

  --output, -o   Write to file instead of stdout
  --metric, -m   Filter by metric (markdown only)
  --since        Only include samples since this date (markdown only)
  --all-users    Export every user instead of the current one

EXAMPLES:

  healthsync export json -o backup.json
  healthsync export yaml
  healthsync export markdown -m weight --since 2025-01-01`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"json", "yaml", "markdown"},
	RunE: func(cmd *cobra.Command, args []string) error {
		format := args[0]
		ctx := cmd.Context()

		user := currentUser()
		if exportAll {
			user = ""
		}

		st, err := cfg.OpenStorage(ctx)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer st.Close()

		var data []byte
		switch format {
		case "json":
			data, err = storage.ExportJSON(ctx, st, user)
		case "yaml":
			data, err = storage.ExportYAML(ctx, st, user)
		case "markdown":
			f := storage.SampleFilter{UserID: user}
			if exportMetric != "" {
				m, perr := models.ParseMetric(exportMetric)
				if perr != nil {
					return perr
				}
				f.Metric = m
			}
			if exportSince != "" {
				t, perr := parseTime(exportSince)
				if perr != nil {
					return perr
				}
				f.Since = t
			}
			var md string
			md, err = storage.ExportMarkdown(ctx, st, f)
			data = []byte(md)
		default:
			return fmt.Errorf("unknown format: %s (use json, yaml, or markdown)", format)
		}
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}

		if exportOutput != "" {
			if err := os.WriteFile(exportOutput, data, 0600); err != nil {
				return fmt.Errorf("failed to write file: %w", err)
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "✓ Exported to %s\n", exportOutput)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a JSON export",
	Long: `Import samples and conflict audits from a JSON export.

Samples upsert by (user, metric, source, record id) and audits by id, so
importing the same file twice leaves the store unchanged.

EXAMPLES:

  healthsync import backup.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filename := args[0]

		data, err := os.ReadFile(filename)
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}

		st, err := cfg.OpenStorage(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer st.Close()

		if err := storage.ImportJSON(cmd.Context(), st, data); err != nil {
			return fmt.Errorf("import failed: %w", err)
		}

		color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "✓ Imported from %s\n", filename)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file (default: stdout)")
	exportCmd.Flags().StringVarP(&exportMetric, "metric", "m", "", "filter by metric (markdown only)")
	exportCmd.Flags().StringVar(&exportSince, "since", "", "only include samples since date (YYYY-MM-DD)")
	exportCmd.Flags().BoolVar(&exportAll, "all-users", false, "export every user")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
