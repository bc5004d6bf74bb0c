// ABOUTME: CLI commands for browsing the stored timeline and conflict audits.
// ABOUTME: Supports filtering by metric, source, and date with colored output.
package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harperreed/healthsync/internal/conflict"
	"github.com/harperreed/healthsync/internal/models"
	"github.com/harperreed/healthsync/internal/storage"
)

var (
	listMetric  string
	listSource  string
	listSince   string
	listLimit   int
	listPending bool
)

var samplesCmd = &cobra.Command{
	Use:     "samples",
	Aliases: []string{"sample"},
	Short:   "Browse stored samples",
}

var samplesListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls", "l"},
	Short:   "List stored samples",
	Long: `List samples from the reconciled timeline, most recent first.

OUTPUT FORMAT:

  Each line shows: START  METRIC  VALUE  UNIT  SOURCE  (RECORD)

  Canonical samples produced by conflict resolution have source
  "reconciled" and a record id naming the readings they replace.

FILTERING:

  --metric, -m   weight, steps, heart_rate, sleep, nutrition, distance, calories
  --source, -s   health_platform, vendor_health, fitness_cloud, wearable, reconciled
  --since        Only samples starting on or after this date (YYYY-MM-DD)

Examples:
  healthsync samples list
  healthsync samples list -m weight -n 5
  healthsync samples list -s reconciled --since 2025-01-01`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := storage.SampleFilter{UserID: currentUser(), Limit: listLimit}
		if listMetric != "" {
			m, err := models.ParseMetric(listMetric)
			if err != nil {
				return err
			}
			f.Metric = m
		}
		if listSource != "" {
			src, err := models.ParseSource(listSource)
			if err != nil {
				return err
			}
			f.Source = src
		}
		if listSince != "" {
			t, err := parseTime(listSince)
			if err != nil {
				return err
			}
			f.Since = t
		}

		st, err := cfg.OpenStorage(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer st.Close()

		samples, err := st.ListSamples(cmd.Context(), f)
		if err != nil {
			return fmt.Errorf("failed to list samples: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(samples) == 0 {
			fmt.Fprintln(out, "No samples found.")
			return nil
		}

		faint := color.New(color.Faint)
		for _, s := range samples {
			fmt.Fprintf(out, "%s %s %s %s %s\n",
				faint.Sprint(s.Start.Local().Format("2006-01-02 15:04")),
				padRight(string(s.Metric), 10),
				padRight(formatValue(s), 12),
				padRight(string(s.Source), 16),
				faint.Sprintf("(%s)", truncate(s.SourceRecordID, 40)))
		}
		return nil
	},
}

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	Aliases: []string{"conflict"},
	Short:   "Browse conflict audit records",
}

var conflictsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls", "l"},
	Short:   "List conflict audit records",
	Long: `List conflicts detected during sync, most recent first.

Each record shows the competing readings, the strategy applied, and the
canonical value, or why no canonical value could be produced.

Examples:
  healthsync conflicts list
  healthsync conflicts list --pending
  healthsync conflicts list -m sleep -n 5`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := storage.AuditFilter{UserID: currentUser(), UnresolvedOnly: listPending, Limit: listLimit}
		if listMetric != "" {
			m, err := models.ParseMetric(listMetric)
			if err != nil {
				return err
			}
			f.Metric = m
		}

		st, err := cfg.OpenStorage(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer st.Close()

		audits, err := st.ListConflictAudits(cmd.Context(), f)
		if err != nil {
			return fmt.Errorf("failed to list conflicts: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(audits) == 0 {
			fmt.Fprintln(out, "No conflicts found.")
			return nil
		}

		faint := color.New(color.Faint)
		for _, a := range audits {
			status := color.GreenString("resolved")
			if !a.Resolved {
				status = color.YellowString("pending")
			}
			fmt.Fprintf(out, "%s %s %s %s %s\n",
				faint.Sprint(a.ID.String()[:8]),
				faint.Sprint(a.RecordedAt.Local().Format("2006-01-02 15:04")),
				padRight(string(a.Metric), 10),
				padRight(string(a.Strategy), 16),
				status)
			for _, m := range a.Members {
				fmt.Fprintf(out, "    %s %s\n", padRight(string(m.Source), 16), formatValue(m))
			}
			if a.Canonical != nil {
				fmt.Fprintf(out, "    %s %s\n", padRight("→ canonical", 16), formatValue(*a.Canonical))
				if ids := conflict.ContributingIDs(*a.Canonical); len(ids) > 0 {
					faint.Fprintf(out, "    %s %s\n", padRight("from", 16), strings.Join(ids, ", "))
				}
			}
			if a.Error != "" {
				faint.Fprintf(out, "    %s\n", a.Error)
			}
		}
		return nil
	},
}

func formatValue(s models.Sample) string {
	if s.Metric.IsInteger() {
		return fmt.Sprintf("%.0f %s", s.Value, s.Unit)
	}
	return fmt.Sprintf("%.2f %s", s.Value, s.Unit)
}

// parseTime accepts RFC 3339, "2006-01-02 15:04", "2006-01-02T15:04", or a bare date in local time.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time format: %q (use YYYY-MM-DD or YYYY-MM-DD HH:MM)", s)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func padRight(s string, length int) string {
	if len(s) >= length {
		return s
	}
	return s + strings.Repeat(" ", length-len(s))
}

func init() {
	samplesListCmd.Flags().StringVarP(&listMetric, "metric", "m", "", "filter by metric")
	samplesListCmd.Flags().StringVarP(&listSource, "source", "s", "", "filter by source")
	samplesListCmd.Flags().StringVar(&listSince, "since", "", "only samples since date (YYYY-MM-DD)")
	samplesListCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "max number of results")
	samplesCmd.AddCommand(samplesListCmd)

	conflictsListCmd.Flags().StringVarP(&listMetric, "metric", "m", "", "filter by metric")
	conflictsListCmd.Flags().BoolVar(&listPending, "pending", false, "only unresolved conflicts")
	conflictsListCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "max number of results")
	conflictsCmd.AddCommand(conflictsListCmd)

	rootCmd.AddCommand(samplesCmd)
	rootCmd.AddCommand(conflictsCmd)
}
