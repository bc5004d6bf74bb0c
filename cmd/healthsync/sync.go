// ABOUTME: CLI commands that trigger sync sessions.
// ABOUTME: Supports full, incremental, and immediate syncs with a colored summary.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harperreed/healthsync/internal/config"
	"github.com/harperreed/healthsync/internal/models"
	"github.com/harperreed/healthsync/internal/syncer"
)

var (
	syncLookback string
	syncMetrics  []string
	syncJSON     bool
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	Aliases: []string{"s"},
	Short:   "Sync health data from every configured source",
	Long: `Fetch samples from every available source, detect conflicts, resolve
them per the policy, store the reconciled timeline, and write canonical
values back to sources that support it.

COMMANDS:

  full          Sync the last --lookback of history (default from policy)
  incremental   Sync each metric from its last checkpoint
  now           Sync selected metrics right away

A source that fails is reported and skipped; the rest of the session
continues. Press Ctrl-C to cancel: metrics still fetching are discarded,
metrics already past fetching finish.`,
}

var syncFullCmd = &cobra.Command{
	Use:   "full",
	Short: "Sync a full history window",
	Long: `Sync every metric over the last --lookback.

Examples:
  healthsync sync full
  healthsync sync full --lookback 30d`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var lookback time.Duration
		if syncLookback != "" {
			d, err := config.ParseLookback(syncLookback)
			if err != nil {
				return err
			}
			lookback = d
		}
		return runSync(cmd, func(ctx context.Context, o *syncer.Orchestrator, user string) (*syncer.Result, error) {
			return o.RunFullSync(ctx, user, lookback)
		})
	},
}

var syncIncrementalCmd = &cobra.Command{
	Use:     "incremental",
	Aliases: []string{"inc"},
	Short:   "Sync from the last checkpoint",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd, func(ctx context.Context, o *syncer.Orchestrator, user string) (*syncer.Result, error) {
			return o.RunIncrementalSync(ctx, user)
		})
	},
}

var syncNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Sync selected metrics immediately",
	Long: `Sync the given metrics from their checkpoints. Without --metric every
metric is synced.

Examples:
  healthsync sync now -m weight
  healthsync sync now -m steps -m distance`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		metrics, err := parseMetricFlags(syncMetrics)
		if err != nil {
			return err
		}
		return runSync(cmd, func(ctx context.Context, o *syncer.Orchestrator, user string) (*syncer.Result, error) {
			return o.RequestImmediateSync(ctx, user, metrics)
		})
	},
}

type syncFunc func(ctx context.Context, o *syncer.Orchestrator, user string) (*syncer.Result, error)

func runSync(cmd *cobra.Command, fn syncFunc) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := fn(ctx, a.orch, currentUser())
	if res != nil {
		if syncJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(res); encErr != nil {
				return encErr
			}
		} else {
			printResult(cmd.OutOrStdout(), res)
		}
	}
	if err != nil {
		if errors.Is(err, models.ErrNoSourcesAvailable) {
			return fmt.Errorf("%w: check 'healthsync sources' and config.json adapters", err)
		}
		return err
	}
	return nil
}

func parseMetricFlags(names []string) ([]models.Metric, error) {
	out := make([]models.Metric, 0, len(names))
	for _, n := range names {
		m, err := models.ParseMetric(n)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func printResult(w io.Writer, res *syncer.Result) {
	faint := color.New(color.Faint)
	switch res.State {
	case syncer.StateCompleted:
		color.New(color.FgGreen).Fprintf(w, "✓ Sync %s\n", res.State)
	case syncer.StateCompletedWithErrors:
		color.New(color.FgYellow).Fprintf(w, "⚠ Sync %s\n", res.State)
	default:
		color.New(color.FgRed).Fprintf(w, "✗ Sync %s", res.State)
		if res.Reason != "" {
			fmt.Fprintf(w, " (%s)", res.Reason)
		}
		fmt.Fprintln(w)
	}
	faint.Fprintf(w, "  session %s  user %s  kind %s\n", res.SessionID, res.UserID, res.Kind)

	for _, m := range res.SortedMetrics() {
		if m.Discarded {
			faint.Fprintf(w, "  %s discarded\n", padRight(string(m.Metric), 10))
			continue
		}
		fmt.Fprintf(w, "  %s fetched %d, conflicts %d (resolved %d, pending %d), stored %d, written back %d\n",
			padRight(string(m.Metric), 10), m.Fetched, m.Conflicts, m.Resolved, m.Pending, m.Persisted, m.WrittenBack)
	}

	for _, e := range res.Errors {
		color.New(color.FgYellow).Fprintf(w, "  ⚠ %s\n", e)
	}
	if n := len(res.Unresolved); n > 0 {
		color.New(color.FgYellow).Fprintf(w, "  %d conflict(s) need review: healthsync conflicts list --pending\n", n)
	}
}

func init() {
	syncFullCmd.Flags().StringVar(&syncLookback, "lookback", "", "history window, e.g. 30d or 72h")
	syncNowCmd.Flags().StringSliceVarP(&syncMetrics, "metric", "m", nil, "metric to sync (repeatable)")
	syncCmd.PersistentFlags().BoolVar(&syncJSON, "json", false, "print the session result as JSON")

	syncCmd.AddCommand(syncFullCmd)
	syncCmd.AddCommand(syncIncrementalCmd)
	syncCmd.AddCommand(syncNowCmd)
	rootCmd.AddCommand(syncCmd)
}
