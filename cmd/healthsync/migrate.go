// ABOUTME: CLI command for copying data between storage backends.
// ABOUTME: Moves samples, conflict audits, and checkpoints to a new backend.
package main

import (
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harperreed/healthsync/internal/storage"
)

var (
	migrateTo          string
	migrateDataDir     string
	migratePostgresURL string
	migrateDryRun      bool
	migrateForce       bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy data to another storage backend",
	Long: `Copy every sample, conflict audit, and checkpoint from the configured
backend to another one.

Samples upsert by identity, so re-running a migration is safe. Badger
destinations must be empty unless --force is given.

USAGE:

  healthsync migrate --to badger --dry-run
  healthsync migrate --to badger --data-dir ~/healthsync-kv
  healthsync migrate --to postgres --postgres-url postgres://localhost/healthsync

AFTER MIGRATION:

  Set "backend" (and "data_dir" or "postgres_url") in config.json to the
  new backend.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		dst := *cfg
		dst.Backend = migrateTo
		if migrateDataDir != "" {
			dst.DataDir = migrateDataDir
		}
		if migratePostgresURL != "" {
			dst.PostgresURL = migratePostgresURL
		}
		if dst.GetBackend() == cfg.GetBackend() && dst.GetDataDir() == cfg.GetDataDir() && dst.PostgresURL == cfg.PostgresURL {
			return fmt.Errorf("destination is the configured backend")
		}

		if dst.GetBackend() == "badger" && !migrateForce {
			nonEmpty, err := storage.IsDirNonEmpty(filepath.Join(dst.GetDataDir(), "badger"))
			if err != nil {
				return err
			}
			if nonEmpty {
				return fmt.Errorf("badger directory in %s is not empty (use --force to merge)", dst.GetDataDir())
			}
		}

		src, err := cfg.OpenStorage(ctx)
		if err != nil {
			return fmt.Errorf("failed to open source storage: %w", err)
		}
		defer src.Close()

		if migrateDryRun {
			samples, err := src.ListSamples(ctx, storage.SampleFilter{})
			if err != nil {
				return err
			}
			audits, err := src.ListConflictAudits(ctx, storage.AuditFilter{})
			if err != nil {
				return err
			}
			color.New(color.FgYellow).Fprintln(out, "Dry run mode - no changes will be made")
			fmt.Fprintf(out, "  Would copy %d samples and %d conflict audits from %s to %s\n",
				len(samples), len(audits), cfg.GetBackend(), dst.GetBackend())
			return nil
		}

		target, err := dst.OpenStorage(ctx)
		if err != nil {
			return fmt.Errorf("failed to open destination storage: %w", err)
		}
		defer target.Close()

		summary, err := storage.MigrateData(ctx, src, target)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

		color.New(color.FgGreen).Fprintf(out, "✓ Migrated %s → %s\n", cfg.GetBackend(), dst.GetBackend())
		fmt.Fprintf(out, "  Samples:     %d\n", summary.Samples)
		fmt.Fprintf(out, "  Audits:      %d\n", summary.Audits)
		fmt.Fprintf(out, "  Checkpoints: %d\n", summary.Checkpoints)
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateTo, "to", "", "destination backend: sqlite, badger, or postgres")
	migrateCmd.Flags().StringVar(&migrateDataDir, "data-dir", "", "destination data directory")
	migrateCmd.Flags().StringVar(&migratePostgresURL, "postgres-url", "", "destination postgres connection string")
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "preview migration without making changes")
	migrateCmd.Flags().BoolVar(&migrateForce, "force", false, "write into a non-empty badger directory")
	_ = migrateCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(migrateCmd)
}
