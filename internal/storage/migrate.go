// ABOUTME: Data migration between storage backends.
// ABOUTME: Copies samples, conflict audits, and checkpoints from source to destination.

package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/harperreed/healthsync/internal/models"
)

// MigrateSummary holds counts of migrated entities.
type MigrateSummary struct {
	Samples     int
	Audits      int
	Checkpoints int
}

// MigrateData copies all data from src to dst storage.
// Samples upsert by identity, so re-running a migration does not duplicate rows.
func MigrateData(ctx context.Context, src, dst Store) (*MigrateSummary, error) {
	summary := &MigrateSummary{}

	samples, err := src.ListSamples(ctx, SampleFilter{})
	if err != nil {
		return nil, fmt.Errorf("list source samples: %w", err)
	}

	users := make(map[string]bool)
	for _, s := range samples {
		if err := dst.Upsert(ctx, s); err != nil {
			return nil, fmt.Errorf("upsert sample %s: %w", s.Key(), err)
		}
		users[s.UserID] = true
		summary.Samples++
	}

	audits, err := src.ListConflictAudits(ctx, AuditFilter{})
	if err != nil {
		return nil, fmt.Errorf("list source audits: %w", err)
	}
	for _, a := range audits {
		if err := dst.SaveConflictAudit(ctx, a); err != nil {
			return nil, fmt.Errorf("save audit %s: %w", a.ID, err)
		}
		users[a.UserID] = true
		summary.Audits++
	}

	for user := range users {
		for _, m := range models.AllMetrics {
			at, ok, err := src.GetCheckpoint(ctx, user, m)
			if err != nil {
				return nil, fmt.Errorf("get checkpoint %s/%s: %w", user, m, err)
			}
			if !ok {
				continue
			}
			if err := dst.SetCheckpoint(ctx, user, m, at); err != nil {
				return nil, fmt.Errorf("set checkpoint %s/%s: %w", user, m, err)
			}
			summary.Checkpoints++
		}
	}

	return summary, nil
}

// IsDirNonEmpty checks whether a directory exists and contains any files or subdirectories.
// Returns false if the directory does not exist or is empty.
func IsDirNonEmpty(path string) (bool, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read directory %q: %w", path, err)
	}
	return len(entries) > 0, nil
}
