// ABOUTME: Tests for data migration between storage backends.
// ABOUTME: Covers sqlite-to-badger, badger-to-sqlite, and repeated migration.
package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harperreed/healthsync/internal/models"
)

func openMemBadger(t *testing.T) *BadgerStore {
	t.Helper()
	st, err := OpenBadger("")
	if err != nil {
		t.Fatalf("Failed to open badger: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestMigrateDataSQLiteToBadger(t *testing.T) {
	ctx := context.Background()
	src := openSQLite(t)
	seedStore(t, src)
	dst := openMemBadger(t)

	summary, err := MigrateData(ctx, src, dst)
	if err != nil {
		t.Fatalf("MigrateData failed: %v", err)
	}
	if summary.Samples != 3 {
		t.Errorf("Expected 3 migrated samples, got %d", summary.Samples)
	}
	if summary.Audits != 1 {
		t.Errorf("Expected 1 migrated audit, got %d", summary.Audits)
	}
	if summary.Checkpoints != 1 {
		t.Errorf("Expected 1 migrated checkpoint, got %d", summary.Checkpoints)
	}

	at, ok, err := dst.GetCheckpoint(ctx, "u1", models.MetricWeight)
	if err != nil {
		t.Fatalf("GetCheckpoint failed: %v", err)
	}
	if !ok || !at.Equal(base.Add(time.Hour)) {
		t.Errorf("Expected checkpoint %v, got %v (ok=%v)", base.Add(time.Hour), at, ok)
	}

	audits, err := dst.ListConflictAudits(ctx, AuditFilter{})
	if err != nil {
		t.Fatalf("ListConflictAudits failed: %v", err)
	}
	if len(audits) != 1 || audits[0].Strategy != models.StrategyPreferSource {
		t.Errorf("Expected one prefer_source audit, got %+v", audits)
	}
}

func TestMigrateDataBadgerToSQLite(t *testing.T) {
	ctx := context.Background()
	src := openMemBadger(t)
	seedStore(t, src)
	dst := openSQLite(t)

	summary, err := MigrateData(ctx, src, dst)
	if err != nil {
		t.Fatalf("MigrateData failed: %v", err)
	}
	if summary.Samples != 3 {
		t.Errorf("Expected 3 migrated samples, got %d", summary.Samples)
	}

	samples, err := dst.ListSamples(ctx, SampleFilter{Metric: models.MetricSteps})
	if err != nil {
		t.Fatalf("ListSamples failed: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("Expected 1 steps sample, got %d", len(samples))
	}
	got := samples[0]
	if got.Value != 4200 || got.Source != models.SourceFitnessCloud || got.SourceRecordID != "s1" {
		t.Errorf("Steps sample not preserved: %+v", got)
	}
	if !got.Start.Equal(base) || !got.End.Equal(base.Add(time.Hour)) {
		t.Errorf("Steps window not preserved: %v to %v", got.Start, got.End)
	}
}

func TestMigrateDataPreservesSamples(t *testing.T) {
	ctx := context.Background()
	src := openSQLite(t)
	seedStore(t, src)
	dst := openMemBadger(t)

	if _, err := MigrateData(ctx, src, dst); err != nil {
		t.Fatalf("MigrateData failed: %v", err)
	}

	want, err := src.QueryRange(ctx, "u1", models.MetricWeight, base, base)
	if err != nil {
		t.Fatalf("QueryRange src failed: %v", err)
	}
	got, err := dst.QueryRange(ctx, "u1", models.MetricWeight, base, base)
	if err != nil {
		t.Fatalf("QueryRange dst failed: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d weight samples, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].Key() != want[i].Key() || got[i].Value != want[i].Value || got[i].Unit != want[i].Unit {
			t.Errorf("Sample %d differs: want %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestMigrateDataTwiceDoesNotDuplicate(t *testing.T) {
	ctx := context.Background()
	src := openSQLite(t)
	seedStore(t, src)
	dst := openMemBadger(t)

	first, err := MigrateData(ctx, src, dst)
	if err != nil {
		t.Fatalf("first MigrateData failed: %v", err)
	}
	second, err := MigrateData(ctx, src, dst)
	if err != nil {
		t.Fatalf("second MigrateData failed: %v", err)
	}
	if first.Samples != second.Samples {
		t.Errorf("Expected same sample count, got %d then %d", first.Samples, second.Samples)
	}

	all, err := dst.ListSamples(ctx, SampleFilter{})
	if err != nil {
		t.Fatalf("ListSamples failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected 3 samples after two migrations, got %d", len(all))
	}
	audits, err := dst.ListConflictAudits(ctx, AuditFilter{})
	if err != nil {
		t.Fatalf("ListConflictAudits failed: %v", err)
	}
	if len(audits) != 1 {
		t.Errorf("Expected 1 audit after two migrations, got %d", len(audits))
	}
}

func TestMigrateDataEmptySource(t *testing.T) {
	summary, err := MigrateData(context.Background(), openSQLite(t), openMemBadger(t))
	if err != nil {
		t.Fatalf("MigrateData failed: %v", err)
	}
	if summary.Samples != 0 || summary.Audits != 0 || summary.Checkpoints != 0 {
		t.Errorf("Expected empty summary, got %+v", summary)
	}
}

func TestIsDirNonEmpty(t *testing.T) {
	dir := t.TempDir()

	got, err := IsDirNonEmpty(dir)
	if err != nil {
		t.Fatalf("IsDirNonEmpty failed: %v", err)
	}
	if got {
		t.Error("Expected empty dir to report false")
	}

	if err := os.WriteFile(filepath.Join(dir, "x"), []byte("x"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	got, err = IsDirNonEmpty(dir)
	if err != nil {
		t.Fatalf("IsDirNonEmpty failed: %v", err)
	}
	if !got {
		t.Error("Expected dir with a file to report true")
	}

	got, err = IsDirNonEmpty(filepath.Join(dir, "missing"))
	if err != nil {
		t.Fatalf("IsDirNonEmpty on missing dir failed: %v", err)
	}
	if got {
		t.Error("Expected missing dir to report false")
	}
}
