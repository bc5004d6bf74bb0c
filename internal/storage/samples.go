// ABOUTME: Sample, audit, and checkpoint operations for SQLite storage.
// ABOUTME: Implements the Store interface on top of database/sql.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harperreed/healthsync/internal/models"
)

var _ Store = (*SQLiteStore)(nil)

// Upsert inserts the sample or replaces the stored revision with the same key.
func (s *SQLiteStore) Upsert(ctx context.Context, sample models.Sample) error {
	sample, err := prepare(sample)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO samples (user_id, metric, source, source_record_id, value, unit, start_ns, end_ns, recorded_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, metric, source, source_record_id) DO UPDATE SET
			value = excluded.value,
			unit = excluded.unit,
			start_ns = excluded.start_ns,
			end_ns = excluded.end_ns,
			recorded_ns = excluded.recorded_ns
	`
	_, err = s.db.ExecContext(ctx, query,
		sample.UserID,
		string(sample.Metric),
		string(sample.Source),
		sample.SourceRecordID,
		sample.Value,
		sample.Unit,
		sample.Start.UnixNano(),
		sample.End.UnixNano(),
		sample.RecordedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert sample %s: %w", sample.Key(), err)
	}
	return nil
}

// QueryRange returns every stored sample whose window intersects [from, to].
func (s *SQLiteStore) QueryRange(ctx context.Context, userID string, metric models.Metric, from, to time.Time) ([]models.Sample, error) {
	query := `
		SELECT user_id, metric, source, source_record_id, value, unit, start_ns, end_ns, recorded_ns
		FROM samples
		WHERE user_id = ? AND metric = ? AND start_ns <= ? AND end_ns >= ?
		ORDER BY start_ns, source, source_record_id
	`
	rows, err := s.db.QueryContext(ctx, query, userID, string(metric), to.UnixNano(), from.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	defer rows.Close()

	return scanSamples(rows)
}

// ListSamples returns samples most recent first.
func (s *SQLiteStore) ListSamples(ctx context.Context, f SampleFilter) ([]models.Sample, error) {
	var conds []string
	var args []interface{}

	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Metric != "" {
		conds = append(conds, "metric = ?")
		args = append(args, string(f.Metric))
	}
	if f.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, string(f.Source))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "start_ns >= ?")
		args = append(args, f.Since.UnixNano())
	}

	query := `SELECT user_id, metric, source, source_record_id, value, unit, start_ns, end_ns, recorded_ns FROM samples`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY start_ns DESC, source, source_record_id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}
	defer rows.Close()

	return scanSamples(rows)
}

// RecordConflictAudit stores one audit record for a handled group.
func (s *SQLiteStore) RecordConflictAudit(ctx context.Context, g models.ConflictGroup, r models.Resolution) error {
	return s.SaveConflictAudit(ctx, models.NewConflictAudit(g, r))
}

// SaveConflictAudit writes an audit record, replacing one with the same ID.
func (s *SQLiteStore) SaveConflictAudit(ctx context.Context, a models.ConflictAudit) error {
	members, err := json.Marshal(a.Members)
	if err != nil {
		return fmt.Errorf("marshal audit members: %w", err)
	}
	var canonical sql.NullString
	if a.Canonical != nil {
		data, err := json.Marshal(a.Canonical)
		if err != nil {
			return fmt.Errorf("marshal audit canonical: %w", err)
		}
		canonical = sql.NullString{String: string(data), Valid: true}
	}
	var errMsg sql.NullString
	if a.Error != "" {
		errMsg = sql.NullString{String: a.Error, Valid: true}
	}

	query := `
		INSERT OR REPLACE INTO conflict_audits (id, user_id, metric, strategy, resolved, error, members, canonical, recorded_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		a.ID.String(),
		a.UserID,
		string(a.Metric),
		string(a.Strategy),
		a.Resolved,
		errMsg,
		string(members),
		canonical,
		a.RecordedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record conflict audit: %w", err)
	}
	return nil
}

// ListConflictAudits returns audits most recent first.
func (s *SQLiteStore) ListConflictAudits(ctx context.Context, f AuditFilter) ([]models.ConflictAudit, error) {
	var conds []string
	var args []interface{}

	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Metric != "" {
		conds = append(conds, "metric = ?")
		args = append(args, string(f.Metric))
	}
	if f.UnresolvedOnly {
		conds = append(conds, "resolved = 0")
	}

	query := `SELECT id, user_id, metric, strategy, resolved, error, members, canonical, recorded_ns FROM conflict_audits`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY recorded_ns DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conflict audits: %w", err)
	}
	defer rows.Close()

	var audits []models.ConflictAudit
	for rows.Next() {
		var a models.ConflictAudit
		var idStr, metric, strategy, members string
		var errMsg, canonical sql.NullString
		var recordedNs int64

		if err := rows.Scan(&idStr, &a.UserID, &metric, &strategy, &a.Resolved, &errMsg, &members, &canonical, &recordedNs); err != nil {
			return nil, fmt.Errorf("scan conflict audit: %w", err)
		}

		a.ID, _ = uuid.Parse(idStr)
		a.Metric = models.Metric(metric)
		a.Strategy = models.Strategy(strategy)
		a.RecordedAt = fromNanos(recordedNs)
		if errMsg.Valid {
			a.Error = errMsg.String
		}
		if err := json.Unmarshal([]byte(members), &a.Members); err != nil {
			return nil, fmt.Errorf("decode audit members: %w", err)
		}
		if canonical.Valid {
			var c models.Sample
			if err := json.Unmarshal([]byte(canonical.String), &c); err != nil {
				return nil, fmt.Errorf("decode audit canonical: %w", err)
			}
			a.Canonical = &c
		}
		audits = append(audits, a)
	}

	return audits, rows.Err()
}

// GetCheckpoint returns the last error-free sync instant for the user and metric.
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, userID string, metric models.Metric) (time.Time, bool, error) {
	var ns int64
	err := s.db.QueryRowContext(ctx,
		`SELECT completed_ns FROM sync_checkpoints WHERE user_id = ? AND metric = ?`,
		userID, string(metric),
	).Scan(&ns)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get checkpoint: %w", err)
	}
	return fromNanos(ns), true, nil
}

// SetCheckpoint records the sync instant for the user and metric.
func (s *SQLiteStore) SetCheckpoint(ctx context.Context, userID string, metric models.Metric, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (user_id, metric, completed_ns) VALUES (?, ?, ?)
		ON CONFLICT(user_id, metric) DO UPDATE SET completed_ns = excluded.completed_ns
	`, userID, string(metric), at.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("set checkpoint: %w", err)
	}
	return nil
}

// scanSamples scans rows into samples.
func scanSamples(rows *sql.Rows) ([]models.Sample, error) {
	var samples []models.Sample

	for rows.Next() {
		var smp models.Sample
		var metric, source string
		var startNs, endNs, recordedNs int64

		err := rows.Scan(&smp.UserID, &metric, &source, &smp.SourceRecordID, &smp.Value, &smp.Unit, &startNs, &endNs, &recordedNs)
		if err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}

		smp.Metric = models.Metric(metric)
		smp.Source = models.Source(source)
		smp.Start = fromNanos(startNs)
		smp.End = fromNanos(endNs)
		smp.RecordedAt = fromNanos(recordedNs)
		samples = append(samples, smp)
	}

	return samples, rows.Err()
}

func fromNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
