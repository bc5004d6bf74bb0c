// ABOUTME: Server-side Store backed by Postgres through pgx.
// ABOUTME: Used when several sync workers share one timeline database.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harperreed/healthsync/internal/models"
)

var _ Store = (*PostgresStore)(nil)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS samples (
    user_id TEXT NOT NULL,
    metric TEXT NOT NULL,
    source TEXT NOT NULL,
    source_record_id TEXT NOT NULL,
    value DOUBLE PRECISION NOT NULL,
    unit TEXT NOT NULL,
    start_at TIMESTAMPTZ NOT NULL,
    end_at TIMESTAMPTZ NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (user_id, metric, source, source_record_id)
);
CREATE INDEX IF NOT EXISTS idx_samples_range ON samples (user_id, metric, start_at, end_at);

CREATE TABLE IF NOT EXISTS conflict_audits (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    metric TEXT NOT NULL,
    strategy TEXT NOT NULL,
    resolved BOOLEAN NOT NULL,
    error TEXT,
    members JSONB NOT NULL,
    canonical JSONB,
    recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audits_user ON conflict_audits (user_id, recorded_at DESC);

CREATE TABLE IF NOT EXISTS sync_checkpoints (
    user_id TEXT NOT NULL,
    metric TEXT NOT NULL,
    completed_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (user_id, metric)
);
`

// PostgresStore provides Postgres-backed persistence for the timeline.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to url and ensures the schema exists.
func OpenPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

// Upsert inserts the sample or replaces the stored revision with the same key.
func (p *PostgresStore) Upsert(ctx context.Context, sample models.Sample) error {
	sample, err := prepare(sample)
	if err != nil {
		return err
	}

	const query = `INSERT INTO samples (user_id, metric, source, source_record_id, value, unit, start_at, end_at, recorded_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (user_id, metric, source, source_record_id) DO UPDATE SET
            value = EXCLUDED.value,
            unit = EXCLUDED.unit,
            start_at = EXCLUDED.start_at,
            end_at = EXCLUDED.end_at,
            recorded_at = EXCLUDED.recorded_at`

	_, err = p.pool.Exec(ctx, query,
		sample.UserID,
		string(sample.Metric),
		string(sample.Source),
		sample.SourceRecordID,
		sample.Value,
		sample.Unit,
		sample.Start,
		sample.End,
		sample.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert sample %s: %w", sample.Key(), err)
	}
	return nil
}

const sampleColumns = `user_id, metric, source, source_record_id, value, unit, start_at, end_at, recorded_at`

// QueryRange returns every stored sample whose window intersects [from, to].
func (p *PostgresStore) QueryRange(ctx context.Context, userID string, metric models.Metric, from, to time.Time) ([]models.Sample, error) {
	query := `SELECT ` + sampleColumns + ` FROM samples
        WHERE user_id=$1 AND metric=$2 AND start_at <= $3 AND end_at >= $4
        ORDER BY start_at, source, source_record_id`

	rows, err := p.pool.Query(ctx, query, userID, string(metric), to, from)
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	return collectSamples(rows)
}

// ListSamples returns samples most recent first.
func (p *PostgresStore) ListSamples(ctx context.Context, f SampleFilter) ([]models.Sample, error) {
	var conds []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.UserID != "" {
		add("user_id=$%d", f.UserID)
	}
	if f.Metric != "" {
		add("metric=$%d", string(f.Metric))
	}
	if f.Source != "" {
		add("source=$%d", string(f.Source))
	}
	if !f.Since.IsZero() {
		add("start_at >= $%d", f.Since)
	}

	query := `SELECT ` + sampleColumns + ` FROM samples`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY start_at DESC, source, source_record_id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}
	return collectSamples(rows)
}

func collectSamples(rows pgx.Rows) ([]models.Sample, error) {
	defer rows.Close()

	var out []models.Sample
	for rows.Next() {
		var s models.Sample
		var metric, source string
		if err := rows.Scan(&s.UserID, &metric, &source, &s.SourceRecordID, &s.Value, &s.Unit, &s.Start, &s.End, &s.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		s.Metric = models.Metric(metric)
		s.Source = models.Source(source)
		s.Start = s.Start.UTC()
		s.End = s.End.UTC()
		s.RecordedAt = s.RecordedAt.UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// RecordConflictAudit stores one audit record for a handled group.
func (p *PostgresStore) RecordConflictAudit(ctx context.Context, g models.ConflictGroup, r models.Resolution) error {
	return p.SaveConflictAudit(ctx, models.NewConflictAudit(g, r))
}

// SaveConflictAudit writes an audit record, replacing one with the same ID.
func (p *PostgresStore) SaveConflictAudit(ctx context.Context, a models.ConflictAudit) error {
	members, err := json.Marshal(a.Members)
	if err != nil {
		return fmt.Errorf("marshal audit members: %w", err)
	}
	var canonical *string
	if a.Canonical != nil {
		data, err := json.Marshal(a.Canonical)
		if err != nil {
			return fmt.Errorf("marshal audit canonical: %w", err)
		}
		c := string(data)
		canonical = &c
	}
	var errMsg *string
	if a.Error != "" {
		errMsg = &a.Error
	}

	const query = `INSERT INTO conflict_audits (id, user_id, metric, strategy, resolved, error, members, canonical, recorded_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (id) DO UPDATE SET
            strategy = EXCLUDED.strategy,
            resolved = EXCLUDED.resolved,
            error = EXCLUDED.error,
            members = EXCLUDED.members,
            canonical = EXCLUDED.canonical,
            recorded_at = EXCLUDED.recorded_at`

	_, err = p.pool.Exec(ctx, query,
		a.ID.String(),
		a.UserID,
		string(a.Metric),
		string(a.Strategy),
		a.Resolved,
		errMsg,
		string(members),
		canonical,
		a.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("record conflict audit: %w", err)
	}
	return nil
}

// ListConflictAudits returns audits most recent first.
func (p *PostgresStore) ListConflictAudits(ctx context.Context, f AuditFilter) ([]models.ConflictAudit, error) {
	var conds []string
	var args []interface{}
	if f.UserID != "" {
		args = append(args, f.UserID)
		conds = append(conds, fmt.Sprintf("user_id=$%d", len(args)))
	}
	if f.Metric != "" {
		args = append(args, string(f.Metric))
		conds = append(conds, fmt.Sprintf("metric=$%d", len(args)))
	}
	if f.UnresolvedOnly {
		conds = append(conds, "NOT resolved")
	}

	query := `SELECT id::text, user_id, metric, strategy, resolved, error, members, canonical, recorded_at FROM conflict_audits`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY recorded_at DESC, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conflict audits: %w", err)
	}
	defer rows.Close()

	var out []models.ConflictAudit
	for rows.Next() {
		var a models.ConflictAudit
		var id, metric, strategy string
		var errMsg *string
		var members, canonical []byte
		if err := rows.Scan(&id, &a.UserID, &metric, &strategy, &a.Resolved, &errMsg, &members, &canonical, &a.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan conflict audit: %w", err)
		}
		if err := a.ID.UnmarshalText([]byte(id)); err != nil {
			return nil, fmt.Errorf("decode audit id: %w", err)
		}
		a.Metric = models.Metric(metric)
		a.Strategy = models.Strategy(strategy)
		a.RecordedAt = a.RecordedAt.UTC()
		if errMsg != nil {
			a.Error = *errMsg
		}
		if err := json.Unmarshal(members, &a.Members); err != nil {
			return nil, fmt.Errorf("decode audit members: %w", err)
		}
		if len(canonical) > 0 {
			var c models.Sample
			if err := json.Unmarshal(canonical, &c); err != nil {
				return nil, fmt.Errorf("decode audit canonical: %w", err)
			}
			a.Canonical = &c
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetCheckpoint returns the last error-free sync instant for the user and metric.
func (p *PostgresStore) GetCheckpoint(ctx context.Context, userID string, metric models.Metric) (time.Time, bool, error) {
	var at time.Time
	err := p.pool.QueryRow(ctx,
		`SELECT completed_at FROM sync_checkpoints WHERE user_id=$1 AND metric=$2`,
		userID, string(metric),
	).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get checkpoint: %w", err)
	}
	return at.UTC(), true, nil
}

// SetCheckpoint records the sync instant for the user and metric.
func (p *PostgresStore) SetCheckpoint(ctx context.Context, userID string, metric models.Metric, at time.Time) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO sync_checkpoints (user_id, metric, completed_at) VALUES ($1,$2,$3)
        ON CONFLICT (user_id, metric) DO UPDATE SET completed_at = EXCLUDED.completed_at`,
		userID, string(metric), at.UTC())
	if err != nil {
		return fmt.Errorf("set checkpoint: %w", err)
	}
	return nil
}
