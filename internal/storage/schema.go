// ABOUTME: SQLite schema definition and initialization.
// ABOUTME: Defines tables for samples, conflict audits, and sync checkpoints.
package storage

// initSchema creates or updates the database schema.
// Timestamps are stored as UTC unix nanoseconds so range predicates compare numerically.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS samples (
		user_id TEXT NOT NULL,
		metric TEXT NOT NULL,
		source TEXT NOT NULL,
		source_record_id TEXT NOT NULL,
		value REAL NOT NULL,
		unit TEXT NOT NULL,
		start_ns INTEGER NOT NULL,
		end_ns INTEGER NOT NULL,
		recorded_ns INTEGER NOT NULL,
		PRIMARY KEY (user_id, metric, source, source_record_id)
	);

	CREATE TABLE IF NOT EXISTS conflict_audits (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		metric TEXT NOT NULL,
		strategy TEXT NOT NULL,
		resolved INTEGER NOT NULL,
		error TEXT,
		members TEXT NOT NULL,
		canonical TEXT,
		recorded_ns INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_checkpoints (
		user_id TEXT NOT NULL,
		metric TEXT NOT NULL,
		completed_ns INTEGER NOT NULL,
		PRIMARY KEY (user_id, metric)
	);

	CREATE INDEX IF NOT EXISTS idx_samples_range ON samples(user_id, metric, start_ns, end_ns);
	CREATE INDEX IF NOT EXISTS idx_audits_user ON conflict_audits(user_id, recorded_ns DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}
