// ABOUTME: Embedded key-value Store backed by Badger.
// ABOUTME: Samples, audits, and checkpoints live under path-escaped key prefixes.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/harperreed/healthsync/internal/models"
)

var _ Store = (*BadgerStore)(nil)

// BadgerStore keeps samples as JSON values keyed by their identity.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens a Badger database in dir. An empty dir opens an in-memory store.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close closes the database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func key(parts ...string) []byte {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return []byte(strings.Join(escaped, "/"))
}

func prefix(parts ...string) []byte {
	return append(key(parts...), '/')
}

func sampleKey(s models.Sample) []byte {
	return key("sample", s.UserID, string(s.Metric), string(s.Source), s.SourceRecordID)
}

// Upsert writes the sample under its identity key, replacing any prior revision.
func (b *BadgerStore) Upsert(ctx context.Context, sample models.Sample) error {
	sample, err := prepare(sample)
	if err != nil {
		return err
	}
	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sampleKey(sample), data)
	})
	if err != nil {
		return fmt.Errorf("upsert sample %s: %w", sample.Key(), err)
	}
	return nil
}

// scan decodes every value under p, stopping early when ctx is done.
func (b *BadgerStore) scan(ctx context.Context, p []byte, fn func(val []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

// QueryRange returns every stored sample whose window intersects [from, to].
func (b *BadgerStore) QueryRange(ctx context.Context, userID string, metric models.Metric, from, to time.Time) ([]models.Sample, error) {
	var out []models.Sample
	err := b.scan(ctx, prefix("sample", userID, string(metric)), func(val []byte) error {
		var s models.Sample
		if err := json.Unmarshal(val, &s); err != nil {
			return fmt.Errorf("decode sample: %w", err)
		}
		if s.Intersects(from, to) {
			out = append(out, s)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	sortSamples(out)
	return out, nil
}

// ListSamples returns samples most recent first.
func (b *BadgerStore) ListSamples(ctx context.Context, f SampleFilter) ([]models.Sample, error) {
	p := prefix("sample")
	if f.UserID != "" {
		p = prefix("sample", f.UserID)
		if f.Metric != "" {
			p = prefix("sample", f.UserID, string(f.Metric))
		}
	}

	var out []models.Sample
	err := b.scan(ctx, p, func(val []byte) error {
		var s models.Sample
		if err := json.Unmarshal(val, &s); err != nil {
			return fmt.Errorf("decode sample: %w", err)
		}
		if f.matches(s) {
			out = append(out, s)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}

	sortSamples(out)
	reverse(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// RecordConflictAudit stores one audit record for a handled group.
func (b *BadgerStore) RecordConflictAudit(ctx context.Context, g models.ConflictGroup, r models.Resolution) error {
	return b.SaveConflictAudit(ctx, models.NewConflictAudit(g, r))
}

// SaveConflictAudit writes an audit record, replacing one with the same ID.
func (b *BadgerStore) SaveConflictAudit(ctx context.Context, a models.ConflictAudit) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal audit: %w", err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key("audit", a.UserID, a.ID.String()), data)
	})
	if err != nil {
		return fmt.Errorf("record conflict audit: %w", err)
	}
	return nil
}

// ListConflictAudits returns audits most recent first.
func (b *BadgerStore) ListConflictAudits(ctx context.Context, f AuditFilter) ([]models.ConflictAudit, error) {
	p := prefix("audit")
	if f.UserID != "" {
		p = prefix("audit", f.UserID)
	}

	var out []models.ConflictAudit
	err := b.scan(ctx, p, func(val []byte) error {
		var a models.ConflictAudit
		if err := json.Unmarshal(val, &a); err != nil {
			return fmt.Errorf("decode audit: %w", err)
		}
		if f.matches(a) {
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list conflict audits: %w", err)
	}

	sortAudits(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// GetCheckpoint returns the last error-free sync instant for the user and metric.
func (b *BadgerStore) GetCheckpoint(ctx context.Context, userID string, metric models.Metric) (time.Time, bool, error) {
	var at time.Time
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key("checkpoint", userID, string(metric)))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return at.UnmarshalText(val)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get checkpoint: %w", err)
	}
	return at.UTC(), true, nil
}

// SetCheckpoint records the sync instant for the user and metric.
func (b *BadgerStore) SetCheckpoint(ctx context.Context, userID string, metric models.Metric, at time.Time) error {
	val, err := at.UTC().MarshalText()
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key("checkpoint", userID, string(metric)), val)
	})
	if err != nil {
		return fmt.Errorf("set checkpoint: %w", err)
	}
	return nil
}

func reverse(samples []models.Sample) {
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
}
