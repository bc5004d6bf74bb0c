// ABOUTME: Storage interfaces for the sample store gateway.
// ABOUTME: Defines the Gateway contract plus checkpoints, listing, and lifecycle.
package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/harperreed/healthsync/internal/models"
)

// Gateway is the storage contract the orchestrator depends on.
// Upsert is keyed by (user, metric, source, source record id) and must be
// safe for concurrent use.
type Gateway interface {
	Upsert(ctx context.Context, s models.Sample) error
	QueryRange(ctx context.Context, userID string, metric models.Metric, from, to time.Time) ([]models.Sample, error)
	RecordConflictAudit(ctx context.Context, g models.ConflictGroup, r models.Resolution) error
}

// Checkpointer persists the last error-free sync instant per user and metric.
type Checkpointer interface {
	GetCheckpoint(ctx context.Context, userID string, metric models.Metric) (time.Time, bool, error)
	SetCheckpoint(ctx context.Context, userID string, metric models.Metric, at time.Time) error
}

// SampleFilter narrows ListSamples. Zero values mean no filter.
type SampleFilter struct {
	UserID string
	Metric models.Metric
	Source models.Source
	Since  time.Time
	Limit  int
}

// AuditFilter narrows ListConflictAudits. Zero values mean no filter.
type AuditFilter struct {
	UserID         string
	Metric         models.Metric
	UnresolvedOnly bool
	Limit          int
}

// Store is a full storage backend used by the CLI and MCP server.
type Store interface {
	Gateway
	Checkpointer

	ListSamples(ctx context.Context, f SampleFilter) ([]models.Sample, error)
	ListConflictAudits(ctx context.Context, f AuditFilter) ([]models.ConflictAudit, error)
	SaveConflictAudit(ctx context.Context, a models.ConflictAudit) error

	Close() error
}

// prepare normalizes and validates a sample before it is written.
func prepare(s models.Sample) (models.Sample, error) {
	s = s.Normalize()
	if s.RecordedAt.IsZero() {
		s.RecordedAt = time.Now().UTC()
	}
	if err := s.Validate(); err != nil {
		return models.Sample{}, fmt.Errorf("upsert: %w", err)
	}
	return s, nil
}

// sortSamples orders a timeline by start, then source, then record id.
func sortSamples(samples []models.Sample) {
	sort.Slice(samples, func(i, j int) bool {
		a, b := samples[i], samples[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.SourceRecordID < b.SourceRecordID
	})
}

func (f SampleFilter) matches(s models.Sample) bool {
	if f.UserID != "" && s.UserID != f.UserID {
		return false
	}
	if f.Metric != "" && s.Metric != f.Metric {
		return false
	}
	if f.Source != "" && s.Source != f.Source {
		return false
	}
	if !f.Since.IsZero() && s.Start.Before(f.Since) {
		return false
	}
	return true
}

func (f AuditFilter) matches(a models.ConflictAudit) bool {
	if f.UserID != "" && a.UserID != f.UserID {
		return false
	}
	if f.Metric != "" && a.Metric != f.Metric {
		return false
	}
	if f.UnresolvedOnly && a.Resolved {
		return false
	}
	return true
}

// sortAudits orders audits most recent first.
func sortAudits(audits []models.ConflictAudit) {
	sort.Slice(audits, func(i, j int) bool {
		if !audits[i].RecordedAt.Equal(audits[j].RecordedAt) {
			return audits[i].RecordedAt.After(audits[j].RecordedAt)
		}
		return audits[i].ID.String() < audits[j].ID.String()
	})
}
