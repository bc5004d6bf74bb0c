// ABOUTME: Sample model: one measurement from one source for one user.
// ABOUTME: Provides identity keys, window helpers, normalization, and validation.
package models

import (
	"fmt"
	"math"
	"time"
)

// Sample represents a single measurement reported by a source.
type Sample struct {
	UserID         string    `json:"user_id"`
	Metric         Metric    `json:"metric"`
	Value          float64   `json:"value"`
	Unit           string    `json:"unit"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Source         Source    `json:"source"`
	SourceRecordID string    `json:"source_record_id"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// SampleKey uniquely identifies a sample revision.
type SampleKey struct {
	UserID         string
	Metric         Metric
	Source         Source
	SourceRecordID string
}

func (k SampleKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.UserID, k.Metric, k.Source, k.SourceRecordID)
}

// NewSample creates a point-in-time sample with the metric's canonical unit.
func NewSample(userID string, metric Metric, value float64, at time.Time, source Source, recordID string) Sample {
	return Sample{
		UserID:         userID,
		Metric:         metric,
		Value:          value,
		Unit:           metric.Unit(),
		Start:          at,
		End:            at,
		Source:         source,
		SourceRecordID: recordID,
		RecordedAt:     time.Now().UTC(),
	}
}

// WithWindow sets an interval window.
func (s Sample) WithWindow(start, end time.Time) Sample {
	s.Start = start
	s.End = end
	return s
}

// WithRecordedAt sets the ingest timestamp.
func (s Sample) WithRecordedAt(t time.Time) Sample {
	s.RecordedAt = t
	return s
}

// Key returns the identity of the sample.
func (s Sample) Key() SampleKey {
	return SampleKey{
		UserID:         s.UserID,
		Metric:         s.Metric,
		Source:         s.Source,
		SourceRecordID: s.SourceRecordID,
	}
}

// IsPoint reports whether the sample has a zero-width window.
func (s Sample) IsPoint() bool {
	return !s.End.After(s.Start)
}

// Intersects reports whether the sample window touches [from, to].
func (s Sample) Intersects(from, to time.Time) bool {
	end := s.End
	if s.IsPoint() {
		end = s.Start
	}
	return !s.Start.After(to) && !end.Before(from)
}

// Normalize fills the canonical unit, forces UTC, and rounds integer metrics.
func (s Sample) Normalize() Sample {
	if s.Unit == "" {
		s.Unit = s.Metric.Unit()
	}
	s.Start = s.Start.UTC()
	s.End = s.End.UTC()
	if s.End.Before(s.Start) {
		s.End = s.Start
	}
	s.RecordedAt = s.RecordedAt.UTC()
	if s.Metric.IsInteger() {
		s.Value = math.Round(s.Value)
	}
	return s
}

// Validate checks required fields.
func (s Sample) Validate() error {
	if s.UserID == "" {
		return fmt.Errorf("sample: user id is required")
	}
	if !IsValidMetric(string(s.Metric)) {
		return fmt.Errorf("sample: unknown metric %q", s.Metric)
	}
	if s.Source == "" {
		return fmt.Errorf("sample: source is required")
	}
	if s.SourceRecordID == "" {
		return fmt.Errorf("sample: source record id is required")
	}
	if s.Start.IsZero() {
		return fmt.Errorf("sample: timestamp is required")
	}
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return fmt.Errorf("sample: value must be finite")
	}
	return nil
}
