// ABOUTME: Session and per-metric results returned by the trigger operations.
// ABOUTME: A Result is always returned, even when the session fails.
package syncer

import (
	"sort"
	"time"

	"github.com/harperreed/healthsync/internal/events"
	"github.com/harperreed/healthsync/internal/models"
)

// Kind is how a session was triggered.
type Kind string

const (
	KindFull        Kind = "full"
	KindIncremental Kind = "incremental"
	KindImmediate   Kind = "immediate"
)

// State is a session or metric stage.
type State string

const (
	StateIdle                State = "idle"
	StateFetching            State = "fetching"
	StateDetecting           State = "detecting"
	StateResolving           State = "resolving"
	StatePersisting          State = "persisting"
	StateWritingBack         State = "writing_back"
	StateCompleted           State = "completed"
	StateCompletedWithErrors State = "completed_with_errors"
	StateFailed              State = "failed"
	StateCancelled           State = "cancelled"
)

// Terminal reports whether s ends a session.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCompletedWithErrors, StateFailed, StateCancelled:
		return true
	}
	return false
}

// MetricResult is what happened to one metric within a session.
type MetricResult struct {
	Metric      models.Metric `json:"metric"`
	Stage       State         `json:"stage"`
	From        time.Time     `json:"from"`
	To          time.Time     `json:"to"`
	Fetched     int           `json:"fetched"`
	Conflicts   int           `json:"conflicts"`
	Resolved    int           `json:"resolved"`
	Pending     int           `json:"pending"`
	Persisted   int           `json:"persisted"`
	WrittenBack int           `json:"written_back"`
	// Discarded is set when the session was cancelled before the metric's
	// fetches completed; nothing was written for it.
	Discarded    bool                  `json:"discarded,omitempty"`
	SourceErrors []*models.SourceError `json:"source_errors,omitempty"`
	StoreErrors  []string              `json:"store_errors,omitempty"`

	unresolved []models.ConflictGroup
	// syncErr marks errors that block the checkpoint: fetch and store failures.
	syncErr bool
}

// Errors counts every error recorded for the metric.
func (m *MetricResult) Errors() int {
	return len(m.SourceErrors) + len(m.StoreErrors)
}

// Result summarizes one sync session.
type Result struct {
	SessionID   string                          `json:"session_id"`
	UserID      string                          `json:"user_id"`
	Kind        Kind                            `json:"kind"`
	State       State                           `json:"state"`
	Reason      string                          `json:"reason,omitempty"`
	StartedAt   time.Time                       `json:"started_at"`
	CompletedAt time.Time                       `json:"completed_at"`
	Sources     []models.Source                 `json:"sources"`
	Metrics     map[models.Metric]*MetricResult `json:"metrics"`
	Unresolved  []models.ConflictGroup          `json:"unresolved,omitempty"`
	Errors      []*models.SourceError           `json:"errors,omitempty"`
}

func newResult(sessionID, userID string, kind Kind, started time.Time) *Result {
	return &Result{
		SessionID: sessionID,
		UserID:    userID,
		Kind:      kind,
		State:     StateIdle,
		StartedAt: started,
		Metrics:   make(map[models.Metric]*MetricResult),
	}
}

// add folds a finished metric into the session.
func (r *Result) add(m MetricResult) {
	mr := m
	r.Metrics[m.Metric] = &mr
	r.Unresolved = append(r.Unresolved, m.unresolved...)
	r.Errors = append(r.Errors, m.SourceErrors...)
}

// SortedMetrics returns the metric results ordered by metric name.
func (r *Result) SortedMetrics() []*MetricResult {
	out := make([]*MetricResult, 0, len(r.Metrics))
	for _, m := range r.Metrics {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out
}

// Summary totals the per-metric counts for terminal events.
func (r *Result) Summary() events.Summary {
	s := events.Summary{State: string(r.State)}
	for _, m := range r.Metrics {
		s.Fetched += m.Fetched
		s.Conflicts += m.Conflicts
		s.Resolved += m.Resolved
		s.Pending += m.Pending
		s.Persisted += m.Persisted
		s.WrittenBack += m.WrittenBack
		s.Errors += m.Errors()
	}
	return s
}

// finalState picks Completed or CompletedWithErrors from the metric results.
func (r *Result) finalState() State {
	for _, m := range r.Metrics {
		if m.Errors() > 0 {
			return StateCompletedWithErrors
		}
	}
	return StateCompleted
}
