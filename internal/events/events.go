// ABOUTME: Sync lifecycle events published by the orchestrator.
// ABOUTME: Terminal events close a session; everything else is telemetry.
package events

import (
	"time"

	"github.com/harperreed/healthsync/internal/models"
)

// Type names an event.
type Type string

const (
	SyncStarted         Type = "sync_started"
	MetricSyncCompleted Type = "metric_sync_completed"
	ConflictDetected    Type = "conflict_detected"
	ConflictResolved    Type = "conflict_resolved"
	SyncCompleted       Type = "sync_completed"
	SyncFailed          Type = "sync_failed"
)

// Terminal reports whether t ends a session.
func (t Type) Terminal() bool {
	return t == SyncCompleted || t == SyncFailed
}

// Summary is the per-session outcome carried by terminal events.
type Summary struct {
	State       string `json:"state"`
	Fetched     int    `json:"fetched"`
	Conflicts   int    `json:"conflicts"`
	Resolved    int    `json:"resolved"`
	Pending     int    `json:"pending"`
	Persisted   int    `json:"persisted"`
	WrittenBack int    `json:"written_back"`
	Errors      int    `json:"errors"`
}

// Event is one notification. Fields irrelevant to the type are zero.
type Event struct {
	Type      Type            `json:"type"`
	UserID    string          `json:"user_id"`
	SessionID string          `json:"session_id"`
	Metric    models.Metric   `json:"metric,omitempty"`
	Fetched   int             `json:"fetched,omitempty"`
	Conflicts int             `json:"conflicts,omitempty"`
	GroupSize int             `json:"group_size,omitempty"`
	Strategy  models.Strategy `json:"strategy,omitempty"`
	Summary   *Summary        `json:"summary,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	At        time.Time       `json:"at"`
}
