// ABOUTME: Error taxonomy shared by adapters, the resolver, and the orchestrator.
// ABOUTME: Callers classify failures with errors.Is against these sentinels.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrTransientIO covers timeouts, 5xx, rate limits and token refresh problems. Retryable.
	ErrTransientIO = errors.New("transient io failure")
	// ErrUnsupported means the adapter cannot serve the metric or operation. Never retried.
	ErrUnsupported = errors.New("unsupported by source")
	// ErrRejected means the platform validated and refused a write. Never retried.
	ErrRejected = errors.New("rejected by source")
	// ErrInvalidStrategyForMetric means the configured strategy cannot resolve the metric.
	ErrInvalidStrategyForMetric = errors.New("invalid strategy for metric")
	// ErrNoSourcesAvailable aborts a sync session before any fetch.
	ErrNoSourcesAvailable = errors.New("no sources available")
	// ErrSessionInProgress is returned when a user already has a running session.
	ErrSessionInProgress = errors.New("sync session already in progress")
)

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientIO)
}

// SourceError annotates an adapter failure with where it happened.
type SourceError struct {
	Source   Source `json:"source"`
	Metric   Metric `json:"metric,omitempty"`
	Op       string `json:"op"`
	Attempts int    `json:"attempts"`
	Err      error  `json:"-"`
}

func (e *SourceError) Error() string {
	if e.Metric == "" {
		return fmt.Sprintf("%s %s: %v", e.Source, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %s (attempts=%d): %v", e.Source, e.Op, e.Metric, e.Attempts, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// MarshalJSON includes the cause message, which is otherwise lost.
func (e *SourceError) MarshalJSON() ([]byte, error) {
	type alias SourceError
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		*alias
		Error string `json:"error"`
	}{alias: (*alias)(e), Error: msg})
}
