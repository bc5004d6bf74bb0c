// ABOUTME: Orchestrator options and their defaults.
// ABOUTME: Zero values fall back to the built-in concurrency, retry, and timeout settings.
package syncer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/harperreed/healthsync/internal/conflict"
	"github.com/harperreed/healthsync/internal/events"
	"github.com/harperreed/healthsync/internal/models"
	"github.com/harperreed/healthsync/internal/storage"
)

// Defaults used when an Options field is zero.
const (
	DefaultConcurrency        = 6
	DefaultCallTimeout        = 30 * time.Second
	DefaultMaxRetries         = 2
	DefaultBackoffBase        = 500 * time.Millisecond
	DefaultMaxBackoff         = 8 * time.Second
	DefaultSessionTimeout     = 2 * time.Minute
	DefaultGracePeriod        = 5 * time.Second
	DefaultLookback           = 7 * 24 * time.Hour
	DefaultIncrementalOverlap = 10 * time.Minute
)

// Options configures an Orchestrator.
type Options struct {
	// Concurrency caps simultaneous adapter calls across all sessions.
	Concurrency int
	CallTimeout time.Duration
	// MaxRetries is the number of retries after the first fetch attempt.
	// Negative disables retries.
	MaxRetries  int
	BackoffBase time.Duration
	MaxBackoff  time.Duration

	SessionTimeout time.Duration
	// GracePeriod is how long in-flight fetches may run after cancellation.
	GracePeriod        time.Duration
	DefaultLookback    time.Duration
	IncrementalOverlap time.Duration

	// Sources limits which registered adapters take part. Empty means all.
	Sources []models.Source
	// Metrics synced by full and incremental runs. Empty means all metrics.
	Metrics []models.Metric

	Tolerances conflict.ToleranceConfig
	Policy     conflict.Policy

	// Checkpoints overrides where incremental progress is kept. When nil the
	// gateway is used if it implements storage.Checkpointer, else memory.
	Checkpoints storage.Checkpointer
	Bus         *events.Bus
	Logger      *slog.Logger
	// Now is the clock; tests replace it.
	Now func() time.Time
}

// uniqueMetrics drops repeated metrics, keeping first-seen order, and rejects unknown ones.
func uniqueMetrics(metrics []models.Metric) ([]models.Metric, error) {
	seen := make(map[models.Metric]bool, len(metrics))
	out := make([]models.Metric, 0, len(metrics))
	for _, m := range metrics {
		if !models.IsValidMetric(string(m)) {
			return nil, fmt.Errorf("unknown metric %q", m)
		}
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out, nil
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = DefaultSessionTimeout
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.DefaultLookback <= 0 {
		o.DefaultLookback = DefaultLookback
	}
	if o.IncrementalOverlap < 0 {
		o.IncrementalOverlap = 0
	} else if o.IncrementalOverlap == 0 {
		o.IncrementalOverlap = DefaultIncrementalOverlap
	}
	if len(o.Metrics) == 0 {
		o.Metrics = append([]models.Metric(nil), models.AllMetrics...)
	}
	if o.Tolerances == nil {
		o.Tolerances = conflict.DefaultTolerances()
	}
	if o.Policy.Strategies == nil {
		o.Policy = conflict.DefaultPolicy()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

func (o Options) fetchRetry() retryPolicy {
	return retryPolicy{maxRetries: o.MaxRetries, base: o.BackoffBase, max: o.MaxBackoff, timeout: o.CallTimeout}
}

// writeRetry allows one retry for write-back.
func (o Options) writeRetry() retryPolicy {
	return retryPolicy{maxRetries: 1, base: o.BackoffBase, max: o.MaxBackoff, timeout: o.CallTimeout}
}
