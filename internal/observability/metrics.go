// ABOUTME: Prometheus metrics for sync sessions, fetches, and conflicts.
// ABOUTME: Updated from bus events plus direct fetch latency observations.
package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harperreed/healthsync/internal/events"
	"github.com/harperreed/healthsync/internal/models"
)

var (
	sessionsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthsync",
		Subsystem: "sync",
		Name:      "sessions_total",
		Help:      "Number of finished sync sessions by terminal state.",
	}, []string{"state"})

	samplesFetchedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthsync",
		Subsystem: "sync",
		Name:      "samples_fetched_total",
		Help:      "Number of samples fetched from all sources, by metric.",
	}, []string{"metric"})

	conflictsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthsync",
		Subsystem: "conflicts",
		Name:      "detected_total",
		Help:      "Number of conflict groups detected, by metric.",
	}, []string{"metric"})

	resolutionsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthsync",
		Subsystem: "conflicts",
		Name:      "resolved_total",
		Help:      "Number of conflict groups resolved, by metric and strategy.",
	}, []string{"metric", "strategy"})

	pendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "healthsync",
		Subsystem: "conflicts",
		Name:      "pending_last_session",
		Help:      "Unresolved conflict groups left by the most recent session.",
	})

	lastCompletedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "healthsync",
		Subsystem: "sync",
		Name:      "last_completed_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successful sync session.",
	})

	fetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "healthsync",
		Subsystem: "adapter",
		Name:      "fetch_duration_seconds",
		Help:      "Latency of adapter fetch calls, including retries.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"source", "metric", "outcome"})
)

func init() {
	prometheus.MustRegister(
		sessionsCounter,
		samplesFetchedCounter,
		conflictsCounter,
		resolutionsCounter,
		pendingGauge,
		lastCompletedGauge,
		fetchDuration,
	)
}

// HandleEvent updates metrics from a bus event. It has the events.Handler signature.
func HandleEvent(_ context.Context, e events.Event) {
	switch e.Type {
	case events.MetricSyncCompleted:
		samplesFetchedCounter.WithLabelValues(string(e.Metric)).Add(float64(e.Fetched))
	case events.ConflictDetected:
		conflictsCounter.WithLabelValues(string(e.Metric)).Inc()
	case events.ConflictResolved:
		resolutionsCounter.WithLabelValues(string(e.Metric), string(e.Strategy)).Inc()
	case events.SyncCompleted, events.SyncFailed:
		state := "failed"
		if e.Summary != nil {
			state = e.Summary.State
			pendingGauge.Set(float64(e.Summary.Pending))
		}
		sessionsCounter.WithLabelValues(state).Inc()
		if e.Type == events.SyncCompleted {
			lastCompletedGauge.Set(float64(e.At.Unix()))
		}
	}
}

// ObserveFetch records one adapter fetch outcome.
func ObserveFetch(src models.Source, metric models.Metric, d time.Duration, err error) {
	fetchDuration.WithLabelValues(string(src), string(metric), outcome(err)).Observe(d.Seconds())
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, models.ErrTransientIO):
		return "transient"
	case errors.Is(err, models.ErrUnsupported):
		return "unsupported"
	default:
		return "error"
	}
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
