// ABOUTME: Tests for Prometheus metric updates.
// ABOUTME: Reads counters back with the client_golang testutil helpers.
package observability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/harperreed/healthsync/internal/events"
	"github.com/harperreed/healthsync/internal/models"
)

func TestHandleEventUpdatesCounters(t *testing.T) {
	ctx := context.Background()
	fetched := testutil.ToFloat64(samplesFetchedCounter.WithLabelValues("steps"))
	detected := testutil.ToFloat64(conflictsCounter.WithLabelValues("steps"))
	resolved := testutil.ToFloat64(resolutionsCounter.WithLabelValues("steps", "merge"))
	completed := testutil.ToFloat64(sessionsCounter.WithLabelValues("completed_with_errors"))

	HandleEvent(ctx, events.Event{Type: events.MetricSyncCompleted, Metric: models.MetricSteps, Fetched: 12})
	HandleEvent(ctx, events.Event{Type: events.ConflictDetected, Metric: models.MetricSteps})
	HandleEvent(ctx, events.Event{Type: events.ConflictResolved, Metric: models.MetricSteps, Strategy: models.StrategyMerge})
	HandleEvent(ctx, events.Event{
		Type:    events.SyncCompleted,
		At:      time.Unix(1700000000, 0),
		Summary: &events.Summary{State: "completed_with_errors", Pending: 2},
	})

	assert.Equal(t, fetched+12, testutil.ToFloat64(samplesFetchedCounter.WithLabelValues("steps")))
	assert.Equal(t, detected+1, testutil.ToFloat64(conflictsCounter.WithLabelValues("steps")))
	assert.Equal(t, resolved+1, testutil.ToFloat64(resolutionsCounter.WithLabelValues("steps", "merge")))
	assert.Equal(t, completed+1, testutil.ToFloat64(sessionsCounter.WithLabelValues("completed_with_errors")))
	assert.Equal(t, 2.0, testutil.ToFloat64(pendingGauge))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(lastCompletedGauge))
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{context.Canceled, "cancelled"},
		{fmt.Errorf("503: %w", models.ErrTransientIO), "transient"},
		{models.ErrUnsupported, "unsupported"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, outcome(tt.err))
	}
	ObserveFetch(models.SourceWearable, models.MetricSteps, time.Second, nil)
	assert.GreaterOrEqual(t, testutil.CollectAndCount(fetchDuration), 1)
}
