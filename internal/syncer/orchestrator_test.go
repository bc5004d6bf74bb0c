// ABOUTME: Tests for sync sessions driven through fake adapters and an in-memory store.
// ABOUTME: Covers failure, retries, conflicts, write-back, checkpoints, and cancellation.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harperreed/healthsync/internal/adapter"
	"github.com/harperreed/healthsync/internal/conflict"
	"github.com/harperreed/healthsync/internal/events"
	"github.com/harperreed/healthsync/internal/logging"
	"github.com/harperreed/healthsync/internal/models"
	"github.com/harperreed/healthsync/internal/storage"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type fetchCall struct {
	metric   models.Metric
	from, to time.Time
}

type fakeAdapter struct {
	src       models.Source
	metrics   []models.Metric
	writable  map[models.Metric]bool
	available bool

	mu       sync.Mutex
	samples  map[models.Metric][]models.Sample
	errs     map[models.Metric][]error
	calls    []fetchCall
	writes   []models.Sample
	writeErr error

	// block makes fetches of a metric wait; started is closed on the first blocked call.
	block     map[models.Metric]chan struct{}
	ignoreCtx bool
	started   chan struct{}
	startOnce sync.Once
}

func newFake(src models.Source, metrics ...models.Metric) *fakeAdapter {
	return &fakeAdapter{
		src:       src,
		metrics:   metrics,
		writable:  map[models.Metric]bool{},
		available: true,
		samples:   map[models.Metric][]models.Sample{},
		errs:      map[models.Metric][]error{},
		block:     map[models.Metric]chan struct{}{},
		started:   make(chan struct{}),
	}
}

func (f *fakeAdapter) add(metric models.Metric, id string, value float64, at time.Time) *fakeAdapter {
	f.samples[metric] = append(f.samples[metric], models.NewSample("u1", metric, value, at, f.src, id).WithRecordedAt(at))
	return f
}

func (f *fakeAdapter) Source() models.Source { return f.src }
func (f *fakeAdapter) IsAvailable(context.Context) bool { return f.available }
func (f *fakeAdapter) SupportedMetrics() []models.Metric { return f.metrics }
func (f *fakeAdapter) SupportsWrite(metric models.Metric) bool { return f.writable[metric] }

func (f *fakeAdapter) FetchSamples(ctx context.Context, userID string, metric models.Metric, from, to time.Time) ([]models.Sample, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{metric: metric, from: from, to: to})
	release := f.block[metric]
	var err error
	if queued := f.errs[metric]; len(queued) > 0 {
		err, f.errs[metric] = queued[0], queued[1:]
	}
	out := append([]models.Sample(nil), f.samples[metric]...)
	f.mu.Unlock()

	if release != nil {
		f.startOnce.Do(func() { close(f.started) })
		if f.ignoreCtx {
			<-release
		} else {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *fakeAdapter) WriteSample(_ context.Context, _ string, s models.Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, s)
	return nil
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newOrchestrator(t *testing.T, gw storage.Gateway, opts Options, adapters ...adapter.Adapter) *Orchestrator {
	t.Helper()
	reg, err := adapter.NewRegistry(adapters...)
	require.NoError(t, err)
	opts.Logger = logging.Discard()
	opts.Now = func() time.Time { return now }
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Millisecond
	}
	o, err := New(reg, gw, opts)
	require.NoError(t, err)
	return o
}

func listSamples(t *testing.T, st storage.Store, metric models.Metric) []models.Sample {
	t.Helper()
	got, err := st.ListSamples(context.Background(), storage.SampleFilter{UserID: "u1", Metric: metric})
	require.NoError(t, err)
	return got
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, newStore(t), Options{})
	assert.Error(t, err)
	reg, _ := adapter.NewRegistry()
	_, err = New(reg, nil, Options{})
	assert.Error(t, err)
}

func TestNoSourcesAvailable(t *testing.T) {
	st := newStore(t)
	wearable := newFake(models.SourceWearable, models.MetricWeight).add(models.MetricWeight, "w1", 70, now.Add(-time.Hour))
	wearable.available = false
	o := newOrchestrator(t, st, Options{}, wearable)

	res, err := o.RunFullSync(context.Background(), "u1", 24*time.Hour)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrNoSourcesAvailable)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, models.ErrNoSourcesAvailable.Error(), res.Reason)
	assert.Zero(t, wearable.callCount(), "no fetch runs")
	assert.Empty(t, res.Metrics)
	assert.Empty(t, listSamples(t, st, ""))
}

func TestEnabledSourcesFilter(t *testing.T) {
	st := newStore(t)
	wearable := newFake(models.SourceWearable, models.MetricSteps).add(models.MetricSteps, "w1", 100, now.Add(-time.Hour))
	o := newOrchestrator(t, st, Options{Sources: []models.Source{models.SourceHealthPlatform}}, wearable)

	_, err := o.RunFullSync(context.Background(), "u1", time.Hour)
	assert.ErrorIs(t, err, models.ErrNoSourcesAvailable)
}

func TestFullSyncResolvesPersistsAndWritesBack(t *testing.T) {
	st := newStore(t)
	at := now.Add(-2 * time.Hour)
	wearable := newFake(models.SourceWearable, models.MetricWeight, models.MetricSteps).
		add(models.MetricWeight, "w1", 70, at).
		add(models.MetricSteps, "s1", 4200, at)
	wearable.writable[models.MetricWeight] = true
	platform := newFake(models.SourceHealthPlatform, models.MetricWeight).
		add(models.MetricWeight, "h1", 71, at.Add(time.Minute))

	bus := events.NewBus(events.Options{Logger: logging.Discard()})
	o := newOrchestrator(t, st, Options{Bus: bus}, wearable, platform)

	res, err := o.RunFullSync(context.Background(), "u1", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, []models.Source{models.SourceHealthPlatform, models.SourceWearable}, res.Sources)
	assert.NotEmpty(t, res.SessionID)

	weight := res.Metrics[models.MetricWeight]
	require.NotNil(t, weight)
	assert.Equal(t, StateCompleted, weight.Stage)
	assert.Equal(t, 2, weight.Fetched)
	assert.Equal(t, 1, weight.Conflicts)
	assert.Equal(t, 1, weight.Resolved)
	assert.Equal(t, 1, weight.WrittenBack)
	assert.Equal(t, now.Add(-24*time.Hour), weight.From)

	stored := listSamples(t, st, models.MetricWeight)
	require.Len(t, stored, 1, "only the canonical weight is stored")
	assert.Equal(t, models.SourceReconciled, stored[0].Source)
	assert.Equal(t, 71.0, stored[0].Value)
	assert.Equal(t, "health_platform:h1,wearable:w1", stored[0].SourceRecordID)
	assert.Len(t, listSamples(t, st, models.MetricSteps), 1)

	audits, err := st.ListConflictAudits(context.Background(), storage.AuditFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.True(t, audits[0].Resolved)
	assert.Equal(t, models.StrategyPreferSource, audits[0].Strategy)

	require.Len(t, wearable.writes, 1)
	assert.Equal(t, "w1", wearable.writes[0].SourceRecordID)
	assert.Equal(t, 71.0, wearable.writes[0].Value)
	assert.Equal(t, models.SourceWearable, wearable.writes[0].Source)

	cp, ok, err := st.GetCheckpoint(context.Background(), "u1", models.MetricWeight)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, now, cp)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var got []events.Event
	_ = bus.Run(ctx, func(_ context.Context, e events.Event) { got = append(got, e) })
	require.NotEmpty(t, got)
	assert.Equal(t, events.SyncStarted, got[0].Type)
	last := got[len(got)-1]
	assert.Equal(t, events.SyncCompleted, last.Type)
	require.NotNil(t, last.Summary)
	assert.Equal(t, "completed", last.Summary.State)
	assert.Equal(t, 3, last.Summary.Fetched)

	counts := map[events.Type]int{}
	for _, e := range got {
		counts[e.Type]++
		assert.Equal(t, res.SessionID, e.SessionID)
	}
	assert.Equal(t, 1, counts[events.ConflictDetected])
	assert.Equal(t, 1, counts[events.ConflictResolved])
	assert.Equal(t, 2, counts[events.MetricSyncCompleted])
}

func TestRerunIsIdempotent(t *testing.T) {
	st := newStore(t)
	at := now.Add(-2 * time.Hour)
	wearable := newFake(models.SourceWearable, models.MetricWeight, models.MetricSteps).
		add(models.MetricWeight, "w1", 80, at).
		add(models.MetricSteps, "s1", 4200, at).
		add(models.MetricSteps, "s2", 300, at.Add(time.Hour))
	platform := newFake(models.SourceHealthPlatform, models.MetricWeight).
		add(models.MetricWeight, "h1", 82, at)
	o := newOrchestrator(t, st, Options{}, wearable, platform)

	ctx := context.Background()
	_, err := o.RunFullSync(ctx, "u1", 24*time.Hour)
	require.NoError(t, err)
	first := listSamples(t, st, "")
	firstAudits, err := st.ListConflictAudits(ctx, storage.AuditFilter{})
	require.NoError(t, err)

	_, err = o.RunFullSync(ctx, "u1", 24*time.Hour)
	require.NoError(t, err)
	second := listSamples(t, st, "")
	secondAudits, err := st.ListConflictAudits(ctx, storage.AuditFilter{})
	require.NoError(t, err)

	assert.Len(t, first, 3)
	assert.Equal(t, len(first), len(second))
	assert.Len(t, secondAudits, len(firstAudits))
}

func TestTransientErrorsAreRetried(t *testing.T) {
	st := newStore(t)
	wearable := newFake(models.SourceWearable, models.MetricSteps).add(models.MetricSteps, "s1", 100, now.Add(-time.Hour))
	wearable.errs[models.MetricSteps] = []error{
		fmt.Errorf("503: %w", models.ErrTransientIO),
		fmt.Errorf("429: %w", models.ErrTransientIO),
	}
	o := newOrchestrator(t, st, Options{Metrics: []models.Metric{models.MetricSteps}}, wearable)

	res, err := o.RunFullSync(context.Background(), "u1", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 3, wearable.callCount())
	assert.Len(t, listSamples(t, st, models.MetricSteps), 1)
}

func TestRetriesExhausted(t *testing.T) {
	st := newStore(t)
	wearable := newFake(models.SourceWearable, models.MetricSteps)
	wearable.errs[models.MetricSteps] = []error{
		models.ErrTransientIO, models.ErrTransientIO, models.ErrTransientIO, models.ErrTransientIO,
	}
	o := newOrchestrator(t, st, Options{Metrics: []models.Metric{models.MetricSteps}, MaxRetries: 2}, wearable)

	res, err := o.RunFullSync(context.Background(), "u1", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, StateCompletedWithErrors, res.State)
	assert.Equal(t, 3, wearable.callCount())
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 3, res.Errors[0].Attempts)
	assert.ErrorIs(t, res.Errors[0], models.ErrTransientIO)
}

func TestPermanentFailureDegradesOneSource(t *testing.T) {
	st := newStore(t)
	at := now.Add(-time.Hour)
	wearable := newFake(models.SourceWearable, models.MetricSteps, models.MetricWeight).
		add(models.MetricWeight, "w1", 70, at)
	wearable.errs[models.MetricSteps] = []error{fmt.Errorf("steps endpoint: %w", models.ErrUnsupported)}
	cloud := newFake(models.SourceFitnessCloud, models.MetricSteps).add(models.MetricSteps, "c1", 900, at)
	o := newOrchestrator(t, st, Options{Metrics: []models.Metric{models.MetricSteps, models.MetricWeight}}, wearable, cloud)

	res, err := o.RunIncrementalSync(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, StateCompletedWithErrors, res.State)

	steps := res.Metrics[models.MetricSteps]
	require.Len(t, steps.SourceErrors, 1)
	assert.Equal(t, models.SourceWearable, steps.SourceErrors[0].Source)
	assert.Equal(t, 1, steps.SourceErrors[0].Attempts, "unsupported is never retried")
	assert.Equal(t, StateCompletedWithErrors, steps.Stage)
	assert.Len(t, listSamples(t, st, models.MetricSteps), 1, "the healthy source still persists")

	_, ok, err := st.GetCheckpoint(context.Background(), "u1", models.MetricSteps)
	require.NoError(t, err)
	assert.False(t, ok, "a metric with errors keeps its checkpoint")
	_, ok, err = st.GetCheckpoint(context.Background(), "u1", models.MetricWeight)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnresolvedConflictsArePending(t *testing.T) {
	st := newStore(t)
	at := now.Add(-time.Hour)
	wearable := newFake(models.SourceWearable, models.MetricWeight).add(models.MetricWeight, "w1", 70, at)
	platform := newFake(models.SourceHealthPlatform, models.MetricWeight).add(models.MetricWeight, "h1", 75, at)
	policy := conflict.DefaultPolicy()
	policy.Strategies[models.MetricWeight] = models.StrategyMerge
	o := newOrchestrator(t, st, Options{Policy: policy}, wearable, platform)

	res, err := o.RunFullSync(context.Background(), "u1", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State, "a resolver misconfiguration is not a session error")
	assert.Equal(t, 1, res.Summary().Pending)
	require.Len(t, res.Unresolved, 1)
	assert.Equal(t, models.StrategyMerge, res.Unresolved[0].Strategy)

	stored := listSamples(t, st, models.MetricWeight)
	assert.Len(t, stored, 2, "pre-conflict samples stay unreconciled")
	for _, s := range stored {
		assert.NotEqual(t, models.SourceReconciled, s.Source)
	}
	pending, err := st.ListConflictAudits(context.Background(), storage.AuditFilter{UnresolvedOnly: true})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Contains(t, pending[0].Error, "invalid strategy")
}

type failingGateway struct {
	storage.Gateway
	metric models.Metric
}

func (f failingGateway) Upsert(ctx context.Context, s models.Sample) error {
	if s.Metric == f.metric {
		return errors.New("disk full")
	}
	return f.Gateway.Upsert(ctx, s)
}

func TestStoreErrorsAreReported(t *testing.T) {
	st := newStore(t)
	at := now.Add(-time.Hour)
	wearable := newFake(models.SourceWearable, models.MetricSteps, models.MetricWeight).
		add(models.MetricSteps, "s1", 100, at).
		add(models.MetricWeight, "w1", 70, at)
	o := newOrchestrator(t, failingGateway{Gateway: st, metric: models.MetricSteps}, Options{}, wearable)

	res, err := o.RunFullSync(context.Background(), "u1", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, StateCompletedWithErrors, res.State)
	steps := res.Metrics[models.MetricSteps]
	require.Len(t, steps.StoreErrors, 1)
	assert.Contains(t, steps.StoreErrors[0], "disk full")
	assert.Zero(t, steps.Persisted)
	assert.Equal(t, 1, res.Metrics[models.MetricWeight].Persisted)

	// The wrapper hides the store's checkpoints, so memory checkpoints are used.
	_, ok, _ := o.checkpoints.GetCheckpoint(context.Background(), "u1", models.MetricSteps)
	assert.False(t, ok)
	_, ok, _ = o.checkpoints.GetCheckpoint(context.Background(), "u1", models.MetricWeight)
	assert.True(t, ok)
}

func TestWriteBackFailureIsNonFatal(t *testing.T) {
	st := newStore(t)
	at := now.Add(-time.Hour)
	wearable := newFake(models.SourceWearable, models.MetricWeight).add(models.MetricWeight, "w1", 70, at)
	wearable.writable[models.MetricWeight] = true
	wearable.writeErr = fmt.Errorf("422: %w", models.ErrRejected)
	platform := newFake(models.SourceHealthPlatform, models.MetricWeight).add(models.MetricWeight, "h1", 75, at)
	o := newOrchestrator(t, st, Options{}, wearable, platform)

	res, err := o.RunFullSync(context.Background(), "u1", 24*time.Hour)
	require.NoError(t, err)
	weight := res.Metrics[models.MetricWeight]
	assert.Zero(t, weight.WrittenBack)
	require.Len(t, weight.SourceErrors, 1)
	assert.Equal(t, "write", weight.SourceErrors[0].Op)
	assert.Equal(t, 1, weight.SourceErrors[0].Attempts, "rejected writes are not retried")
	assert.Len(t, listSamples(t, st, models.MetricWeight), 1, "canonical is still persisted")

	_, ok, err := st.GetCheckpoint(context.Background(), "u1", models.MetricWeight)
	require.NoError(t, err)
	assert.True(t, ok, "write-back errors do not hold the checkpoint back")
}

func TestWriteBackSkipsMergedIntervals(t *testing.T) {
	member := models.NewSample("u1", models.MetricSteps, 3000, now, models.SourceWearable, "w1").
		WithWindow(now, now.Add(30*time.Minute))
	canonical := member.WithWindow(now, now.Add(50*time.Minute))
	canonical.Value = 4500
	_, ok := writeBackSample(member, canonical)
	assert.False(t, ok)

	point := models.NewSample("u1", models.MetricWeight, 70, now, models.SourceWearable, "w1")
	canon := point
	canon.Value = 71
	canon.Start = now.Add(time.Minute)
	got, ok := writeBackSample(point, canon)
	require.True(t, ok)
	assert.Equal(t, 71.0, got.Value)
	assert.Equal(t, now, got.Start, "the member keeps its own timestamp")
}

func TestIncrementalWindowFromCheckpoint(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	cp := now.Add(-3 * time.Hour)
	require.NoError(t, st.SetCheckpoint(ctx, "u1", models.MetricSteps, cp))

	wearable := newFake(models.SourceWearable, models.MetricSteps, models.MetricWeight)
	o := newOrchestrator(t, st, Options{Metrics: []models.Metric{models.MetricSteps, models.MetricWeight}}, wearable)

	_, err := o.RunIncrementalSync(ctx, "u1")
	require.NoError(t, err)

	froms := map[models.Metric]time.Time{}
	for _, c := range wearable.calls {
		froms[c.metric] = c.from
		assert.Equal(t, now, c.to)
	}
	assert.Equal(t, cp.Add(-DefaultIncrementalOverlap), froms[models.MetricSteps])
	assert.Equal(t, now.Add(-DefaultLookback), froms[models.MetricWeight])

	got, ok, err := st.GetCheckpoint(ctx, "u1", models.MetricSteps)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, now, got)
}

func TestShortFullSyncKeepsOlderCheckpoint(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	cp := now.Add(-48 * time.Hour)
	require.NoError(t, st.SetCheckpoint(ctx, "u1", models.MetricSteps, cp))

	wearable := newFake(models.SourceWearable, models.MetricSteps)
	o := newOrchestrator(t, st, Options{}, wearable)
	_, err := o.RunFullSync(ctx, "u1", time.Hour)
	require.NoError(t, err)

	got, _, err := st.GetCheckpoint(ctx, "u1", models.MetricSteps)
	require.NoError(t, err)
	assert.Equal(t, cp, got, "a window that starts after the checkpoint leaves a gap, so it does not advance")
}

func TestRequestImmediateSync(t *testing.T) {
	st := newStore(t)
	wearable := newFake(models.SourceWearable, models.MetricSteps, models.MetricWeight).
		add(models.MetricWeight, "w1", 70, now.Add(-time.Hour))
	o := newOrchestrator(t, st, Options{}, wearable)

	_, err := o.RequestImmediateSync(context.Background(), "u1", []models.Metric{"blood_sugar"})
	assert.Error(t, err)

	res, err := o.RequestImmediateSync(context.Background(), "u1", []models.Metric{models.MetricWeight, models.MetricWeight})
	require.NoError(t, err)
	assert.Equal(t, KindImmediate, res.Kind)
	assert.Len(t, res.Metrics, 1)
	assert.Equal(t, 1, wearable.callCount())
	assert.Equal(t, models.MetricWeight, wearable.calls[0].metric)
}

func TestUserIDRequired(t *testing.T) {
	o := newOrchestrator(t, newStore(t), Options{}, newFake(models.SourceWearable, models.MetricSteps))
	_, err := o.RunIncrementalSync(context.Background(), "")
	assert.Error(t, err)
}

func TestSessionInProgress(t *testing.T) {
	st := newStore(t)
	wearable := newFake(models.SourceWearable, models.MetricSteps)
	release := make(chan struct{})
	wearable.block[models.MetricSteps] = release
	o := newOrchestrator(t, st, Options{}, wearable)

	done := make(chan error, 1)
	go func() {
		_, err := o.RunFullSync(context.Background(), "u1", time.Hour)
		done <- err
	}()
	<-wearable.started

	id, busy := o.Active("u1")
	assert.True(t, busy)
	assert.NotEmpty(t, id)

	res, err := o.RunIncrementalSync(context.Background(), "u1")
	assert.ErrorIs(t, err, models.ErrSessionInProgress)
	assert.Equal(t, StateFailed, res.State)

	close(release)
	require.NoError(t, <-done)
	_, busy = o.Active("u1")
	assert.False(t, busy)
}

func TestCancelDiscardsMetricsStillFetching(t *testing.T) {
	st := newStore(t)
	at := now.Add(-time.Hour)
	wearable := newFake(models.SourceWearable, models.MetricWeight, models.MetricSteps).
		add(models.MetricWeight, "w1", 70, at).
		add(models.MetricSteps, "s1", 500, at)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	wearable.block[models.MetricSteps] = release

	bus := events.NewBus(events.Options{Logger: logging.Discard()})
	o := newOrchestrator(t, st, Options{GracePeriod: 20 * time.Millisecond, Bus: bus}, wearable)

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := o.RunFullSync(ctx, "u1", 24*time.Hour)
		done <- outcome{res, err}
	}()

	<-wearable.started
	require.Eventually(t, func() bool {
		return len(listSamples(t, st, models.MetricWeight)) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	out := <-done
	require.Error(t, out.err)
	assert.ErrorIs(t, out.err, context.Canceled)
	assert.Equal(t, StateCancelled, out.res.State)
	assert.Equal(t, "cancelled", out.res.Reason)

	steps := out.res.Metrics[models.MetricSteps]
	require.NotNil(t, steps)
	assert.True(t, steps.Discarded)
	assert.Equal(t, StateFetching, steps.Stage)
	assert.Empty(t, listSamples(t, st, models.MetricSteps), "nothing is written for a metric still fetching")
	assert.Len(t, listSamples(t, st, models.MetricWeight), 1, "completed metrics stay committed")

	drainCtx, drainCancel := context.WithCancel(context.Background())
	drainCancel()
	var last events.Event
	_ = bus.Run(drainCtx, func(_ context.Context, e events.Event) { last = e })
	assert.Equal(t, events.SyncFailed, last.Type)
	assert.Equal(t, "cancelled", last.Summary.State)
}

func TestGracePeriodAbandonsStuckFetch(t *testing.T) {
	st := newStore(t)
	wearable := newFake(models.SourceWearable, models.MetricSteps).add(models.MetricSteps, "s1", 500, now.Add(-time.Hour))
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	wearable.block[models.MetricSteps] = release
	wearable.ignoreCtx = true

	o := newOrchestrator(t, st, Options{GracePeriod: 20 * time.Millisecond}, wearable)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-wearable.started
		cancel()
	}()

	start := time.Now()
	res, err := o.RunFullSync(ctx, "u1", 24*time.Hour)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateCancelled, res.State)
	assert.True(t, res.Metrics[models.MetricSteps].Discarded)
	assert.Empty(t, listSamples(t, st, models.MetricSteps))
}

func TestSessionTimeoutCancels(t *testing.T) {
	st := newStore(t)
	wearable := newFake(models.SourceWearable, models.MetricSteps)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	wearable.block[models.MetricSteps] = release

	o := newOrchestrator(t, st, Options{SessionTimeout: 30 * time.Millisecond, GracePeriod: 10 * time.Millisecond}, wearable)
	res, err := o.RunFullSync(context.Background(), "u1", time.Hour)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateCancelled, res.State)
	assert.Equal(t, "session timeout", res.Reason)
}

func TestDropsForeignAndInvalidSamples(t *testing.T) {
	st := newStore(t)
	at := now.Add(-time.Hour)
	wearable := newFake(models.SourceWearable, models.MetricSteps).add(models.MetricSteps, "s1", 100, at)
	foreign := models.NewSample("someone-else", models.MetricSteps, 5, at, models.SourceWearable, "x")
	noID := models.NewSample("u1", models.MetricSteps, 5, at, models.SourceWearable, "")
	wearable.samples[models.MetricSteps] = append(wearable.samples[models.MetricSteps], foreign, noID)
	o := newOrchestrator(t, st, Options{}, wearable)

	res, err := o.RunFullSync(context.Background(), "u1", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Metrics[models.MetricSteps].Fetched)
}

func TestRepeatedMetricsSyncOnce(t *testing.T) {
	st := newStore(t)
	wearable := newFake(models.SourceWearable, models.MetricWeight).add(models.MetricWeight, "w1", 70, now.Add(-time.Hour))
	o := newOrchestrator(t, st, Options{
		Metrics:        []models.Metric{models.MetricWeight, models.MetricWeight},
		SessionTimeout: 2 * time.Second,
	}, wearable)

	res, err := o.RunFullSync(context.Background(), "u1", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Len(t, res.Metrics, 1)
	assert.Equal(t, 1, wearable.callCount())
	assert.Len(t, listSamples(t, st, models.MetricWeight), 1)
}

func TestNewRejectsUnknownMetric(t *testing.T) {
	reg, err := adapter.NewRegistry()
	require.NoError(t, err)
	_, err = New(reg, newStore(t), Options{Metrics: []models.Metric{"blood_sugar"}})
	assert.ErrorContains(t, err, "unknown metric")
}

// countingAdapter records how many fetches run at once across every instance sharing peak.
type countingAdapter struct {
	*fakeAdapter
	inFlight *atomic.Int32
	peak     *atomic.Int32
	total    *atomic.Int32
}

func (c *countingAdapter) FetchSamples(ctx context.Context, userID string, metric models.Metric, from, to time.Time) ([]models.Sample, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	c.total.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-time.After(20 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.fakeAdapter.FetchSamples(ctx, userID, metric, from, to)
}

func TestFetchConcurrencyIsCapped(t *testing.T) {
	var inFlight, peak, total atomic.Int32
	var adapters []adapter.Adapter
	for _, src := range models.AllSources {
		adapters = append(adapters, &countingAdapter{
			fakeAdapter: newFake(src, models.AllMetrics...),
			inFlight:    &inFlight,
			peak:        &peak,
			total:       &total,
		})
	}
	o := newOrchestrator(t, newStore(t), Options{Concurrency: 6}, adapters...)

	res, err := o.RunFullSync(context.Background(), "u1", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, int32(len(models.AllSources)*len(models.AllMetrics)), total.Load())
	assert.Equal(t, int32(6), peak.Load())
}

func TestWriteBackRetriesTransientOnce(t *testing.T) {
	st := newStore(t)
	at := now.Add(-time.Hour)
	wearable := newFake(models.SourceWearable, models.MetricWeight).add(models.MetricWeight, "w1", 70, at)
	wearable.writable[models.MetricWeight] = true
	wearable.writeErr = fmt.Errorf("503: %w", models.ErrTransientIO)
	platform := newFake(models.SourceHealthPlatform, models.MetricWeight).add(models.MetricWeight, "h1", 75, at)
	o := newOrchestrator(t, st, Options{}, wearable, platform)

	res, err := o.RunFullSync(context.Background(), "u1", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, StateCompletedWithErrors, res.State)
	weight := res.Metrics[models.MetricWeight]
	assert.Zero(t, weight.WrittenBack)
	require.Len(t, weight.SourceErrors, 1)
	assert.Equal(t, "write", weight.SourceErrors[0].Op)
	assert.Equal(t, 2, weight.SourceErrors[0].Attempts)
	assert.ErrorIs(t, weight.SourceErrors[0], models.ErrTransientIO)
}
