// ABOUTME: Sync orchestrator: runs fetch, detect, resolve, persist, and write-back per metric.
// ABOUTME: Owns session bookkeeping, the fetch concurrency cap, cancellation, and events.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/harperreed/healthsync/internal/adapter"
	"github.com/harperreed/healthsync/internal/events"
	"github.com/harperreed/healthsync/internal/logging"
	"github.com/harperreed/healthsync/internal/models"
	"github.com/harperreed/healthsync/internal/storage"
)

// Orchestrator drives sync sessions. It is safe for concurrent use; each
// user has at most one running session.
type Orchestrator struct {
	registry    *adapter.Registry
	gateway     storage.Gateway
	checkpoints storage.Checkpointer
	opts        Options
	logger      *slog.Logger
	bus         *events.Bus
	sem         *semaphore.Weighted

	mu     sync.Mutex
	active map[string]string
}

// New creates an orchestrator over the adapters in registry.
func New(registry *adapter.Registry, gateway storage.Gateway, opts Options) (*Orchestrator, error) {
	if registry == nil {
		return nil, fmt.Errorf("new orchestrator: registry is required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("new orchestrator: gateway is required")
	}
	opts = opts.withDefaults()
	metrics, err := uniqueMetrics(opts.Metrics)
	if err != nil {
		return nil, fmt.Errorf("new orchestrator: %w", err)
	}
	opts.Metrics = metrics

	checkpoints := opts.Checkpoints
	if checkpoints == nil {
		if cp, ok := gateway.(storage.Checkpointer); ok {
			checkpoints = cp
		} else {
			checkpoints = newMemoryCheckpoints()
		}
	}

	return &Orchestrator{
		registry:    registry,
		gateway:     gateway,
		checkpoints: checkpoints,
		opts:        opts,
		logger:      logging.OrDefault(opts.Logger).With(logging.Component("syncer")),
		bus:         opts.Bus,
		sem:         semaphore.NewWeighted(int64(opts.Concurrency)),
		active:      make(map[string]string),
	}, nil
}

type window struct {
	from, to time.Time
	// advance allows the checkpoint to move to `to` on an error-free run.
	advance bool
}

// RunFullSync syncs every configured metric over the last lookback.
func (o *Orchestrator) RunFullSync(ctx context.Context, userID string, lookback time.Duration) (*Result, error) {
	if lookback <= 0 {
		lookback = o.opts.DefaultLookback
	}
	return o.run(ctx, userID, KindFull, o.opts.Metrics, func(ctx context.Context, m models.Metric, now time.Time) window {
		from := now.Add(-lookback)
		cp, ok := o.checkpoint(ctx, userID, m)
		return window{from: from, to: now, advance: !ok || !from.After(cp)}
	})
}

// RunIncrementalSync syncs every configured metric from its last checkpoint.
func (o *Orchestrator) RunIncrementalSync(ctx context.Context, userID string) (*Result, error) {
	return o.run(ctx, userID, KindIncremental, o.opts.Metrics, o.incrementalWindow(userID))
}

// RequestImmediateSync runs an incremental sync restricted to metrics.
// An empty list means every configured metric.
func (o *Orchestrator) RequestImmediateSync(ctx context.Context, userID string, metrics []models.Metric) (*Result, error) {
	if len(metrics) == 0 {
		metrics = o.opts.Metrics
	}
	unique, err := uniqueMetrics(metrics)
	if err != nil {
		return nil, fmt.Errorf("request sync: %w", err)
	}
	return o.run(ctx, userID, KindImmediate, unique, o.incrementalWindow(userID))
}

func (o *Orchestrator) incrementalWindow(userID string) windowFunc {
	return func(ctx context.Context, m models.Metric, now time.Time) window {
		if cp, ok := o.checkpoint(ctx, userID, m); ok {
			from := cp.Add(-o.opts.IncrementalOverlap)
			if from.After(now) {
				from = now
			}
			return window{from: from, to: now, advance: true}
		}
		return window{from: now.Add(-o.opts.DefaultLookback), to: now, advance: true}
	}
}

func (o *Orchestrator) checkpoint(ctx context.Context, userID string, m models.Metric) (time.Time, bool) {
	at, ok, err := o.checkpoints.GetCheckpoint(ctx, userID, m)
	if err != nil {
		o.logger.Warn("read checkpoint failed, using default lookback",
			slog.String(logging.KeyUser, userID), logging.Metric(m), logging.Err(err))
		return time.Time{}, false
	}
	return at, ok
}

// Active reports whether userID has a running session and its ID.
func (o *Orchestrator) Active(userID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.active[userID]
	return id, ok
}

func (o *Orchestrator) lock(userID, sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.active[userID]; busy {
		return false
	}
	o.active[userID] = sessionID
	return true
}

func (o *Orchestrator) unlock(userID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, userID)
}

type windowFunc func(ctx context.Context, m models.Metric, now time.Time) window

func (o *Orchestrator) run(ctx context.Context, userID string, kind Kind, metrics []models.Metric, windowFor windowFunc) (*Result, error) {
	if userID == "" {
		return nil, fmt.Errorf("sync: user id is required")
	}

	started := o.opts.Now()
	res := newResult(ulid.Make().String(), userID, kind, started)
	logger := o.logger.With(slog.String(logging.KeySession, res.SessionID), slog.String(logging.KeyUser, userID))

	if !o.lock(userID, res.SessionID) {
		res.State = StateFailed
		res.Reason = models.ErrSessionInProgress.Error()
		res.CompletedAt = o.opts.Now()
		return res, fmt.Errorf("sync %s: %w", userID, models.ErrSessionInProgress)
	}
	defer o.unlock(userID)

	sessionCtx, cancel := context.WithTimeout(ctx, o.opts.SessionTimeout)
	defer cancel()

	logger.Info("sync started", slog.String("kind", string(kind)))
	o.publish(events.Event{Type: events.SyncStarted, UserID: userID, SessionID: res.SessionID})

	adapters := o.activeAdapters(sessionCtx)
	if err := sessionCtx.Err(); err != nil {
		return o.cancelled(res, logger, err)
	}
	if len(adapters) == 0 {
		res.State = StateFailed
		res.Reason = models.ErrNoSourcesAvailable.Error()
		res.CompletedAt = o.opts.Now()
		logger.Error("sync failed", logging.Err(models.ErrNoSourcesAvailable))
		o.publishTerminal(res, events.SyncFailed)
		return res, fmt.Errorf("sync %s: %w", userID, models.ErrNoSourcesAvailable)
	}
	for _, a := range adapters {
		res.Sources = append(res.Sources, a.Source())
	}

	jobs := o.plan(sessionCtx, res, metrics, adapters, windowFor, logger)

	res.State = StateFetching
	gate := newBarrier()
	cancelled := o.runJobs(sessionCtx, gate, jobs, res)

	if cancelled {
		return o.cancelled(res, logger, sessionCtx.Err())
	}

	res.State = res.finalState()
	res.CompletedAt = o.opts.Now()
	summary := res.Summary()
	logger.Info("sync completed",
		slog.String("state", string(res.State)),
		slog.Int("fetched", summary.Fetched),
		slog.Int("conflicts", summary.Conflicts),
		slog.Int("pending", summary.Pending),
		slog.Int("errors", summary.Errors))
	o.publishTerminal(res, events.SyncCompleted)
	return res, nil
}

// plan pairs each metric with the active adapters that support it.
func (o *Orchestrator) plan(ctx context.Context, res *Result, metrics []models.Metric, adapters []adapter.Adapter, windowFor windowFunc, logger *slog.Logger) []metricJob {
	var jobs []metricJob
	for _, m := range metrics {
		var supporting []adapter.Adapter
		for _, a := range adapters {
			if adapter.Supports(a, m) {
				supporting = append(supporting, a)
			}
		}
		if len(supporting) == 0 {
			logger.Debug("no active source supports metric", logging.Metric(m))
			continue
		}
		jobs = append(jobs, metricJob{
			userID:    res.UserID,
			sessionID: res.SessionID,
			metric:    m,
			window:    windowFor(ctx, m, res.StartedAt),
			adapters:  supporting,
			logger:    logger.With(logging.Metric(m)),
		})
	}
	return jobs
}

// runJobs runs every metric pipeline and folds the results into res. On
// session cancellation in-flight fetches get the grace period; metrics that
// have not passed their barrier by then are recorded as discarded.
func (o *Orchestrator) runJobs(sessionCtx context.Context, gate *barrier, jobs []metricJob, res *Result) bool {
	fetchCtx, cancelFetch := context.WithCancel(context.WithoutCancel(sessionCtx))
	defer cancelFetch()

	results := make(chan MetricResult, len(jobs))
	for _, job := range jobs {
		go func(job metricJob) {
			results <- o.syncMetric(sessionCtx, fetchCtx, gate, job)
		}(job)
	}

	received := make(map[models.Metric]bool, len(jobs))
	var (
		sessionDone = sessionCtx.Done()
		grace       *time.Timer
		graceC      <-chan time.Time
		abandoned   bool
		cancelled   bool
	)
	defer func() {
		if grace != nil {
			grace.Stop()
		}
	}()

	for len(received) < len(jobs) {
		if abandoned && !o.awaitingCommitted(gate, jobs, received) {
			break
		}
		select {
		case m := <-results:
			received[m.Metric] = true
			res.add(m)
		case <-sessionDone:
			sessionDone = nil
			cancelled = true
			gate.cancel()
			grace = time.NewTimer(o.opts.GracePeriod)
			graceC = grace.C
		case <-graceC:
			graceC = nil
			cancelFetch()
			abandoned = true
		}
	}

	for _, job := range jobs {
		if !received[job.metric] {
			res.add(MetricResult{
				Metric:    job.metric,
				Stage:     StateFetching,
				From:      job.window.from,
				To:        job.window.to,
				Discarded: true,
			})
		}
	}
	return cancelled
}

// awaitingCommitted reports whether a metric past its barrier has not reported yet.
func (o *Orchestrator) awaitingCommitted(gate *barrier, jobs []metricJob, received map[models.Metric]bool) bool {
	for _, job := range jobs {
		if !received[job.metric] && gate.committed(job.metric) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) cancelled(res *Result, logger *slog.Logger, cause error) (*Result, error) {
	res.State = StateCancelled
	res.Reason = "cancelled"
	if errors.Is(cause, context.DeadlineExceeded) {
		res.Reason = "session timeout"
	}
	res.CompletedAt = o.opts.Now()
	logger.Info("sync cancelled", slog.String("reason", res.Reason))
	o.publishTerminal(res, events.SyncFailed)
	return res, fmt.Errorf("sync %s: %w", res.UserID, cause)
}

// activeAdapters probes the enabled adapters concurrently.
func (o *Orchestrator) activeAdapters(ctx context.Context) []adapter.Adapter {
	enabled := make(map[models.Source]bool, len(o.opts.Sources))
	for _, s := range o.opts.Sources {
		enabled[s] = true
	}

	var candidates []adapter.Adapter
	for _, a := range o.registry.All() {
		if len(enabled) == 0 || enabled[a.Source()] {
			candidates = append(candidates, a)
		}
	}

	available := make([]bool, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range candidates {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, adapter.ProbeTimeout)
			defer cancel()
			available[i] = a.IsAvailable(probeCtx)
			if !available[i] {
				o.logger.Warn("source unavailable", logging.Source(a.Source()))
			}
			return nil
		})
	}
	_ = g.Wait()

	var out []adapter.Adapter
	for i, a := range candidates {
		if available[i] {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source() < out[j].Source() })
	return out
}

func (o *Orchestrator) publish(e events.Event) {
	o.bus.Publish(e)
}

func (o *Orchestrator) publishTerminal(res *Result, t events.Type) {
	summary := res.Summary()
	o.publish(events.Event{
		Type:      t,
		UserID:    res.UserID,
		SessionID: res.SessionID,
		Summary:   &summary,
		Reason:    res.Reason,
	})
}

// barrier records which metrics finished fetching before cancellation.
type barrier struct {
	mu        sync.Mutex
	cancelled bool
	passed    map[models.Metric]bool
}

func newBarrier() *barrier {
	return &barrier{passed: make(map[models.Metric]bool)}
}

// pass lets metric proceed to detection unless the session was cancelled first.
func (b *barrier) pass(ctx context.Context, m models.Metric) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ctx.Err() != nil {
		b.cancelled = true
	}
	if b.cancelled {
		return false
	}
	b.passed[m] = true
	return true
}

func (b *barrier) cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = true
}

func (b *barrier) isCancelled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelled
}

func (b *barrier) committed(m models.Metric) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.passed[m]
}
