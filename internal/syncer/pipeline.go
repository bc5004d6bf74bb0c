// ABOUTME: Per-metric pipeline: fan-out fetch, barrier, detect, resolve, persist, write-back.
// ABOUTME: Adapter failures become SourceError annotations and never abort other work.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harperreed/healthsync/internal/adapter"
	"github.com/harperreed/healthsync/internal/conflict"
	"github.com/harperreed/healthsync/internal/events"
	"github.com/harperreed/healthsync/internal/logging"
	"github.com/harperreed/healthsync/internal/models"
	"github.com/harperreed/healthsync/internal/observability"
)

type metricJob struct {
	userID    string
	sessionID string
	metric    models.Metric
	window    window
	adapters  []adapter.Adapter
	logger    *slog.Logger
}

type fetchOutcome struct {
	samples []models.Sample
	err     *models.SourceError
}

// syncMetric runs one metric end to end and returns its result by value.
func (o *Orchestrator) syncMetric(sessionCtx, fetchCtx context.Context, gate *barrier, job metricJob) MetricResult {
	res := MetricResult{Metric: job.metric, Stage: StateFetching, From: job.window.from, To: job.window.to}

	samples, errs := o.fetchAll(sessionCtx, fetchCtx, job)
	if !gate.pass(sessionCtx, job.metric) {
		res.Discarded = true
		job.logger.Info("metric discarded after cancellation", slog.Int(logging.KeyCount, len(samples)))
		return res
	}
	res.SourceErrors = errs
	res.syncErr = len(errs) > 0

	// Past the barrier the metric always finishes, even if the session is cancelled now.
	ctx := context.WithoutCancel(sessionCtx)

	samples = conflict.Dedupe(samples)
	res.Fetched = len(samples)

	res.Stage = StateDetecting
	groups := conflict.Detect(samples, o.opts.Tolerances)
	res.Conflicts = len(groups)
	inGroup := make(map[models.SampleKey]bool)
	for _, g := range groups {
		for _, m := range g.Members {
			inGroup[m.Key()] = true
		}
		o.publish(events.Event{
			Type:      events.ConflictDetected,
			UserID:    job.userID,
			SessionID: job.sessionID,
			Metric:    job.metric,
			GroupSize: len(g.Members),
		})
	}

	res.Stage = StateResolving
	resolutions := make([]models.Resolution, len(groups))
	for i := range groups {
		r := conflict.ResolveGroup(groups[i], o.opts.Policy, o.opts.Now())
		resolutions[i] = r
		groups[i].Strategy = r.Strategy
		if !r.Resolved() {
			res.Pending++
			res.unresolved = append(res.unresolved, groups[i])
			job.logger.Warn("conflict left unresolved",
				slog.String(logging.KeyStrategy, string(r.Strategy)),
				slog.Int(logging.KeyCount, len(groups[i].Members)),
				logging.Err(r.Err))
			continue
		}
		groups[i].Canonical = r.Canonical
		res.Resolved++
		o.publish(events.Event{
			Type:      events.ConflictResolved,
			UserID:    job.userID,
			SessionID: job.sessionID,
			Metric:    job.metric,
			Strategy:  r.Strategy,
		})
	}

	res.Stage = StatePersisting
	o.persist(ctx, job, samples, inGroup, groups, resolutions, &res)

	res.Stage = StateWritingBack
	if gate.isCancelled() {
		job.logger.Info("skipping write-back after cancellation")
	} else {
		o.writeBack(ctx, job, groups, resolutions, &res)
	}

	if !res.syncErr && job.window.advance {
		if err := o.storeCall(ctx, func(ctx context.Context) error {
			return o.checkpoints.SetCheckpoint(ctx, job.userID, job.metric, job.window.to)
		}); err != nil {
			job.logger.Warn("save checkpoint failed", logging.Err(err))
		}
	}

	res.Stage = StateCompleted
	if res.Errors() > 0 {
		res.Stage = StateCompletedWithErrors
	}
	o.publish(events.Event{
		Type:      events.MetricSyncCompleted,
		UserID:    job.userID,
		SessionID: job.sessionID,
		Metric:    job.metric,
		Fetched:   res.Fetched,
		Conflicts: res.Conflicts,
	})
	job.logger.Debug("metric synced",
		slog.Int("fetched", res.Fetched),
		slog.Int("conflicts", res.Conflicts),
		slog.Int("persisted", res.Persisted))
	return res
}

// fetchAll fans out one fetch per adapter and waits for all of them.
func (o *Orchestrator) fetchAll(sessionCtx, fetchCtx context.Context, job metricJob) ([]models.Sample, []*models.SourceError) {
	outcomes := make([]fetchOutcome, len(job.adapters))
	var wg sync.WaitGroup
	for i, a := range job.adapters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = o.fetch(sessionCtx, fetchCtx, job, a)
		}()
	}
	wg.Wait()

	var (
		samples []models.Sample
		errs    []*models.SourceError
	)
	for _, out := range outcomes {
		samples = append(samples, out.samples...)
		if out.err != nil {
			errs = append(errs, out.err)
		}
	}
	return samples, errs
}

func (o *Orchestrator) fetch(sessionCtx, fetchCtx context.Context, job metricJob, a adapter.Adapter) fetchOutcome {
	src := a.Source()
	if err := o.sem.Acquire(sessionCtx, 1); err != nil {
		return fetchOutcome{err: &models.SourceError{Source: src, Metric: job.metric, Op: "fetch", Err: err}}
	}
	defer o.sem.Release(1)

	start := time.Now()
	var fetched []models.Sample
	attempts, err := retryWithBackoff(sessionCtx, fetchCtx, o.opts.fetchRetry(), func(ctx context.Context) error {
		got, err := a.FetchSamples(ctx, job.userID, job.metric, job.window.from, job.window.to)
		if err != nil {
			return err
		}
		fetched = got
		return nil
	})
	observability.ObserveFetch(src, job.metric, time.Since(start), err)

	if err != nil {
		job.logger.Warn("fetch failed", logging.Source(src), slog.Int("attempts", attempts), logging.Err(err))
		return fetchOutcome{err: &models.SourceError{Source: src, Metric: job.metric, Op: "fetch", Attempts: attempts, Err: err}}
	}
	if attempts > 1 {
		job.logger.Info("fetch succeeded after retry", logging.Source(src), slog.Int("attempts", attempts))
	}
	return fetchOutcome{samples: o.accept(job, src, fetched)}
}

// accept normalizes fetched samples and drops any that do not belong to the job.
func (o *Orchestrator) accept(job metricJob, src models.Source, samples []models.Sample) []models.Sample {
	out := make([]models.Sample, 0, len(samples))
	for _, s := range samples {
		if s.UserID == "" {
			s.UserID = job.userID
		}
		if s.Source == "" {
			s.Source = src
		}
		if s.RecordedAt.IsZero() {
			s.RecordedAt = o.opts.Now()
		}
		s = s.Normalize()
		if s.UserID != job.userID || s.Metric != job.metric || s.Source != src {
			job.logger.Warn("dropping foreign sample", logging.Source(src), slog.String("key", s.Key().String()))
			continue
		}
		if err := s.Validate(); err != nil {
			job.logger.Warn("dropping invalid sample", logging.Source(src), logging.Err(err))
			continue
		}
		out = append(out, s)
	}
	return out
}

// persist stores non-conflicting samples, canonical samples, the members of
// unresolved groups, and one audit record per group.
func (o *Orchestrator) persist(ctx context.Context, job metricJob, samples []models.Sample, inGroup map[models.SampleKey]bool,
	groups []models.ConflictGroup, resolutions []models.Resolution, res *MetricResult) {
	var toStore []models.Sample
	for _, s := range samples {
		if !inGroup[s.Key()] {
			toStore = append(toStore, s)
		}
	}
	for i, g := range groups {
		if resolutions[i].Resolved() {
			toStore = append(toStore, *resolutions[i].Canonical)
		} else {
			toStore = append(toStore, g.Members...)
		}
	}

	for _, s := range toStore {
		err := o.storeCall(ctx, func(ctx context.Context) error { return o.gateway.Upsert(ctx, s) })
		if err != nil {
			res.StoreErrors = append(res.StoreErrors, fmt.Sprintf("upsert %s: %v", s.Key(), err))
			res.syncErr = true
			job.logger.Error("persist sample failed", slog.String("key", s.Key().String()), logging.Err(err))
			continue
		}
		res.Persisted++
	}

	for i, g := range groups {
		err := o.storeCall(ctx, func(ctx context.Context) error {
			return o.gateway.RecordConflictAudit(ctx, g, resolutions[i])
		})
		if err != nil {
			res.StoreErrors = append(res.StoreErrors, fmt.Sprintf("record audit: %v", err))
			res.syncErr = true
			job.logger.Error("record conflict audit failed", logging.Err(err))
		}
	}
}

// writeBack pushes canonical values to sources whose readings lost.
func (o *Orchestrator) writeBack(ctx context.Context, job metricJob, groups []models.ConflictGroup, resolutions []models.Resolution, res *MetricResult) {
	writers := make(map[models.Source]adapter.Adapter)
	for _, a := range job.adapters {
		if a.SupportsWrite(job.metric) {
			writers[a.Source()] = a
		}
	}
	if len(writers) == 0 {
		return
	}

	for i, g := range groups {
		r := resolutions[i]
		if !r.Resolved() {
			continue
		}
		for _, m := range g.Members {
			a, ok := writers[m.Source]
			if !ok || m.Value == r.Canonical.Value {
				continue
			}
			s, ok := writeBackSample(m, *r.Canonical)
			if !ok {
				continue
			}
			attempts, err := o.write(ctx, a, job.userID, s)
			if err != nil {
				res.SourceErrors = append(res.SourceErrors, &models.SourceError{
					Source: m.Source, Metric: job.metric, Op: "write", Attempts: attempts, Err: err,
				})
				job.logger.Warn("write-back failed", logging.Source(m.Source),
					slog.String("record", m.SourceRecordID), logging.Err(err))
				continue
			}
			res.WrittenBack++
		}
	}
}

// writeBackSample addresses the canonical value to the member's record. Interval
// members are skipped when the canonical covers a different window.
func writeBackSample(member, canonical models.Sample) (models.Sample, bool) {
	if member.Metric.IsInterval() && (!member.Start.Equal(canonical.Start) || !member.End.Equal(canonical.End)) {
		return models.Sample{}, false
	}
	s := member
	s.Value = canonical.Value
	s.Unit = canonical.Unit
	return s, true
}

func (o *Orchestrator) write(ctx context.Context, a adapter.Adapter, userID string, s models.Sample) (int, error) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer o.sem.Release(1)
	return retryWithBackoff(ctx, ctx, o.opts.writeRetry(), func(ctx context.Context) error {
		return a.WriteSample(ctx, userID, s)
	})
}

func (o *Orchestrator) storeCall(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, o.opts.CallTimeout)
	defer cancel()
	return fn(ctx)
}
