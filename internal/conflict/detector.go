// ABOUTME: Conflict detector: sweep-line clustering of overlapping samples.
// ABOUTME: Emits whole clusters whose cross-source overlapping readings disagree.
package conflict

import (
	"sort"
	"time"

	"github.com/harperreed/healthsync/internal/models"
)

type groupKey struct {
	userID string
	metric models.Metric
}

type entry struct {
	sample     models.Sample
	start, end time.Time
}

// Window returns the effective [start, end) window used for overlap tests.
// Point samples, and interval samples with no width, snap to their bucket.
func Window(s models.Sample, bucket time.Duration) (time.Time, time.Time) {
	if s.Metric.IsInterval() && !s.IsPoint() {
		return s.Start, s.End
	}
	if bucket <= 0 {
		bucket = defaultBucket
	}
	start := s.Start.UTC().Truncate(bucket)
	return start, start.Add(bucket)
}

// Detect finds conflict groups among samples from multiple sources.
// Reconciled samples are ignored so canonical values never conflict with their own inputs.
func Detect(samples []models.Sample, tol ToleranceConfig) []models.ConflictGroup {
	groups := make(map[groupKey][]models.Sample)
	for _, s := range Dedupe(samples) {
		if s.Source == models.SourceReconciled {
			continue
		}
		k := groupKey{userID: s.UserID, metric: s.Metric}
		groups[k] = append(groups[k], s)
	}

	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].userID != keys[j].userID {
			return keys[i].userID < keys[j].userID
		}
		return keys[i].metric < keys[j].metric
	})

	var out []models.ConflictGroup
	for _, k := range keys {
		out = append(out, detectGroup(k, groups[k], tol.For(k.metric))...)
	}
	return out
}

// Dedupe collapses repeated fetches of one record, keeping the latest revision.
func Dedupe(samples []models.Sample) []models.Sample {
	latest := make(map[models.SampleKey]int, len(samples))
	out := make([]models.Sample, 0, len(samples))
	for _, s := range samples {
		k := s.Key()
		if i, ok := latest[k]; ok {
			if s.RecordedAt.After(out[i].RecordedAt) {
				out[i] = s
			}
			continue
		}
		latest[k] = len(out)
		out = append(out, s)
	}
	return out
}

func detectGroup(k groupKey, samples []models.Sample, tol Tolerance) []models.ConflictGroup {
	entries := make([]entry, len(samples))
	for i, s := range samples {
		start, end := Window(s, tol.Bucket)
		entries[i] = entry{sample: s, start: start, end: end}
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.start.Equal(b.start) {
			return a.start.Before(b.start)
		}
		if !a.end.Equal(b.end) {
			return a.end.Before(b.end)
		}
		if a.sample.Source != b.sample.Source {
			return a.sample.Source < b.sample.Source
		}
		return a.sample.SourceRecordID < b.sample.SourceRecordID
	})

	var (
		out         []models.ConflictGroup
		cluster     []int
		active      []int
		clusterEnd  time.Time
		conflicting bool
		maxDelta    float64
	)

	flush := func() {
		if conflicting && len(cluster) >= 2 {
			g := models.ConflictGroup{UserID: k.userID, Metric: k.metric, MaxDelta: maxDelta}
			for _, idx := range cluster {
				g.Members = append(g.Members, entries[idx].sample)
			}
			out = append(out, g)
		}
		cluster = cluster[:0]
		active = active[:0]
		conflicting = false
		maxDelta = 0
	}

	for i, e := range entries {
		if len(cluster) > 0 && !e.start.Before(clusterEnd) {
			flush()
		}

		// Entries are sorted by start, so anything still ending after e.start overlaps e.
		kept := active[:0]
		for _, idx := range active {
			if entries[idx].end.After(e.start) {
				kept = append(kept, idx)
			}
		}
		active = kept

		for _, idx := range active {
			o := entries[idx].sample
			if o.Source == e.sample.Source {
				continue
			}
			if tol.Exceeded(o.Value, e.sample.Value) {
				conflicting = true
				if d := tol.Delta(o.Value, e.sample.Value); d > maxDelta {
					maxDelta = d
				}
			}
		}

		active = append(active, i)
		cluster = append(cluster, i)
		if len(cluster) == 1 || e.end.After(clusterEnd) {
			clusterEnd = e.end
		}
	}
	flush()

	return out
}
