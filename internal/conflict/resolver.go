// ABOUTME: Conflict resolver: turns a conflict group into one canonical sample.
// ABOUTME: Implements prefer-source, last-write-wins, average, and merge strategies.
package conflict

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/harperreed/healthsync/internal/models"
)

// Policy selects a strategy per metric and the source ranking used for ties.
type Policy struct {
	Strategies map[models.Metric]models.Strategy
	Ranking    []models.Source
}

// DefaultPolicy returns the built-in resolution policy.
func DefaultPolicy() Policy {
	return Policy{
		Strategies: map[models.Metric]models.Strategy{
			models.MetricWeight:    models.StrategyPreferSource,
			models.MetricHeartRate: models.StrategyAverage,
			models.MetricSleep:     models.StrategyPreferSource,
			models.MetricNutrition: models.StrategyLastWriteWins,
			models.MetricSteps:     models.StrategyMerge,
			models.MetricDistance:  models.StrategyMerge,
			models.MetricCalories:  models.StrategyMerge,
		},
		Ranking: models.DefaultSourceRanking(),
	}
}

// StrategyFor returns the configured strategy, defaulting to prefer-source.
func (p Policy) StrategyFor(m models.Metric) models.Strategy {
	if s, ok := p.Strategies[m]; ok && s != "" {
		return s
	}
	return models.StrategyPreferSource
}

func (p Policy) ranking() []models.Source {
	if len(p.Ranking) == 0 {
		return models.DefaultSourceRanking()
	}
	return p.Ranking
}

// rank returns the position of src in the ranking; unranked sources sort last.
func (p Policy) rank(src models.Source) int {
	r := p.ranking()
	for i, s := range r {
		if s == src {
			return i
		}
	}
	return len(r)
}

// Resolve applies the metric's strategy to the group and returns the canonical sample.
// The result depends only on the group and policy, never on wall-clock time.
func Resolve(group models.ConflictGroup, policy Policy) (models.Sample, error) {
	if len(group.Members) == 0 {
		return models.Sample{}, fmt.Errorf("resolve: empty conflict group")
	}

	strategy := policy.StrategyFor(group.Metric)
	switch strategy {
	case models.StrategyPreferSource:
		return preferSource(group, policy), nil
	case models.StrategyLastWriteWins:
		return lastWriteWins(group, policy), nil
	case models.StrategyAverage:
		if !group.Metric.IsContinuous() {
			return models.Sample{}, fmt.Errorf("resolve %s with %s: %w", group.Metric, strategy, models.ErrInvalidStrategyForMetric)
		}
		return average(group), nil
	case models.StrategyMerge:
		if !group.Metric.IsAdditive() {
			return models.Sample{}, fmt.Errorf("resolve %s with %s: %w", group.Metric, strategy, models.ErrInvalidStrategyForMetric)
		}
		return merge(group, policy), nil
	default:
		return models.Sample{}, fmt.Errorf("resolve %s: unknown strategy %q: %w", group.Metric, strategy, models.ErrInvalidStrategyForMetric)
	}
}

// ResolveGroup wraps Resolve into a Resolution stamped with at.
func ResolveGroup(group models.ConflictGroup, policy Policy, at time.Time) models.Resolution {
	res := models.Resolution{Strategy: policy.StrategyFor(group.Metric), ResolvedAt: at}
	canonical, err := Resolve(group, policy)
	if err != nil {
		res.Err = err
		return res
	}
	res.Canonical = &canonical
	return res
}

func preferSource(g models.ConflictGroup, p Policy) models.Sample {
	winner := pick(g.Members, func(a, b models.Sample) bool {
		if ra, rb := p.rank(a.Source), p.rank(b.Source); ra != rb {
			return ra < rb
		}
		if !a.RecordedAt.Equal(b.RecordedAt) {
			return a.RecordedAt.After(b.RecordedAt)
		}
		return a.SourceRecordID < b.SourceRecordID
	})
	return canonical(g, winner.Value, winner.Start, winner.End)
}

func lastWriteWins(g models.ConflictGroup, p Policy) models.Sample {
	winner := pick(g.Members, func(a, b models.Sample) bool {
		if !a.RecordedAt.Equal(b.RecordedAt) {
			return a.RecordedAt.After(b.RecordedAt)
		}
		if ra, rb := p.rank(a.Source), p.rank(b.Source); ra != rb {
			return ra < rb
		}
		return a.SourceRecordID < b.SourceRecordID
	})
	return canonical(g, winner.Value, winner.Start, winner.End)
}

func average(g models.ConflictGroup) models.Sample {
	members := sortedMembers(g.Members)
	var sum float64
	start := members[0].Start
	for _, m := range members {
		sum += m.Value
		if m.Start.Before(start) {
			start = m.Start
		}
	}
	return canonical(g, sum/float64(len(members)), start, start)
}

type span struct {
	sample     models.Sample
	start, end time.Time
}

func (s span) duration() time.Duration {
	return s.end.Sub(s.start)
}

// merge sums elementary segments of the union of windows. Each segment takes the
// pro-rated value of the finest-grained member covering it, so overlap is counted once.
func merge(g models.ConflictGroup, p Policy) models.Sample {
	members := sortedMembers(g.Members)
	spans := make([]span, len(members))
	var bounds []time.Time
	for i, m := range members {
		end := m.End
		if !end.After(m.Start) {
			end = m.Start.Add(time.Second)
		}
		spans[i] = span{sample: m, start: m.Start, end: end}
		bounds = append(bounds, m.Start, end)
	}
	sort.Slice(bounds, func(i, j int) bool { return bounds[i].Before(bounds[j]) })
	bounds = uniqueTimes(bounds)

	better := func(a, b span) bool {
		if da, db := a.duration(), b.duration(); da != db {
			return da < db
		}
		if ra, rb := p.rank(a.sample.Source), p.rank(b.sample.Source); ra != rb {
			return ra < rb
		}
		return a.sample.SourceRecordID < b.sample.SourceRecordID
	}

	var total float64
	for i := 0; i+1 < len(bounds); i++ {
		segStart, segEnd := bounds[i], bounds[i+1]
		best := -1
		for j, sp := range spans {
			if sp.start.After(segStart) || sp.end.Before(segEnd) {
				continue
			}
			if best < 0 || better(sp, spans[best]) {
				best = j
			}
		}
		if best < 0 {
			continue
		}
		b := spans[best]
		total += b.sample.Value * float64(segEnd.Sub(segStart)) / float64(b.duration())
	}

	return canonical(g, total, bounds[0], bounds[len(bounds)-1])
}

// canonical builds the reconciled sample shared by every strategy.
func canonical(g models.ConflictGroup, value float64, start, end time.Time) models.Sample {
	members := sortedMembers(g.Members)
	ids := make([]string, len(members))
	var recordedAt time.Time
	for i, m := range members {
		ids[i] = string(m.Source) + ":" + m.SourceRecordID
		if m.RecordedAt.After(recordedAt) {
			recordedAt = m.RecordedAt
		}
	}
	sort.Strings(ids)

	if !g.Metric.IsInterval() {
		end = start
	}
	s := models.Sample{
		UserID:         g.UserID,
		Metric:         g.Metric,
		Value:          value,
		Unit:           g.Metric.Unit(),
		Start:          start,
		End:            end,
		Source:         models.SourceReconciled,
		SourceRecordID: strings.Join(ids, ","),
		RecordedAt:     recordedAt,
	}
	return s.Normalize()
}

// ContributingIDs splits a reconciled record id back into source:record pairs.
func ContributingIDs(s models.Sample) []string {
	if s.Source != models.SourceReconciled || s.SourceRecordID == "" {
		return nil
	}
	return strings.Split(s.SourceRecordID, ",")
}

func pick(members []models.Sample, less func(a, b models.Sample) bool) models.Sample {
	members = sortedMembers(members)
	best := members[0]
	for _, m := range members[1:] {
		if less(m, best) {
			best = m
		}
	}
	return best
}

func sortedMembers(members []models.Sample) []models.Sample {
	out := append([]models.Sample(nil), members...)
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.SourceRecordID != b.SourceRecordID {
			return a.SourceRecordID < b.SourceRecordID
		}
		return a.Start.Before(b.Start)
	})
	return out
}

func uniqueTimes(ts []time.Time) []time.Time {
	out := ts[:0]
	for i, t := range ts {
		if i == 0 || !t.Equal(out[len(out)-1]) {
			out = append(out, t)
		}
	}
	return out
}
