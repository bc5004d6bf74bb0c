// ABOUTME: Tests for conflict resolution strategies.
// ABOUTME: Covers prefer-source, last-write-wins, average, merge, and determinism.
package conflict

import (
	"errors"
	"testing"
	"time"

	"github.com/harperreed/healthsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func group(metric models.Metric, members ...models.Sample) models.ConflictGroup {
	return models.ConflictGroup{UserID: "u1", Metric: metric, Members: members}
}

func policyWith(metric models.Metric, strategy models.Strategy, ranking ...models.Source) Policy {
	p := DefaultPolicy()
	p.Strategies[metric] = strategy
	if len(ranking) > 0 {
		p.Ranking = ranking
	}
	return p
}

func TestResolveAverageWeight(t *testing.T) {
	g := group(models.MetricWeight,
		point(models.SourceWearable, "w1", models.MetricWeight, 80.0, base.Add(7*time.Hour)),
		point(models.SourceHealthPlatform, "h1", models.MetricWeight, 82.0, base.Add(8*time.Hour)),
	)

	got, err := Resolve(g, policyWith(models.MetricWeight, models.StrategyAverage))
	require.NoError(t, err)
	assert.Equal(t, 81.0, got.Value)
	assert.Equal(t, "kg", got.Unit)
	assert.Equal(t, models.SourceReconciled, got.Source)
	assert.Equal(t, "health_platform:h1,wearable:w1", got.SourceRecordID)
	assert.True(t, got.IsPoint())
}

func TestResolvePreferSource(t *testing.T) {
	g := group(models.MetricWeight,
		point(models.SourceWearable, "w1", models.MetricWeight, 70, base),
		point(models.SourceHealthPlatform, "h1", models.MetricWeight, 71, base),
	)
	p := policyWith(models.MetricWeight, models.StrategyPreferSource,
		models.SourceHealthPlatform, models.SourceWearable)

	got, err := Resolve(g, p)
	require.NoError(t, err)
	assert.Equal(t, 71.0, got.Value)
}

func TestResolvePreferSourceUnrankedFallsBackToRecency(t *testing.T) {
	older := point(models.SourceWearable, "w1", models.MetricWeight, 70, base)
	newer := point(models.SourceFitnessCloud, "f1", models.MetricWeight, 72, base).WithRecordedAt(base.Add(time.Hour))
	p := policyWith(models.MetricWeight, models.StrategyPreferSource, models.SourceHealthPlatform)

	got, err := Resolve(group(models.MetricWeight, older, newer), p)
	require.NoError(t, err)
	assert.Equal(t, 72.0, got.Value)
}

func TestResolveLastWriteWins(t *testing.T) {
	a := point(models.SourceHealthPlatform, "h1", models.MetricNutrition, 500, base).WithRecordedAt(base)
	b := point(models.SourceVendorHealth, "v1", models.MetricNutrition, 650, base).WithRecordedAt(base.Add(time.Minute))

	got, err := Resolve(group(models.MetricNutrition, a, b), DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, 650.0, got.Value)
	assert.Equal(t, base.Add(time.Minute), got.RecordedAt)
}

func TestResolveAverageRejectedForSteps(t *testing.T) {
	g := group(models.MetricSteps,
		interval(models.SourceWearable, "a", models.MetricSteps, 3000, 0, 30*time.Minute),
		interval(models.SourceFitnessCloud, "b", models.MetricSteps, 2500, 0, 30*time.Minute),
	)
	_, err := Resolve(g, policyWith(models.MetricSteps, models.StrategyAverage))
	assert.True(t, errors.Is(err, models.ErrInvalidStrategyForMetric))

	_, err = Resolve(g, policyWith(models.MetricSleep, models.StrategyAverage))
	assert.NoError(t, err, "steps policy is unaffected by sleep override")
}

func TestResolveMergeRejectedForWeight(t *testing.T) {
	g := group(models.MetricWeight,
		point(models.SourceWearable, "w1", models.MetricWeight, 70, base),
		point(models.SourceHealthPlatform, "h1", models.MetricWeight, 75, base),
	)
	_, err := Resolve(g, policyWith(models.MetricWeight, models.StrategyMerge))
	assert.ErrorIs(t, err, models.ErrInvalidStrategyForMetric)
}

func TestResolveUnknownStrategy(t *testing.T) {
	g := group(models.MetricWeight, point(models.SourceWearable, "w1", models.MetricWeight, 70, base))
	_, err := Resolve(g, policyWith(models.MetricWeight, "coin_flip"))
	assert.ErrorIs(t, err, models.ErrInvalidStrategyForMetric)
}

func TestResolveEmptyGroup(t *testing.T) {
	_, err := Resolve(models.ConflictGroup{Metric: models.MetricWeight}, DefaultPolicy())
	assert.Error(t, err)
}

func TestResolveMergeDeduplicatesOverlap(t *testing.T) {
	g := group(models.MetricSteps,
		interval(models.SourceWearable, "a", models.MetricSteps, 3000, 0, 30*time.Minute),
		interval(models.SourceFitnessCloud, "b", models.MetricSteps, 2500, 20*time.Minute, 50*time.Minute),
	)

	got, err := Resolve(g, DefaultPolicy())
	require.NoError(t, err)

	// [0,20) from a = 2000, overlap [20,30) from the higher-ranked fitness cloud = 833,
	// [30,50) from b = 1667.
	assert.Equal(t, 4500.0, got.Value)
	assert.NotEqual(t, 5500.0, got.Value)
	assert.Equal(t, base, got.Start)
	assert.Equal(t, base.Add(50*time.Minute), got.End)
}

func TestResolveMergePrefersFinerGranularity(t *testing.T) {
	g := group(models.MetricSteps,
		interval(models.SourceHealthPlatform, "coarse", models.MetricSteps, 3000, 0, 30*time.Minute),
		interval(models.SourceWearable, "fine", models.MetricSteps, 600, 20*time.Minute, 25*time.Minute),
	)

	got, err := Resolve(g, DefaultPolicy())
	require.NoError(t, err)
	// 2000 before the fine window, 600 inside it, 500 after.
	assert.Equal(t, 3100.0, got.Value)
}

func TestResolveMergeDisjointSums(t *testing.T) {
	g := group(models.MetricDistance,
		interval(models.SourceWearable, "a", models.MetricDistance, 1200.5, 0, 10*time.Minute),
		interval(models.SourceFitnessCloud, "b", models.MetricDistance, 800, 15*time.Minute, 25*time.Minute),
	)
	got, err := Resolve(g, DefaultPolicy())
	require.NoError(t, err)
	assert.InDelta(t, 2000.5, got.Value, 1e-9)
}

func TestResolveIsDeterministic(t *testing.T) {
	members := []models.Sample{
		interval(models.SourceWearable, "a", models.MetricSteps, 3000, 0, 30*time.Minute),
		interval(models.SourceFitnessCloud, "b", models.MetricSteps, 2500, 20*time.Minute, 50*time.Minute),
		interval(models.SourceVendorHealth, "c", models.MetricSteps, 1234, 5*time.Minute, 40*time.Minute),
	}
	first, err := Resolve(group(models.MetricSteps, members...), DefaultPolicy())
	require.NoError(t, err)

	reversed := []models.Sample{members[2], members[1], members[0]}
	for i := 0; i < 20; i++ {
		again, err := Resolve(group(models.MetricSteps, reversed...), DefaultPolicy())
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestResolveGroupCapturesError(t *testing.T) {
	g := group(models.MetricSleep,
		interval(models.SourceWearable, "a", models.MetricSleep, 420, 0, 7*time.Hour),
		interval(models.SourceHealthPlatform, "b", models.MetricSleep, 380, 0, 7*time.Hour),
	)
	res := ResolveGroup(g, policyWith(models.MetricSleep, models.StrategyAverage), base)
	assert.False(t, res.Resolved())
	assert.ErrorIs(t, res.Err, models.ErrInvalidStrategyForMetric)
	assert.Equal(t, models.StrategyAverage, res.Strategy)

	res = ResolveGroup(g, DefaultPolicy(), base)
	require.True(t, res.Resolved())
	assert.Equal(t, 380.0, res.Canonical.Value)
}

func TestContributingIDs(t *testing.T) {
	g := group(models.MetricWeight,
		point(models.SourceWearable, "w1", models.MetricWeight, 70, base),
		point(models.SourceHealthPlatform, "h1", models.MetricWeight, 75, base),
	)
	got, err := Resolve(g, DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, []string{"health_platform:h1", "wearable:w1"}, ContributingIDs(got))
	assert.Nil(t, ContributingIDs(g.Members[0]))
}
