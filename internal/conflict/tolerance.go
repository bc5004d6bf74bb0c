// ABOUTME: Per-metric tolerance and bucket configuration for conflict detection.
// ABOUTME: Decides when two readings of the same fact disagree.
package conflict

import (
	"math"
	"time"

	"github.com/harperreed/healthsync/internal/models"
)

// Tolerance bounds how far two readings may drift before they conflict.
type Tolerance struct {
	// Absolute is the largest allowed |a-b| in the metric's unit.
	Absolute float64
	// Relative, when positive, replaces Absolute with |a-b| / max(|a|,|b|).
	Relative float64
	// Bucket is the width within which point readings count as the same measurement.
	Bucket time.Duration
}

// ToleranceConfig holds a Tolerance per metric.
type ToleranceConfig map[models.Metric]Tolerance

const defaultBucket = time.Minute

// DefaultTolerances returns the built-in tolerances.
func DefaultTolerances() ToleranceConfig {
	return ToleranceConfig{
		models.MetricWeight:    {Relative: 0.01, Bucket: 24 * time.Hour},
		models.MetricSteps:     {Absolute: 50, Bucket: defaultBucket},
		models.MetricHeartRate: {Absolute: 5, Bucket: time.Minute},
		models.MetricSleep:     {Absolute: 15, Bucket: defaultBucket},
		models.MetricNutrition: {Absolute: 50, Bucket: time.Hour},
		models.MetricDistance:  {Absolute: 50, Bucket: defaultBucket},
		models.MetricCalories:  {Absolute: 25, Bucket: defaultBucket},
	}
}

// For returns the tolerance for a metric, falling back to the defaults.
func (tc ToleranceConfig) For(m models.Metric) Tolerance {
	t, ok := tc[m]
	if !ok {
		t = DefaultTolerances()[m]
	}
	if t.Bucket <= 0 {
		t.Bucket = defaultBucket
	}
	return t
}

// Delta returns the difference between a and b in the tolerance's mode.
func (t Tolerance) Delta(a, b float64) float64 {
	diff := math.Abs(a - b)
	if t.Relative > 0 {
		denom := math.Max(math.Abs(a), math.Abs(b))
		if denom == 0 {
			return 0
		}
		return diff / denom
	}
	return diff
}

// Exceeded reports whether a and b disagree beyond the tolerance.
func (t Tolerance) Exceeded(a, b float64) bool {
	if t.Relative > 0 {
		return t.Delta(a, b) > t.Relative
	}
	return t.Delta(a, b) > t.Absolute
}
