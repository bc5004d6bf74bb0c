// ABOUTME: Metric enum for synchronized health data.
// ABOUTME: Declares canonical units and whether a metric is point-in-time or interval-based.
package models

import "fmt"

// Metric identifies the physiological quantity a sample measures.
type Metric string

const (
	MetricWeight    Metric = "weight"
	MetricSteps     Metric = "steps"
	MetricHeartRate Metric = "heart_rate"
	MetricSleep     Metric = "sleep"
	MetricNutrition Metric = "nutrition"
	MetricDistance  Metric = "distance"
	MetricCalories  Metric = "calories"
)

// MetricUnits maps each metric to its canonical unit.
var MetricUnits = map[Metric]string{
	MetricWeight:    "kg",
	MetricSteps:     "steps",
	MetricHeartRate: "bpm",
	MetricSleep:     "min",
	MetricNutrition: "kcal",
	MetricDistance:  "m",
	MetricCalories:  "kcal",
}

// AllMetrics returns all valid metrics in a stable order.
var AllMetrics = []Metric{
	MetricWeight, MetricSteps, MetricHeartRate, MetricSleep,
	MetricNutrition, MetricDistance, MetricCalories,
}

// IsValidMetric checks if a string names a known metric.
func IsValidMetric(s string) bool {
	for _, m := range AllMetrics {
		if string(m) == s {
			return true
		}
	}
	return false
}

// ParseMetric converts a string into a Metric.
func ParseMetric(s string) (Metric, error) {
	if !IsValidMetric(s) {
		return "", fmt.Errorf("unknown metric: %q", s)
	}
	return Metric(s), nil
}

// Unit returns the canonical unit for the metric.
func (m Metric) Unit() string {
	return MetricUnits[m]
}

// IsInterval reports whether samples of this metric cover a [start, end) window.
// Point metrics are measured at a single instant.
func (m Metric) IsInterval() bool {
	switch m {
	case MetricSteps, MetricSleep, MetricDistance, MetricCalories:
		return true
	}
	return false
}

// IsInteger reports whether values are whole counts.
func (m Metric) IsInteger() bool {
	return m == MetricSteps || m == MetricCalories
}

// IsContinuous reports whether averaging two readings yields a meaningful value.
func (m Metric) IsContinuous() bool {
	return m == MetricWeight || m == MetricHeartRate
}

// IsAdditive reports whether values over disjoint windows can be summed.
func (m Metric) IsAdditive() bool {
	return m == MetricSteps || m == MetricDistance || m == MetricCalories
}
