// ABOUTME: Tests for Metric and Source enums.
// ABOUTME: Validates units mapping, metric classification, and parsing.
package models

import (
	"testing"
)

func TestMetricUnit(t *testing.T) {
	tests := []struct {
		metric   Metric
		wantUnit string
	}{
		{MetricWeight, "kg"},
		{MetricSteps, "steps"},
		{MetricHeartRate, "bpm"},
		{MetricSleep, "min"},
		{MetricDistance, "m"},
		{MetricCalories, "kcal"},
	}

	for _, tt := range tests {
		t.Run(string(tt.metric), func(t *testing.T) {
			if got := tt.metric.Unit(); got != tt.wantUnit {
				t.Errorf("%s.Unit() = %s, want %s", tt.metric, got, tt.wantUnit)
			}
		})
	}
}

func TestAllMetricsHaveUnits(t *testing.T) {
	for _, m := range AllMetrics {
		if _, ok := MetricUnits[m]; !ok {
			t.Errorf("Metric %s has no unit defined", m)
		}
	}
}

func TestMetricClassification(t *testing.T) {
	if MetricWeight.IsInterval() {
		t.Error("weight should be a point metric")
	}
	if !MetricSteps.IsInterval() || !MetricSleep.IsInterval() {
		t.Error("steps and sleep should be interval metrics")
	}
	if !MetricSteps.IsInteger() || MetricWeight.IsInteger() {
		t.Error("integer classification mismatch")
	}
	if !MetricHeartRate.IsContinuous() || MetricSteps.IsContinuous() {
		t.Error("continuous classification mismatch")
	}
	if !MetricDistance.IsAdditive() || MetricSleep.IsAdditive() {
		t.Error("additive classification mismatch")
	}
}

func TestParseMetric(t *testing.T) {
	if _, err := ParseMetric("weight"); err != nil {
		t.Errorf("ParseMetric(weight) failed: %v", err)
	}
	if _, err := ParseMetric("mood"); err == nil {
		t.Error("expected error for unknown metric")
	}
}

func TestParseSource(t *testing.T) {
	for _, src := range AllSources {
		got, err := ParseSource(string(src))
		if err != nil || got != src {
			t.Errorf("ParseSource(%s) = %v, %v", src, got, err)
		}
	}
	if _, err := ParseSource("reconciled"); err != nil {
		t.Errorf("reconciled should parse: %v", err)
	}
	if _, err := ParseSource("fax"); err == nil {
		t.Error("expected error for unknown source")
	}
}

func TestDefaultSourceRankingIsCopy(t *testing.T) {
	r := DefaultSourceRanking()
	r[0] = SourceWearable
	if AllSources[0] != SourceHealthPlatform {
		t.Error("DefaultSourceRanking must not alias AllSources")
	}
}
