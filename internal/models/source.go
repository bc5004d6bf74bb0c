// ABOUTME: Source enum identifying the platform a sample originated from.
// ABOUTME: Includes the synthetic "reconciled" marker used for resolved samples.
package models

import "fmt"

// Source identifies the origin platform of a sample.
type Source string

const (
	SourceHealthPlatform Source = "health_platform"
	SourceVendorHealth   Source = "vendor_health"
	SourceFitnessCloud   Source = "fitness_cloud"
	SourceWearable       Source = "wearable"

	// SourceReconciled marks canonical samples produced by conflict resolution.
	SourceReconciled Source = "reconciled"
)

// AllSources lists the real platforms in default preference order.
var AllSources = []Source{
	SourceHealthPlatform, SourceVendorHealth, SourceFitnessCloud, SourceWearable,
}

// DefaultSourceRanking is the preference order used by PreferSource resolution.
func DefaultSourceRanking() []Source {
	return append([]Source(nil), AllSources...)
}

// ParseSource converts a string into a Source.
func ParseSource(s string) (Source, error) {
	for _, src := range AllSources {
		if string(src) == s {
			return src, nil
		}
	}
	if s == string(SourceReconciled) {
		return SourceReconciled, nil
	}
	return "", fmt.Errorf("unknown source: %q", s)
}
