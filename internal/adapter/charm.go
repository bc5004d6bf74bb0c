// ABOUTME: Adapter for the device-local health store kept in Charm KV.
// ABOUTME: Reads and writes samples through the charm client and syncs with Charm Cloud.
package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/harperreed/healthsync/internal/charm"
	"github.com/harperreed/healthsync/internal/logging"
	"github.com/harperreed/healthsync/internal/models"
)

// CharmAdapter serves one source from a Charm KV database.
type CharmAdapter struct {
	source   models.Source
	client   *charm.Client
	metrics  []models.Metric
	writable map[models.Metric]bool
	logger   *slog.Logger
}

var _ Adapter = (*CharmAdapter)(nil)

// CharmConfig configures a CharmAdapter.
type CharmConfig struct {
	// Source defaults to health_platform.
	Source   models.Source
	Metrics  []models.Metric
	Writable []models.Metric
	Logger   *slog.Logger
}

// NewCharmAdapter wraps an open charm client.
func NewCharmAdapter(client *charm.Client, cfg CharmConfig) *CharmAdapter {
	if cfg.Source == "" {
		cfg.Source = models.SourceHealthPlatform
	}
	a := &CharmAdapter{
		source:   cfg.Source,
		client:   client,
		metrics:  append([]models.Metric(nil), cfg.Metrics...),
		writable: make(map[models.Metric]bool),
		logger:   logging.OrDefault(cfg.Logger).With(logging.Component("adapter"), logging.Source(cfg.Source)),
	}
	if len(a.metrics) == 0 {
		a.metrics = append(a.metrics, models.AllMetrics...)
	}
	writable := cfg.Writable
	if writable == nil {
		writable = a.metrics
	}
	for _, m := range writable {
		a.writable[m] = true
	}
	return a
}

// Source returns the configured source.
func (a *CharmAdapter) Source() models.Source {
	return a.source
}

// SupportedMetrics returns the metrics kept in the store.
func (a *CharmAdapter) SupportedMetrics() []models.Metric {
	return append([]models.Metric(nil), a.metrics...)
}

// SupportsWrite is false while the KV is held read-only by another process.
func (a *CharmAdapter) SupportsWrite(metric models.Metric) bool {
	return a.writable[metric] && !a.client.IsReadOnly()
}

// IsAvailable syncs with Charm Cloud within the probe timeout.
func (a *CharmAdapter) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.client.Sync() }()
	select {
	case err := <-done:
		if err != nil {
			a.logger.Debug("charm sync failed", logging.Err(err))
			return false
		}
		return true
	case <-ctx.Done():
		return false
	}
}

// FetchSamples lists stored samples intersecting [from, to].
func (a *CharmAdapter) FetchSamples(ctx context.Context, userID string, metric models.Metric, from, to time.Time) ([]models.Sample, error) {
	if !Supports(a, metric) {
		return nil, fmt.Errorf("fetch %s: %w", metric, models.ErrUnsupported)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	all, err := a.client.ListSamples(userID, metric, a.source)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %v: %w", metric, err, models.ErrTransientIO)
	}

	var out []models.Sample
	for _, s := range all {
		if s.Intersects(from, to) {
			out = append(out, s)
		}
	}
	return out, nil
}

// WriteSample stores s under its record id.
func (a *CharmAdapter) WriteSample(ctx context.Context, userID string, s models.Sample) error {
	if !a.writable[s.Metric] {
		return fmt.Errorf("write %s: %w", s.Metric, models.ErrUnsupported)
	}
	if s.SourceRecordID == "" {
		return fmt.Errorf("write %s: missing record id: %w", s.Metric, models.ErrRejected)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// A read-only KV means another process holds the lock; it clears on its own.
	if err := a.client.PutSample(userID, s.Normalize()); err != nil {
		return fmt.Errorf("write %s: %v: %w", s.Metric, err, models.ErrTransientIO)
	}
	return nil
}
