// ABOUTME: Source adapter contract and the registry handed to the orchestrator.
// ABOUTME: Adapters fetch and write samples; they never touch storage.
package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harperreed/healthsync/internal/models"
)

// ProbeTimeout bounds IsAvailable checks.
const ProbeTimeout = 3 * time.Second

// Adapter is implemented once per health platform.
type Adapter interface {
	Source() models.Source
	// IsAvailable reports whether the platform can be reached and is authorized.
	IsAvailable(ctx context.Context) bool
	SupportedMetrics() []models.Metric
	SupportsWrite(metric models.Metric) bool
	// FetchSamples returns every sample whose window intersects [from, to].
	// It is safe to call concurrently for different metrics.
	FetchSamples(ctx context.Context, userID string, metric models.Metric, from, to time.Time) ([]models.Sample, error)
	// WriteSample stores s on the platform. Errors wrap ErrUnsupported,
	// ErrRejected or ErrTransientIO.
	WriteSample(ctx context.Context, userID string, s models.Sample) error
}

// Supports reports whether metric is among a's supported metrics.
func Supports(a Adapter, metric models.Metric) bool {
	for _, m := range a.SupportedMetrics() {
		if m == metric {
			return true
		}
	}
	return false
}

// Registry maps sources to adapters. It is passed explicitly to whoever needs it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.Source]Adapter
}

// NewRegistry builds a registry from adapters, rejecting duplicate sources.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[models.Source]Adapter)}
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an adapter.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	src := a.Source()
	if src == models.SourceReconciled {
		return fmt.Errorf("register adapter: %s is not a platform source", src)
	}
	if _, exists := r.adapters[src]; exists {
		return fmt.Errorf("register adapter: duplicate source %s", src)
	}
	r.adapters[src] = a
	return nil
}

// Get returns the adapter for src.
func (r *Registry) Get(src models.Source) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[src]
	return a, ok
}

// All returns the registered adapters ordered by source name.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source() < out[j].Source() })
	return out
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}

// Capability describes what one adapter can do; used by listings.
type Capability struct {
	Source    models.Source   `json:"source"`
	Available bool            `json:"available"`
	Metrics   []models.Metric `json:"metrics"`
	Writable  []models.Metric `json:"writable"`
}

// Describe probes every adapter and reports its capabilities.
func (r *Registry) Describe(ctx context.Context) []Capability {
	adapters := r.All()
	out := make([]Capability, len(adapters))
	var wg sync.WaitGroup
	for i, a := range adapters {
		wg.Add(1)
		go func(i int, a Adapter) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, ProbeTimeout)
			defer cancel()
			c := Capability{Source: a.Source(), Available: a.IsAvailable(probeCtx), Metrics: a.SupportedMetrics()}
			for _, m := range c.Metrics {
				if a.SupportsWrite(m) {
					c.Writable = append(c.Writable, m)
				}
			}
			out[i] = c
		}(i, a)
	}
	wg.Wait()
	return out
}
