// ABOUTME: Tests for the Charm KV adapter and the adapter registry.
// ABOUTME: Uses an in-memory KV in place of a Charm Cloud account.
package adapter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harperreed/healthsync/internal/charm"
	"github.com/harperreed/healthsync/internal/logging"
	"github.com/harperreed/healthsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memKV struct {
	mu       sync.Mutex
	data     map[string][]byte
	readOnly bool
	syncErr  error
}

func newMemKV() *memKV { return &memKV{data: make(map[string][]byte)} }

func (m *memKV) Keys() ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys [][]byte
	for k := range m.data {
		keys = append(keys, []byte(k))
	}
	return keys, nil
}

func (m *memKV) Get(key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, errors.New("missing")
	}
	return v, nil
}

func (m *memKV) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = value
	return nil
}

func (m *memKV) Sync() error      { return m.syncErr }
func (m *memKV) IsReadOnly() bool { return m.readOnly }
func (m *memKV) Close() error     { return nil }

func newCharmAdapter(store *memKV) *CharmAdapter {
	return NewCharmAdapter(charm.NewClient(store, false), CharmConfig{Logger: logging.Discard()})
}

func TestCharmAdapterRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := newCharmAdapter(newMemKV())
	assert.Equal(t, models.SourceHealthPlatform, a.Source())
	assert.True(t, a.SupportsWrite(models.MetricWeight))

	in := models.NewSample("u1", models.MetricSleep, 420, base, models.SourceReconciled, "night-1").
		WithWindow(base, base.Add(7*time.Hour)).
		WithRecordedAt(base)
	require.NoError(t, a.WriteSample(ctx, "u1", in))

	got, err := a.FetchSamples(ctx, "u1", models.MetricSleep, base.Add(time.Hour), base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.SourceHealthPlatform, got[0].Source, "samples are attributed to the adapter")
	assert.Equal(t, 420.0, got[0].Value)
	assert.Equal(t, base.Add(7*time.Hour), got[0].End)

	none, err := a.FetchSamples(ctx, "u1", models.MetricSleep, base.Add(8*time.Hour), base.Add(9*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCharmAdapterReadOnly(t *testing.T) {
	store := newMemKV()
	store.readOnly = true
	a := newCharmAdapter(store)

	assert.False(t, a.SupportsWrite(models.MetricWeight))
	err := a.WriteSample(context.Background(), "u1", models.NewSample("u1", models.MetricWeight, 80, base, models.SourceReconciled, "x"))
	assert.ErrorIs(t, err, models.ErrTransientIO)
}

func TestCharmAdapterAvailability(t *testing.T) {
	store := newMemKV()
	a := newCharmAdapter(store)
	assert.True(t, a.IsAvailable(context.Background()))

	store.syncErr = errors.New("offline")
	assert.False(t, a.IsAvailable(context.Background()))
}

func TestCharmAdapterUnsupported(t *testing.T) {
	a := NewCharmAdapter(charm.NewClient(newMemKV(), false), CharmConfig{
		Source:   models.SourceVendorHealth,
		Metrics:  []models.Metric{models.MetricWeight},
		Writable: []models.Metric{},
	})
	_, err := a.FetchSamples(context.Background(), "u1", models.MetricSteps, base, base)
	assert.ErrorIs(t, err, models.ErrUnsupported)
	err = a.WriteSample(context.Background(), "u1", models.NewSample("u1", models.MetricWeight, 80, base, models.SourceReconciled, "x"))
	assert.ErrorIs(t, err, models.ErrUnsupported)
}

func TestRegistry(t *testing.T) {
	a := newCharmAdapter(newMemKV())
	b := NewCharmAdapter(charm.NewClient(newMemKV(), false), CharmConfig{Source: models.SourceFitnessCloud})

	r, err := NewRegistry(b, a)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())
	all := r.All()
	assert.Equal(t, models.SourceFitnessCloud, all[0].Source())

	got, ok := r.Get(models.SourceHealthPlatform)
	assert.True(t, ok)
	assert.Same(t, a, got)

	assert.Error(t, r.Register(newCharmAdapter(newMemKV())), "duplicate source")

	caps := r.Describe(context.Background())
	require.Len(t, caps, 2)
	assert.True(t, caps[0].Available)
	assert.Len(t, caps[0].Writable, len(models.AllMetrics))
}
