// ABOUTME: In-memory checkpoints for gateways that cannot persist them.
// ABOUTME: Progress is lost on restart, so the next incremental run uses the default lookback.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/harperreed/healthsync/internal/models"
	"github.com/harperreed/healthsync/internal/storage"
)

type checkpointKey struct {
	userID string
	metric models.Metric
}

type memoryCheckpoints struct {
	mu sync.Mutex
	at map[checkpointKey]time.Time
}

func newMemoryCheckpoints() *memoryCheckpoints {
	return &memoryCheckpoints{at: make(map[checkpointKey]time.Time)}
}

func (m *memoryCheckpoints) GetCheckpoint(_ context.Context, userID string, metric models.Metric) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.at[checkpointKey{userID, metric}]
	return t, ok, nil
}

func (m *memoryCheckpoints) SetCheckpoint(_ context.Context, userID string, metric models.Metric, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.at[checkpointKey{userID, metric}] = at.UTC()
	return nil
}

var _ storage.Checkpointer = (*memoryCheckpoints)(nil)
