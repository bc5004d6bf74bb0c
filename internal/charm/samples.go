// ABOUTME: Sample storage on Charm KV with user and metric scoped keys.
// ABOUTME: Keys look like sample:<user>:<metric>:<record id> with JSON values.
package charm

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/harperreed/healthsync/internal/models"
)

// SamplePrefix namespaces sample records in the KV.
const SamplePrefix = "sample:"

// record is the stored form; source is implied by the store.
type record struct {
	ID         string    `json:"id"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	RecordedAt time.Time `json:"recorded_at"`
}

func metricPrefix(userID string, metric models.Metric) string {
	return SamplePrefix + url.QueryEscape(userID) + ":" + string(metric) + ":"
}

// SampleKey returns the KV key of a record.
func SampleKey(userID string, metric models.Metric, recordID string) string {
	return metricPrefix(userID, metric) + url.QueryEscape(recordID)
}

// PutSample writes or replaces a record.
func (c *Client) PutSample(userID string, s models.Sample) error {
	data, err := json.Marshal(record{
		ID:         s.SourceRecordID,
		Value:      s.Value,
		Unit:       s.Unit,
		Start:      s.Start.UTC(),
		End:        s.End.UTC(),
		RecordedAt: s.RecordedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}
	if err := c.set(SampleKey(userID, s.Metric, s.SourceRecordID), data); err != nil {
		return fmt.Errorf("put sample: %w", err)
	}
	return nil
}

// ListSamples returns the user's records for metric, attributed to src, ordered by start.
func (c *Client) ListSamples(userID string, metric models.Metric, src models.Source) ([]models.Sample, error) {
	values, err := c.listByPrefix(metricPrefix(userID, metric))
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}

	var out []models.Sample
	for _, v := range values {
		var r record
		if err := json.Unmarshal(v, &r); err != nil {
			continue // Skip invalid entries
		}
		out = append(out, models.Sample{
			UserID:         userID,
			Metric:         metric,
			Value:          r.Value,
			Unit:           r.Unit,
			Start:          r.Start,
			End:            r.End,
			Source:         src,
			SourceRecordID: r.ID,
			RecordedAt:     r.RecordedAt,
		}.Normalize())
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].SourceRecordID < out[j].SourceRecordID
	})
	return out, nil
}
