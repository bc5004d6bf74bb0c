// ABOUTME: Export and import of the reconciled timeline between stores and files.
// ABOUTME: Supports JSON, YAML, and Markdown export formats.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/harperreed/healthsync/internal/models"
	"gopkg.in/yaml.v3"
)

// ExportData represents the full export format for a timeline.
type ExportData struct {
	Version    string                 `json:"version" yaml:"version"`
	ExportedAt time.Time              `json:"exported_at" yaml:"exported_at"`
	Tool       string                 `json:"tool" yaml:"tool"`
	Samples    []models.Sample        `json:"samples" yaml:"samples"`
	Audits     []models.ConflictAudit `json:"conflict_audits" yaml:"conflict_audits"`
}

// GetAllData retrieves everything matching the user (empty for all users).
func GetAllData(ctx context.Context, st Store, userID string) (*ExportData, error) {
	samples, err := st.ListSamples(ctx, SampleFilter{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}

	audits, err := st.ListConflictAudits(ctx, AuditFilter{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("list conflict audits: %w", err)
	}

	return &ExportData{
		Version:    "1.0",
		ExportedAt: time.Now().UTC(),
		Tool:       "healthsync",
		Samples:    samples,
		Audits:     audits,
	}, nil
}

// ImportData writes an export into st. Samples upsert, so importing twice is harmless.
func ImportData(ctx context.Context, st Store, data *ExportData) error {
	for _, s := range data.Samples {
		if err := st.Upsert(ctx, s); err != nil {
			return fmt.Errorf("import sample: %w", err)
		}
	}
	for _, a := range data.Audits {
		if err := st.SaveConflictAudit(ctx, a); err != nil {
			return fmt.Errorf("import audit: %w", err)
		}
	}
	return nil
}

// ExportJSON exports all data as JSON.
func ExportJSON(ctx context.Context, st Store, userID string) ([]byte, error) {
	data, err := GetAllData(ctx, st, userID)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(data, "", "  ")
}

// ImportJSON parses a JSON export and imports it.
func ImportJSON(ctx context.Context, st Store, raw []byte) error {
	var data ExportData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parse export: %w", err)
	}
	return ImportData(ctx, st, &data)
}

// ExportYAML exports all data as YAML, samples grouped by metric.
func ExportYAML(ctx context.Context, st Store, userID string) ([]byte, error) {
	data, err := GetAllData(ctx, st, userID)
	if err != nil {
		return nil, err
	}

	yamlData := struct {
		Version    string                  `yaml:"version"`
		ExportedAt string                  `yaml:"exported_at"`
		Tool       string                  `yaml:"tool"`
		Samples    map[string][]yamlSample `yaml:"samples"`
		Conflicts  []yamlConflict          `yaml:"conflicts,omitempty"`
	}{
		Version:    data.Version,
		ExportedAt: data.ExportedAt.Format(time.RFC3339),
		Tool:       data.Tool,
		Samples:    make(map[string][]yamlSample),
	}

	for _, s := range data.Samples {
		ys := yamlSample{
			User:     s.UserID,
			Source:   string(s.Source),
			RecordID: s.SourceRecordID,
			Value:    s.Value,
			Unit:     s.Unit,
			Start:    s.Start.Format(time.RFC3339),
		}
		if !s.IsPoint() {
			ys.End = s.End.Format(time.RFC3339)
		}
		yamlData.Samples[string(s.Metric)] = append(yamlData.Samples[string(s.Metric)], ys)
	}

	for _, a := range data.Audits {
		yc := yamlConflict{
			ID:       a.ID.String()[:8],
			Metric:   string(a.Metric),
			Strategy: string(a.Strategy),
			Resolved: a.Resolved,
			Members:  len(a.Members),
			Error:    a.Error,
		}
		if a.Canonical != nil {
			yc.Canonical = a.Canonical.Value
		}
		yamlData.Conflicts = append(yamlData.Conflicts, yc)
	}

	return yaml.Marshal(yamlData)
}

type yamlSample struct {
	User     string  `yaml:"user"`
	Source   string  `yaml:"source"`
	RecordID string  `yaml:"record_id"`
	Value    float64 `yaml:"value"`
	Unit     string  `yaml:"unit"`
	Start    string  `yaml:"start"`
	End      string  `yaml:"end,omitempty"`
}

type yamlConflict struct {
	ID        string  `yaml:"id"`
	Metric    string  `yaml:"metric"`
	Strategy  string  `yaml:"strategy"`
	Resolved  bool    `yaml:"resolved"`
	Members   int     `yaml:"members"`
	Canonical float64 `yaml:"canonical,omitempty"`
	Error     string  `yaml:"error,omitempty"`
}

// ExportMarkdown renders the timeline as Markdown tables, one per metric.
func ExportMarkdown(ctx context.Context, st Store, f SampleFilter) (string, error) {
	samples, err := st.ListSamples(ctx, f)
	if err != nil {
		return "", err
	}

	grouped := make(map[models.Metric][]models.Sample)
	for _, s := range samples {
		grouped[s.Metric] = append(grouped[s.Metric], s)
	}

	var metrics []models.Metric
	for m := range grouped {
		metrics = append(metrics, m)
	}
	sort.Slice(metrics, func(i, j int) bool {
		return string(metrics[i]) < string(metrics[j])
	})

	var sb strings.Builder
	now := time.Now()

	sb.WriteString(fmt.Sprintf("# Health Timeline - %s\n\n", now.Format("2006-01-02")))
	sb.WriteString(fmt.Sprintf("Generated: %s\n\n", now.Format(time.RFC3339)))

	for _, m := range metrics {
		sb.WriteString(fmt.Sprintf("## %s\n\n", m))
		sb.WriteString("| Start | End | Value | Source |\n")
		sb.WriteString("|-------|-----|-------|--------|\n")
		for _, s := range grouped[m] {
			end := ""
			if !s.IsPoint() {
				end = s.End.Format("2006-01-02 15:04")
			}
			sb.WriteString(fmt.Sprintf("| %s | %s | %.2f %s | %s |\n",
				s.Start.Format("2006-01-02 15:04"), end,
				s.Value, s.Unit, s.Source))
		}
		sb.WriteString("\n")
	}

	return sb.String(), nil
}
