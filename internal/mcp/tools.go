// ABOUTME: MCP tool implementations for health sync.
// ABOUTME: Exposes sync triggers, timeline queries, conflict audits, and source status.
package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/harperreed/healthsync/internal/adapter"
	"github.com/harperreed/healthsync/internal/config"
	"github.com/harperreed/healthsync/internal/events"
	"github.com/harperreed/healthsync/internal/models"
	"github.com/harperreed/healthsync/internal/storage"
	"github.com/harperreed/healthsync/internal/syncer"
)

func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "sync_now",
		Description: "Sync health data from every available source, detect and resolve conflicts, and store the result",
	}, s.handleSyncNow)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "query_samples",
		Description: "Query the reconciled timeline of health samples",
	}, s.handleQuerySamples)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "list_conflicts",
		Description: "List conflict audit records, optionally only unresolved ones",
	}, s.handleListConflicts)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "list_sources",
		Description: "List configured health sources with availability and supported metrics",
	}, s.handleListSources)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_checkpoints",
		Description: "Show when each metric last synced without errors",
	}, s.handleGetCheckpoints)
}

// Tool input/output types

type syncNowInput struct {
	UserID   string   `json:"user_id,omitempty" jsonschema:"User to sync; defaults to the configured user"`
	Mode     string   `json:"mode,omitempty" jsonschema:"now (default), incremental, or full"`
	Metrics  []string `json:"metrics,omitempty" jsonschema:"Metrics to sync in now mode (weight, steps, heart_rate, sleep, nutrition, distance, calories); empty means all"`
	Lookback string   `json:"lookback,omitempty" jsonschema:"History window for full mode, e.g. 30d or 72h"`
}

type syncOutput struct {
	SessionID  string                 `json:"session_id"`
	State      string                 `json:"state"`
	Reason     string                 `json:"reason,omitempty"`
	Summary    events.Summary         `json:"summary"`
	Metrics    []*syncer.MetricResult `json:"metrics"`
	Unresolved int                    `json:"unresolved"`
	Errors     []string               `json:"errors,omitempty"`
	Message    string                 `json:"message"`
}

type querySamplesInput struct {
	UserID string `json:"user_id,omitempty" jsonschema:"User to query; defaults to the configured user"`
	Metric string `json:"metric,omitempty" jsonschema:"Metric to query"`
	Source string `json:"source,omitempty" jsonschema:"Only samples from this source, e.g. reconciled"`
	From   string `json:"from,omitempty" jsonschema:"Start of the range (ISO 8601 or YYYY-MM-DD)"`
	To     string `json:"to,omitempty" jsonschema:"End of the range (ISO 8601 or YYYY-MM-DD), defaults to now"`
	Limit  int    `json:"limit,omitempty" jsonschema:"Max results (default 50)"`
}

type samplesOutput struct {
	Count   int             `json:"count"`
	Samples []models.Sample `json:"samples"`
}

type listConflictsInput struct {
	UserID         string `json:"user_id,omitempty" jsonschema:"User to list; defaults to the configured user"`
	Metric         string `json:"metric,omitempty" jsonschema:"Filter by metric"`
	UnresolvedOnly bool   `json:"unresolved_only,omitempty" jsonschema:"Only conflicts no strategy could resolve"`
	Limit          int    `json:"limit,omitempty" jsonschema:"Max results (default 20)"`
}

type conflictsOutput struct {
	Count     int                    `json:"count"`
	Conflicts []models.ConflictAudit `json:"conflicts"`
}

type listSourcesInput struct{}

type sourcesOutput struct {
	Sources       []adapter.Capability `json:"sources"`
	ActiveSession string               `json:"active_session,omitempty"`
}

type getCheckpointsInput struct {
	UserID string `json:"user_id,omitempty" jsonschema:"User to inspect; defaults to the configured user"`
}

type checkpointsOutput struct {
	Checkpoints map[string]time.Time `json:"checkpoints"`
	Message     string               `json:"message,omitempty"`
}

// Tool handlers

func (s *Server) handleSyncNow(ctx context.Context, req *mcp.CallToolRequest, input syncNowInput) (*mcp.CallToolResult, syncOutput, error) {
	userID := s.user(input.UserID)

	var (
		res *syncer.Result
		err error
	)
	switch input.Mode {
	case "", "now":
		metrics := make([]models.Metric, 0, len(input.Metrics))
		for _, name := range input.Metrics {
			m, perr := models.ParseMetric(name)
			if perr != nil {
				return nil, syncOutput{}, perr
			}
			metrics = append(metrics, m)
		}
		res, err = s.syncer.RequestImmediateSync(ctx, userID, metrics)
	case "incremental":
		res, err = s.syncer.RunIncrementalSync(ctx, userID)
	case "full":
		var lookback time.Duration
		if input.Lookback != "" {
			if lookback, err = config.ParseLookback(input.Lookback); err != nil {
				return nil, syncOutput{}, err
			}
		}
		res, err = s.syncer.RunFullSync(ctx, userID, lookback)
	default:
		return nil, syncOutput{}, fmt.Errorf("unknown sync mode: %s", input.Mode)
	}
	if err != nil {
		if res != nil {
			return nil, syncOutput{}, fmt.Errorf("sync %s (session %s): %w", res.State, res.SessionID, err)
		}
		return nil, syncOutput{}, fmt.Errorf("sync failed: %w", err)
	}

	out := syncOutput{
		SessionID:  res.SessionID,
		State:      string(res.State),
		Reason:     res.Reason,
		Summary:    res.Summary(),
		Metrics:    res.SortedMetrics(),
		Unresolved: len(res.Unresolved),
	}
	for _, e := range res.Errors {
		out.Errors = append(out.Errors, e.Error())
	}
	out.Message = fmt.Sprintf("Sync %s: %d fetched, %d conflicts, %d pending, %d written back",
		res.State, out.Summary.Fetched, out.Summary.Conflicts, out.Summary.Pending, out.Summary.WrittenBack)
	return nil, out, nil
}

func (s *Server) handleQuerySamples(ctx context.Context, req *mcp.CallToolRequest, input querySamplesInput) (*mcp.CallToolResult, samplesOutput, error) {
	if input.Limit <= 0 {
		input.Limit = 50
	}
	userID := s.user(input.UserID)

	var (
		metric models.Metric
		source models.Source
		err    error
	)
	if input.Metric != "" {
		if metric, err = models.ParseMetric(input.Metric); err != nil {
			return nil, samplesOutput{}, err
		}
	}
	if input.Source != "" {
		if source, err = models.ParseSource(input.Source); err != nil {
			return nil, samplesOutput{}, err
		}
	}
	from, err := parseTime(input.From)
	if err != nil {
		return nil, samplesOutput{}, err
	}
	to, err := parseTime(input.To)
	if err != nil {
		return nil, samplesOutput{}, err
	}

	var samples []models.Sample
	if metric != "" && (!from.IsZero() || !to.IsZero()) {
		if to.IsZero() {
			to = time.Now().UTC()
		}
		samples, err = s.store.QueryRange(ctx, userID, metric, from, to)
		if err != nil {
			return nil, samplesOutput{}, fmt.Errorf("failed to query samples: %w", err)
		}
		samples = filterSource(samples, source)
		if len(samples) > input.Limit {
			samples = samples[len(samples)-input.Limit:]
		}
	} else {
		samples, err = s.store.ListSamples(ctx, storage.SampleFilter{
			UserID: userID,
			Metric: metric,
			Source: source,
			Since:  from,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, samplesOutput{}, fmt.Errorf("failed to list samples: %w", err)
		}
	}

	if samples == nil {
		samples = []models.Sample{}
	}
	return nil, samplesOutput{Count: len(samples), Samples: samples}, nil
}

func (s *Server) handleListConflicts(ctx context.Context, req *mcp.CallToolRequest, input listConflictsInput) (*mcp.CallToolResult, conflictsOutput, error) {
	if input.Limit <= 0 {
		input.Limit = 20
	}
	var metric models.Metric
	if input.Metric != "" {
		m, err := models.ParseMetric(input.Metric)
		if err != nil {
			return nil, conflictsOutput{}, err
		}
		metric = m
	}

	audits, err := s.store.ListConflictAudits(ctx, storage.AuditFilter{
		UserID:         s.user(input.UserID),
		Metric:         metric,
		UnresolvedOnly: input.UnresolvedOnly,
		Limit:          input.Limit,
	})
	if err != nil {
		return nil, conflictsOutput{}, fmt.Errorf("failed to list conflicts: %w", err)
	}
	if audits == nil {
		audits = []models.ConflictAudit{}
	}
	return nil, conflictsOutput{Count: len(audits), Conflicts: audits}, nil
}

func (s *Server) handleListSources(ctx context.Context, req *mcp.CallToolRequest, input listSourcesInput) (*mcp.CallToolResult, sourcesOutput, error) {
	out := sourcesOutput{Sources: s.registry.Describe(ctx)}
	if id, ok := s.syncer.Active(s.userID); ok {
		out.ActiveSession = id
	}
	return nil, out, nil
}

func (s *Server) handleGetCheckpoints(ctx context.Context, req *mcp.CallToolRequest, input getCheckpointsInput) (*mcp.CallToolResult, checkpointsOutput, error) {
	userID := s.user(input.UserID)
	out := checkpointsOutput{Checkpoints: make(map[string]time.Time)}
	for _, m := range models.AllMetrics {
		at, ok, err := s.store.GetCheckpoint(ctx, userID, m)
		if err != nil {
			return nil, checkpointsOutput{}, fmt.Errorf("failed to read checkpoint for %s: %w", m, err)
		}
		if ok {
			out.Checkpoints[string(m)] = at
		}
	}
	if len(out.Checkpoints) == 0 {
		out.Message = "No metric has synced yet."
	}
	return nil, out, nil
}

// parseTime accepts RFC 3339, "2006-01-02 15:04", or a bare date. Empty yields zero.
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp: %s", v)
}

func filterSource(samples []models.Sample, src models.Source) []models.Sample {
	if src == "" {
		return samples
	}
	out := samples[:0]
	for _, s := range samples {
		if s.Source == src {
			out = append(out, s)
		}
	}
	return out
}
