// ABOUTME: MCP resource implementations for health sync.
// ABOUTME: Provides healthsync://sources, healthsync://conflicts, and healthsync://summary.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/harperreed/healthsync/internal/models"
	"github.com/harperreed/healthsync/internal/storage"
)

const (
	sourcesURI   = "healthsync://sources"
	conflictsURI = "healthsync://conflicts"
	summaryURI   = "healthsync://summary"
)

func (s *Server) registerResources() {
	s.mcpServer.AddResource(&mcp.Resource{
		URI:         sourcesURI,
		Name:        "Health Sources",
		Description: "Configured sources with availability and supported metrics",
		MIMEType:    "application/json",
	}, s.handleSourcesResource)

	s.mcpServer.AddResource(&mcp.Resource{
		URI:         conflictsURI,
		Name:        "Pending Conflicts",
		Description: "Conflicts that no resolution strategy could settle",
		MIMEType:    "application/json",
	}, s.handleConflictsResource)

	s.mcpServer.AddResource(&mcp.Resource{
		URI:         summaryURI,
		Name:        "Health Sync Summary",
		Description: "Latest reconciled value and checkpoint for each metric",
		MIMEType:    "application/json",
	}, s.handleSummaryResource)
}

// Resource handlers

func (s *Server) handleSourcesResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	return jsonResource(sourcesURI, map[string]interface{}{
		"sources": s.registry.Describe(ctx),
	})
}

func (s *Server) handleConflictsResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	audits, err := s.store.ListConflictAudits(ctx, storage.AuditFilter{
		UserID:         s.userID,
		UnresolvedOnly: true,
		Limit:          50,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	if audits == nil {
		audits = []models.ConflictAudit{}
	}
	return jsonResource(conflictsURI, map[string]interface{}{
		"user_id":   s.userID,
		"conflicts": audits,
	})
}

type metricSummary struct {
	Latest     *models.Sample `json:"latest,omitempty"`
	Checkpoint string         `json:"checkpoint,omitempty"`
}

func (s *Server) handleSummaryResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	summary := make(map[string]metricSummary)
	for _, m := range models.AllMetrics {
		var ms metricSummary

		latest, err := s.store.ListSamples(ctx, storage.SampleFilter{UserID: s.userID, Metric: m, Limit: 1})
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", m, err)
		}
		if len(latest) > 0 {
			ms.Latest = &latest[0]
		}

		at, ok, err := s.store.GetCheckpoint(ctx, s.userID, m)
		if err != nil {
			return nil, fmt.Errorf("failed to read checkpoint for %s: %w", m, err)
		}
		if ok {
			ms.Checkpoint = at.Format(time.RFC3339)
		}

		if ms.Latest != nil || ms.Checkpoint != "" {
			summary[string(m)] = ms
		}
	}

	return jsonResource(summaryURI, map[string]interface{}{
		"user_id": s.userID,
		"metrics": summary,
	})
}

func jsonResource(uri string, v interface{}) (*mcp.ReadResourceResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		}},
	}, nil
}
