// ABOUTME: ConflictGroup and Resolution models produced by detection and resolution.
// ABOUTME: ConflictAudit is the persisted trail of a group and its outcome.
package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Strategy names a conflict resolution strategy.
type Strategy string

const (
	StrategyPreferSource  Strategy = "prefer_source"
	StrategyLastWriteWins Strategy = "last_write_wins"
	StrategyAverage       Strategy = "average"
	StrategyMerge         Strategy = "merge"
)

// IsValidStrategy checks if a string names a known strategy.
func IsValidStrategy(s string) bool {
	switch Strategy(s) {
	case StrategyPreferSource, StrategyLastWriteWins, StrategyAverage, StrategyMerge:
		return true
	}
	return false
}

// ConflictGroup is a cluster of overlapping samples from different sources that disagree.
type ConflictGroup struct {
	UserID    string
	Metric    Metric
	Members   []Sample
	MaxDelta  float64
	Canonical *Sample
	Strategy  Strategy
}

// Sources returns the distinct sources present in the group, in member order.
func (g ConflictGroup) Sources() []Source {
	seen := make(map[Source]bool)
	var out []Source
	for _, m := range g.Members {
		if !seen[m.Source] {
			seen[m.Source] = true
			out = append(out, m.Source)
		}
	}
	return out
}

// Resolution is the outcome of resolving one group.
type Resolution struct {
	Strategy   Strategy
	Canonical  *Sample
	Err        error
	ResolvedAt time.Time
}

// Resolved reports whether a canonical sample was produced.
func (r Resolution) Resolved() bool {
	return r.Err == nil && r.Canonical != nil
}

// ConflictAudit is the persisted record of a conflict and how it was handled.
type ConflictAudit struct {
	ID         uuid.UUID `json:"id"`
	UserID     string    `json:"user_id"`
	Metric     Metric    `json:"metric"`
	Members    []Sample  `json:"members"`
	Strategy   Strategy  `json:"strategy"`
	Canonical  *Sample   `json:"canonical,omitempty"`
	Resolved   bool      `json:"resolved"`
	Error      string    `json:"error,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// NewConflictAudit builds an audit record. The ID is derived from the group
// members and the outcome, so recording the same conflict twice overwrites.
func NewConflictAudit(g ConflictGroup, r Resolution) ConflictAudit {
	a := ConflictAudit{
		ID:         AuditID(g, r),
		UserID:     g.UserID,
		Metric:     g.Metric,
		Members:    append([]Sample(nil), g.Members...),
		Strategy:   r.Strategy,
		Canonical:  r.Canonical,
		Resolved:   r.Resolved(),
		RecordedAt: r.ResolvedAt,
	}
	if a.RecordedAt.IsZero() {
		a.RecordedAt = time.Now().UTC()
	}
	if r.Err != nil {
		a.Error = r.Err.Error()
	}
	return a
}

// AuditID returns the stable identifier for a group and its resolution.
func AuditID(g ConflictGroup, r Resolution) uuid.UUID {
	parts := make([]string, 0, len(g.Members)+3)
	for _, m := range g.Members {
		parts = append(parts, fmt.Sprintf("%s=%g", m.Key(), m.Value))
	}
	sort.Strings(parts)
	parts = append(parts, string(r.Strategy))
	if r.Canonical != nil {
		parts = append(parts, fmt.Sprintf("canonical=%g", r.Canonical.Value))
	}
	if r.Err != nil {
		parts = append(parts, "error="+r.Err.Error())
	}
	name := g.UserID + "|" + string(g.Metric) + "|" + strings.Join(parts, "|")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
}
