// ABOUTME: Resolution and sync policy loaded from policy.yaml over built-in defaults.
// ABOUTME: Converts to conflict tolerances, resolution strategies, and orchestrator options.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harperreed/healthsync/internal/conflict"
	"github.com/harperreed/healthsync/internal/models"
	"github.com/harperreed/healthsync/internal/syncer"
)

// Policy holds per-metric conflict settings and sync tuning.
type Policy struct {
	// Ranking orders sources for prefer_source, best first.
	Ranking []string                `yaml:"ranking"`
	Metrics map[string]MetricPolicy `yaml:"metrics"`
	Sync    SyncPolicy              `yaml:"sync"`
}

// MetricPolicy configures detection and resolution for one metric.
type MetricPolicy struct {
	Strategy string `yaml:"strategy"`
	// Absolute is the allowed difference in the metric's unit.
	Absolute float64 `yaml:"absolute,omitempty"`
	// Relative, when set, is the allowed fractional difference instead.
	Relative float64 `yaml:"relative,omitempty"`
	// Bucket is the width within which point readings are the same measurement.
	Bucket time.Duration `yaml:"bucket"`
}

// SyncPolicy tunes the orchestrator.
type SyncPolicy struct {
	Concurrency        int           `yaml:"concurrency"`
	CallTimeout        time.Duration `yaml:"call_timeout"`
	MaxRetries         int           `yaml:"max_retries"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	MaxBackoff         time.Duration `yaml:"max_backoff"`
	SessionTimeout     time.Duration `yaml:"session_timeout"`
	GracePeriod        time.Duration `yaml:"grace_period"`
	DefaultLookback    time.Duration `yaml:"default_lookback"`
	IncrementalOverlap time.Duration `yaml:"incremental_overlap"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() *Policy {
	resolution := conflict.DefaultPolicy()
	tolerances := conflict.DefaultTolerances()

	p := &Policy{Metrics: make(map[string]MetricPolicy)}
	for _, src := range resolution.Ranking {
		p.Ranking = append(p.Ranking, string(src))
	}
	for _, m := range models.AllMetrics {
		tol := tolerances.For(m)
		p.Metrics[string(m)] = MetricPolicy{
			Strategy: string(resolution.StrategyFor(m)),
			Absolute: tol.Absolute,
			Relative: tol.Relative,
			Bucket:   tol.Bucket,
		}
	}
	p.Sync = SyncPolicy{
		Concurrency:        syncer.DefaultConcurrency,
		CallTimeout:        syncer.DefaultCallTimeout,
		MaxRetries:         syncer.DefaultMaxRetries,
		BackoffBase:        syncer.DefaultBackoffBase,
		MaxBackoff:         syncer.DefaultMaxBackoff,
		SessionTimeout:     syncer.DefaultSessionTimeout,
		GracePeriod:        syncer.DefaultGracePeriod,
		DefaultLookback:    syncer.DefaultLookback,
		IncrementalOverlap: syncer.DefaultIncrementalOverlap,
	}
	return p
}

// GetPolicyPath returns where the policy file lives.
func (c *Config) GetPolicyPath() string {
	if c.PolicyPath != "" {
		return ExpandPath(c.PolicyPath)
	}
	return filepath.Join(GetConfigDir(), "policy.yaml")
}

// LoadPolicy reads path over the defaults. A missing file yields the defaults.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()

	// #nosec G304 - path comes from the user's own configuration
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	p.fillDefaults()
	p.applyEnvironment()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	return p, nil
}

// SaveTo writes the policy as YAML.
func (p *Policy) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// fillDefaults restores fields that a partial metric entry in the file left at zero.
func (p *Policy) fillDefaults() {
	defaults := DefaultPolicy()
	if len(p.Ranking) == 0 {
		p.Ranking = defaults.Ranking
	}
	if p.Metrics == nil {
		p.Metrics = make(map[string]MetricPolicy)
	}
	for name, def := range defaults.Metrics {
		mp, ok := p.Metrics[name]
		if !ok {
			p.Metrics[name] = def
			continue
		}
		if mp.Strategy == "" {
			mp.Strategy = def.Strategy
		}
		if mp.Absolute == 0 && mp.Relative == 0 {
			mp.Absolute, mp.Relative = def.Absolute, def.Relative
		}
		if mp.Bucket == 0 {
			mp.Bucket = def.Bucket
		}
		p.Metrics[name] = mp
	}
}

// applyEnvironment applies HEALTHSYNC_SYNC_* overrides.
func (p *Policy) applyEnvironment() {
	if v := os.Getenv("HEALTHSYNC_SYNC_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			p.Sync.Concurrency = n
		}
	}
	if v := os.Getenv("HEALTHSYNC_SYNC_SESSION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			p.Sync.SessionTimeout = d
		}
	}
	if v := os.Getenv("HEALTHSYNC_SYNC_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			p.Sync.CallTimeout = d
		}
	}
}

// Validate rejects unknown names, strategies a metric cannot use, and negative settings.
func (p *Policy) Validate() error {
	seen := make(map[models.Source]bool)
	for _, s := range p.Ranking {
		src, err := models.ParseSource(s)
		if err != nil {
			return fmt.Errorf("ranking: %w", err)
		}
		if src == models.SourceReconciled {
			return fmt.Errorf("ranking: %s cannot be ranked", src)
		}
		if seen[src] {
			return fmt.Errorf("ranking: duplicate source %s", src)
		}
		seen[src] = true
	}

	names := make([]string, 0, len(p.Metrics))
	for name := range p.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m, err := models.ParseMetric(name)
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		mp := p.Metrics[name]
		if err := validateStrategy(m, mp.Strategy); err != nil {
			return err
		}
		if mp.Absolute < 0 || mp.Relative < 0 || mp.Bucket < 0 {
			return fmt.Errorf("metrics.%s: tolerances and bucket must not be negative", name)
		}
		if mp.Relative >= 1 {
			return fmt.Errorf("metrics.%s: relative tolerance must be below 1", name)
		}
	}

	s := p.Sync
	switch {
	case s.Concurrency < 0, s.MaxRetries < 0:
		return fmt.Errorf("sync: concurrency and max_retries must not be negative")
	case s.CallTimeout < 0, s.BackoffBase < 0, s.MaxBackoff < 0, s.SessionTimeout < 0,
		s.GracePeriod < 0, s.DefaultLookback < 0, s.IncrementalOverlap < 0:
		return fmt.Errorf("sync: durations must not be negative")
	case s.MaxBackoff > 0 && s.BackoffBase > s.MaxBackoff:
		return fmt.Errorf("sync: backoff_base exceeds max_backoff")
	}
	return nil
}

func validateStrategy(m models.Metric, strategy string) error {
	if !models.IsValidStrategy(strategy) {
		return fmt.Errorf("metrics.%s: unknown strategy %q", m, strategy)
	}
	switch models.Strategy(strategy) {
	case models.StrategyAverage:
		if !m.IsContinuous() {
			return fmt.Errorf("metrics.%s: %s: %w", m, strategy, models.ErrInvalidStrategyForMetric)
		}
	case models.StrategyMerge:
		if !m.IsAdditive() {
			return fmt.Errorf("metrics.%s: %s: %w", m, strategy, models.ErrInvalidStrategyForMetric)
		}
	}
	return nil
}

// Resolution returns the resolver policy.
func (p *Policy) Resolution() conflict.Policy {
	out := conflict.Policy{Strategies: make(map[models.Metric]models.Strategy)}
	for _, s := range p.Ranking {
		out.Ranking = append(out.Ranking, models.Source(s))
	}
	for name, mp := range p.Metrics {
		out.Strategies[models.Metric(name)] = models.Strategy(mp.Strategy)
	}
	return out
}

// Tolerances returns the detector configuration.
func (p *Policy) Tolerances() conflict.ToleranceConfig {
	out := make(conflict.ToleranceConfig, len(p.Metrics))
	for name, mp := range p.Metrics {
		out[models.Metric(name)] = conflict.Tolerance{Absolute: mp.Absolute, Relative: mp.Relative, Bucket: mp.Bucket}
	}
	return out
}

// Apply copies the policy into orchestrator options.
func (p *Policy) Apply(opts *syncer.Options) {
	opts.Policy = p.Resolution()
	opts.Tolerances = p.Tolerances()
	opts.Concurrency = p.Sync.Concurrency
	opts.CallTimeout = p.Sync.CallTimeout
	opts.MaxRetries = p.Sync.MaxRetries
	if opts.MaxRetries == 0 {
		opts.MaxRetries = -1
	}
	opts.BackoffBase = p.Sync.BackoffBase
	opts.MaxBackoff = p.Sync.MaxBackoff
	opts.SessionTimeout = p.Sync.SessionTimeout
	opts.GracePeriod = p.Sync.GracePeriod
	opts.DefaultLookback = p.Sync.DefaultLookback
	opts.IncrementalOverlap = p.Sync.IncrementalOverlap
	if opts.IncrementalOverlap == 0 {
		opts.IncrementalOverlap = -1
	}
}

// ParseLookback parses a Go duration, also accepting a day suffix such as "30d".
func ParseLookback(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid lookback %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid lookback %q", s)
	}
	return d, nil
}
