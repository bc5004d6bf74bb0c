// ABOUTME: healthsync configuration management with backend and adapter selection.
// ABOUTME: Handles settings, storage backend factory, and source adapter construction.

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/harperreed/healthsync/internal/adapter"
	"github.com/harperreed/healthsync/internal/charm"
	"github.com/harperreed/healthsync/internal/models"
	"github.com/harperreed/healthsync/internal/storage"
)

// Config stores healthsync configuration.
type Config struct {
	// Backend selects the storage backend: "sqlite" (default), "badger", or "postgres".
	Backend string `json:"backend,omitempty"`

	// DataDir is the root directory for local storage.
	// SQLite puts healthsync.db here, Badger uses a badger/ folder.
	// Supports ~ expansion for home directory. Defaults to ~/.local/share/healthsync.
	DataDir string `json:"data_dir,omitempty"`

	// PostgresURL is the connection string for the postgres backend.
	PostgresURL string `json:"postgres_url,omitempty"`

	// UserID is the user synced when no --user flag is given.
	UserID string `json:"user_id,omitempty"`

	// Sources limits which configured sources take part in sync. Empty means all.
	Sources []string `json:"sources,omitempty"`

	Adapters []AdapterConfig `json:"adapters,omitempty"`
	Charm    *CharmConfig    `json:"charm,omitempty"`
	Kafka    *KafkaConfig    `json:"kafka,omitempty"`

	// MetricsAddr serves Prometheus metrics when set, e.g. ":9464".
	MetricsAddr string `json:"metrics_addr,omitempty"`

	// PolicyPath overrides the resolution policy file location.
	PolicyPath string `json:"policy_path,omitempty"`
}

// AdapterConfig describes one HTTP source.
type AdapterConfig struct {
	Source  string `json:"source"`
	BaseURL string `json:"base_url"`
	Token   string `json:"token,omitempty"`
	// TokenEnv names an environment variable holding the token.
	TokenEnv  string   `json:"token_env,omitempty"`
	Metrics   []string `json:"metrics,omitempty"`
	Writable  []string `json:"writable,omitempty"`
	RateLimit float64  `json:"rate_limit,omitempty"`
	Burst     int      `json:"burst,omitempty"`
}

// CharmConfig enables the Charm KV health store as a source.
type CharmConfig struct {
	Enabled  bool     `json:"enabled"`
	Source   string   `json:"source,omitempty"`
	Host     string   `json:"host,omitempty"`
	DBName   string   `json:"db_name,omitempty"`
	AutoSync *bool    `json:"auto_sync,omitempty"`
	Metrics  []string `json:"metrics,omitempty"`
	Writable []string `json:"writable,omitempty"`
}

// KafkaConfig forwards sync events to a topic.
type KafkaConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
}

// GetBackend returns the configured backend, defaulting to "sqlite".
func (c *Config) GetBackend() string {
	if c.Backend == "" {
		return "sqlite"
	}
	return c.Backend
}

// GetDataDir returns the configured data directory with ~ expanded,
// defaulting to the standard XDG data directory.
func (c *Config) GetDataDir() string {
	if c.DataDir == "" {
		return storage.DataDir()
	}
	return ExpandPath(c.DataDir)
}

// GetUserID returns the configured user, defaulting to the login name.
func (c *Config) GetUserID() string {
	if c.UserID != "" {
		return c.UserID
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "default"
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "" {
		return ""
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// OpenStorage creates a Store implementation based on the configured backend.
func (c *Config) OpenStorage(ctx context.Context) (storage.Store, error) {
	backend := c.GetBackend()
	dataDir := c.GetDataDir()

	switch backend {
	case "sqlite":
		return storage.OpenSQLite(filepath.Join(dataDir, "healthsync.db"))
	case "badger":
		return storage.OpenBadger(filepath.Join(dataDir, "badger"))
	case "postgres":
		url := c.PostgresURL
		if url == "" {
			url = os.Getenv("HEALTHSYNC_POSTGRES_URL")
		}
		if url == "" {
			return nil, fmt.Errorf("postgres backend: postgres_url is not set")
		}
		return storage.OpenPostgres(ctx, url)
	default:
		return nil, fmt.Errorf("unknown backend: %q", backend)
	}
}

// EnabledSources parses Sources.
func (c *Config) EnabledSources() ([]models.Source, error) {
	out := make([]models.Source, 0, len(c.Sources))
	for _, s := range c.Sources {
		src, err := models.ParseSource(s)
		if err != nil {
			return nil, fmt.Errorf("enabled sources: %w", err)
		}
		out = append(out, src)
	}
	return out, nil
}

// OpenAdapters builds the registry from the adapter and Charm settings. The
// returned close function releases the Charm client when one was opened.
func (c *Config) OpenAdapters(logger *slog.Logger) (*adapter.Registry, func() error, error) {
	closer := func() error { return nil }
	var adapters []adapter.Adapter

	for _, ac := range c.Adapters {
		a, err := ac.build(logger)
		if err != nil {
			return nil, closer, err
		}
		adapters = append(adapters, a)
	}

	if c.Charm != nil && c.Charm.Enabled {
		a, client, err := c.Charm.open(logger)
		if err != nil {
			return nil, closer, err
		}
		closer = client.Close
		adapters = append(adapters, a)
	}

	reg, err := adapter.NewRegistry(adapters...)
	if err != nil {
		_ = closer()
		return nil, func() error { return nil }, err
	}
	return reg, closer, nil
}

func (ac AdapterConfig) build(logger *slog.Logger) (adapter.Adapter, error) {
	src, err := models.ParseSource(ac.Source)
	if err != nil {
		return nil, fmt.Errorf("adapter config: %w", err)
	}
	metrics, err := parseMetrics(ac.Metrics)
	if err != nil {
		return nil, fmt.Errorf("adapter %s: %w", src, err)
	}
	writable, err := parseMetrics(ac.Writable)
	if err != nil {
		return nil, fmt.Errorf("adapter %s: %w", src, err)
	}
	token := ac.Token
	if ac.TokenEnv != "" {
		token = os.Getenv(ac.TokenEnv)
	}
	return adapter.NewHTTPAdapter(adapter.HTTPConfig{
		Source:    src,
		BaseURL:   ac.BaseURL,
		Token:     token,
		Metrics:   metrics,
		Writable:  writable,
		RateLimit: ac.RateLimit,
		Burst:     ac.Burst,
		Logger:    logger,
	})
}

func (cc *CharmConfig) open(logger *slog.Logger) (adapter.Adapter, *charm.Client, error) {
	var src models.Source
	if cc.Source != "" {
		parsed, err := models.ParseSource(cc.Source)
		if err != nil {
			return nil, nil, fmt.Errorf("charm config: %w", err)
		}
		src = parsed
	}
	metrics, err := parseMetrics(cc.Metrics)
	if err != nil {
		return nil, nil, fmt.Errorf("charm config: %w", err)
	}
	var writable []models.Metric
	if cc.Writable != nil {
		if writable, err = parseMetrics(cc.Writable); err != nil {
			return nil, nil, fmt.Errorf("charm config: %w", err)
		}
		if writable == nil {
			writable = []models.Metric{}
		}
	}
	autoSync := true
	if cc.AutoSync != nil {
		autoSync = *cc.AutoSync
	}

	client, err := charm.Open(charm.Options{DBName: cc.DBName, Host: cc.Host, AutoSync: autoSync})
	if err != nil {
		return nil, nil, fmt.Errorf("open charm: %w", err)
	}
	a := adapter.NewCharmAdapter(client, adapter.CharmConfig{
		Source:   src,
		Metrics:  metrics,
		Writable: writable,
		Logger:   logger,
	})
	return a, client, nil
}

func parseMetrics(names []string) ([]models.Metric, error) {
	var out []models.Metric
	for _, n := range names {
		m, err := models.ParseMetric(n)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// GetConfigDir returns the healthsync config directory.
func GetConfigDir() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, _ := os.UserHomeDir()
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "healthsync")
}

// GetConfigPath returns the config file path.
func GetConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.json")
}

// Load reads config from disk.
func Load() (*Config, error) {
	path := GetConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes config to disk.
func (c *Config) Save() error {
	path := GetConfigPath()
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
