// Package config loads and validates the static service configuration.
// Configuration is loaded once at startup; there is no hot reload.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nathanrice/mimir/internal/routing"
)

// TierConfig declares one routing tier. The YAML sequence order of tiers is
// preserved and is significant: it breaks routing score ties.
type TierConfig struct {
	Name              string  `yaml:"name"`
	Backend           string  `yaml:"backend"`
	MinComplexity     int     `yaml:"min_complexity"`
	AnomalyThreshold  float64 `yaml:"anomaly_threshold"`
	ResourceIntensity int     `yaml:"resource_intensity"`
}

// FeatureConfig controls the extractor.
type FeatureConfig struct {
	MaxFeatures int      `yaml:"max_features"`
	SeedCorpus  []string `yaml:"seed_corpus"`
}

// AnomalyConfig controls detector training cadence and ensemble shape.
type AnomalyConfig struct {
	MinSamples   int   `yaml:"min_samples"`
	RetrainEvery int   `yaml:"retrain_every"`
	Window       int   `yaml:"window"`
	Trees        int   `yaml:"trees"`
	Subsample    int   `yaml:"subsample"`
	Seed         int64 `yaml:"seed"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Path string   `yaml:"path"`
	TTL  Duration `yaml:"ttl"`
}

// MonitorConfig controls metrics windows and the sampling task.
type MonitorConfig struct {
	SampleInterval Duration `yaml:"sample_interval"`
	LatencyWindow  int      `yaml:"latency_window"`
}

// BackendConfig controls the generate client.
type BackendConfig struct {
	BaseURL string   `yaml:"base_url"`
	Timeout Duration `yaml:"timeout"`
}

// TelemetryConfig controls the optional per-query record sink.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ServerConfig controls the introspection HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Config is the full service configuration.
type Config struct {
	Tiers       []TierConfig    `yaml:"tiers"`
	DefaultTier *TierConfig     `yaml:"default_tier"`
	Feature     FeatureConfig   `yaml:"feature"`
	Anomaly     AnomalyConfig   `yaml:"anomaly"`
	Cache       CacheConfig     `yaml:"cache"`
	Monitor     MonitorConfig   `yaml:"monitor"`
	Backend     BackendConfig   `yaml:"backend"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Server      ServerConfig    `yaml:"server"`
}

// Default returns the stock configuration: three tiers over local Ollama
// models, 24h cache TTL, 60s resource sampling.
func Default() *Config {
	return &Config{
		Tiers: []TierConfig{
			{Name: "simple", Backend: "mistral", MinComplexity: 0, AnomalyThreshold: 0.3, ResourceIntensity: 1},
			{Name: "technical", Backend: "llama2", MinComplexity: 10, AnomalyThreshold: 0.5, ResourceIntensity: 3},
			{Name: "analytical", Backend: "codeqwen", MinComplexity: 15, AnomalyThreshold: 0.6, ResourceIntensity: 5},
		},
		Feature: FeatureConfig{MaxFeatures: 50},
		Anomaly: AnomalyConfig{
			MinSamples:   10,
			RetrainEvery: 20,
			Window:       100,
			Trees:        100,
			Subsample:    256,
			Seed:         1,
		},
		Cache: CacheConfig{
			Path: "./cache/responses.db",
			TTL:  Duration(24 * time.Hour),
		},
		Monitor: MonitorConfig{
			SampleInterval: Duration(60 * time.Second),
			LatencyWindow:  100,
		},
		Backend: BackendConfig{
			BaseURL: "http://127.0.0.1:11434",
			Timeout: Duration(120 * time.Second),
		},
		Telemetry: TelemetryConfig{
			Enabled: false,
			Path:    "./logs/queries.jsonl",
		},
		Server: ServerConfig{Addr: ":8788"},
	}
}

// Load reads YAML from path over the defaults. An empty path returns the
// defaults unchanged. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the startup invariants. A validation failure here is
// fatal; no per-request path revalidates configuration.
func (c *Config) Validate() error {
	if len(c.Tiers) == 0 && c.DefaultTier == nil {
		return fmt.Errorf("config: no routing tiers configured and no default tier")
	}
	seen := make(map[string]struct{}, len(c.Tiers))
	for i, t := range c.Tiers {
		if t.Name == "" {
			return fmt.Errorf("config: tier %d has no name", i)
		}
		if t.Backend == "" {
			return fmt.Errorf("config: tier %q has no backend", t.Name)
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("config: duplicate tier name %q", t.Name)
		}
		seen[t.Name] = struct{}{}
		if t.MinComplexity < 0 {
			return fmt.Errorf("config: tier %q has negative min_complexity", t.Name)
		}
		if t.ResourceIntensity < 1 {
			return fmt.Errorf("config: tier %q resource_intensity must be >= 1", t.Name)
		}
	}
	if c.DefaultTier != nil && c.DefaultTier.Backend == "" {
		return fmt.Errorf("config: default tier has no backend")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("config: cache ttl must be positive, got %s", c.Cache.TTL.Std())
	}
	if c.Anomaly.MinSamples <= 0 || c.Anomaly.RetrainEvery <= 0 || c.Anomaly.Window <= 0 {
		return fmt.Errorf("config: anomaly min_samples, retrain_every and window must be positive")
	}
	if c.Monitor.SampleInterval <= 0 {
		return fmt.Errorf("config: monitor sample_interval must be positive, got %s", c.Monitor.SampleInterval.Std())
	}
	if c.Monitor.LatencyWindow <= 0 {
		return fmt.Errorf("config: monitor latency_window must be positive")
	}
	if c.Feature.MaxFeatures <= 0 {
		return fmt.Errorf("config: feature max_features must be positive")
	}
	return nil
}

// RoutingTiers converts the configured tiers into the router's types,
// preserving declaration order.
func (c *Config) RoutingTiers() ([]routing.Tier, routing.Tier) {
	tiers := make([]routing.Tier, len(c.Tiers))
	for i, t := range c.Tiers {
		tiers[i] = routing.Tier{
			Name:              t.Name,
			Backend:           t.Backend,
			MinComplexity:     t.MinComplexity,
			AnomalyThreshold:  t.AnomalyThreshold,
			ResourceIntensity: t.ResourceIntensity,
		}
	}
	var def routing.Tier
	if c.DefaultTier != nil {
		def = routing.Tier{
			Name:              c.DefaultTier.Name,
			Backend:           c.DefaultTier.Backend,
			MinComplexity:     c.DefaultTier.MinComplexity,
			AnomalyThreshold:  c.DefaultTier.AnomalyThreshold,
			ResourceIntensity: c.DefaultTier.ResourceIntensity,
		}
	}
	return tiers, def
}
