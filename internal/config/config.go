package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models deliverline.yml.
type Config struct {
	Pipeline   Pipeline        `yaml:"pipeline" json:"pipeline"`
	Quality    Quality         `yaml:"quality" json:"quality"`
	Resilience Resilience      `yaml:"resilience" json:"resilience"`
	Matcher    Matcher         `yaml:"matcher" json:"matcher"`
	Generation Generation      `yaml:"generation" json:"generation"`
	Webhooks   []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

// Pipeline holds the aggregation trigger thresholds.
type Pipeline struct {
	MinCompletedTasks           int     `yaml:"min_completed_tasks" json:"min_completed_tasks"`
	MaxDeliverablesPerWorkspace int     `yaml:"max_deliverables_per_workspace" json:"max_deliverables_per_workspace"`
	CooldownSeconds             int     `yaml:"cooldown_seconds" json:"cooldown_seconds"`
	ReadinessThreshold          float64 `yaml:"readiness_threshold" json:"readiness_threshold"`
	ImmediateCreationEnabled    bool    `yaml:"immediate_creation_enabled" json:"immediate_creation_enabled"`
	ImmediateThreshold          float64 `yaml:"immediate_threshold" json:"immediate_threshold"`
	BusinessValueThreshold      float64 `yaml:"business_value_threshold" json:"business_value_threshold"`
}

// Quality holds the quality gate thresholds, all in [0,1].
type Quality struct {
	AutoApproveThreshold float64 `yaml:"auto_approve_threshold" json:"auto_approve_threshold"`
	AutoRejectThreshold  float64 `yaml:"auto_reject_threshold" json:"auto_reject_threshold"`
	HumanReviewMin       float64 `yaml:"human_review_min" json:"human_review_min"`
	HumanReviewMax       float64 `yaml:"human_review_max" json:"human_review_max"`
}

type Resilience struct {
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	// RecoveryTimeoutSeconds also accepts the older recovery_timeout_seconds key.
	RecoveryTimeoutSeconds int `yaml:"recovery_timeout" json:"recovery_timeout"`
	DebounceWindowMillis   int `yaml:"debounce_window_ms" json:"debounce_window_ms"`
	ReadRetries            int `yaml:"read_retries" json:"read_retries"`
	ReadRetryBackoffMillis int `yaml:"read_retry_backoff_ms" json:"read_retry_backoff_ms"`
}

type Matcher struct {
	TimeoutSeconds    int     `yaml:"timeout_seconds" json:"timeout_seconds"`
	PatternConfidence float64 `yaml:"pattern_confidence_cap" json:"pattern_confidence_cap"`
	AIEnabled         bool    `yaml:"ai_enabled" json:"ai_enabled"`
}

// Generation configures the external content generation endpoint. An empty URL disables it.
type Generation struct {
	URL            string `yaml:"url" json:"url,omitempty"`
	Token          string `yaml:"token" json:"-"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Warning describes a configuration value that was replaced by its default.
type Warning struct {
	Field string
	Value any
	Used  any
}

func (w Warning) String() string {
	return fmt.Sprintf("%s=%v is invalid; using %v", w.Field, w.Value, w.Used)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// Normalize clamps invalid values back to their defaults and reports what it changed.
// It never fails; a bad threshold must not prevent startup.
func (c *Config) Normalize() []Warning {
	def := Default()
	var warns []Warning
	clampInt := func(field string, v *int, min int, fallback int) {
		if *v < min {
			warns = append(warns, Warning{Field: field, Value: *v, Used: fallback})
			*v = fallback
		}
	}
	clampUnit := func(field string, v *float64, fallback float64) {
		if *v < 0 || *v > 1 {
			warns = append(warns, Warning{Field: field, Value: *v, Used: fallback})
			*v = fallback
		}
	}
	clampPercent := func(field string, v *float64, fallback float64) {
		if *v <= 0 {
			warns = append(warns, Warning{Field: field, Value: *v, Used: fallback})
			*v = fallback
		}
	}

	p := &c.Pipeline
	clampInt("pipeline.min_completed_tasks", &p.MinCompletedTasks, 0, def.Pipeline.MinCompletedTasks)
	clampInt("pipeline.max_deliverables_per_workspace", &p.MaxDeliverablesPerWorkspace, 1, def.Pipeline.MaxDeliverablesPerWorkspace)
	clampInt("pipeline.cooldown_seconds", &p.CooldownSeconds, 0, def.Pipeline.CooldownSeconds)
	clampPercent("pipeline.readiness_threshold", &p.ReadinessThreshold, def.Pipeline.ReadinessThreshold)
	clampPercent("pipeline.immediate_threshold", &p.ImmediateThreshold, def.Pipeline.ImmediateThreshold)
	clampUnit("pipeline.business_value_threshold", &p.BusinessValueThreshold, def.Pipeline.BusinessValueThreshold)

	q := &c.Quality
	clampUnit("quality.auto_approve_threshold", &q.AutoApproveThreshold, def.Quality.AutoApproveThreshold)
	clampUnit("quality.auto_reject_threshold", &q.AutoRejectThreshold, def.Quality.AutoRejectThreshold)
	clampUnit("quality.human_review_min", &q.HumanReviewMin, def.Quality.HumanReviewMin)
	clampUnit("quality.human_review_max", &q.HumanReviewMax, def.Quality.HumanReviewMax)
	if q.HumanReviewMax < q.HumanReviewMin {
		warns = append(warns, Warning{
			Field: "quality.human_review_max",
			Value: fmt.Sprintf("%v<%v", q.HumanReviewMax, q.HumanReviewMin),
			Used:  fmt.Sprintf("%v..%v", def.Quality.HumanReviewMin, def.Quality.HumanReviewMax),
		})
		q.HumanReviewMin = def.Quality.HumanReviewMin
		q.HumanReviewMax = def.Quality.HumanReviewMax
	}

	r := &c.Resilience
	clampInt("resilience.failure_threshold", &r.FailureThreshold, 1, def.Resilience.FailureThreshold)
	clampInt("resilience.recovery_timeout", &r.RecoveryTimeoutSeconds, 1, def.Resilience.RecoveryTimeoutSeconds)
	clampInt("resilience.debounce_window_ms", &r.DebounceWindowMillis, 0, def.Resilience.DebounceWindowMillis)
	clampInt("resilience.read_retries", &r.ReadRetries, 0, def.Resilience.ReadRetries)
	clampInt("resilience.read_retry_backoff_ms", &r.ReadRetryBackoffMillis, 0, def.Resilience.ReadRetryBackoffMillis)

	m := &c.Matcher
	clampInt("matcher.timeout_seconds", &m.TimeoutSeconds, 1, def.Matcher.TimeoutSeconds)
	if m.PatternConfidence <= 0 || m.PatternConfidence > 100 {
		warns = append(warns, Warning{Field: "matcher.pattern_confidence_cap", Value: m.PatternConfidence, Used: def.Matcher.PatternConfidence})
		m.PatternConfidence = def.Matcher.PatternConfidence
	}
	clampInt("generation.timeout_seconds", &c.Generation.TimeoutSeconds, 1, def.Generation.TimeoutSeconds)
	return warns
}

func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Pipeline.CooldownSeconds) * time.Second
}

func (c *Config) RecoveryTimeout() time.Duration {
	return time.Duration(c.Resilience.RecoveryTimeoutSeconds) * time.Second
}

func (c *Config) DebounceWindow() time.Duration {
	return time.Duration(c.Resilience.DebounceWindowMillis) * time.Millisecond
}

func (c *Config) ReadRetryBackoff() time.Duration {
	return time.Duration(c.Resilience.ReadRetryBackoffMillis) * time.Millisecond
}

func (c *Config) MatcherTimeout() time.Duration {
	return time.Duration(c.Matcher.TimeoutSeconds) * time.Second
}

func (c *Config) GenerationTimeout() time.Duration {
	return time.Duration(c.Generation.TimeoutSeconds) * time.Second
}

// Path returns the config file path for a data directory.
func Path(dataDir string) string {
	if dataDir == "" {
		dataDir = "."
	}
	return filepath.Join(dataDir, "deliverline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads config from the data directory.
func Load(dataDir string) (*Config, []Warning, error) {
	path := Path(dataDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("config %s not found; create one with dl config init", path)
		}
		return nil, nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(dataDir string) (*Config, []Warning, error) {
	data, err := os.ReadFile(Path(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil, nil
		}
		return nil, nil, err
	}
	return FromYAML(data)
}

// FromYAML parses config from raw YAML bytes. Keys absent from the document keep their defaults.
func FromYAML(data []byte) (*Config, []Warning, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := applyLegacyKeys(data, cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	warns := cfg.Normalize()
	return cfg, warns, nil
}

// applyLegacyKeys honours keys that were renamed. The current name wins when both are set.
func applyLegacyKeys(data []byte, cfg *Config) error {
	var raw struct {
		Resilience map[string]yaml.Node `yaml:"resilience"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	legacy, ok := raw.Resilience["recovery_timeout_seconds"]
	if !ok {
		return nil
	}
	if _, current := raw.Resilience["recovery_timeout"]; current {
		return nil
	}
	return legacy.Decode(&cfg.Resilience.RecoveryTimeoutSeconds)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, []Warning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `pipeline:
  min_completed_tasks: 2
  max_deliverables_per_workspace: 3
  cooldown_seconds: 30
  readiness_threshold: 100
  immediate_creation_enabled: false
  immediate_threshold: 70
  business_value_threshold: 0.70

quality:
  auto_approve_threshold: 0.90
  auto_reject_threshold: 0.50
  human_review_min: 0.70
  human_review_max: 0.80

resilience:
  failure_threshold: 5
  recovery_timeout: 300
  debounce_window_ms: 2000
  read_retries: 2
  read_retry_backoff_ms: 100

matcher:
  timeout_seconds: 10
  pattern_confidence_cap: 95
  ai_enabled: true

generation:
  url: ""
  timeout_seconds: 30
`
