// Package config holds the pipeline configuration. Values come from the
// environment (12-factor) and may be overlaid by a YAML file. The resulting
// struct is passed explicitly to every component.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds pipeline configuration.
type Config struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	DatabaseURL string `yaml:"database_url"`
	DataDir     string `yaml:"data_dir"`

	Review   ReviewConfig   `yaml:"review"`
	Arbiter  ArbiterConfig  `yaml:"arbiter"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Release  ReleaseConfig  `yaml:"release"`
	Events   EventsConfig   `yaml:"events"`
	Proposer ProposerConfig `yaml:"proposer"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// ReviewConfig controls the approval gate.
type ReviewConfig struct {
	AutoApproveThreshold float64 `yaml:"auto_approve_threshold"`
	MinCoverageScore     float64 `yaml:"min_coverage_score"`
	ApproverTokenSecret  string  `yaml:"approver_token_secret"`
}

// ArbiterConfig controls conflict scoring.
type ArbiterConfig struct {
	EscalationMargin float64 `yaml:"escalation_margin"`
}

// PipelineConfig controls phase execution and the heartbeat probe.
type PipelineConfig struct {
	Workers               int           `yaml:"workers"`
	PhaseDelay            time.Duration `yaml:"phase_delay"`
	PhasesPerSecond       float64       `yaml:"phases_per_second"`
	HeartbeatTimeout      time.Duration `yaml:"heartbeat_timeout"`
	HeartbeatPollInterval time.Duration `yaml:"heartbeat_poll_interval"`
}

// ReleaseConfig controls release sealing.
type ReleaseConfig struct {
	SigningSecret string `yaml:"signing_secret"`
}

// EventsConfig controls event fan-out.
type EventsConfig struct {
	RedisURL string `yaml:"redis_url"`
	Stream   string `yaml:"stream"`
}

// ProposerConfig configures the OpenAI-compatible candidate proposer.
type ProposerConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		LogLevel:  "INFO",
		LogFormat: "text",
		DataDir:   "data",
		Review: ReviewConfig{
			AutoApproveThreshold: 0.95,
			MinCoverageScore:     0.8,
		},
		Arbiter: ArbiterConfig{
			EscalationMargin: 0.1,
		},
		Pipeline: PipelineConfig{
			Workers:               4,
			PhaseDelay:            2 * time.Second,
			PhasesPerSecond:       0.5,
			HeartbeatTimeout:      5 * time.Minute,
			HeartbeatPollInterval: 5 * time.Second,
		},
		Events: EventsConfig{
			Stream: "regtruth:content-sync",
		},
		Proposer: ProposerConfig{
			Timeout: 30 * time.Second,
		},
		Tracing: TracingConfig{
			OTLPEndpoint: "localhost:4317",
		},
	}
}

// Load loads configuration from environment variables on top of Default.
// An empty DATABASE_URL selects the embedded SQLite store under DataDir.
func Load() *Config {
	cfg := Default()
	applyEnv(cfg)
	return cfg
}

// LoadFile reads a YAML file over the defaults, then applies the environment.
// Environment variables win over the file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would weaken the approval gate.
func (c *Config) Validate() error {
	if c.Review.AutoApproveThreshold <= 0 || c.Review.AutoApproveThreshold > 1 {
		return fmt.Errorf("review.auto_approve_threshold must be in (0,1], got %v", c.Review.AutoApproveThreshold)
	}
	if c.Review.MinCoverageScore < 0.8 || c.Review.MinCoverageScore > 1 {
		return fmt.Errorf("review.min_coverage_score must be in [0.8,1], got %v", c.Review.MinCoverageScore)
	}
	if c.Arbiter.EscalationMargin < 0 {
		return fmt.Errorf("arbiter.escalation_margin must be >= 0, got %v", c.Arbiter.EscalationMargin)
	}
	if c.Pipeline.HeartbeatTimeout <= 0 {
		return fmt.Errorf("pipeline.heartbeat_timeout must be positive")
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.DataDir, "DATA_DIR")

	setFloat(&cfg.Review.AutoApproveThreshold, "AUTO_APPROVE_THRESHOLD")
	setFloat(&cfg.Review.MinCoverageScore, "MIN_COVERAGE_SCORE")
	setString(&cfg.Review.ApproverTokenSecret, "APPROVER_TOKEN_SECRET")
	setFloat(&cfg.Arbiter.EscalationMargin, "ESCALATION_MARGIN")

	setInt(&cfg.Pipeline.Workers, "PIPELINE_WORKERS")
	setDuration(&cfg.Pipeline.PhaseDelay, "PHASE_DELAY")
	setFloat(&cfg.Pipeline.PhasesPerSecond, "PHASES_PER_SECOND")
	setDuration(&cfg.Pipeline.HeartbeatTimeout, "HEARTBEAT_TIMEOUT")
	setDuration(&cfg.Pipeline.HeartbeatPollInterval, "HEARTBEAT_POLL_INTERVAL")

	setString(&cfg.Release.SigningSecret, "RELEASE_SIGNING_SECRET")
	setString(&cfg.Events.RedisURL, "REDIS_URL")
	setString(&cfg.Events.Stream, "EVENT_STREAM")

	setString(&cfg.Proposer.APIKey, "OPENAI_API_KEY")
	setString(&cfg.Proposer.BaseURL, "OPENAI_BASE_URL")
	setString(&cfg.Proposer.Model, "OPENAI_MODEL")

	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		cfg.Tracing.Enabled = v == "true"
	}
	setString(&cfg.Tracing.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	if v := os.Getenv("OTEL_INSECURE"); v != "" {
		cfg.Tracing.Insecure = v == "true"
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
