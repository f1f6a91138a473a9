// Package config loads and validates convcore-server's runtime configuration.
package config

import (
	"fmt"
	"time"
)

// Config is the top-level configuration structure for the conversation
// runtime core.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	LLM           LLMConfig           `yaml:"llm"`
	Tools         ToolsConfig         `yaml:"tools"`
	SubAgents     SubAgentConfig      `yaml:"sub_agents"`
	Retry         RetryConfig         `yaml:"retry"`
	Notifier      NotifierConfig      `yaml:"notifier"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig configures the process's network surface.
type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// StorageConfig selects and configures the persistence adapter.
//
// DSN scheme selects the backend: "memory://" for the in-memory adapter,
// "postgres://" or "cockroach://" for the CockroachDB adapter.
type StorageConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// LLMConfig selects and configures the model client.
type LLMConfig struct {
	Provider      string        `yaml:"provider"` // "anthropic" | "bedrock" | "openai" | "deterministic"
	Model         string        `yaml:"model"`
	APIKey        string        `yaml:"api_key"`
	BaseURL       string        `yaml:"base_url"`
	Region        string        `yaml:"region"`
	RequestDeadline time.Duration `yaml:"request_deadline"`

	// CircuitBreakerThreshold is the number of consecutive Complete
	// failures before the client fails fast instead of calling the
	// provider. Zero disables the breaker's override of the library
	// default (5).
	CircuitBreakerThreshold int `yaml:"circuit_breaker_threshold"`
	// CircuitBreakerTimeout is how long the breaker stays open before
	// probing the provider again. Zero disables the library default override (30s).
	CircuitBreakerTimeout time.Duration `yaml:"circuit_breaker_timeout"`
}

// ToolsConfig bounds tool execution.
type ToolsConfig struct {
	FastDeadline      time.Duration `yaml:"fast_deadline"`
	SlowDeadline      time.Duration `yaml:"slow_deadline"`
	SlowTools         []string      `yaml:"slow_tools"`
	WorkspaceRoot     string        `yaml:"workspace_root"`
	MaxConcurrentExec int           `yaml:"max_concurrent_exec"`
}

// SubAgentConfig bounds sub-agent spawning.
type SubAgentConfig struct {
	MaxDepth        int           `yaml:"max_depth"`
	MaxActive       int           `yaml:"max_active"`
	SpawnDeadline   time.Duration `yaml:"spawn_deadline"`
}

// RetryConfig configures the LLM retry/backoff policy.
type RetryConfig struct {
	AttemptCap int           `yaml:"attempt_cap"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// NotifierConfig bounds the client notifier's ring buffer.
type NotifierConfig struct {
	RingSize        int           `yaml:"ring_size"`
	IdleEviction    time.Duration `yaml:"idle_eviction"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig configures tracing and metrics.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	Insecure       bool    `yaml:"insecure"`
}

// Default returns a Config with sensible defaults for local development.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        8090,
			MetricsPort: 9090,
		},
		Storage: StorageConfig{
			DSN:             "memory://",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		LLM: LLMConfig{
			Provider:                "anthropic",
			Model:                   "claude-sonnet-4-20250514",
			RequestDeadline:         5 * time.Minute,
			CircuitBreakerThreshold: 5,
			CircuitBreakerTimeout:   30 * time.Second,
		},
		Tools: ToolsConfig{
			FastDeadline:      30 * time.Second,
			SlowDeadline:      15 * time.Minute,
			SlowTools:         []string{"build", "test"},
			MaxConcurrentExec: 4,
		},
		SubAgents: SubAgentConfig{
			MaxDepth:      3,
			MaxActive:     5,
			SpawnDeadline: time.Minute,
		},
		Retry: RetryConfig{
			AttemptCap: 5,
			BaseDelay:  time.Second,
			MaxDelay:   30 * time.Second,
		},
		Notifier: NotifierConfig{
			RingSize:      512,
			IdleEviction:  30 * time.Minute,
			ShutdownGrace: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if err := ValidateVersion(c.Version); err != nil {
		return err
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required")
	}
	if c.SubAgents.MaxDepth < 1 {
		return fmt.Errorf("sub_agents.max_depth must be at least 1")
	}
	if c.Retry.AttemptCap < 1 {
		return fmt.Errorf("retry.attempt_cap must be at least 1")
	}
	return nil
}

// Load reads and validates a configuration file, resolving $include
// directives and environment variable expansion.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if _, ok := raw["version"]; !ok {
		raw["version"] = CurrentVersion
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
