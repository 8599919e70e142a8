// Package config handles engine configuration loading. It supports a YAML
// config file, environment variable overrides for API keys and built-in
// defaults that run the engine against mock providers without any file at
// all.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/logging"
)

// Config holds all engine configuration.
type Config struct {
	Logging      LoggingConfig      `mapstructure:"logging"`
	Model        ModelConfig        `mapstructure:"model"`
	Search       SearchConfig       `mapstructure:"search"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or text
}

// ModelConfig holds the ordered fallback chain of provider tiers.
type ModelConfig struct {
	Tiers []TierConfig `mapstructure:"tiers"`
}

// TierConfig describes one fallback level. Tiers are tried strictly in the
// order they appear here.
type TierConfig struct {
	// Provider selects the adapter: openai, anthropic or mock.
	Provider string `mapstructure:"provider"`
	// Model is the provider-specific model identifier.
	Model string `mapstructure:"model"`
	// APIKey may reference an environment variable as ${VAR}.
	APIKey string `mapstructure:"api_key"`
	// MaxRetries is the transient-failure retry budget beyond the first
	// attempt of this tier.
	MaxRetries int `mapstructure:"max_retries"`
	// Timeout bounds each attempt.
	Timeout time.Duration `mapstructure:"timeout"`
	// InitialBackoff seeds the exponential backoff between retries.
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
}

// ID returns the tier identifier used in attempt logs.
func (tc TierConfig) ID() string {
	if tc.Model == "" {
		return tc.Provider
	}
	return tc.Provider + "/" + tc.Model
}

// SearchConfig holds retrieval fan-out settings.
type SearchConfig struct {
	// Timeout bounds each search branch.
	Timeout time.Duration `mapstructure:"timeout"`
	// TopK is the default result budget per branch.
	TopK int `mapstructure:"top_k"`
	// OverallDeadline bounds a whole dispatch; zero waits for every
	// branch's own timeout.
	OverallDeadline time.Duration `mapstructure:"overall_deadline"`
}

// ConversationConfig holds conversation memory settings.
type ConversationConfig struct {
	// HistoryWindow is the number of prior turns included as context.
	HistoryWindow int `mapstructure:"history_window"`
}

// OrchestratorConfig holds run lifecycle settings.
type OrchestratorConfig struct {
	// EventBuffer is the per-run event channel capacity.
	EventBuffer int `mapstructure:"event_buffer"`
	// RunDeadline bounds one run's wall clock; zero disables it.
	RunDeadline time.Duration `mapstructure:"run_deadline"`
}

// Default returns the built-in configuration: a single mock tier, info
// level JSON logging and conservative timeouts.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Model: ModelConfig{
			Tiers: []TierConfig{{
				Provider:       "mock",
				Model:          "echo",
				MaxRetries:     1,
				Timeout:        30 * time.Second,
				InitialBackoff: 500 * time.Millisecond,
			}},
		},
		Search:       SearchConfig{Timeout: 10 * time.Second, TopK: 5},
		Conversation: ConversationConfig{HistoryWindow: 6},
		Orchestrator: OrchestratorConfig{EventBuffer: 64},
	}
}

// Load reads config.yaml from the working directory when present, applies
// environment overrides and falls back to built-in defaults for anything
// unset.
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromPath reads configuration from a specific file.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("ENGINE")
	v.AutomaticEnv()
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Slice defaults do not merge well in viper; fall back explicitly.
	if len(cfg.Model.Tiers) == 0 {
		cfg.Model.Tiers = Default().Model.Tiers
	}

	// Resolve ${VAR} references so keys never live in the file itself.
	for i := range cfg.Model.Tiers {
		cfg.Model.Tiers[i].APIKey = os.ExpandEnv(cfg.Model.Tiers[i].APIKey)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := Default()

	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)

	v.SetDefault("search.timeout", def.Search.Timeout.String())
	v.SetDefault("search.top_k", def.Search.TopK)
	v.SetDefault("search.overall_deadline", "0s")

	v.SetDefault("conversation.history_window", def.Conversation.HistoryWindow)

	v.SetDefault("orchestrator.event_buffer", def.Orchestrator.EventBuffer)
	v.SetDefault("orchestrator.run_deadline", "0s")
}

// Validate reports configuration errors that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid logging format %q", c.Logging.Format)
	}

	for i, tier := range c.Model.Tiers {
		switch tier.Provider {
		case "openai", "anthropic", "mock":
		default:
			return fmt.Errorf("tier %d: unknown provider %q", i+1, tier.Provider)
		}
		if tier.MaxRetries < 0 {
			return fmt.Errorf("tier %d: negative retry budget", i+1)
		}
	}

	if c.Search.TopK < 0 {
		return fmt.Errorf("negative search top_k")
	}
	if c.Conversation.HistoryWindow < 0 {
		return fmt.Errorf("negative history window")
	}
	return nil
}

// LogLevel maps the configured level string onto the logging package enum.
func (c *Config) LogLevel() logging.LogLevel {
	switch c.Logging.Level {
	case "debug":
		return logging.LogLevelDebug
	case "warn":
		return logging.LogLevelWarn
	case "error":
		return logging.LogLevelError
	default:
		return logging.LogLevelInfo
	}
}

// LoggerConfig builds the logging configuration for this engine config.
func (c *Config) LoggerConfig() *logging.LoggerConfig {
	lc := logging.DefaultLoggerConfig()
	lc.Level = c.LogLevel()
	if c.Logging.Format != "" {
		lc.Format = c.Logging.Format
	}
	return lc
}
