// Package config loads engine configuration from YAML. The file is optional;
// every field has a working default so an empty document yields a runnable
// engine.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nodeflow/nodeflow/scheduler"
)

type (
	// Config is the root configuration document.
	Config struct {
		Scheduler Scheduler `yaml:"scheduler"`
		Router    Router    `yaml:"router"`
		Model     Model     `yaml:"model"`
		Trace     Trace     `yaml:"trace"`
		Events    Events    `yaml:"events"`
		// Secrets seeds the process-wide fallback secret store.
		Secrets map[string]string `yaml:"secrets"`
	}

	// Scheduler tunes execution concurrency and retry behavior.
	Scheduler struct {
		MaxParallel    int           `yaml:"max_parallel"`
		MaxRetries     int           `yaml:"max_retries"`
		BackoffBase    time.Duration `yaml:"backoff_base"`
		GracePeriod    time.Duration `yaml:"grace_period"`
		TimeoutPerNode time.Duration `yaml:"timeout_per_node"`
		EventBuffer    int           `yaml:"event_buffer"`
	}

	// Router tunes the data routing layer.
	Router struct {
		// IntelligentRouting enables the LLM-assisted phase by default for
		// executions that do not specify it.
		IntelligentRouting bool `yaml:"intelligent_routing"`
		// Model names the model used for intelligent routing.
		Model string `yaml:"model"`
		// LLMTimeout bounds the intelligent-routing call.
		LLMTimeout time.Duration `yaml:"llm_timeout"`
	}

	// Model selects and configures the LLM provider.
	Model struct {
		// Provider is "openai", "anthropic" or "bedrock". Empty disables
		// LLM-backed nodes.
		Provider string `yaml:"provider"`
		// Default is the model identifier used when node config names none.
		Default string `yaml:"default"`
		// APIKeyEnv names the environment variable holding the provider API
		// key.
		APIKeyEnv string `yaml:"api_key_env"`
		// RateLimitTPM caps provider usage in tokens per minute. Zero
		// disables client-side rate limiting.
		RateLimitTPM float64 `yaml:"rate_limit_tpm"`
	}

	// Trace configures trace persistence.
	Trace struct {
		// MongoURI enables the Mongo sink when set.
		MongoURI string `yaml:"mongo_uri"`
		Database string `yaml:"database"`
		// QueueSize bounds the async recorder queue.
		QueueSize int `yaml:"queue_size"`
	}

	// Events configures event relaying.
	Events struct {
		// RedisAddr enables the Redis relay when set.
		RedisAddr     string `yaml:"redis_addr"`
		RedisPassword string `yaml:"redis_password"`
	}
)

// Load reads and parses the YAML file at path.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a YAML document and validates it.
func Parse(raw []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Scheduler.MaxParallel < 0 {
		return errors.New("scheduler.max_parallel must not be negative")
	}
	switch c.Model.Provider {
	case "", "openai", "anthropic", "bedrock":
	default:
		return fmt.Errorf("model.provider %q is not supported", c.Model.Provider)
	}
	if c.Trace.MongoURI != "" && c.Trace.Database == "" {
		return errors.New("trace.database is required when trace.mongo_uri is set")
	}
	return nil
}

// SchedulerConfig maps the document to the scheduler's configuration.
func (c Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		MaxParallel: c.Scheduler.MaxParallel,
		MaxRetries:  c.Scheduler.MaxRetries,
		BackoffBase: c.Scheduler.BackoffBase,
		GracePeriod: c.Scheduler.GracePeriod,
		EventBuffer: c.Scheduler.EventBuffer,
	}
}

// DefaultOptions maps the document to the per-execution defaults.
func (c Config) DefaultOptions() scheduler.Options {
	return scheduler.Options{
		UseIntelligentRouting: c.Router.IntelligentRouting,
		TimeoutPerNode:        c.Scheduler.TimeoutPerNode,
	}
}

// APIKey resolves the provider API key from the configured environment
// variable.
func (c Config) APIKey() string {
	if c.Model.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Model.APIKeyEnv)
}
