package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/agentsetup/runtime/setup/catalog"
)

type (
	// config is the process configuration. Values come from the environment
	// and are overridden by the YAML file when one is given.
	config struct {
		Provider        string  `yaml:"provider"`
		Model           string  `yaml:"model"`
		MaxTokens       int     `yaml:"max_tokens"`
		TokensPerMinute float64 `yaml:"tokens_per_minute"`
		MaxConcurrency  int     `yaml:"max_concurrency"`
		MaxParallelJobs int     `yaml:"max_parallel_jobs"`
		MaxRetries      int     `yaml:"max_retries"`

		OpenAI    apiKeyConfig   `yaml:"openai"`
		Anthropic apiKeyConfig   `yaml:"anthropic"`
		Bedrock   bedrockConfig  `yaml:"bedrock"`
		Mongo     mongoConfig    `yaml:"mongo"`
		Redis     redisConfig    `yaml:"redis"`
		Temporal  temporalConfig `yaml:"temporal"`

		// Tools seeds the in-memory catalog when Mongo is not configured.
		Tools []catalog.Tool `yaml:"tools"`
	}

	apiKeyConfig struct {
		APIKey string `yaml:"api_key"`
	}

	bedrockConfig struct {
		Region string `yaml:"region"`
	}

	mongoConfig struct {
		URI      string        `yaml:"uri"`
		Database string        `yaml:"database"`
		Timeout  time.Duration `yaml:"timeout"`
	}

	redisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	}

	temporalConfig struct {
		HostPort     string        `yaml:"host_port"`
		Namespace    string        `yaml:"namespace"`
		TaskQueue    string        `yaml:"task_queue"`
		StageTimeout time.Duration `yaml:"stage_timeout"`
	}
)

const (
	providerOpenAI    = "openai"
	providerAnthropic = "anthropic"
	providerBedrock   = "bedrock"
)

// loadConfig reads the environment and overlays the YAML file at path when
// path is not empty.
func loadConfig(path string) (*config, error) {
	cfg := &config{
		Provider:        envOr("AGENT_SETUP_PROVIDER", providerOpenAI),
		Model:           os.Getenv("AGENT_SETUP_MODEL"),
		MaxTokens:       envIntOr("AGENT_SETUP_MAX_TOKENS", 4096),
		TokensPerMinute: float64(envIntOr("AGENT_SETUP_TOKENS_PER_MINUTE", 60000)),
		MaxConcurrency:  envIntOr("AGENT_SETUP_MAX_CONCURRENCY", 0),
		MaxParallelJobs: envIntOr("AGENT_SETUP_MAX_PARALLEL_JOBS", 1000),
		MaxRetries:      envIntOr("AGENT_SETUP_MAX_RETRIES", 5),
		OpenAI:          apiKeyConfig{APIKey: os.Getenv("OPENAI_API_KEY")},
		Anthropic:       apiKeyConfig{APIKey: os.Getenv("ANTHROPIC_API_KEY")},
		Bedrock:         bedrockConfig{Region: envOr("AWS_REGION", "us-east-1")},
		Mongo: mongoConfig{
			URI:      os.Getenv("MONGO_URI"),
			Database: envOr("MONGO_DATABASE", "agent_setup"),
			Timeout:  envDurationOr("MONGO_TIMEOUT", 5*time.Second),
		},
		Redis: redisConfig{
			Addr:     os.Getenv("REDIS_URL"),
			Password: os.Getenv("REDIS_PASSWORD"),
		},
		Temporal: temporalConfig{
			HostPort:     envOr("TEMPORAL_HOST_PORT", "localhost:7233"),
			Namespace:    envOr("TEMPORAL_NAMESPACE", "default"),
			TaskQueue:    envOr("TEMPORAL_TASK_QUEUE", "agent-setup"),
			StageTimeout: envDurationOr("TEMPORAL_STAGE_TIMEOUT", 10*time.Minute),
		},
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *config) validate() error {
	switch c.Provider {
	case providerOpenAI:
		if c.OpenAI.APIKey == "" {
			return errors.New("openai api key is required")
		}
	case providerAnthropic:
		if c.Anthropic.APIKey == "" {
			return errors.New("anthropic api key is required")
		}
	case providerBedrock:
		if c.Bedrock.Region == "" {
			return errors.New("bedrock region is required")
		}
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	if c.Model == "" {
		c.Model = defaultModel(c.Provider)
	}
	if c.Mongo.URI != "" && c.Mongo.Database == "" {
		return errors.New("mongo database is required")
	}
	return nil
}

func defaultModel(provider string) string {
	switch provider {
	case providerAnthropic:
		return "claude-sonnet-4-5"
	case providerBedrock:
		return "anthropic.claude-3-5-sonnet-20240620-v1:0"
	default:
		return "gpt-4o"
	}
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
