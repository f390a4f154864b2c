// Package config loads the pipeline configuration: broker URL, queue wiring,
// and the per-language inference endpoint tables. Everything is read once at
// process start; there is no hot reload.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/illmade-knight/go-speechflow/pkg/inference"
)

// Environment overrides applied on top of the YAML file, so secrets and the
// broker URL can stay out of checked-in configuration.
const (
	EnvBrokerURL    = "SPEECHFLOW_BROKER_URL"
	EnvUserEndpoint = "SPEECHFLOW_USER_ENDPOINT_URL"
	EnvRedisAddr    = "SPEECHFLOW_REDIS_ADDR"
)

// Endpoint is one inference service deployment in a language table.
type Endpoint struct {
	URL         string `yaml:"url"`
	AccessToken string `yaml:"access_token"`
}

// StageQueues names one stage's input and output queues.
type StageQueues struct {
	Input  string `yaml:"input"`
	Output string `yaml:"output"`
}

// Queues holds the queue wiring for the fixed pipeline phases. Relay bridges
// are wired per process via flags, because there is one per adjacent pair.
type Queues struct {
	Recognition StageQueues `yaml:"recognition"`
	Translation StageQueues `yaml:"translation"`
	Synthesis   StageQueues `yaml:"synthesis"`
	Delivery    StageQueues `yaml:"delivery"`
}

// Timeouts holds the per-stage inference call budgets.
type Timeouts struct {
	Recognition time.Duration `yaml:"recognition"`
	Translation time.Duration `yaml:"translation"`
	Synthesis   time.Duration `yaml:"synthesis"`
}

// Retry configures the optional bounded-retry promotion of poison messages.
// A zero MaxAttempts keeps the requeue-indefinitely behavior.
type Retry struct {
	MaxAttempts int    `yaml:"max_attempts"`
	RedisAddr   string `yaml:"redis_addr"`
}

// Config is the full pipeline configuration.
type Config struct {
	BrokerURL  string `yaml:"broker_url"`
	LogQueue   string `yaml:"log_queue"`
	InputLang  string `yaml:"input_lang"`
	OutputLang string `yaml:"output_lang"`
	Gender     string `yaml:"gender"`

	// Recognition and Synthesis are keyed by language; Translation by the
	// "<input>_to_<output>" pair.
	Recognition map[string]Endpoint `yaml:"recognition"`
	Translation map[string]Endpoint `yaml:"translation"`
	Synthesis   map[string]Endpoint `yaml:"synthesis"`

	Queues          Queues   `yaml:"queues"`
	Timeouts        Timeouts `yaml:"timeouts"`
	Retry           Retry    `yaml:"retry"`
	UserEndpointURL string   `yaml:"user_endpoint_url"`
}

// Load reads the YAML file, applies environment overrides and defaults, and
// validates the fields every stage needs. Per-stage endpoint lookups validate
// separately so one worker does not fail on another worker's missing table.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if v := os.Getenv(EnvBrokerURL); v != "" {
		cfg.BrokerURL = v
	}
	if v := os.Getenv(EnvUserEndpoint); v != "" {
		cfg.UserEndpointURL = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		cfg.Retry.RedisAddr = v
	}

	cfg.applyDefaults()

	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("broker_url is required (file or %s)", EnvBrokerURL)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogQueue == "" {
		c.LogQueue = "log_queue"
	}
	if c.Gender == "" {
		c.Gender = "male"
	}
	if c.Queues.Recognition.Input == "" {
		c.Queues.Recognition = StageQueues{Input: "ASR_input", Output: "ASR_output"}
	}
	if c.Queues.Translation.Input == "" {
		c.Queues.Translation = StageQueues{Input: "MT_input", Output: "MT_output"}
	}
	if c.Queues.Synthesis.Input == "" {
		c.Queues.Synthesis = StageQueues{Input: "TTS_input", Output: "TTS_output"}
	}
	if c.Queues.Delivery.Input == "" {
		c.Queues.Delivery = StageQueues{Input: c.Queues.Synthesis.Output}
	}
	if c.Timeouts.Recognition <= 0 {
		c.Timeouts.Recognition = 60 * time.Second
	}
	if c.Timeouts.Translation <= 0 {
		c.Timeouts.Translation = 60 * time.Second
	}
	if c.Timeouts.Synthesis <= 0 {
		c.Timeouts.Synthesis = 60 * time.Second
	}
}

// RecognitionEndpoint resolves the recognition table for the configured input
// language, failing fast when the key is absent.
func (c *Config) RecognitionEndpoint() (inference.Endpoint, error) {
	return lookup(c.Recognition, c.InputLang, "recognition")
}

// TranslationEndpoint resolves the translation table for the configured
// language pair.
func (c *Config) TranslationEndpoint() (inference.Endpoint, error) {
	return lookup(c.Translation, c.TranslationKey(), "translation")
}

// SynthesisEndpoint resolves the synthesis table for the configured output
// language.
func (c *Config) SynthesisEndpoint() (inference.Endpoint, error) {
	return lookup(c.Synthesis, c.OutputLang, "synthesis")
}

// TranslationKey derives the translation table key from the language pair.
func (c *Config) TranslationKey() string {
	return c.InputLang + "_to_" + c.OutputLang
}

func lookup(table map[string]Endpoint, key, name string) (inference.Endpoint, error) {
	if key == "" || key == "_to_" {
		return inference.Endpoint{}, fmt.Errorf("no language configured for the %s table", name)
	}
	ep, ok := table[key]
	if !ok {
		return inference.Endpoint{}, fmt.Errorf("no %s configuration found for %q", name, key)
	}
	if ep.URL == "" || ep.AccessToken == "" {
		return inference.Endpoint{}, fmt.Errorf("%s configuration for %q is missing url or access_token", name, key)
	}
	return inference.Endpoint{URL: ep.URL, AccessToken: ep.AccessToken}, nil
}
