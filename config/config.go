// Package config loads worker configuration from a TOML file. The file is
// the single source of truth for a deployment: broker endpoints, provider
// credentials, pipeline tuning, and prompt overrides all live there, so
// every worker replica started from the same file behaves identically.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/coursepipe/coursepipe/broker"
	"github.com/coursepipe/coursepipe/course"
	"github.com/coursepipe/coursepipe/errors"
	"github.com/coursepipe/coursepipe/reasoning"
	"github.com/coursepipe/coursepipe/retry"
)

// Duration wraps time.Duration for TOML values like "30s" or "2m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full worker configuration.
type Config struct {
	Worker     WorkerConfig     `toml:"worker"`
	Broker     BrokerConfig     `toml:"broker"`
	Provider   ProviderConfig   `toml:"provider"`
	Pipeline   PipelineConfig   `toml:"pipeline"`
	Completion CompletionConfig `toml:"completion"`
}

// WorkerConfig tunes the worker process itself.
type WorkerConfig struct {
	// GroupPrefix prefixes each stage's consumer group.
	// Default: "coursepipe".
	GroupPrefix string `toml:"group_prefix"`

	// Stages restricts this worker to a subset of the pipeline's stages.
	// Empty runs every stage.
	Stages []string `toml:"stages"`

	// LogLevel: debug, info, warn, error. Default: info.
	LogLevel string `toml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown. Default: 30s.
	ShutdownTimeout Duration `toml:"shutdown_timeout"`

	// TraceLog is a JSONL file receiving task transitions. Empty disables
	// trace recording.
	TraceLog string `toml:"trace_log"`
}

// BrokerConfig selects and tunes the broker connection.
type BrokerConfig struct {
	// Type: "kafka" or "memory". Default: kafka.
	Type string `toml:"type"`

	// Seeds are the bootstrap broker addresses. Required for kafka.
	Seeds []string `toml:"seeds"`

	// ClientID identifies this worker to the cluster.
	ClientID string `toml:"client_id"`

	DialTimeout      Duration `toml:"dial_timeout"`
	SessionTimeout   Duration `toml:"session_timeout"`
	RebalanceTimeout Duration `toml:"rebalance_timeout"`

	// BufferSize is the per-partition delivery buffer.
	BufferSize int `toml:"buffer_size"`

	// NumPartitions applies to the memory broker only.
	NumPartitions int `toml:"num_partitions"`
}

// ProviderConfig selects the reasoning backend.
type ProviderConfig struct {
	// Name: anthropic, openai, mock. Empty infers from the model.
	Name string `toml:"name"`

	Model     string `toml:"model"`
	MaxTokens int    `toml:"max_tokens"`

	// APIKey inline. Prefer APIKeyEnv in checked-in files.
	APIKey string `toml:"api_key"`

	// APIKeyEnv names an environment variable holding the key.
	APIKeyEnv string `toml:"api_key_env"`

	// BaseURL overrides the API endpoint.
	BaseURL string `toml:"base_url"`

	// RateLimit is calls per RateWindow. Zero disables limiting.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow Duration `toml:"rate_window"`
}

// PipelineConfig tunes stage execution.
type PipelineConfig struct {
	// MaxAttempts bounds retries per stage before dead-lettering.
	MaxAttempts int `toml:"max_attempts"`

	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`

	// HandlerTimeout bounds one handler invocation.
	HandlerTimeout Duration `toml:"handler_timeout"`

	// Templates override the stock per-stage prompts by stage name.
	Templates map[string]course.PromptTemplate `toml:"templates"`
}

// CompletionConfig controls where finished courses land.
type CompletionConfig struct {
	// Dir receives one JSON artifact per finished course.
	// Default: "courses".
	Dir string `toml:"dir"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		Worker: WorkerConfig{
			GroupPrefix:     "coursepipe",
			LogLevel:        "info",
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Broker: BrokerConfig{
			Type: "kafka",
		},
		Provider: ProviderConfig{
			RateWindow: Duration(time.Minute),
		},
		Completion: CompletionConfig{
			Dir: "courses",
		},
	}
}

// Load reads and validates a TOML configuration file. Values not present in
// the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config",
			errors.WithCategory(errors.CategoryPermanent),
			errors.WithMetadata("path", path))
	}
	return Parse(string(data))
}

// Parse parses TOML configuration content.
func Parse(content string) (*Config, error) {
	cfg := Default()
	meta, err := toml.Decode(content, &cfg)
	if err != nil {
		return nil, errors.Configuration("parse config",
			errors.WithCause(err))
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Newf(errors.ErrCodeConfiguration,
			"unknown config key %q", undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Broker.Type {
	case "kafka":
		if len(c.Broker.Seeds) == 0 {
			return errors.Configuration("kafka broker requires seeds")
		}
	case "memory":
	default:
		return errors.Newf(errors.ErrCodeConfiguration,
			"unknown broker type %q", c.Broker.Type)
	}
	if c.Pipeline.MaxAttempts < 0 {
		return errors.Configuration("max_attempts cannot be negative")
	}
	if c.Provider.RateLimit < 0 {
		return errors.Configuration("rate_limit cannot be negative")
	}
	return nil
}

// Kafka converts the broker section into a Kafka client configuration.
func (c *BrokerConfig) Kafka() broker.KafkaConfig {
	kc := broker.DefaultKafkaConfig()
	kc.Seeds = c.Seeds
	if c.ClientID != "" {
		kc.ClientID = c.ClientID
	}
	if c.DialTimeout > 0 {
		kc.DialTimeout = c.DialTimeout.Std()
	}
	if c.SessionTimeout > 0 {
		kc.SessionTimeout = c.SessionTimeout.Std()
	}
	if c.RebalanceTimeout > 0 {
		kc.RebalanceTimeout = c.RebalanceTimeout.Std()
	}
	if c.BufferSize > 0 {
		kc.BufferSize = c.BufferSize
	}
	return kc
}

// Memory converts the broker section into a memory broker configuration.
func (c *BrokerConfig) Memory() broker.MemoryConfig {
	mc := broker.DefaultMemoryConfig()
	if c.BufferSize > 0 {
		mc.BufferSize = c.BufferSize
	}
	if c.NumPartitions > 0 {
		mc.NumPartitions = c.NumPartitions
	}
	return mc
}

// Reasoning converts the provider section into a provider factory
// configuration, resolving the API key from the environment when APIKeyEnv
// is set.
func (c *ProviderConfig) Reasoning() reasoning.Config {
	key := c.APIKey
	if key == "" && c.APIKeyEnv != "" {
		key = os.Getenv(c.APIKeyEnv)
	}
	return reasoning.Config{
		Provider:  c.Name,
		Model:     c.Model,
		APIKey:    key,
		MaxTokens: c.MaxTokens,
		BaseURL:   c.BaseURL,
	}
}

// Retry converts the pipeline section into a stage retry policy.
func (c *PipelineConfig) Retry() retry.Policy {
	p := retry.DefaultPolicy()
	if c.MaxAttempts > 0 {
		p.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoff > 0 {
		p.InitialBackoff = c.InitialBackoff.Std()
	}
	if c.MaxBackoff > 0 {
		p.MaxBackoff = c.MaxBackoff.Std()
	}
	return p
}
