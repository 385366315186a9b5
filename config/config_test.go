package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coursepipe/coursepipe/errors"
)

const sampleConfig = `
[worker]
group_prefix = "pipeline"
stages = ["input", "background"]
log_level = "debug"
shutdown_timeout = "45s"
trace_log = "/var/log/coursepipe/trace.jsonl"

[broker]
type = "kafka"
seeds = ["kafka-1:9092", "kafka-2:9092"]
client_id = "worker-7"
session_timeout = "20s"
buffer_size = 128

[provider]
name = "anthropic"
model = "claude-sonnet-4-20250514"
api_key_env = "ANTHROPIC_API_KEY"
max_tokens = 4096
rate_limit = 30
rate_window = "1m"

[pipeline]
max_attempts = 5
initial_backoff = "2s"
max_backoff = "1m"
handler_timeout = "3m"

[pipeline.templates.input]
system = "You validate payloads."
user = "Validate:\n{input}"

[completion]
dir = "/srv/courses"
`

func TestParse(t *testing.T) {
	cfg, err := Parse(sampleConfig)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Worker.GroupPrefix != "pipeline" || cfg.Worker.LogLevel != "debug" {
		t.Errorf("worker = %+v", cfg.Worker)
	}
	if cfg.Worker.ShutdownTimeout.Std() != 45*time.Second {
		t.Errorf("shutdown_timeout = %v", cfg.Worker.ShutdownTimeout.Std())
	}
	if len(cfg.Worker.Stages) != 2 || cfg.Worker.Stages[1] != "background" {
		t.Errorf("stages = %v", cfg.Worker.Stages)
	}
	if len(cfg.Broker.Seeds) != 2 || cfg.Broker.ClientID != "worker-7" {
		t.Errorf("broker = %+v", cfg.Broker)
	}
	if cfg.Provider.Model != "claude-sonnet-4-20250514" || cfg.Provider.RateLimit != 30 {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if cfg.Pipeline.MaxAttempts != 5 || cfg.Pipeline.HandlerTimeout.Std() != 3*time.Minute {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	tpl, ok := cfg.Pipeline.Templates["input"]
	if !ok || tpl.System != "You validate payloads." {
		t.Errorf("templates = %+v", cfg.Pipeline.Templates)
	}
	if cfg.Completion.Dir != "/srv/courses" {
		t.Errorf("completion dir = %q", cfg.Completion.Dir)
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(`
[broker]
type = "memory"
`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Worker.GroupPrefix != "coursepipe" || cfg.Worker.LogLevel != "info" {
		t.Errorf("worker defaults = %+v", cfg.Worker)
	}
	if cfg.Worker.ShutdownTimeout.Std() != 30*time.Second {
		t.Errorf("shutdown_timeout default = %v", cfg.Worker.ShutdownTimeout.Std())
	}
	if cfg.Completion.Dir != "courses" {
		t.Errorf("completion dir default = %q", cfg.Completion.Dir)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed toml", `[broker` + "\n"},
		{"unknown key", "[broker]\ntype = \"memory\"\nbogus = 1\n"},
		{"unknown broker type", "[broker]\ntype = \"carrier-pigeon\"\n"},
		{"kafka without seeds", "[broker]\ntype = \"kafka\"\n"},
		{"bad duration", "[broker]\ntype = \"memory\"\n[worker]\nshutdown_timeout = \"soon\"\n"},
		{"negative attempts", "[broker]\ntype = \"memory\"\n[pipeline]\nmax_attempts = -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.content); !errors.Is(err, errors.ErrCodeConfiguration) {
				t.Errorf("code = %s, want CONFIGURATION", errors.Code(err))
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.toml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Worker.GroupPrefix != "pipeline" {
		t.Errorf("group_prefix = %q", cfg.Worker.GroupPrefix)
	}

	if _, err := Load(filepath.Join(dir, "missing.toml")); err == nil {
		t.Error("missing file should fail")
	}
}

func TestKafkaConversion(t *testing.T) {
	cfg, err := Parse(sampleConfig)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	kc := cfg.Broker.Kafka()
	if len(kc.Seeds) != 2 || kc.ClientID != "worker-7" {
		t.Errorf("kafka config = %+v", kc)
	}
	if kc.SessionTimeout != 20*time.Second {
		t.Errorf("session timeout = %v", kc.SessionTimeout)
	}
	if kc.BufferSize != 128 {
		t.Errorf("buffer size = %d", kc.BufferSize)
	}
	// Unset values keep client defaults.
	if kc.DialTimeout <= 0 || kc.RebalanceTimeout <= 0 {
		t.Errorf("defaults not applied: %+v", kc)
	}
}

func TestMemoryConversion(t *testing.T) {
	cfg, err := Parse("[broker]\ntype = \"memory\"\nnum_partitions = 8\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	mc := cfg.Broker.Memory()
	if mc.NumPartitions != 8 {
		t.Errorf("num_partitions = %d", mc.NumPartitions)
	}
	if mc.BufferSize <= 0 {
		t.Errorf("buffer size default not applied: %d", mc.BufferSize)
	}
}

func TestReasoningConversionResolvesEnvKey(t *testing.T) {
	t.Setenv("COURSEPIPE_TEST_KEY", "sk-from-env")
	p := ProviderConfig{
		Name:      "anthropic",
		Model:     "claude-sonnet-4-20250514",
		APIKeyEnv: "COURSEPIPE_TEST_KEY",
	}
	rc := p.Reasoning()
	if rc.APIKey != "sk-from-env" {
		t.Errorf("api key = %q, want resolved from env", rc.APIKey)
	}

	p.APIKey = "sk-inline"
	if rc = p.Reasoning(); rc.APIKey != "sk-inline" {
		t.Errorf("api key = %q, inline key should win", rc.APIKey)
	}
}

func TestRetryConversion(t *testing.T) {
	pc := PipelineConfig{
		MaxAttempts:    5,
		InitialBackoff: Duration(2 * time.Second),
	}
	p := pc.Retry()
	if p.MaxAttempts != 5 || p.InitialBackoff != 2*time.Second {
		t.Errorf("policy = %+v", p)
	}
	if p.MaxBackoff != 30*time.Second {
		t.Errorf("max backoff default = %v", p.MaxBackoff)
	}

	var zero PipelineConfig
	if p = zero.Retry(); p.MaxAttempts != 3 {
		t.Errorf("zero config policy = %+v", p)
	}
}
