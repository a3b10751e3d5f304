// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func validationFields(t *testing.T, err error) []string {
	t.Helper()
	var verrs ValidateErrors
	require.True(t, errors.As(err, &verrs), "expected ValidateErrors, got %v", err)
	fields := make([]string, len(verrs))
	for i, v := range verrs {
		fields[i] = v.Field
	}
	return fields
}

// =============================================================================
// DEFAULTS
// =============================================================================

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, BusKafka, cfg.Bus.Kind)
	assert.Equal(t, "responses", cfg.Bus.ResponseTopic)
	assert.Equal(t, []string{EngineHosted, EngineLocal}, cfg.Engine.Preference)
	assert.Equal(t, 3, cfg.Engine.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Engine.RequestTimeout.Duration)
	assert.Equal(t, []string{AgentChinese, AgentEnglish}, cfg.AgentIDs())
	assert.Equal(t, "chinese_teacher_group", cfg.Agents[AgentChinese].Group)
	assert.Equal(t, "cost_monitor_group", cfg.Monitor.Group)
}

func TestDefaultRatesPriceScenarioA(t *testing.T) {
	rate := Default().Rates[0]
	assert.Equal(t, "gemini-1.5-flash", rate.ModelID)
	assert.True(t, rate.Cost(15, 200).Equal(decimal.RequireFromString("0.000076875")))
}

// =============================================================================
// DURATION
// =============================================================================

func TestDurationUnmarshalText(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30s", 30 * time.Second, false},
		{"1m30s", 90 * time.Second, false},
		{"500ms", 500 * time.Millisecond, false},
		{"45", 45 * time.Second, false},
		{"", 0, false},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalText([]byte(tt.in))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Duration)
		})
	}
}

// =============================================================================
// LOADING
// =============================================================================

const sampleTOML = `
[bus]
kind = "memory"
partitions = 2

[engine]
preference = ["local"]
request_timeout = "5s"
max_retries = 2

[engine.local]
model_id = "qwen2.5:7b"

[[rates]]
model_id = "qwen2.5:7b"
input_cost_per_1k = "0"
output_cost_per_1k = "0"

[agents.english_teacher]
topic = "english_teacher"
rate_limit = 2.5

[log]
level = "debug"
format = "json"
`

func TestLoadTOML(t *testing.T) {
	cfg, err := LoadFromPath(writeFile(t, "tutorbus.toml", sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, BusMemory, cfg.Bus.Kind)
	assert.Equal(t, 2, cfg.Bus.Partitions)
	assert.Equal(t, []string{EngineLocal}, cfg.Engine.Preference)
	assert.Equal(t, 5*time.Second, cfg.Engine.RequestTimeout.Duration)
	assert.Equal(t, 2, cfg.Engine.MaxRetries)
	assert.Equal(t, "qwen2.5:7b", cfg.Engine.Local.ModelID)
	require.Len(t, cfg.Rates, 1)
	assert.True(t, cfg.Rates[0].InputCostPer1K.IsZero())

	// Only the configured agent runs; missing fields are filled.
	assert.Equal(t, []string{AgentEnglish}, cfg.AgentIDs())
	agent := cfg.Agents[AgentEnglish]
	assert.Equal(t, "english_teacher_group", agent.Group)
	assert.Equal(t, EnglishPrompt, agent.SystemPrompt)
	assert.Equal(t, 2.5, agent.RateLimit)

	// Untouched sections keep their defaults.
	assert.Equal(t, "responses", cfg.Bus.ResponseTopic)
	assert.Equal(t, 10*time.Second, cfg.Engine.RetryMax.Duration)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "tutorbus.yaml", `
bus:
  brokers: ["kafka-1:9092", "kafka-2:9092"]
engine:
  retry_base: 250ms
rates:
  - model_id: gemini-1.5-flash
    input_cost_per_1k: "0.000125"
    output_cost_per_1k: "0.000375"
agents:
  chinese_teacher:
    topic: chinese_teacher
    engine: hosted
`)
	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Bus.Brokers)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.RetryBase.Duration)
	assert.True(t, cfg.Rates[0].OutputCostPer1K.Equal(decimal.RequireFromString("0.000375")))
	assert.Equal(t, EngineHosted, cfg.Agents[AgentChinese].Engine)
	assert.Equal(t, ChinesePrompt, cfg.Agents[AgentChinese].SystemPrompt)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "tutorbus.json", `{
		"engine": {"hosted": {"api_key": "secret-key-1234", "model_id": "gemini-1.5-flash"}},
		"gateway": {"await_timeout": "45s", "user_id": "student-7"},
		"server": {"disabled": true}
	}`)
	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, "secret-key-1234", cfg.Engine.Hosted.APIKey)
	assert.Equal(t, 45*time.Second, cfg.Gateway.AwaitTimeout.Duration)
	assert.Equal(t, "student-7", cfg.Gateway.UserID)
	assert.True(t, cfg.Server.Disabled)
	assert.Len(t, cfg.Agents, 2)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	tests := []struct {
		name, file, content string
	}{
		{"toml", "c.toml", "[bus]\nkinds = \"memory\"\n"},
		{"yaml", "c.yaml", "bus:\n  kinds: memory\n"},
		{"json", "c.json", `{"bus": {"kinds": "memory"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromPath(writeFile(t, tt.file, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFromPath(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestLoadExplicitPath(t *testing.T) {
	path := writeFile(t, "tutorbus.toml", sampleTOML)
	cfg, used, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, used)
	assert.Equal(t, BusMemory, cfg.Bus.Kind)
}

func TestSaveTOMLRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Engine.Hosted.APIKey = "k"
	cfg.Agents[AgentEnglish] = AgentConfig{
		Topic:        "english_teacher",
		Group:        "english_teacher_group",
		SystemPrompt: "Be brief.",
		RateLimit:    1,
		RateBurst:    2,
		DrainTimeout: D(3 * time.Second),
	}

	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	require.NoError(t, SaveTOML(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Engine.RequestTimeout, loaded.Engine.RequestTimeout)
	assert.Equal(t, cfg.Agents[AgentEnglish], loaded.Agents[AgentEnglish])
	require.Len(t, loaded.Rates, len(cfg.Rates))
	assert.True(t, cfg.Rates[0].InputCostPer1K.Equal(loaded.Rates[0].InputCostPer1K))
}

// =============================================================================
// ENVIRONMENT
// =============================================================================

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("TUTORBUS_BUS", "MEMORY")
	t.Setenv("TUTORBUS_BROKERS", "a:9092, b:9092,")
	t.Setenv("TUTORBUS_ENGINE", "local,hosted")
	t.Setenv("TUTORBUS_HOSTED_API_KEY", "from-env")
	t.Setenv("TUTORBUS_REQUEST_TIMEOUT", "12s")
	t.Setenv("TUTORBUS_MAX_RETRIES", "not-a-number")
	t.Setenv("TUTORBUS_LOG_LEVEL", "WARN")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, BusMemory, cfg.Bus.Kind)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Bus.Brokers)
	assert.Equal(t, []string{EngineLocal, EngineHosted}, cfg.Engine.Preference)
	assert.Equal(t, "from-env", cfg.Engine.Hosted.APIKey)
	assert.Equal(t, 12*time.Second, cfg.Engine.RequestTimeout.Duration)
	assert.Equal(t, 3, cfg.Engine.MaxRetries, "malformed numbers are ignored")
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestEnvOverridesFileValues(t *testing.T) {
	t.Setenv("TUTORBUS_LOCAL_MODEL", "mistral:7b")
	cfg, err := LoadFromPath(writeFile(t, "tutorbus.toml", sampleTOML))
	require.NoError(t, err)
	assert.Equal(t, "mistral:7b", cfg.Engine.Local.ModelID)
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad bus kind", func(c *Config) { c.Bus.Kind = "rabbit" }, "bus.kind"},
		{"kafka without brokers", func(c *Config) { c.Bus.Brokers = nil }, "bus.brokers"},
		{"memory without partitions", func(c *Config) { c.Bus.Kind = BusMemory; c.Bus.Partitions = 0 }, "bus.partitions"},
		{"duplicate topic", func(c *Config) { c.Bus.DeadLetterTopic = c.Bus.ResponseTopic }, "bus.dead_letter_topic"},
		{"empty topic", func(c *Config) { c.Bus.ChineseTopic = "" }, "bus.chinese_topic"},
		{"unknown engine", func(c *Config) { c.Engine.Preference = []string{"gpu"} }, "engine.preference"},
		{"zero retries", func(c *Config) { c.Engine.MaxRetries = 0 }, "engine.max_retries"},
		{"retry max below base", func(c *Config) { c.Engine.RetryMax = D(time.Millisecond) }, "engine.retry_max"},
		{"bad endpoint", func(c *Config) { c.Engine.Hosted.Endpoint = "ftp://x" }, "engine.hosted.endpoint"},
		{"negative rate", func(c *Config) { c.Rates[0].InputCostPer1K = decimal.NewFromInt(-1) }, "rates"},
		{"duplicate rate", func(c *Config) { c.Rates[1].ModelID = c.Rates[0].ModelID }, "rates"},
		{"no agents", func(c *Config) { c.Agents = nil }, "agents"},
		{"agent without topic", func(c *Config) {
			a := c.Agents[AgentEnglish]
			a.Topic = ""
			c.Agents[AgentEnglish] = a
		}, "agents.english_teacher.topic"},
		{"agent on response topic", func(c *Config) {
			a := c.Agents[AgentEnglish]
			a.Topic = c.Bus.ResponseTopic
			c.Agents[AgentEnglish] = a
		}, "agents.english_teacher.topic"},
		{"agent engine", func(c *Config) {
			a := c.Agents[AgentChinese]
			a.Engine = "remote"
			c.Agents[AgentChinese] = a
		}, "agents.chinese_teacher.engine"},
		{"shared group", func(c *Config) {
			a := c.Agents[AgentEnglish]
			a.Group = c.Agents[AgentChinese].Group
			c.Agents[AgentEnglish] = a
		}, "agents.english_teacher.group"},
		{"monitor group clash", func(c *Config) { c.Monitor.Group = "chinese_teacher_group" }, "monitor.group"},
		{"ledger path", func(c *Config) { c.Monitor.LedgerPath = "" }, "monitor.ledger_path"},
		{"await timeout", func(c *Config) { c.Gateway.AwaitTimeout = D(0) }, "gateway.await_timeout"},
		{"server addr", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Contains(t, validationFields(t, cfg.Validate()), tt.field)
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Bus.Kind = "x"
	cfg.Engine.MaxRetries = -1
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	fields := validationFields(t, err)
	assert.ElementsMatch(t, []string{"bus.kind", "engine.max_retries", "log.format"}, fields)
	assert.Contains(t, err.Error(), "bus.kind: invalid kind")
}

func TestValidateAllowsDisabledExtras(t *testing.T) {
	cfg := Default()
	cfg.Monitor.DisableLedger = true
	cfg.Monitor.LedgerPath = ""
	cfg.Server.Disabled = true
	cfg.Server.Addr = ""
	assert.NoError(t, cfg.Validate())
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.Engine.Hosted.APIKey = "AIzaSyExampleKey9876"
	red := cfg.Redacted()
	assert.Equal(t, "AIza...9876", red.Engine.Hosted.APIKey)
	assert.Equal(t, "AIzaSyExampleKey9876", cfg.Engine.Hosted.APIKey, "original untouched")

	cfg.Engine.Hosted.APIKey = "short"
	assert.Equal(t, "****", cfg.Redacted().Engine.Hosted.APIKey)
}
