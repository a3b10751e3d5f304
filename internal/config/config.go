// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/jeranaias/tutorbus/internal/cloud"
	"github.com/jeranaias/tutorbus/internal/ollama"
	"github.com/jeranaias/tutorbus/internal/pricing"
	"github.com/jeranaias/tutorbus/internal/router"
	"github.com/jeranaias/tutorbus/internal/util"
)

// =============================================================================
// DURATION
// =============================================================================

// Duration is a time.Duration written as "30s", "500ms" or "2m" in every
// config format. A bare integer is read as seconds.
type Duration struct {
	time.Duration
}

// D wraps d.
func D(d time.Duration) Duration {
	return Duration{d}
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		d.Duration = 0
		return nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		d.Duration = time.Duration(secs) * time.Second
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	d.Duration = parsed
	return nil
}

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Engine names accepted in engine.preference and agents.<id>.engine.
const (
	EngineHosted = "hosted"
	EngineLocal  = "local"
)

// Bus kinds.
const (
	BusKafka  = "kafka"
	BusMemory = "memory"
)

// Config is the complete tutorbus configuration.
type Config struct {
	Bus     BusConfig              `toml:"bus" json:"bus" yaml:"bus"`
	Engine  EngineConfig           `toml:"engine" json:"engine" yaml:"engine"`
	Rates   []pricing.Rate         `toml:"rates" json:"rates" yaml:"rates"`
	Agents  map[string]AgentConfig `toml:"agents" json:"agents" yaml:"agents"`
	Monitor MonitorConfig          `toml:"monitor" json:"monitor" yaml:"monitor"`
	Gateway GatewayConfig          `toml:"gateway" json:"gateway" yaml:"gateway"`
	Server  ServerConfig           `toml:"server" json:"server" yaml:"server"`
	Log     LogConfig              `toml:"log" json:"log" yaml:"log"`
}

// BusConfig selects and configures the message bus.
type BusConfig struct {
	// Kind is "kafka" or "memory". The memory bus only connects components
	// running in the same process (the run command).
	Kind    string   `toml:"kind" json:"kind" yaml:"kind"`
	Brokers []string `toml:"brokers" json:"brokers" yaml:"brokers"`

	DialTimeout      Duration `toml:"dial_timeout" json:"dial_timeout" yaml:"dial_timeout"`
	WriteTimeout     Duration `toml:"write_timeout" json:"write_timeout" yaml:"write_timeout"`
	StartAtEnd       bool     `toml:"start_at_end" json:"start_at_end" yaml:"start_at_end"`
	AutoCreateTopics bool     `toml:"auto_create_topics" json:"auto_create_topics" yaml:"auto_create_topics"`

	// Partitions per topic on the memory bus.
	Partitions int `toml:"partitions" json:"partitions" yaml:"partitions"`

	ChineseTopic    string `toml:"chinese_topic" json:"chinese_topic" yaml:"chinese_topic"`
	EnglishTopic    string `toml:"english_topic" json:"english_topic" yaml:"english_topic"`
	ResponseTopic   string `toml:"response_topic" json:"response_topic" yaml:"response_topic"`
	DeadLetterTopic string `toml:"dead_letter_topic" json:"dead_letter_topic" yaml:"dead_letter_topic"`
}

// EngineConfig holds engine selection, retry policy and both variants.
type EngineConfig struct {
	// Preference lists engine names in the order they are tried.
	Preference []string `toml:"preference" json:"preference" yaml:"preference"`

	RequestTimeout Duration `toml:"request_timeout" json:"request_timeout" yaml:"request_timeout"`
	MaxRetries     int      `toml:"max_retries" json:"max_retries" yaml:"max_retries"`
	RetryBase      Duration `toml:"retry_base" json:"retry_base" yaml:"retry_base"`
	RetryMax       Duration `toml:"retry_max" json:"retry_max" yaml:"retry_max"`
	MaxTokens      int      `toml:"max_tokens" json:"max_tokens" yaml:"max_tokens"`

	Hosted HostedConfig `toml:"hosted" json:"hosted" yaml:"hosted"`
	Local  LocalConfig  `toml:"local" json:"local" yaml:"local"`
}

// HostedConfig configures the hosted API engine.
type HostedConfig struct {
	Endpoint string `toml:"endpoint" json:"endpoint" yaml:"endpoint"`
	APIKey   string `toml:"api_key" json:"api_key" yaml:"api_key"`
	ModelID  string `toml:"model_id" json:"model_id" yaml:"model_id"`
}

// LocalConfig configures the local model engine.
type LocalConfig struct {
	BaseURL string `toml:"base_url" json:"base_url" yaml:"base_url"`
	ModelID string `toml:"model_id" json:"model_id" yaml:"model_id"`
}

// AgentConfig configures one answering agent.
type AgentConfig struct {
	Topic        string `toml:"topic" json:"topic" yaml:"topic"`
	Group        string `toml:"group" json:"group" yaml:"group"`
	SystemPrompt string `toml:"system_prompt" json:"system_prompt" yaml:"system_prompt"`

	// Engine overrides engine.preference for this agent.
	Engine string `toml:"engine" json:"engine,omitempty" yaml:"engine,omitempty"`

	// RateLimit caps engine calls per second; zero disables the limiter.
	RateLimit    float64  `toml:"rate_limit" json:"rate_limit" yaml:"rate_limit"`
	RateBurst    int      `toml:"rate_burst" json:"rate_burst" yaml:"rate_burst"`
	DrainTimeout Duration `toml:"drain_timeout" json:"drain_timeout" yaml:"drain_timeout"`
}

// MonitorConfig configures the cost monitor.
type MonitorConfig struct {
	Group      string `toml:"group" json:"group" yaml:"group"`
	LedgerPath string `toml:"ledger_path" json:"ledger_path" yaml:"ledger_path"`
	// DisableLedger keeps totals in memory only.
	DisableLedger bool `toml:"disable_ledger" json:"disable_ledger" yaml:"disable_ledger"`
	// WarmWindow is how far back a starting monitor replays the ledger.
	WarmWindow Duration `toml:"warm_window" json:"warm_window" yaml:"warm_window"`
	// Refresh is the dashboard redraw interval.
	Refresh Duration `toml:"refresh" json:"refresh" yaml:"refresh"`
}

// GatewayConfig configures question submission.
type GatewayConfig struct {
	// GroupPrefix names the response listener's group; a random suffix
	// makes each process its own group.
	GroupPrefix  string   `toml:"group_prefix" json:"group_prefix" yaml:"group_prefix"`
	AwaitTimeout Duration `toml:"await_timeout" json:"await_timeout" yaml:"await_timeout"`
	UserID       string   `toml:"user_id" json:"user_id" yaml:"user_id"`
}

// ServerConfig configures the HTTP endpoint.
type ServerConfig struct {
	Disabled       bool     `toml:"disabled" json:"disabled" yaml:"disabled"`
	Addr           string   `toml:"addr" json:"addr" yaml:"addr"`
	StreamInterval Duration `toml:"stream_interval" json:"stream_interval" yaml:"stream_interval"`
	AskPerMinute   int      `toml:"ask_per_minute" json:"ask_per_minute" yaml:"ask_per_minute"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `toml:"level" json:"level" yaml:"level"`
	// Format is "json", "console" or "auto" (console on a terminal).
	Format string `toml:"format" json:"format" yaml:"format"`
}

// =============================================================================
// DEFAULT VALUES
// =============================================================================

// Default agent ids.
const (
	AgentChinese = "chinese_teacher"
	AgentEnglish = "english_teacher"
)

// ChinesePrompt is the default Chinese teacher system prompt.
const ChinesePrompt = `You are a patient, friendly Chinese teacher.
Explain grammar, vocabulary, writing and culture in simple terms with examples.
Answer in Traditional Chinese unless the student asks for Simplified.
Point out common mistakes, suggest practice, and encourage further study.`

// EnglishPrompt is the default English teacher system prompt.
const EnglishPrompt = `You are a patient, friendly English teacher.
Explain grammar, vocabulary, writing, literature and culture in simple terms with examples.
Give constructive feedback, pronunciation tips when relevant, and practice suggestions.
Encourage the student to keep learning.`

// Default returns a Config with every value filled in.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			Kind:            BusKafka,
			Brokers:         []string{"localhost:9092"},
			DialTimeout:     D(5 * time.Second),
			WriteTimeout:    D(10 * time.Second),
			Partitions:      3,
			ChineseTopic:    router.TopicChinese,
			EnglishTopic:    router.TopicEnglish,
			ResponseTopic:   "responses",
			DeadLetterTopic: "dead_letter",
		},
		Engine: EngineConfig{
			Preference:     []string{EngineHosted, EngineLocal},
			RequestTimeout: D(30 * time.Second),
			MaxRetries:     3,
			RetryBase:      D(500 * time.Millisecond),
			RetryMax:       D(10 * time.Second),
			MaxTokens:      1024,
			Hosted: HostedConfig{
				Endpoint: cloud.DefaultEndpoint,
				ModelID:  cloud.DefaultModel,
			},
			Local: LocalConfig{
				BaseURL: ollama.DefaultBaseURL,
				ModelID: ollama.DefaultModel,
			},
		},
		Rates: []pricing.Rate{
			{
				ModelID:         cloud.DefaultModel,
				InputCostPer1K:  decimal.RequireFromString("0.000125"),
				OutputCostPer1K: decimal.RequireFromString("0.000375"),
			},
			{
				ModelID:         ollama.DefaultModel,
				InputCostPer1K:  decimal.Zero,
				OutputCostPer1K: decimal.Zero,
			},
		},
		Agents: DefaultAgents(),
		Monitor: MonitorConfig{
			Group:      "cost_monitor_group",
			LedgerPath: defaultLedgerPath(),
			WarmWindow: D(24 * time.Hour),
			Refresh:    D(time.Second),
		},
		Gateway: GatewayConfig{
			GroupPrefix:  "cli_response_group",
			AwaitTimeout: D(30 * time.Second),
		},
		Server: ServerConfig{
			Addr:           "127.0.0.1:8787",
			StreamInterval: D(2 * time.Second),
			AskPerMinute:   30,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// DefaultAgents returns the Chinese and English teachers.
func DefaultAgents() map[string]AgentConfig {
	return map[string]AgentConfig{
		AgentChinese: {
			Topic:        router.TopicChinese,
			Group:        AgentChinese + "_group",
			SystemPrompt: ChinesePrompt,
			DrainTimeout: D(10 * time.Second),
		},
		AgentEnglish: {
			Topic:        router.TopicEnglish,
			Group:        AgentEnglish + "_group",
			SystemPrompt: EnglishPrompt,
			DrainTimeout: D(10 * time.Second),
		},
	}
}

// AgentIDs returns the configured agent ids, sorted.
func (c *Config) AgentIDs() []string {
	ids := make([]string, 0, len(c.Agents))
	for id := range c.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Topics returns the router topic table.
func (c *Config) Topics() router.Topics {
	return router.Topics{Chinese: c.Bus.ChineseTopic, English: c.Bus.EnglishTopic}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns ~/.tutorbus.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".tutorbus"), nil
}

func defaultLedgerPath() string {
	dir, err := ConfigDir()
	if err != nil {
		return "tutorbus-ledger.db"
	}
	return filepath.Join(dir, "ledger.db")
}

// SearchPaths lists the files Load tries, in order.
func SearchPaths() []string {
	paths := []string{"tutorbus.toml", "tutorbus.yaml", "tutorbus.yml", "tutorbus.json"}
	if dir, err := ConfigDir(); err == nil {
		paths = append(paths,
			filepath.Join(dir, "config.toml"),
			filepath.Join(dir, "config.yaml"),
			filepath.Join(dir, "config.json"),
		)
	}
	return paths
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads path, or the first file in SearchPaths when path is empty.
// With no file at all it returns the defaults. Environment overrides are
// applied last, then the result is validated. The second return value is
// the file actually read ("" for defaults).
func Load(path string) (*Config, string, error) {
	if path != "" {
		cfg, err := LoadFromPath(path)
		return cfg, path, err
	}
	for _, p := range SearchPaths() {
		if _, err := os.Stat(p); err == nil {
			cfg, err := LoadFromPath(p)
			return cfg, p, err
		}
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}
	return cfg, "", nil
}

// LoadFromPath loads a file, picking the format from its extension
// (.json, .yaml/.yml, anything else is TOML). Unknown keys are rejected.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = decodeJSON(data, cfg)
	case ".yaml", ".yml":
		err = decodeYAML(data, cfg)
	default:
		err = decodeTOML(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	fillDefaults(cfg)
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func decodeTOML(data []byte, cfg *Config) error {
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

func decodeJSON(data []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode JSON: %w", err)
	}
	return nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode YAML: %w", err)
	}
	return nil
}

// fillDefaults fills zero values from Default. An empty agents table gets
// both default teachers; a configured agent without a group gets
// "<id>_group", and one without a prompt gets its default prompt when it
// is one of the default agents.
func fillDefaults(cfg *Config) {
	defaults := Default()

	// Bus
	if cfg.Bus.Kind == "" {
		cfg.Bus.Kind = defaults.Bus.Kind
	}
	if len(cfg.Bus.Brokers) == 0 {
		cfg.Bus.Brokers = defaults.Bus.Brokers
	}
	if cfg.Bus.DialTimeout.Duration == 0 {
		cfg.Bus.DialTimeout = defaults.Bus.DialTimeout
	}
	if cfg.Bus.WriteTimeout.Duration == 0 {
		cfg.Bus.WriteTimeout = defaults.Bus.WriteTimeout
	}
	if cfg.Bus.Partitions == 0 {
		cfg.Bus.Partitions = defaults.Bus.Partitions
	}
	if cfg.Bus.ChineseTopic == "" {
		cfg.Bus.ChineseTopic = defaults.Bus.ChineseTopic
	}
	if cfg.Bus.EnglishTopic == "" {
		cfg.Bus.EnglishTopic = defaults.Bus.EnglishTopic
	}
	if cfg.Bus.ResponseTopic == "" {
		cfg.Bus.ResponseTopic = defaults.Bus.ResponseTopic
	}
	if cfg.Bus.DeadLetterTopic == "" {
		cfg.Bus.DeadLetterTopic = defaults.Bus.DeadLetterTopic
	}

	// Engine
	if len(cfg.Engine.Preference) == 0 {
		cfg.Engine.Preference = defaults.Engine.Preference
	}
	if cfg.Engine.RequestTimeout.Duration == 0 {
		cfg.Engine.RequestTimeout = defaults.Engine.RequestTimeout
	}
	if cfg.Engine.MaxRetries == 0 {
		cfg.Engine.MaxRetries = defaults.Engine.MaxRetries
	}
	if cfg.Engine.RetryBase.Duration == 0 {
		cfg.Engine.RetryBase = defaults.Engine.RetryBase
	}
	if cfg.Engine.RetryMax.Duration == 0 {
		cfg.Engine.RetryMax = defaults.Engine.RetryMax
	}
	if cfg.Engine.MaxTokens == 0 {
		cfg.Engine.MaxTokens = defaults.Engine.MaxTokens
	}
	if cfg.Engine.Hosted.Endpoint == "" {
		cfg.Engine.Hosted.Endpoint = defaults.Engine.Hosted.Endpoint
	}
	if cfg.Engine.Hosted.ModelID == "" {
		cfg.Engine.Hosted.ModelID = defaults.Engine.Hosted.ModelID
	}
	if cfg.Engine.Local.BaseURL == "" {
		cfg.Engine.Local.BaseURL = defaults.Engine.Local.BaseURL
	}
	if cfg.Engine.Local.ModelID == "" {
		cfg.Engine.Local.ModelID = defaults.Engine.Local.ModelID
	}

	// Rates
	if len(cfg.Rates) == 0 {
		cfg.Rates = defaults.Rates
	}

	// Agents
	if len(cfg.Agents) == 0 {
		cfg.Agents = defaults.Agents
	}
	for id, a := range cfg.Agents {
		if a.Group == "" {
			a.Group = id + "_group"
		}
		if a.SystemPrompt == "" {
			a.SystemPrompt = defaults.Agents[id].SystemPrompt
		}
		if a.DrainTimeout.Duration == 0 {
			a.DrainTimeout = D(10 * time.Second)
		}
		cfg.Agents[id] = a
	}

	// Monitor
	if cfg.Monitor.Group == "" {
		cfg.Monitor.Group = defaults.Monitor.Group
	}
	if cfg.Monitor.LedgerPath == "" {
		cfg.Monitor.LedgerPath = defaults.Monitor.LedgerPath
	}
	if cfg.Monitor.WarmWindow.Duration == 0 {
		cfg.Monitor.WarmWindow = defaults.Monitor.WarmWindow
	}
	if cfg.Monitor.Refresh.Duration == 0 {
		cfg.Monitor.Refresh = defaults.Monitor.Refresh
	}

	// Gateway
	if cfg.Gateway.GroupPrefix == "" {
		cfg.Gateway.GroupPrefix = defaults.Gateway.GroupPrefix
	}
	if cfg.Gateway.AwaitTimeout.Duration == 0 {
		cfg.Gateway.AwaitTimeout = defaults.Gateway.AwaitTimeout
	}

	// Server
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaults.Server.Addr
	}
	if cfg.Server.StreamInterval.Duration == 0 {
		cfg.Server.StreamInterval = defaults.Server.StreamInterval
	}
	if cfg.Server.AskPerMinute == 0 {
		cfg.Server.AskPerMinute = defaults.Server.AskPerMinute
	}

	// Log
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// EncodeTOML writes cfg as commented TOML.
func EncodeTOML(w io.Writer, cfg *Config) error {
	if _, err := io.WriteString(w, "# tutorbus configuration\n"+
		"# Durations accept Go syntax (\"30s\", \"1m30s\"); rates are decimal strings.\n\n"); err != nil {
		return err
	}
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// SaveTOML writes cfg to path atomically with owner-only permissions.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	if err := EncodeTOML(&buf, cfg); err != nil {
		return err
	}
	if err := util.WriteFileAtomic(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies TUTORBUS_* environment variables:
//
//   - TUTORBUS_BUS: bus.kind
//   - TUTORBUS_BROKERS: bus.brokers (comma separated)
//   - TUTORBUS_ENGINE: engine.preference (comma separated)
//   - TUTORBUS_HOSTED_ENDPOINT, TUTORBUS_HOSTED_API_KEY, TUTORBUS_HOSTED_MODEL
//   - TUTORBUS_LOCAL_URL, TUTORBUS_LOCAL_MODEL
//   - TUTORBUS_REQUEST_TIMEOUT, TUTORBUS_MAX_RETRIES
//   - TUTORBUS_LEDGER_PATH, TUTORBUS_HTTP_ADDR
//   - TUTORBUS_LOG_LEVEL, TUTORBUS_LOG_FORMAT
//
// Malformed numeric values are ignored.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("TUTORBUS_BUS"); v != "" {
		c.Bus.Kind = strings.ToLower(v)
	}
	if v := os.Getenv("TUTORBUS_BROKERS"); v != "" {
		c.Bus.Brokers = splitList(v)
	}
	if v := os.Getenv("TUTORBUS_ENGINE"); v != "" {
		c.Engine.Preference = splitList(strings.ToLower(v))
	}

	if v := os.Getenv("TUTORBUS_HOSTED_ENDPOINT"); v != "" {
		c.Engine.Hosted.Endpoint = v
	}
	if v := os.Getenv("TUTORBUS_HOSTED_API_KEY"); v != "" {
		c.Engine.Hosted.APIKey = v
	}
	if v := os.Getenv("TUTORBUS_HOSTED_MODEL"); v != "" {
		c.Engine.Hosted.ModelID = v
	}
	if v := os.Getenv("TUTORBUS_LOCAL_URL"); v != "" {
		c.Engine.Local.BaseURL = v
	}
	if v := os.Getenv("TUTORBUS_LOCAL_MODEL"); v != "" {
		c.Engine.Local.ModelID = v
	}

	if v := os.Getenv("TUTORBUS_REQUEST_TIMEOUT"); v != "" {
		var d Duration
		if err := d.UnmarshalText([]byte(v)); err == nil {
			c.Engine.RequestTimeout = d
		}
	}
	if v := os.Getenv("TUTORBUS_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.MaxRetries = n
		}
	}

	if v := os.Getenv("TUTORBUS_LEDGER_PATH"); v != "" {
		c.Monitor.LedgerPath = v
	}
	if v := os.Getenv("TUTORBUS_HTTP_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("TUTORBUS_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("TUTORBUS_LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// =============================================================================
// DISPLAY
// =============================================================================

// Redacted returns a copy safe to print: the API key is masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.Agents = make(map[string]AgentConfig, len(c.Agents))
	for id, a := range c.Agents {
		out.Agents[id] = a
	}
	out.Engine.Hosted.APIKey = maskKey(c.Engine.Hosted.APIKey)
	return &out
}

func maskKey(key string) string {
	switch {
	case key == "":
		return ""
	case len(key) <= 8:
		return "****"
	default:
		return key[:4] + "..." + key[len(key)-4:]
	}
}
