// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jeranaias/tutorbus/internal/pricing"
)

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError is one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors collects every invalid setting found by Validate.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the whole configuration and returns ValidateErrors
// listing every problem, or nil.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Bus
	switch c.Bus.Kind {
	case BusKafka:
		if len(c.Bus.Brokers) == 0 {
			add("bus.brokers", "at least one broker is required for kafka")
		}
	case BusMemory:
		if c.Bus.Partitions < 1 {
			add("bus.partitions", "must be at least 1, got %d", c.Bus.Partitions)
		}
	default:
		add("bus.kind", "invalid kind %q, must be one of: kafka, memory", c.Bus.Kind)
	}
	topics := map[string]string{
		"bus.chinese_topic":     c.Bus.ChineseTopic,
		"bus.english_topic":     c.Bus.EnglishTopic,
		"bus.response_topic":    c.Bus.ResponseTopic,
		"bus.dead_letter_topic": c.Bus.DeadLetterTopic,
	}
	seen := make(map[string]string, len(topics))
	for _, field := range []string{"bus.chinese_topic", "bus.english_topic", "bus.response_topic", "bus.dead_letter_topic"} {
		name := topics[field]
		if name == "" {
			add(field, "must not be empty")
			continue
		}
		if other, dup := seen[name]; dup {
			add(field, "topic %q is already used by %s", name, other)
			continue
		}
		seen[name] = field
	}

	// Engine
	if len(c.Engine.Preference) == 0 {
		add("engine.preference", "at least one engine is required")
	}
	for _, name := range c.Engine.Preference {
		if !validEngine(name) {
			add("engine.preference", "unknown engine %q, must be one of: hosted, local", name)
		}
	}
	if c.Engine.RequestTimeout.Duration <= 0 {
		add("engine.request_timeout", "must be positive")
	}
	if c.Engine.MaxRetries < 1 {
		add("engine.max_retries", "must be at least 1 (it counts total attempts), got %d", c.Engine.MaxRetries)
	}
	if c.Engine.RetryBase.Duration <= 0 {
		add("engine.retry_base", "must be positive")
	}
	if c.Engine.RetryMax.Duration < c.Engine.RetryBase.Duration {
		add("engine.retry_max", "must not be less than retry_base (%s)", c.Engine.RetryBase)
	}
	if c.Engine.MaxTokens < 0 {
		add("engine.max_tokens", "must not be negative")
	}
	if err := validateURL(c.Engine.Hosted.Endpoint); err != nil {
		add("engine.hosted.endpoint", "%v", err)
	}
	if err := validateURL(c.Engine.Local.BaseURL); err != nil {
		add("engine.local.base_url", "%v", err)
	}

	// Rates
	if _, err := pricing.NewTable(c.Rates); err != nil {
		add("rates", "%v", err)
	}

	// Agents
	if len(c.Agents) == 0 {
		add("agents", "at least one agent is required")
	}
	groups := make(map[string]string)
	for _, id := range c.AgentIDs() {
		a := c.Agents[id]
		field := "agents." + id
		if a.Topic == "" {
			add(field+".topic", "must not be empty")
		} else if a.Topic == c.Bus.ResponseTopic || a.Topic == c.Bus.DeadLetterTopic {
			add(field+".topic", "agent cannot consume %q", a.Topic)
		}
		if other, dup := groups[a.Group]; dup {
			add(field+".group", "group %q is already used by agent %s", a.Group, other)
		}
		groups[a.Group] = id
		if a.Engine != "" && !validEngine(a.Engine) {
			add(field+".engine", "unknown engine %q, must be one of: hosted, local", a.Engine)
		}
		if a.RateLimit < 0 {
			add(field+".rate_limit", "must not be negative")
		}
		if a.RateBurst < 0 {
			add(field+".rate_burst", "must not be negative")
		}
		if a.DrainTimeout.Duration < 0 {
			add(field+".drain_timeout", "must not be negative")
		}
	}

	// Monitor
	if c.Monitor.Group == "" {
		add("monitor.group", "must not be empty")
	} else if _, dup := groups[c.Monitor.Group]; dup {
		add("monitor.group", "group %q is already used by an agent", c.Monitor.Group)
	}
	if !c.Monitor.DisableLedger && c.Monitor.LedgerPath == "" {
		add("monitor.ledger_path", "must be set unless disable_ledger is true")
	}
	if c.Monitor.WarmWindow.Duration < 0 {
		add("monitor.warm_window", "must not be negative")
	}

	// Gateway
	if c.Gateway.AwaitTimeout.Duration <= 0 {
		add("gateway.await_timeout", "must be positive")
	}

	// Server
	if !c.Server.Disabled {
		if c.Server.Addr == "" {
			add("server.addr", "must be set unless disabled is true")
		}
		if c.Server.StreamInterval.Duration <= 0 {
			add("server.stream_interval", "must be positive")
		}
		if c.Server.AskPerMinute < 1 {
			add("server.ask_per_minute", "must be at least 1")
		}
	}

	// Log
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil || c.Log.Level == "" {
		add("log.level", "invalid level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console", "auto":
	default:
		add("log.format", "invalid format %q, must be one of: json, console, auto", c.Log.Format)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validEngine(name string) bool {
	return name == EngineHosted || name == EngineLocal
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("URL %q has no host", raw)
	}
	return nil
}
