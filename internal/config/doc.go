// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and validates the tutorbus configuration.
//
// TOML, YAML and JSON files share one schema. Missing values are filled
// from Default, TUTORBUS_* environment variables are applied on top, and
// Validate reports every invalid setting at once as ValidateErrors.
//
// # Key Types
//
//   - Config: the whole configuration
//   - BusConfig: broker, topics and memory bus settings
//   - EngineConfig: engine preference, retry policy, hosted and local variants
//   - AgentConfig: one answering agent (topic, group, system prompt, limits)
//   - Duration: a time.Duration that reads "30s" in every format
//
// # Configuration Precedence
//
//   - Environment variables (TUTORBUS_*)
//   - The file given with --config, or the first of SearchPaths that exists
//   - Built-in defaults
//
// The configuration is loaded once and passed explicitly; there is no
// package-level instance.
//
// # Usage
//
//	cfg, path, err := config.Load(flagPath)
//	if err != nil {
//	    return err
//	}
//	table, err := pricing.NewTable(cfg.Rates)
package config
