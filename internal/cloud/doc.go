// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud is the hosted-API engine.
//
// It speaks the OpenAI-compatible chat completions protocol, which Gemini,
// OpenRouter and most hosted providers expose. The engine is configured with
// an endpoint, an API key and a model id.
//
// # Key Types
//
//   - Engine: engine.Engine backed by a hosted chat completions API
//   - ChatRequest / ChatResponse: wire types
//
// # Errors
//
// Non-2xx statuses become engine.Error values of kind UPSTREAM_ERROR that
// also wrap one of the sentinel errors below (ErrAuthFailed, ErrRateLimited,
// ErrModelNotFound, ErrInsufficientCredits) when the status maps to one.
// Deadline expiry becomes a TIMEOUT.
//
// # Usage
//
//	eng := cloud.New(endpoint, apiKey).WithModel("gemini-1.5-flash")
//	res, err := eng.Generate(ctx, prompt, engine.Options{Timeout: 30 * time.Second})
package cloud
