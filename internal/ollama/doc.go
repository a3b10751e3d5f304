// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama is the local-model engine. It talks to an Ollama server
// over its non-streaming /api/generate endpoint.
//
// # Key Types
//
//   - Engine: engine.Engine backed by an Ollama server
//   - Config: base URL, default model and HTTP timeout
//   - GenerateRequest / GenerateResponse: wire types for /api/generate
//
// Ollama reports prompt_eval_count and eval_count when it knows them. When
// either is missing the engine falls back to engine.EstimateTokens and marks
// the result as estimated.
//
// # Usage
//
//	eng := ollama.New(ollama.Config{BaseURL: "http://ollama:11434", Model: "llama3.1:8b"})
//	res, err := eng.Generate(ctx, prompt, engine.Options{Timeout: 30 * time.Second})
package ollama
