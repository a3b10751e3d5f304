// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/tutorbus/internal/engine"
	"github.com/jeranaias/tutorbus/internal/model"
)

const (
	// DefaultBaseURL is the Ollama API base URL used when none is configured.
	DefaultBaseURL = "http://127.0.0.1:11434"

	// DefaultModel is the local model used when none is configured.
	DefaultModel = "llama3.1:8b"

	// DefaultTimeout bounds HTTP calls that carry no per-call timeout.
	DefaultTimeout = 120 * time.Second

	// maxResponseSize caps how much of a response body is read.
	maxResponseSize = 10 * 1024 * 1024
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds configuration for the local engine.
type Config struct {
	// BaseURL is the Ollama API base URL (default: http://127.0.0.1:11434)
	BaseURL string

	// Model is the default model id (default: llama3.1:8b)
	Model string

	// Timeout for HTTP requests without a per-call timeout (default: 120s)
	Timeout time.Duration

	// HTTPClient overrides the client used for requests.
	HTTPClient *http.Client
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine is the local-model engine.Engine. It is safe for concurrent use.
type Engine struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// New creates a local engine, filling zero values with defaults.
func New(cfg Config) *Engine {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Engine{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		httpClient: client,
	}
}

// Kind reports model.EngineLocal.
func (e *Engine) Kind() model.EngineKind {
	return model.EngineLocal
}

// Model returns the configured default model id.
func (e *Engine) Model() string {
	return e.model
}

// Configured reports true: a local engine needs no credentials. Reachability
// is checked with Ping.
func (e *Engine) Configured() bool {
	return e.baseURL != ""
}

// Generate sends one non-streaming /api/generate request.
func (e *Engine) Generate(ctx context.Context, prompt string, opts engine.Options) (*engine.Result, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	modelID := opts.Model
	if modelID == "" {
		modelID = e.model
	}

	reqBody := GenerateRequest{
		Model:  modelID,
		Prompt: prompt,
		Stream: false,
		System: opts.System,
	}
	if opts.MaxTokens > 0 {
		reqBody.Options = &Options{NumPredict: opts.MaxTokens}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, engine.Upstream(model.EngineLocal, 0, "failed to marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, engine.Upstream(model.EngineLocal, 0, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, engine.Timeout(model.EngineLocal, ctx.Err())
		}
		return nil, engine.FromTransport(model.EngineLocal, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		if ctx.Err() != nil {
			return nil, engine.Timeout(model.EngineLocal, ctx.Err())
		}
		return nil, engine.Upstream(model.EngineLocal, resp.StatusCode, "failed to read response", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, engine.Upstream(model.EngineLocal, resp.StatusCode, fmt.Sprintf("model %q not found", modelID), nil)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return nil, engine.Upstream(model.EngineLocal, resp.StatusCode, apiErr.Error, nil)
		}
		return nil, engine.Upstream(model.EngineLocal, resp.StatusCode, "generate request failed: "+resp.Status, nil)
	}

	var out GenerateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, engine.Upstream(model.EngineLocal, resp.StatusCode, "failed to decode response", err)
	}

	res := &engine.Result{
		Text:         out.Response,
		InputTokens:  out.PromptEvalCount,
		OutputTokens: out.EvalCount,
		Model:        modelID,
		Latency:      time.Since(start),
	}
	if out.Model != "" {
		res.Model = out.Model
	}
	// Counts are estimated one by one: a cached prompt omits
	// prompt_eval_count but eval_count is still real.
	if res.InputTokens == 0 {
		res.InputTokens = engine.EstimateTokens(opts.System + prompt)
		res.Estimated = true
	}
	if res.OutputTokens == 0 {
		res.OutputTokens = engine.EstimateTokens(out.Response)
		res.Estimated = true
	}
	return res, nil
}

// =============================================================================
// HEALTH
// =============================================================================

// ListModels retrieves the models installed on the server.
func (e *Engine) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, engine.FromTransport(model.EngineLocal, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, engine.Upstream(model.EngineLocal, resp.StatusCode, "failed to list models", nil)
	}

	var result ListModelsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&result); err != nil {
		return nil, engine.Upstream(model.EngineLocal, resp.StatusCode, "failed to decode model list", err)
	}
	return result.Models, nil
}

// Ping reports whether the server answers and has the configured model.
func (e *Engine) Ping(ctx context.Context) error {
	models, err := e.ListModels(ctx)
	if err != nil {
		return err
	}
	for _, m := range models {
		if m.Name == e.model || strings.TrimSuffix(m.Name, ":latest") == e.model {
			return nil
		}
	}
	return engine.Upstream(model.EngineLocal, http.StatusNotFound, fmt.Sprintf("model %q is not installed", e.model), nil)
}
