// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/tutorbus/internal/engine"
	"github.com/jeranaias/tutorbus/internal/model"
)

// Configuration constants for the hosted API.
const (
	// DefaultEndpoint is Gemini's OpenAI-compatible base URL.
	DefaultEndpoint = "https://generativelanguage.googleapis.com/v1beta/openai"

	// DefaultModel is the hosted model used when none is configured.
	DefaultModel = "gemini-1.5-flash"

	// DefaultTimeout bounds requests that carry no per-call timeout.
	DefaultTimeout = 60 * time.Second

	// MaxResponseSize is the maximum allowed response body size.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB limit
)

// Connection pooling is shared by every hosted engine in the process.
var sharedTransport = &http.Transport{
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: 10,
	IdleConnTimeout:     90 * time.Second,
	TLSHandshakeTimeout: 10 * time.Second,
	TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
}

// Error variables for common hosted API failures.
var (
	// ErrNotConfigured indicates the API key is not set.
	ErrNotConfigured = errors.New("hosted API key not configured")

	// ErrAuthFailed indicates authentication failed (invalid or expired API key).
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")

	// ErrModelNotFound indicates the requested model does not exist.
	ErrModelNotFound = errors.New("model not found")

	// ErrInsufficientCredits indicates the account has insufficient credits.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrEmptyResponse indicates a 200 response without any choices.
	ErrEmptyResponse = errors.New("response contained no choices")
)

// Engine is the hosted-API engine.Engine. It is safe for concurrent use
// once configured; the With* methods are meant for construction time.
type Engine struct {
	apiKey     string
	endpoint   string
	model      string
	httpClient *http.Client
}

// New creates a hosted engine for endpoint. An empty endpoint uses
// DefaultEndpoint.
func New(endpoint, apiKey string) *Engine {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Engine{
		apiKey:     apiKey,
		endpoint:   strings.TrimRight(endpoint, "/"),
		model:      DefaultModel,
		httpClient: &http.Client{Transport: sharedTransport, Timeout: DefaultTimeout},
	}
}

// WithModel sets the default model id.
func (e *Engine) WithModel(modelID string) *Engine {
	if modelID != "" {
		e.model = modelID
	}
	return e
}

// WithTimeout sets the HTTP client timeout.
func (e *Engine) WithTimeout(timeout time.Duration) *Engine {
	if timeout > 0 {
		e.httpClient = &http.Client{Transport: e.httpClient.Transport, Timeout: timeout}
	}
	return e
}

// WithHTTPClient replaces the HTTP client.
func (e *Engine) WithHTTPClient(client *http.Client) *Engine {
	if client != nil {
		e.httpClient = client
	}
	return e
}

// Kind reports model.EngineHosted.
func (e *Engine) Kind() model.EngineKind {
	return model.EngineHosted
}

// Model returns the configured default model id.
func (e *Engine) Model() string {
	return e.model
}

// Configured reports whether an API key is set.
func (e *Engine) Configured() bool {
	return e.apiKey != ""
}

// APIKeyMasked returns the key with all but the last four characters hidden.
func (e *Engine) APIKeyMasked() string {
	if len(e.apiKey) <= 8 {
		return strings.Repeat("*", len(e.apiKey))
	}
	return e.apiKey[:4] + strings.Repeat("*", len(e.apiKey)-8) + e.apiKey[len(e.apiKey)-4:]
}

// Generate sends one chat completion request.
func (e *Engine) Generate(ctx context.Context, prompt string, opts engine.Options) (*engine.Result, error) {
	if !e.Configured() {
		return nil, engine.Upstream(model.EngineHosted, 0, "", ErrNotConfigured)
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	modelID := opts.Model
	if modelID == "" {
		modelID = e.model
	}

	messages := make([]ChatMessage, 0, 2)
	if opts.System != "" {
		messages = append(messages, NewSystemMessage(opts.System))
	}
	messages = append(messages, NewUserMessage(prompt))

	start := time.Now()
	chatResp, err := e.doRequest(ctx, ChatRequest{
		Model:     modelID,
		Messages:  messages,
		MaxTokens: opts.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	if len(chatResp.Choices) == 0 {
		return nil, engine.Upstream(model.EngineHosted, http.StatusOK, "", ErrEmptyResponse)
	}

	res := &engine.Result{
		Text:    chatResp.GetContent(),
		Model:   modelID,
		Latency: time.Since(start),
	}
	if chatResp.Model != "" {
		res.Model = chatResp.Model
	}
	if chatResp.Usage != nil {
		res.InputTokens = chatResp.Usage.PromptTokens
		res.OutputTokens = chatResp.Usage.CompletionTokens
	} else {
		res.InputTokens = engine.EstimateTokens(opts.System + prompt)
		res.OutputTokens = engine.EstimateTokens(res.Text)
		res.Estimated = true
	}
	return res, nil
}

// readResponse reads the response body with a size limit.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// doRequest performs a single HTTP request to the chat completions endpoint.
func (e *Engine) doRequest(ctx context.Context, reqBody ChatRequest) (*ChatResponse, error) {
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, engine.Upstream(model.EngineHosted, 0, "failed to marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, engine.Upstream(model.EngineHosted, 0, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	req.Header.Del("Authorization")
	if err != nil {
		if ctx.Err() != nil {
			return nil, engine.Timeout(model.EngineHosted, ctx.Err())
		}
		return nil, engine.FromTransport(model.EngineHosted, err)
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	if err != nil {
		if ctx.Err() != nil {
			return nil, engine.Timeout(model.EngineHosted, ctx.Err())
		}
		return nil, engine.Upstream(model.EngineHosted, resp.StatusCode, "", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, handleErrorResponse(resp.StatusCode, body)
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, engine.Upstream(model.EngineHosted, resp.StatusCode, "failed to parse response", err)
	}
	return &chatResp, nil
}

// handleErrorResponse converts an HTTP error response to an engine error,
// wrapping a sentinel when the status has one.
func handleErrorResponse(statusCode int, body []byte) error {
	message := strings.TrimSpace(string(body))
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		message = apiErr.Error.Message
	}
	if len(message) > 512 {
		message = message[:512]
	}

	var cause error
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		cause = ErrAuthFailed
	case http.StatusPaymentRequired:
		cause = ErrInsufficientCredits
	case http.StatusNotFound:
		cause = ErrModelNotFound
	case http.StatusTooManyRequests:
		cause = ErrRateLimited
	}
	return engine.Upstream(model.EngineHosted, statusCode, message, cause)
}
