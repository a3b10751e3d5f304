// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine defines the contract every answering backend implements.
//
// Two variants exist: a hosted API (package cloud) and a local model server
// (package ollama). Callers hold an Engine and never switch on the concrete
// type; the variant is chosen once from configuration with Select.
//
// Engines make exactly one attempt per Generate call. Retries, backoff and
// poison handling belong to the dispatch loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
	"unicode/utf8"

	"github.com/jeranaias/tutorbus/internal/model"
)

// Engine generates an answer for a prompt.
type Engine interface {
	// Kind reports which variant this engine is.
	Kind() model.EngineKind

	// Generate runs one completion. It returns *Error on failure.
	Generate(ctx context.Context, prompt string, opts Options) (*Result, error)
}

// Options controls a single Generate call.
type Options struct {
	// Model overrides the engine's configured model id when set.
	Model string
	// System is sent as the system prompt when the backend supports one.
	System    string
	MaxTokens int
	// Timeout bounds the call; zero means the caller's context only.
	Timeout time.Duration
}

// Result is a successful completion with its usage.
type Result struct {
	Text         string
	InputTokens  int
	OutputTokens int
	// Estimated is set when the backend did not report usage and the counts
	// were derived from character length.
	Estimated bool
	// Model is the model id that actually served the call.
	Model   string
	Latency time.Duration
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorKind classifies an engine failure.
type ErrorKind string

const (
	KindUpstream ErrorKind = "UPSTREAM_ERROR"
	KindTimeout  ErrorKind = "TIMEOUT"
)

// Error is returned by every engine on failure.
type Error struct {
	Kind    ErrorKind
	Engine  model.EngineKind
	Status  int // HTTP status when the upstream answered, else 0
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s engine %s", e.Engine, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Upstream builds an UPSTREAM_ERROR.
func Upstream(kind model.EngineKind, status int, message string, cause error) *Error {
	return &Error{Kind: KindUpstream, Engine: kind, Status: status, Message: message, Cause: cause}
}

// Timeout builds a TIMEOUT error.
func Timeout(kind model.EngineKind, cause error) *Error {
	return &Error{Kind: KindTimeout, Engine: kind, Message: "request timed out", Cause: cause}
}

// FromTransport classifies an error returned by an HTTP round trip.
func FromTransport(kind model.EngineKind, err error) *Error {
	if isTimeout(err) {
		return Timeout(kind, err)
	}
	return Upstream(kind, 0, "request failed", err)
}

// KindOf classifies any error. Deadline and network timeouts are TIMEOUT,
// everything else is UPSTREAM_ERROR.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if isTimeout(err) {
		return KindTimeout
	}
	return KindUpstream
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// =============================================================================
// TOKENS
// =============================================================================

// charsPerToken is the rough character to token ratio used when a backend
// does not report usage.
const charsPerToken = 4

// EstimateTokens approximates the token count of text.
func EstimateTokens(text string) int {
	return utf8.RuneCountInString(text)/charsPerToken + 1
}

// =============================================================================
// SELECTION
// =============================================================================

// Availability is implemented by engines that can tell whether they are
// usable without making a billable call.
type Availability interface {
	Configured() bool
}

// ErrNoEngine is returned when no candidate engine is usable.
var ErrNoEngine = errors.New("no configured engine")

// Select returns the first usable engine named in preference. Engines that
// implement Availability and report false are skipped.
func Select(preference []string, candidates map[string]Engine) (string, Engine, error) {
	for _, name := range preference {
		eng, ok := candidates[name]
		if !ok || eng == nil {
			continue
		}
		if a, ok := eng.(Availability); ok && !a.Configured() {
			continue
		}
		return name, eng, nil
	}
	return "", nil, fmt.Errorf("%w (preference %v)", ErrNoEngine, preference)
}
