// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package enginetest provides a scripted engine.Engine for tests.
package enginetest

import (
	"context"
	"sync"
	"time"

	"github.com/jeranaias/tutorbus/internal/engine"
	"github.com/jeranaias/tutorbus/internal/model"
)

// Step is one scripted outcome. Exactly one of Result or Err is used.
type Step struct {
	Result *engine.Result
	Err    error
	// Delay blocks the call before returning, honouring ctx.
	Delay time.Duration
}

// Scripted replays steps in order. Once the script is exhausted the last
// step repeats.
type Scripted struct {
	kind model.EngineKind

	mu      sync.Mutex
	steps   []Step
	calls   int
	prompts []string
}

// New creates a scripted engine of the given kind.
func New(kind model.EngineKind, steps ...Step) *Scripted {
	return &Scripted{kind: kind, steps: steps}
}

// Answer returns a successful step.
func Answer(text, modelID string, in, out int) Step {
	return Step{Result: &engine.Result{Text: text, Model: modelID, InputTokens: in, OutputTokens: out}}
}

// Fail returns a failing step with the given kind.
func Fail(kind engine.ErrorKind) Step {
	return Step{Err: &engine.Error{Kind: kind, Engine: model.EngineHosted, Message: "scripted failure"}}
}

func (s *Scripted) Kind() model.EngineKind {
	return s.kind
}

func (s *Scripted) Generate(ctx context.Context, prompt string, opts engine.Options) (*engine.Result, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	s.prompts = append(s.prompts, prompt)
	var step Step
	switch {
	case len(s.steps) == 0:
		step = Answer("ok", opts.Model, 1, 1)
	case idx < len(s.steps):
		step = s.steps[idx]
	default:
		step = s.steps[len(s.steps)-1]
	}
	s.mu.Unlock()

	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return nil, engine.Timeout(s.kind, ctx.Err())
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	res := *step.Result
	return &res, nil
}

// Calls returns how many times Generate ran.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Prompts returns every prompt received, in order.
func (s *Scripted) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}
