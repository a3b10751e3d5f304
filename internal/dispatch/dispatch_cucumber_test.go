//go:build cucumber

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jeranaias/tutorbus/internal/bus"
	"github.com/jeranaias/tutorbus/internal/engine"
	"github.com/jeranaias/tutorbus/internal/engine/enginetest"
	"github.com/jeranaias/tutorbus/internal/model"
	"github.com/jeranaias/tutorbus/internal/pricing"
)

// TestDispatchScenarios runs the agent dispatch feature.
func TestDispatchScenarios(t *testing.T) {
	suite := godog.TestSuite{
		Name:                "dispatch",
		ScenarioInitializer: initializeDispatchScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{filepath.Join("..", "..", "features", "dispatch.feature")},
			Strict:   true,
			TestingT: t,
		},
	}
	if suite.Run() != 0 {
		t.Fatalf("non-zero godog status")
	}
}

func initializeDispatchScenario(sc *godog.ScenarioContext) {
	s := &dispatchScenario{}
	sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		s.reset()
		return ctx, nil
	})
	sc.After(func(ctx context.Context, _ *godog.Scenario, err error) (context.Context, error) {
		s.stop()
		return ctx, nil
	})

	sc.Step(`^an agent whose engine answers with (\d+) input and (\d+) output tokens on model "([^"]+)"$`, s.givenAnsweringEngine)
	sc.Step(`^an agent whose engine always fails with "([^"]+)"$`, s.givenFailingEngine)
	sc.Step(`^the question "([^"]+)" is submitted$`, s.whenQuestionSubmitted)
	sc.Step(`^the raw payload "([^"]+)" is submitted$`, s.whenRawSubmitted)
	sc.Step(`^one response with status "([^"]+)" is published$`, s.thenOneResponse)
	sc.Step(`^the response cost is "([^"]+)"$`, s.thenCost)
	sc.Step(`^the response records (\d+) attempts$`, s.thenAttempts)
	sc.Step(`^the question offset is committed$`, s.thenCommitted)
	sc.Step(`^the payload "([^"]+)" is on the dead-letter topic$`, s.thenDeadLettered)
	sc.Step(`^the engine was not called$`, s.thenEngineIdle)
}

type dispatchScenario struct {
	bus      *bus.Memory
	eng      *enginetest.Scripted
	cancel   context.CancelFunc
	done     chan error
	response model.ResponseEnvelope
}

func (s *dispatchScenario) reset() {
	*s = dispatchScenario{bus: bus.NewMemory(1)}
}

func (s *dispatchScenario) stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *dispatchScenario) startAgent(steps ...enginetest.Step) error {
	table, err := pricing.NewTable([]pricing.Rate{{
		ModelID:         "gemini-1.5-flash",
		InputCostPer1K:  decimal.RequireFromString("0.000125"),
		OutputCostPer1K: decimal.RequireFromString("0.000375"),
	}})
	if err != nil {
		return err
	}
	s.eng = enginetest.New(model.EngineHosted, steps...)
	loop, err := New(testConfig(), s.bus.Consumer(group, questions), s.bus, s.eng, pricing.NewAccountant(table, zerolog.Nop()))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() { s.done <- loop.Run(ctx) }()
	return nil
}

func (s *dispatchScenario) givenAnsweringEngine(in, out int, modelID string) error {
	return s.startAgent(enginetest.Answer("answer", modelID, in, out))
}

func (s *dispatchScenario) givenFailingEngine(kind string) error {
	return s.startAgent(enginetest.Fail(engine.ErrorKind(kind)))
}

func (s *dispatchScenario) whenQuestionSubmitted(text string) error {
	payload, err := model.EncodeQuestion(model.NewQuestion(text, model.LanguageZH))
	if err != nil {
		return err
	}
	return s.bus.Publish(context.Background(), questions, nil, payload)
}

func (s *dispatchScenario) whenRawSubmitted(raw string) error {
	return s.bus.Publish(context.Background(), questions, nil, []byte(raw))
}

// eventually polls cond for up to three seconds.
func eventually(cond func() bool, what string) error {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for %s", what)
}

func (s *dispatchScenario) thenOneResponse(status string) error {
	if err := eventually(func() bool { return len(s.bus.Messages(responses)) > 0 }, "a response"); err != nil {
		return err
	}
	msgs := s.bus.Messages(responses)
	if len(msgs) != 1 {
		return fmt.Errorf("expected 1 response, got %d", len(msgs))
	}
	r, err := model.DecodeResponse(msgs[0].Value)
	if err != nil {
		return err
	}
	if r.Status.String() != status {
		return fmt.Errorf("expected status %s, got %s", status, r.Status)
	}
	s.response = r
	return nil
}

func (s *dispatchScenario) thenCost(want string) error {
	if !s.response.Cost.Equal(decimal.RequireFromString(want)) {
		return fmt.Errorf("expected cost %s, got %s", want, s.response.Cost)
	}
	return nil
}

func (s *dispatchScenario) thenAttempts(n int) error {
	if s.response.Attempts != n {
		return fmt.Errorf("expected %d attempts, got %d", n, s.response.Attempts)
	}
	return nil
}

func (s *dispatchScenario) thenCommitted() error {
	return eventually(func() bool {
		return s.bus.Lag(group, questions) == 0
	}, "the question offset to be committed")
}

func (s *dispatchScenario) thenDeadLettered(raw string) error {
	if err := eventually(func() bool { return len(s.bus.Messages(dlq)) == 1 }, "a dead letter"); err != nil {
		return err
	}
	if got := string(s.bus.Messages(dlq)[0].Value); got != raw {
		return fmt.Errorf("dead letter holds %q, want %q", got, raw)
	}
	return nil
}

func (s *dispatchScenario) thenEngineIdle() error {
	if calls := s.eng.Calls(); calls != 0 {
		return fmt.Errorf("engine called %d times", calls)
	}
	return nil
}
