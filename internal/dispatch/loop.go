// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package dispatch runs a language agent: it consumes questions from one
// topic, answers them with an engine, and publishes a priced response.
//
// Every fetched envelope ends in exactly one of two ways: a response is
// published and the question offset committed, or the envelope is moved to
// the dead-letter topic and committed. An offset is never committed before
// its outcome is published, so a crash replays the envelope instead of
// losing it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jeranaias/tutorbus/internal/bus"
	"github.com/jeranaias/tutorbus/internal/dedup"
	"github.com/jeranaias/tutorbus/internal/engine"
	"github.com/jeranaias/tutorbus/internal/model"
	"github.com/jeranaias/tutorbus/internal/pricing"
)

// Defaults applied by New when a Config field is zero.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxRetries     = 3
	DefaultRetryBase      = 500 * time.Millisecond
	DefaultRetryMax       = 10 * time.Second
	DefaultDrainTimeout   = 10 * time.Second
)

// ErrConfig is wrapped by New for an unusable Config.
var ErrConfig = errors.New("invalid dispatch config")

// Config describes one agent.
type Config struct {
	// AgentID is stamped on every response.
	AgentID string

	ResponseTopic   string
	DeadLetterTopic string // empty drops malformed envelopes after logging

	SystemPrompt string
	Model        string // empty uses the engine's own model
	MaxTokens    int

	// RequestTimeout bounds one engine attempt.
	RequestTimeout time.Duration

	// MaxRetries is the total number of engine attempts per envelope.
	MaxRetries int

	// RetryBase and RetryMax bound the exponential backoff used between
	// engine attempts and between failed bus operations.
	RetryBase time.Duration
	RetryMax  time.Duration

	// DrainTimeout is how long a publish or commit keeps retrying after
	// shutdown was requested.
	DrainTimeout time.Duration

	// RateLimit caps engine calls per second; zero disables the limiter.
	RateLimit float64
	RateBurst int

	// Seen remembers committed question ids. Nil creates a default set.
	Seen *dedup.Set

	// OnTransition, when set, is called synchronously on every state change.
	OnTransition func(from, to State)

	Logger zerolog.Logger
}

// Stats counts loop outcomes.
type Stats struct {
	State        State `json:"state"`
	Processed    int64 `json:"processed"`
	Succeeded    int64 `json:"succeeded"`
	Failed       int64 `json:"failed"`
	DeadLettered int64 `json:"dead_lettered"`
	Duplicates   int64 `json:"duplicates"`
	Abandoned    int64 `json:"abandoned"`
	EngineCalls  int64 `json:"engine_calls"`
}

// Loop is a single agent's consume/answer/publish/commit cycle. Run it from
// one goroutine; Stats and State may be read from any goroutine.
type Loop struct {
	cfg       Config
	consumer  bus.Consumer
	publisher bus.Publisher
	engine    engine.Engine
	acct      *pricing.Accountant
	limiter   *rate.Limiter
	seen      *dedup.Set
	log       zerolog.Logger

	state        atomic.Int32
	processed    atomic.Int64
	succeeded    atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64
	duplicates   atomic.Int64
	abandoned    atomic.Int64
	engineCalls  atomic.Int64
}

// New validates cfg and builds a loop.
func New(cfg Config, consumer bus.Consumer, publisher bus.Publisher, eng engine.Engine, acct *pricing.Accountant) (*Loop, error) {
	switch {
	case cfg.AgentID == "":
		return nil, fmt.Errorf("%w: agent id is empty", ErrConfig)
	case cfg.ResponseTopic == "":
		return nil, fmt.Errorf("%w: response topic is empty", ErrConfig)
	case consumer == nil || publisher == nil:
		return nil, fmt.Errorf("%w: consumer and publisher are required", ErrConfig)
	case eng == nil:
		return nil, fmt.Errorf("%w: engine is required", ErrConfig)
	case cfg.MaxRetries < 0:
		return nil, fmt.Errorf("%w: max retries %d is negative", ErrConfig, cfg.MaxRetries)
	}

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = DefaultRetryMax
		if cfg.RetryMax < cfg.RetryBase {
			cfg.RetryMax = cfg.RetryBase
		}
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if acct == nil {
		acct = pricing.NewAccountant(nil, cfg.Logger)
	}

	l := &Loop{
		cfg:       cfg,
		consumer:  consumer,
		publisher: publisher,
		engine:    eng,
		acct:      acct,
		seen:      cfg.Seen,
		log:       cfg.Logger.With().Str("agent_id", cfg.AgentID).Logger(),
	}
	if l.seen == nil {
		l.seen = dedup.New()
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return l, nil
}

// State returns the current loop state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Stats returns a snapshot of the loop counters.
func (l *Loop) Stats() Stats {
	return Stats{
		State:        l.State(),
		Processed:    l.processed.Load(),
		Succeeded:    l.succeeded.Load(),
		Failed:       l.failed.Load(),
		DeadLettered: l.deadLettered.Load(),
		Duplicates:   l.duplicates.Load(),
		Abandoned:    l.abandoned.Load(),
		EngineCalls:  l.engineCalls.Load(),
	}
}

func (l *Loop) setState(to State) {
	from := State(l.state.Swap(int32(to)))
	if from == to {
		return
	}
	l.log.Trace().Str("from", from.String()).Str("to", to.String()).Msg("state")
	if l.cfg.OnTransition != nil {
		l.cfg.OnTransition(from, to)
	}
}

// =============================================================================
// RUN
// =============================================================================

// Run consumes until ctx is cancelled. An envelope already fetched when ctx
// ends is finished first: its engine call runs to completion and its
// publish and commit get DrainTimeout to succeed. Run returns nil on a
// requested shutdown and an error only when the consumer is closed under it.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info().
		Str("engine", l.engine.Kind().String()).
		Str("response_topic", l.cfg.ResponseTopic).
		Int("max_retries", l.cfg.MaxRetries).
		Msg("agent started")
	defer func() {
		l.log.Info().Interface("stats", l.Stats()).Msg("agent stopped")
	}()

	fetchFailures := 0
	for {
		l.setState(StateIdle)
		if ctx.Err() != nil {
			return nil
		}

		l.setState(StateFetching)
		msg, err := l.consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.setState(StateIdle)
				return nil
			}
			if errors.Is(err, bus.ErrClosed) {
				l.setState(StateIdle)
				return fmt.Errorf("agent %s: %w", l.cfg.AgentID, err)
			}
			fetchFailures++
			delay := l.backoff(fetchFailures)
			l.log.Warn().Err(err).Int("attempt", fetchFailures).Dur("retry_in", delay).Msg("fetch failed")
			if sleep(ctx, delay) != nil {
				l.setState(StateIdle)
				return nil
			}
			continue
		}
		fetchFailures = 0

		l.handle(ctx, msg)
	}
}

// handle drives one fetched message to a terminal outcome. Work runs on a
// context that ignores ctx's cancellation; ctx only starts the drain clock.
func (l *Loop) handle(ctx context.Context, msg bus.Message) {
	work := context.WithoutCancel(ctx)
	log := l.log.With().
		Str("topic", msg.Topic).
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Logger()

	q, err := model.DecodeQuestion(msg.Value)
	if err != nil {
		l.deadLetter(ctx, work, msg, err, log)
		return
	}
	log = log.With().Str("question_id", q.ID.String()).Logger()

	if l.seen.Seen(q.ID.String()) {
		l.duplicates.Add(1)
		log.Info().Msg("question already answered, committing redelivery")
		l.setState(StateCommitting)
		if err := l.retryBus(ctx, work, "commit", log, func(c context.Context) error {
			return l.consumer.Commit(c, msg)
		}); err != nil {
			l.abandon(err, log)
		}
		return
	}

	l.setState(StateProcessing)
	resp := l.answer(work, q, log)
	l.processed.Add(1)

	payload, err := model.EncodeResponse(resp)
	if err != nil {
		// Only reachable with a broken envelope from our own code.
		log.Error().Err(err).Msg("encode response")
		l.abandon(err, log)
		return
	}

	l.setState(StatePublishing)
	if err := l.retryBus(ctx, work, "publish", log, func(c context.Context) error {
		return l.publisher.Publish(c, l.cfg.ResponseTopic, []byte(q.CorrelationID.String()), payload)
	}); err != nil {
		l.abandon(err, log)
		return
	}

	l.setState(StateCommitting)
	if err := l.retryBus(ctx, work, "commit", log, func(c context.Context) error {
		return l.consumer.Commit(c, msg)
	}); err != nil {
		// The response is out; a redelivery will be answered again.
		l.abandon(err, log)
		return
	}
	l.seen.Add(q.ID.String())

	if resp.Succeeded() {
		l.succeeded.Add(1)
	} else {
		l.failed.Add(1)
	}
	log.Info().
		Str("status", resp.Status.String()).
		Str("model_id", resp.ModelID).
		Int("input_tokens", resp.InputTokens).
		Int("output_tokens", resp.OutputTokens).
		Str("cost", resp.Cost.String()).
		Int64("latency_ms", resp.LatencyMs).
		Int("attempts", resp.Attempts).
		Msg("question answered")
}

// BuildPrompt joins the agent's persona and the student's question into the
// single prompt sent to the engine.
func BuildPrompt(system, question string) string {
	if system == "" {
		return question
	}
	return system + "\n\nUser Question: " + question
}

// answer calls the engine up to MaxRetries times and always returns a
// response envelope, a failure one when every attempt failed.
func (l *Loop) answer(ctx context.Context, q model.QuestionEnvelope, log zerolog.Logger) model.ResponseEnvelope {
	prompt := BuildPrompt(l.cfg.SystemPrompt, q.Text)
	opts := engine.Options{
		Model:     l.cfg.Model,
		MaxTokens: l.cfg.MaxTokens,
		Timeout:   l.cfg.RequestTimeout,
	}
	resp := model.ResponseEnvelope{
		CorrelationID: q.ID,
		AgentID:       l.cfg.AgentID,
		EngineUsed:    l.engine.Kind(),
		ModelID:       l.cfg.Model,
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= l.cfg.MaxRetries; attempt++ {
		if l.limiter != nil {
			if err := l.limiter.Wait(ctx); err != nil {
				lastErr = err
				break
			}
		}

		resp.Attempts = attempt
		l.engineCalls.Add(1)
		res, err := l.engine.Generate(ctx, prompt, opts)
		if err == nil {
			resp.AnswerText = res.Text
			if res.Model != "" {
				resp.ModelID = res.Model
			}
			resp.InputTokens = res.InputTokens
			resp.OutputTokens = res.OutputTokens
			resp.TokensEstimated = res.Estimated
			resp.Cost = l.acct.Cost(resp.ModelID, res.InputTokens, res.OutputTokens)
			resp.Status = model.StatusOK
			resp.LatencyMs = time.Since(start).Milliseconds()
			resp.ProducedAt = time.Now().UTC()
			return resp
		}

		lastErr = err
		if attempt == l.cfg.MaxRetries {
			break
		}
		delay := l.backoff(attempt)
		log.Warn().
			Err(err).
			Str("kind", string(engine.KindOf(err))).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("engine call failed")
		_ = sleep(ctx, delay)
	}

	l.setState(StateFailedPoison)
	resp.Status = model.StatusEngineError
	if engine.KindOf(lastErr) == engine.KindTimeout {
		resp.Status = model.StatusTimeout
	}
	if lastErr != nil {
		resp.Error = lastErr.Error()
	}
	resp.LatencyMs = time.Since(start).Milliseconds()
	resp.ProducedAt = time.Now().UTC()
	log.Error().
		Err(lastErr).
		Int("attempts", resp.Attempts).
		Str("status", resp.Status.String()).
		Msg("engine attempts exhausted, publishing failure response")
	return resp
}

// deadLetter moves an undecodable envelope aside without touching the engine.
func (l *Loop) deadLetter(ctx, work context.Context, msg bus.Message, cause error, log zerolog.Logger) {
	log.Warn().Err(cause).Int("bytes", len(msg.Value)).Msg("malformed envelope")

	if l.cfg.DeadLetterTopic != "" {
		l.setState(StatePublishing)
		headers := []bus.Header{
			{Key: bus.HeaderError, Value: cause.Error()},
			{Key: bus.HeaderSourceTopic, Value: msg.Topic},
			{Key: bus.HeaderAgentID, Value: l.cfg.AgentID},
			{Key: bus.HeaderOffset, Value: strconv.FormatInt(msg.Offset, 10)},
		}
		if err := l.retryBus(ctx, work, "dead-letter", log, func(c context.Context) error {
			return l.publisher.Publish(c, l.cfg.DeadLetterTopic, msg.Key, msg.Value, headers...)
		}); err != nil {
			l.abandon(err, log)
			return
		}
	}

	l.setState(StateCommitting)
	if err := l.retryBus(ctx, work, "commit", log, func(c context.Context) error {
		return l.consumer.Commit(c, msg)
	}); err != nil {
		l.abandon(err, log)
		return
	}
	l.deadLettered.Add(1)
}

func (l *Loop) abandon(err error, log zerolog.Logger) {
	l.abandoned.Add(1)
	log.Error().Err(err).Msg("envelope left uncommitted, it will be redelivered")
}

// =============================================================================
// RETRY
// =============================================================================

// retryBus repeats op with backoff until it succeeds. Once ctx is done the
// operation keeps retrying for at most DrainTimeout.
func (l *Loop) retryBus(ctx, work context.Context, op string, log zerolog.Logger, fn func(context.Context) error) error {
	var deadline time.Time
	for attempt := 1; ; attempt++ {
		err := fn(work)
		if err == nil {
			return nil
		}
		if errors.Is(err, bus.ErrClosed) {
			return fmt.Errorf("%s: %w", op, err)
		}

		delay := l.backoff(attempt)
		if ctx.Err() != nil {
			if deadline.IsZero() {
				deadline = time.Now().Add(l.cfg.DrainTimeout)
			}
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return fmt.Errorf("%s gave up after shutdown: %w", op, err)
			}
			if delay > remaining {
				delay = remaining
			}
		}
		log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("retry_in", delay).Msg("bus operation failed")
		_ = sleep(work, delay)
	}
}

// backoff returns RetryBase * 2^(attempt-1), capped at RetryMax.
func (l *Loop) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := l.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= l.cfg.RetryMax || d <= 0 {
			return l.cfg.RetryMax
		}
	}
	if d > l.cfg.RetryMax {
		return l.cfg.RetryMax
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
