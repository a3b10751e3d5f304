// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gateway is the collaborator-facing entry point: it submits
// questions to the bus and waits for the matching answers.
//
// A Gateway owns one listener on the response topic. Responses that arrive
// before anyone awaits them are buffered for a bounded time, so a caller
// can submit and then await without racing the agent.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jeranaias/tutorbus/internal/bus"
	"github.com/jeranaias/tutorbus/internal/model"
	"github.com/jeranaias/tutorbus/internal/router"
)

// Default buffering limits.
const (
	DefaultBufferTTL   = 5 * time.Minute
	DefaultMaxBuffered = 1000
	DefaultAwait       = 30 * time.Second
)

// ErrAwaitTimeout is returned when no answer arrives in time.
var ErrAwaitTimeout = errors.New("timed out waiting for answer")

// Config configures a Gateway.
type Config struct {
	// BufferTTL is how long an unclaimed response is kept.
	BufferTTL time.Duration
	// MaxBuffered caps unclaimed responses; the oldest are dropped first.
	MaxBuffered int
	// UserID is stamped on submitted questions when set.
	UserID string
	Logger zerolog.Logger
}

type buffered struct {
	resp model.ResponseEnvelope
	at   time.Time
}

// Gateway submits questions and matches responses to waiters.
type Gateway struct {
	cfg       Config
	router    *router.Router
	publisher bus.Publisher
	responses bus.Consumer
	log       zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	waiters map[uuid.UUID][]chan model.ResponseEnvelope
	buffer  map[uuid.UUID]buffered
}

// New creates a gateway. responses should be a consumer on the response
// topic in a group of its own; it may be nil for submit-only use.
func New(cfg Config, r *router.Router, publisher bus.Publisher, responses bus.Consumer) *Gateway {
	if cfg.BufferTTL <= 0 {
		cfg.BufferTTL = DefaultBufferTTL
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = DefaultMaxBuffered
	}
	return &Gateway{
		cfg:       cfg,
		router:    r,
		publisher: publisher,
		responses: responses,
		log:       cfg.Logger.With().Str("component", "gateway").Logger(),
		now:       time.Now,
		waiters:   make(map[uuid.UUID][]chan model.ResponseEnvelope),
		buffer:    make(map[uuid.UUID]buffered),
	}
}

// =============================================================================
// SUBMIT
// =============================================================================

// SubmitQuestion routes text to its language topic and publishes it,
// returning once the bus has acknowledged the write. The returned id is the
// correlation id every answer will carry. Blank text is still submitted; the
// router sends it to the English topic as UNKNOWN.
func (g *Gateway) SubmitQuestion(ctx context.Context, text string) (uuid.UUID, error) {
	q, err := g.Submit(ctx, text)
	if err != nil {
		return uuid.Nil, err
	}
	return q.ID, nil
}

// Submit is SubmitQuestion returning the full envelope.
func (g *Gateway) Submit(ctx context.Context, text string) (model.QuestionEnvelope, error) {
	topic, lang := g.router.Route(text)
	q := model.NewQuestion(text, lang)
	q.UserID = g.cfg.UserID

	payload, err := model.EncodeQuestion(q)
	if err != nil {
		return model.QuestionEnvelope{}, err
	}
	if err := g.publisher.Publish(ctx, topic, []byte(q.CorrelationID.String()), payload); err != nil {
		return model.QuestionEnvelope{}, fmt.Errorf("submit question: %w", err)
	}
	g.log.Info().
		Str("correlation_id", q.CorrelationID.String()).
		Str("topic", topic).
		Str("language", lang.String()).
		Msg("question submitted")
	return q, nil
}

// =============================================================================
// AWAIT
// =============================================================================

// AwaitAnswer blocks until the response to id arrives, timeout elapses or
// ctx ends. A response that arrived earlier is returned immediately. A
// timeout of zero uses DefaultAwait. Listen must be running.
func (g *Gateway) AwaitAnswer(ctx context.Context, id uuid.UUID, timeout time.Duration) (*model.ResponseEnvelope, error) {
	if timeout <= 0 {
		timeout = DefaultAwait
	}

	g.mu.Lock()
	if b, ok := g.buffer[id]; ok {
		delete(g.buffer, id)
		g.mu.Unlock()
		resp := b.resp
		return &resp, nil
	}
	ch := make(chan model.ResponseEnvelope, 1)
	g.waiters[id] = append(g.waiters[id], ch)
	g.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return &resp, nil
	case <-timer.C:
		g.forget(id, ch)
		return nil, fmt.Errorf("%w: %s after %s", ErrAwaitTimeout, id, timeout)
	case <-ctx.Done():
		g.forget(id, ch)
		return nil, ctx.Err()
	}
}

// Ask submits text and waits for its answer.
func (g *Gateway) Ask(ctx context.Context, text string, timeout time.Duration) (*model.ResponseEnvelope, error) {
	id, err := g.SubmitQuestion(ctx, text)
	if err != nil {
		return nil, err
	}
	return g.AwaitAnswer(ctx, id, timeout)
}

// forget removes a waiter that gave up.
func (g *Gateway) forget(id uuid.UUID, ch chan model.ResponseEnvelope) {
	g.mu.Lock()
	defer g.mu.Unlock()
	list := g.waiters[id]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(g.waiters, id)
	} else {
		g.waiters[id] = list
	}
}

// Pending returns how many unclaimed responses are buffered.
func (g *Gateway) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.buffer)
}

// =============================================================================
// LISTEN
// =============================================================================

// Listen consumes the response topic until ctx is cancelled, handing each
// response to its waiters or buffering it.
func (g *Gateway) Listen(ctx context.Context) error {
	if g.responses == nil {
		return errors.New("gateway has no response consumer")
	}
	delay := 100 * time.Millisecond
	for {
		msg, err := g.responses.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, bus.ErrClosed) {
				return fmt.Errorf("gateway listener: %w", err)
			}
			g.log.Warn().Err(err).Dur("retry_in", delay).Msg("response fetch failed")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			if delay < 5*time.Second {
				delay *= 2
			}
			continue
		}
		delay = 100 * time.Millisecond

		resp, err := model.DecodeResponse(msg.Value)
		if err != nil {
			g.log.Debug().Err(err).Int64("offset", msg.Offset).Msg("skipping malformed response")
		} else {
			g.deliver(resp)
		}
		if err := g.responses.Commit(ctx, msg); err != nil && ctx.Err() == nil {
			g.log.Debug().Err(err).Msg("response commit failed")
		}
	}
}

// deliver hands resp to every waiter for its correlation id, or buffers it.
func (g *Gateway) deliver(resp model.ResponseEnvelope) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if list, ok := g.waiters[resp.CorrelationID]; ok {
		delete(g.waiters, resp.CorrelationID)
		for _, ch := range list {
			ch <- resp
		}
		return
	}
	if _, dup := g.buffer[resp.CorrelationID]; !dup {
		g.buffer[resp.CorrelationID] = buffered{resp: resp, at: now}
	}
	g.pruneLocked(now)
}

func (g *Gateway) pruneLocked(now time.Time) {
	for id, b := range g.buffer {
		if now.Sub(b.at) > g.cfg.BufferTTL {
			delete(g.buffer, id)
		}
	}
	for len(g.buffer) > g.cfg.MaxBuffered {
		var oldestID uuid.UUID
		var oldest time.Time
		for id, b := range g.buffer {
			if oldest.IsZero() || b.at.Before(oldest) {
				oldestID, oldest = id, b.at
			}
		}
		delete(g.buffer, oldestID)
	}
}
