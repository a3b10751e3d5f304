// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package monitor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/tutorbus/internal/bus"
	"github.com/jeranaias/tutorbus/internal/model"
)

const (
	defaultRetryBase = 500 * time.Millisecond
	defaultRetryMax  = 10 * time.Second

	// commitGrace bounds the final commit attempt made after shutdown.
	commitGrace = 5 * time.Second

	ledgerAttempts = 3
)

// Recorder persists applied responses. *ledger.Ledger implements it.
type Recorder interface {
	Record(ctx context.Context, r model.ResponseEnvelope) error
}

// Replayer feeds previously recorded responses back on startup.
type Replayer interface {
	Replay(ctx context.Context, since time.Time, fn func(model.ResponseEnvelope) error) error
}

// Config configures a Monitor.
type Config struct {
	// DeadLetterTopic receives undecodable responses when a publisher is
	// set. Empty only logs and commits them.
	DeadLetterTopic string

	RetryBase time.Duration
	RetryMax  time.Duration

	// OnApply, when set, is called after each response is applied.
	OnApply func(model.ResponseEnvelope)

	Logger zerolog.Logger
}

// Monitor consumes the response topic into an Aggregator. It is the only
// writer of its aggregator.
type Monitor struct {
	cfg       Config
	consumer  bus.Consumer
	publisher bus.Publisher // optional, for dead letters
	agg       *Aggregator
	recorder  Recorder
	log       zerolog.Logger
}

// New creates a monitor. publisher and recorder may be nil.
func New(cfg Config, consumer bus.Consumer, publisher bus.Publisher, agg *Aggregator, recorder Recorder) *Monitor {
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = defaultRetryMax
	}
	if agg == nil {
		agg = NewAggregator(nil)
	}
	return &Monitor{
		cfg:       cfg,
		consumer:  consumer,
		publisher: publisher,
		agg:       agg,
		recorder:  recorder,
		log:       cfg.Logger.With().Str("component", "monitor").Logger(),
	}
}

// Aggregator returns the monitor's aggregator.
func (m *Monitor) Aggregator() *Aggregator {
	return m.agg
}

// Snapshot returns a copy of the current window.
func (m *Monitor) Snapshot() Aggregate {
	return m.agg.Snapshot()
}

// Warm applies every recorded response produced at or after since and
// moves the window start back to since, so a restarted monitor resumes its
// totals. Redeliveries from the bus are then recognised as duplicates.
// A zero since replays everything and starts the window at the oldest
// replayed response.
func (m *Monitor) Warm(ctx context.Context, r Replayer, since time.Time) (int, error) {
	if !since.IsZero() {
		m.agg.rewind(since)
	}
	var (
		n      int
		oldest time.Time
	)
	err := r.Replay(ctx, since, func(resp model.ResponseEnvelope) error {
		if m.agg.Apply(resp) {
			n++
			if oldest.IsZero() || resp.ProducedAt.Before(oldest) {
				oldest = resp.ProducedAt
			}
		}
		return nil
	})
	if since.IsZero() && !oldest.IsZero() {
		m.agg.rewind(oldest)
	}
	if err != nil {
		return n, fmt.Errorf("warm monitor: %w", err)
	}
	m.log.Info().Int("responses", n).Time("since", since).Msg("monitor warmed from ledger")
	return n, nil
}

// Run consumes until ctx is cancelled. Each response is applied, recorded,
// and only then committed.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info().Msg("monitor started")
	defer func() {
		snap := m.agg.Snapshot()
		m.log.Info().
			Int64("responses", snap.Responses).
			Str("total_cost", snap.TotalCost.String()).
			Int64("duplicates", snap.Duplicates).
			Msg("monitor stopped")
	}()

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := m.consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, bus.ErrClosed) {
				return fmt.Errorf("monitor: %w", err)
			}
			failures++
			delay := m.backoff(failures)
			m.log.Warn().Err(err).Int("attempt", failures).Dur("retry_in", delay).Msg("fetch failed")
			if sleep(ctx, delay) != nil {
				return nil
			}
			continue
		}
		failures = 0

		m.handle(ctx, msg)
	}
}

func (m *Monitor) handle(ctx context.Context, msg bus.Message) {
	log := m.log.With().Int("partition", msg.Partition).Int64("offset", msg.Offset).Logger()

	resp, decodeErr := model.DecodeResponse(msg.Value)
	if decodeErr != nil {
		m.agg.NoteMalformed()
		log.Warn().Err(decodeErr).Msg("malformed response")
		if m.publisher != nil && m.cfg.DeadLetterTopic != "" {
			if err := m.retry(ctx, func(c context.Context) error {
				return m.publisher.Publish(c, m.cfg.DeadLetterTopic, msg.Key, msg.Value,
					bus.Header{Key: bus.HeaderError, Value: decodeErr.Error()},
					bus.Header{Key: bus.HeaderSourceTopic, Value: msg.Topic},
					bus.Header{Key: bus.HeaderOffset, Value: strconv.FormatInt(msg.Offset, 10)},
				)
			}); err != nil {
				log.Error().Err(err).Msg("dead-letter failed, response left uncommitted")
				return
			}
		}
		m.commit(ctx, msg, log)
		return
	}

	if m.agg.Apply(resp) {
		if m.recorder != nil {
			m.record(ctx, resp, log)
		}
		if m.cfg.OnApply != nil {
			m.cfg.OnApply(resp)
		}
		log.Debug().
			Str("correlation_id", resp.CorrelationID.String()).
			Str("agent_id", resp.AgentID).
			Str("cost", resp.Cost.String()).
			Msg("response applied")
	} else {
		log.Debug().Str("correlation_id", resp.CorrelationID.String()).Msg("duplicate response ignored")
	}
	m.commit(ctx, msg, log)
}

// record writes to the ledger. A ledger outage is logged, never fatal: the
// in-memory aggregate stays authoritative for the window.
func (m *Monitor) record(ctx context.Context, resp model.ResponseEnvelope, log zerolog.Logger) {
	work := context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= ledgerAttempts; attempt++ {
		if err = m.recorder.Record(work, resp); err == nil {
			return
		}
		if attempt < ledgerAttempts {
			_ = sleep(work, m.backoff(attempt))
		}
	}
	log.Error().Err(err).Str("correlation_id", resp.CorrelationID.String()).Msg("ledger write failed")
}

func (m *Monitor) commit(ctx context.Context, msg bus.Message, log zerolog.Logger) {
	err := m.retry(ctx, func(c context.Context) error { return m.consumer.Commit(c, msg) })
	if err == nil {
		return
	}
	if ctx.Err() != nil && !errors.Is(err, bus.ErrClosed) {
		final, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitGrace)
		defer cancel()
		if err = m.consumer.Commit(final, msg); err == nil {
			return
		}
	}
	// Redelivery is harmless: Apply recognises the copy.
	log.Warn().Err(err).Msg("commit failed")
}

// retry repeats fn with backoff until it succeeds or ctx ends.
func (m *Monitor) retry(ctx context.Context, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || errors.Is(err, bus.ErrClosed) {
			return err
		}
		delay := m.backoff(attempt)
		m.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("bus operation failed")
		if sleep(ctx, delay) != nil {
			return err
		}
	}
}

func (m *Monitor) backoff(attempt int) time.Duration {
	d := m.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= m.cfg.RetryMax || d <= 0 {
			return m.cfg.RetryMax
		}
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
