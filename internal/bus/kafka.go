// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig holds broker connection settings.
type KafkaConfig struct {
	Brokers []string

	// DialTimeout bounds connection setup and health probes (default: 5s)
	DialTimeout time.Duration

	// WriteTimeout bounds a single produce request (default: 10s)
	WriteTimeout time.Duration

	// StartAtEnd makes new consumer groups skip existing messages.
	StartAtEnd bool

	// MaxWait is the longest a fetch waits for new data (default: 500ms)
	MaxWait time.Duration

	// AutoCreateTopics lets the writer create missing topics.
	AutoCreateTopics bool
}

func (c KafkaConfig) withDefaults() KafkaConfig {
	if len(c.Brokers) == 0 {
		c.Brokers = []string{"localhost:9092"}
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxWait == 0 {
		c.MaxWait = 500 * time.Millisecond
	}
	return c
}

// kafkaLogger adapts a zerolog logger to kafka-go's logger interface.
func kafkaLogger(log zerolog.Logger, level zerolog.Level) kafka.LoggerFunc {
	return func(msg string, args ...interface{}) {
		log.WithLevel(level).Str("component", "kafka").Msgf(msg, args...)
	}
}

// =============================================================================
// PUBLISHER
// =============================================================================

// KafkaPublisher produces messages with acks from all in-sync replicas.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher. The writer is topic-less; every
// Publish names its topic. Keys are hashed to partitions.
func NewKafkaPublisher(cfg KafkaConfig, log zerolog.Logger) *KafkaPublisher {
	cfg = cfg.withDefaults()
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			WriteTimeout:           cfg.WriteTimeout,
			BatchTimeout:           5 * time.Millisecond,
			AllowAutoTopicCreation: cfg.AutoCreateTopics,
			ErrorLogger:            kafkaLogger(log, zerolog.WarnLevel),
		},
	}
}

// Publish writes one message and waits for the broker ack.
func (p *KafkaPublisher) Publish(ctx context.Context, topic string, key, value []byte, headers ...Header) error {
	msg := kafka.Message{Topic: topic, Key: key, Value: value}
	for _, h := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: h.Key, Value: []byte(h.Value)})
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, io.ErrClosedPipe) {
			return ErrClosed
		}
		return fmt.Errorf("%w: publish to %s: %v", ErrUnavailable, topic, err)
	}
	return nil
}

// Close flushes pending writes and closes connections.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// =============================================================================
// CONSUMER
// =============================================================================

// KafkaConsumer reads one consumer group with explicit, synchronous commits.
type KafkaConsumer struct {
	reader *kafka.Reader
}

// NewKafkaConsumer joins group and subscribes to topics.
func NewKafkaConsumer(cfg KafkaConfig, group string, topics []string, log zerolog.Logger) *KafkaConsumer {
	cfg = cfg.withDefaults()
	start := kafka.FirstOffset
	if cfg.StartAtEnd {
		start = kafka.LastOffset
	}
	return &KafkaConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			GroupID:        group,
			GroupTopics:    topics,
			StartOffset:    start,
			MaxWait:        cfg.MaxWait,
			CommitInterval: 0,
			Dialer:         &kafka.Dialer{Timeout: cfg.DialTimeout},
			ErrorLogger:    kafkaLogger(log, zerolog.WarnLevel),
		}),
	}
}

// Fetch returns the next message without committing it.
func (c *KafkaConsumer) Fetch(ctx context.Context) (Message, error) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			return Message{}, ErrClosed
		}
		return Message{}, fmt.Errorf("%w: fetch: %v", ErrUnavailable, err)
	}

	msg := Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Time:      m.Time,
	}
	for _, h := range m.Headers {
		msg.Headers = append(msg.Headers, Header{Key: h.Key, Value: string(h.Value)})
	}
	return msg, nil
}

// Commit synchronously commits the offset after msg.
func (c *KafkaConsumer) Commit(ctx context.Context, msg Message) error {
	err := c.reader.CommitMessages(ctx, kafka.Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			return ErrClosed
		}
		return fmt.Errorf("%w: commit %s/%d@%d: %v", ErrUnavailable, msg.Topic, msg.Partition, msg.Offset, err)
	}
	return nil
}

// Close leaves the group.
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

// =============================================================================
// HEALTH
// =============================================================================

// KafkaProber checks that at least one broker answers a metadata request.
type KafkaProber struct {
	cfg KafkaConfig
}

// NewKafkaProber creates a prober for cfg.Brokers.
func NewKafkaProber(cfg KafkaConfig) *KafkaProber {
	return &KafkaProber{cfg: cfg.withDefaults()}
}

// Check dials each broker in turn until one returns cluster metadata.
func (p *KafkaProber) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()

	var lastErr error
	for _, addr := range p.cfg.Brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		_, err = conn.Brokers()
		conn.Close()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}
