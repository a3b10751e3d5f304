// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bus is the partitioned message bus between the router, the agent
// loops and the monitor.
//
// Two implementations share the Publisher/Consumer/Prober interfaces:
// Kafka (segmentio/kafka-go) for deployments and Memory for a single
// process. Both key messages by correlation id so every envelope of one
// question lands on the same partition, and both deliver at least once:
// a consumer that stops before Commit sees the message again.
//
// # Usage
//
//	pub := bus.NewKafkaPublisher(cfg, logger)
//	err := pub.Publish(ctx, "english_teacher", key, payload)
//
//	cons := bus.NewKafkaConsumer(cfg, "english_teacher_group", []string{"english_teacher"}, logger)
//	msg, err := cons.Fetch(ctx)
//	// ... process ...
//	err = cons.Commit(ctx, msg)
package bus

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable wraps transport failures talking to the broker.
	ErrUnavailable = errors.New("bus unavailable")

	// ErrClosed is returned after a consumer or publisher has been closed.
	ErrClosed = errors.New("bus closed")
)

// Header is a message header.
type Header struct {
	Key   string
	Value string
}

// Message is one delivered record.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []Header
	Time      time.Time
}

// Header returns the value of the named header, or "".
func (m Message) Header(key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return h.Value
		}
	}
	return ""
}

// Publisher writes messages to topics.
type Publisher interface {
	// Publish blocks until the broker acknowledges the write.
	Publish(ctx context.Context, topic string, key, value []byte, headers ...Header) error
	Close() error
}

// Consumer reads messages for one consumer group.
type Consumer interface {
	// Fetch blocks until a message is available or ctx is done.
	Fetch(ctx context.Context) (Message, error)
	// Commit marks msg and everything before it on its partition as done.
	Commit(ctx context.Context, msg Message) error
	Close() error
}

// Prober checks broker connectivity.
type Prober interface {
	Check(ctx context.Context) error
}

// Healthy runs a probe and reports the result as a bool.
func Healthy(ctx context.Context, p Prober) bool {
	return p.Check(ctx) == nil
}

// Dead-letter headers added when a payload cannot be decoded.
const (
	HeaderError       = "x-error"
	HeaderSourceTopic = "x-source-topic"
	HeaderAgentID     = "x-agent-id"
	HeaderOffset      = "x-source-offset"
)
