// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package bus

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

// DefaultPartitions is the partition count of topics on a Memory bus.
const DefaultPartitions = 3

type partitionKey struct {
	topic     string
	partition int
}

type groupKey struct {
	group string
	partitionKey
}

// Memory is an in-process partitioned log with consumer-group offsets. It
// keeps every message for the life of the process.
//
// Each group is meant to have one live consumer at a time. A consumer that
// closes without committing leaves its messages to be redelivered to the
// next consumer of the same group.
type Memory struct {
	partitions int

	mu        sync.Mutex
	logs      map[partitionKey][]Message
	committed map[groupKey]int64
	notify    chan struct{}
	closed    bool
}

// NewMemory creates an empty bus. partitions <= 0 uses DefaultPartitions.
func NewMemory(partitions int) *Memory {
	if partitions <= 0 {
		partitions = DefaultPartitions
	}
	return &Memory{
		partitions: partitions,
		logs:       make(map[partitionKey][]Message),
		committed:  make(map[groupKey]int64),
		notify:     make(chan struct{}),
	}
}

// partitionFor hashes a key onto a partition. Empty keys go to partition 0.
func (m *Memory) partitionFor(key []byte) int {
	if len(key) == 0 {
		return 0
	}
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(m.partitions))
}

// Publish appends a message. It never blocks on consumers.
func (m *Memory) Publish(ctx context.Context, topic string, key, value []byte, headers ...Header) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	pk := partitionKey{topic: topic, partition: m.partitionFor(key)}
	msg := Message{
		Topic:     topic,
		Partition: pk.partition,
		Offset:    int64(len(m.logs[pk])),
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), value...),
		Headers:   append([]Header(nil), headers...),
		Time:      time.Now().UTC(),
	}
	m.logs[pk] = append(m.logs[pk], msg)

	close(m.notify)
	m.notify = make(chan struct{})
	return nil
}

// Messages returns a copy of everything published to topic, ordered by
// partition then offset.
func (m *Memory) Messages(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Message
	for p := 0; p < m.partitions; p++ {
		out = append(out, m.logs[partitionKey{topic, p}]...)
	}
	return out
}

// Committed returns the next offset group will read on a partition.
func (m *Memory) Committed(group, topic string, partition int) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committed[groupKey{group, partitionKey{topic, partition}}]
}

// Lag returns how many messages on topic group has not committed yet.
func (m *Memory) Lag(group, topic string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lag int64
	for p := 0; p < m.partitions; p++ {
		pk := partitionKey{topic, p}
		lag += int64(len(m.logs[pk])) - m.committed[groupKey{group, pk}]
	}
	return lag
}

// Check reports ErrClosed once the bus is closed.
func (m *Memory) Check(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return ctx.Err()
}

// Close wakes every blocked consumer and rejects further publishes.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.notify)
	}
	return nil
}

// Consumer joins group on topics, resuming from the group's committed
// offsets.
func (m *Memory) Consumer(group string, topics ...string) *MemoryConsumer {
	sorted := append([]string(nil), topics...)
	sort.Strings(sorted)

	c := &MemoryConsumer{
		bus:    m,
		group:  group,
		cursor: make(map[partitionKey]int64),
		done:   make(chan struct{}),
	}
	m.mu.Lock()
	for _, t := range sorted {
		for p := 0; p < m.partitions; p++ {
			pk := partitionKey{t, p}
			c.assigned = append(c.assigned, pk)
			c.cursor[pk] = m.committed[groupKey{group, pk}]
		}
	}
	m.mu.Unlock()
	return c
}

// MemoryConsumer is a Consumer on a Memory bus.
type MemoryConsumer struct {
	bus      *Memory
	group    string
	assigned []partitionKey

	mu     sync.Mutex
	cursor map[partitionKey]int64
	next   int
	closed bool
	done   chan struct{}
}

// Fetch returns the next uncommitted message, rotating across partitions.
func (c *MemoryConsumer) Fetch(ctx context.Context) (Message, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return Message{}, ErrClosed
		}

		c.bus.mu.Lock()
		if c.bus.closed {
			c.bus.mu.Unlock()
			c.mu.Unlock()
			return Message{}, ErrClosed
		}
		for i := range c.assigned {
			idx := (c.next + i) % len(c.assigned)
			pk := c.assigned[idx]
			log := c.bus.logs[pk]
			if pos := c.cursor[pk]; pos < int64(len(log)) {
				msg := log[pos]
				c.cursor[pk] = pos + 1
				c.next = (idx + 1) % len(c.assigned)
				c.bus.mu.Unlock()
				c.mu.Unlock()
				return msg, nil
			}
		}
		wait := c.bus.notify
		c.bus.mu.Unlock()
		c.mu.Unlock()

		select {
		case <-wait:
		case <-c.done:
			return Message{}, ErrClosed
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Commit advances the group's committed offset past msg.
func (c *MemoryConsumer) Commit(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	gk := groupKey{c.group, partitionKey{msg.Topic, msg.Partition}}
	if msg.Offset+1 > c.bus.committed[gk] {
		c.bus.committed[gk] = msg.Offset + 1
	}
	return nil
}

// Close stops the consumer. Uncommitted messages stay pending for the group.
func (c *MemoryConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}
