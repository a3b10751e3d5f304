// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fetchWithin(t *testing.T, c Consumer, d time.Duration) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	msg, err := c.Fetch(ctx)
	require.NoError(t, err)
	return msg
}

func TestMemoryPublishFetchCommit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(1)

	require.NoError(t, m.Publish(ctx, "q", []byte("k"), []byte("one"), Header{Key: "a", Value: "b"}))
	require.NoError(t, m.Publish(ctx, "q", []byte("k"), []byte("two")))

	c := m.Consumer("g", "q")
	first := fetchWithin(t, c, time.Second)
	assert.Equal(t, "one", string(first.Value))
	assert.Equal(t, "b", first.Header("a"))
	assert.Equal(t, int64(0), first.Offset)

	require.NoError(t, c.Commit(ctx, first))
	assert.Equal(t, int64(1), m.Committed("g", "q", 0))
	assert.Equal(t, int64(1), m.Lag("g", "q"))

	second := fetchWithin(t, c, time.Second)
	assert.Equal(t, "two", string(second.Value))
}

func TestMemoryRedeliversUncommitted(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(1)
	require.NoError(t, m.Publish(ctx, "q", nil, []byte("one")))
	require.NoError(t, m.Publish(ctx, "q", nil, []byte("two")))

	c := m.Consumer("g", "q")
	msg := fetchWithin(t, c, time.Second)
	require.NoError(t, c.Commit(ctx, msg))
	_ = fetchWithin(t, c, time.Second) // fetched, never committed
	require.NoError(t, c.Close())

	restarted := m.Consumer("g", "q")
	again := fetchWithin(t, restarted, time.Second)
	assert.Equal(t, "two", string(again.Value))
}

func TestMemoryGroupsAreIndependent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2)
	require.NoError(t, m.Publish(ctx, "responses", []byte("x"), []byte("r")))

	a := m.Consumer("monitor", "responses")
	b := m.Consumer("gateway", "responses")
	assert.Equal(t, "r", string(fetchWithin(t, a, time.Second).Value))
	assert.Equal(t, "r", string(fetchWithin(t, b, time.Second).Value))
}

func TestMemorySameKeySamePartition(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(8)
	for i := 0; i < 20; i++ {
		require.NoError(t, m.Publish(ctx, "q", []byte("corr-1"), []byte(fmt.Sprint(i))))
	}

	msgs := m.Messages("q")
	require.Len(t, msgs, 20)
	for i, msg := range msgs {
		assert.Equal(t, msgs[0].Partition, msg.Partition)
		assert.Equal(t, int64(i), msg.Offset, "order within a partition is kept")
	}
}

func TestMemoryFetchBlocksUntilPublish(t *testing.T) {
	m := NewMemory(1)
	c := m.Consumer("g", "q")

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Publish(context.Background(), "q", nil, []byte("late"))
	}()

	msg := fetchWithin(t, c, 2*time.Second)
	assert.Equal(t, "late", string(msg.Value))
}

func TestMemoryFetchHonoursContext(t *testing.T) {
	m := NewMemory(1)
	c := m.Consumer("g", "q")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Fetch(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryCloseUnblocksFetch(t *testing.T) {
	m := NewMemory(1)
	c := m.Consumer("g", "q")

	errs := make(chan error, 1)
	go func() {
		_, err := c.Fetch(context.Background())
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("fetch did not return after Close")
	}
}

func TestMemoryClosedBus(t *testing.T) {
	m := NewMemory(1)
	require.NoError(t, m.Check(context.Background()))
	assert.True(t, Healthy(context.Background(), m))

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Publish(context.Background(), "q", nil, nil), ErrClosed)
	assert.ErrorIs(t, m.Check(context.Background()), ErrClosed)
	assert.False(t, Healthy(context.Background(), m))

	_, err := m.Consumer("g", "q").Fetch(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestKafkaProberUnreachable(t *testing.T) {
	p := NewKafkaProber(KafkaConfig{Brokers: []string{"127.0.0.1:1"}, DialTimeout: 200 * time.Millisecond})
	err := p.Check(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}
