// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package dedup remembers recently seen ids so redelivered bus messages
// can be recognised.
package dedup

import (
	"container/list"
	"sync"
	"time"
)

const (
	defaultMaxEntries = 10000
	defaultTTL        = 10 * time.Minute
)

// Set is a bounded, TTL-based set of ids. It is safe for concurrent use.
// Ids are kept in insertion order, so expiry and capacity eviction only
// look at the oldest end.
type Set struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
}

// Option configures a Set.
type Option func(*Set)

type entry struct {
	id string
	at time.Time
}

// WithMaxEntries caps how many ids are tracked.
func WithMaxEntries(n int) Option {
	return func(s *Set) {
		if n > 0 {
			s.maxEntries = n
		}
	}
}

// WithTTL sets how long an id is remembered.
func WithTTL(ttl time.Duration) Option {
	return func(s *Set) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock sets the time source (tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Set) {
		s.now = fn
	}
}

// New creates an empty set.
func New(opts ...Option) *Set {
	s := &Set{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: defaultMaxEntries,
		ttl:        defaultTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Check adds id and reports whether it was new. A live duplicate returns
// false and is left untouched.
func (s *Set) Check(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if el, ok := s.entries[id]; ok && now.Sub(el.Value.(entry).at) < s.ttl {
		return false
	}
	s.addLocked(id, now)
	return true
}

// Seen reports whether id is present and live, without adding it.
func (s *Set) Seen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.entries[id]
	return ok && s.now().Sub(el.Value.(entry).at) < s.ttl
}

// Add records id unconditionally.
func (s *Set) Add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(id, s.now())
}

// Len returns the number of tracked ids.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Reset forgets every id.
func (s *Set) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*list.Element)
	s.order.Init()
}

func (s *Set) addLocked(id string, now time.Time) {
	if el, ok := s.entries[id]; ok {
		el.Value = entry{id: id, at: now}
		s.order.MoveToBack(el)
	} else {
		s.entries[id] = s.order.PushBack(entry{id: id, at: now})
	}
	s.evictLocked(now)
}

// evictLocked drops expired ids from the front, then the oldest ids while
// over capacity.
func (s *Set) evictLocked(now time.Time) {
	for front := s.order.Front(); front != nil; front = s.order.Front() {
		e := front.Value.(entry)
		if now.Sub(e.at) < s.ttl && len(s.entries) <= s.maxEntries {
			return
		}
		s.order.Remove(front)
		delete(s.entries, e.id)
	}
}
