package domain

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// #region synchronized
// Synchronized serializes calls into a planner that keeps mutable search state.
type Synchronized struct {
	mu    sync.Mutex
	inner Planner
}

// NewSynchronized wraps inner so that at most one Plan call runs at a time.
func NewSynchronized(inner Planner) *Synchronized {
	return &Synchronized{inner: inner}
}

// Plan forwards to the wrapped planner under a lock.
func (s *Synchronized) Plan(ctx context.Context, st State, g Goal, budget int) (Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Plan(ctx, st, g, budget)
}

// #endregion synchronized

// #region memo
type memoKey struct {
	state  string
	goal   Goal
	budget int
}

type memoEntry struct {
	plan   Plan
	noPlan bool
}

// Memo caches plans per (state key, goal, budget). The wrapped planner must be
// deterministic for a given key. Failures other than ErrNoPlan are not cached.
type Memo struct {
	mu     sync.RWMutex
	inner  Planner
	cache  map[memoKey]memoEntry
	hits   int
	misses int
}

// NewMemo wraps inner with an in-process plan cache.
func NewMemo(inner Planner) *Memo {
	return &Memo{inner: inner, cache: make(map[memoKey]memoEntry)}
}

// Plan returns the cached plan or calls through to the wrapped planner.
func (m *Memo) Plan(ctx context.Context, st State, g Goal, budget int) (Plan, error) {
	key := memoKey{state: st.Key(), goal: g, budget: budget}

	m.mu.RLock()
	entry, ok := m.cache[key]
	m.mu.RUnlock()
	if ok {
		m.mu.Lock()
		m.hits++
		m.mu.Unlock()
		if entry.noPlan {
			return nil, fmt.Errorf("memo %s -> %s: %w", key.state, g, ErrNoPlan)
		}
		return entry.plan, nil
	}

	plan, err := m.inner.Plan(ctx, st, g, budget)
	switch {
	case errors.Is(err, ErrNoPlan):
		entry = memoEntry{noPlan: true}
	case err != nil:
		return nil, err
	default:
		entry = memoEntry{plan: plan}
	}

	m.mu.Lock()
	m.cache[key] = entry
	m.misses++
	m.mu.Unlock()
	return plan, err
}

// Stats returns cache hit and miss counts.
func (m *Memo) Stats() (hits, misses int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hits, m.misses
}

// #endregion memo
