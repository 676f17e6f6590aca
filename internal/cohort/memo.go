package cohort

import (
	"context"
	"errors"
	"sort"
	"sync"
)

type memoKey struct {
	id     int64
	teamID int64
}

// MemoLoader wraps a Loader so that each (id, team) is fetched at most once.
//
// Misses are memoized as well as hits: a cohort that was absent on first
// lookup stays absent for the lifetime of the MemoLoader. One MemoLoader
// spans one compile pass, which gives the pass a stable cohort snapshot.
// Errors other than ErrNotFound are not memoized.
type MemoLoader struct {
	inner Loader

	mu      sync.Mutex
	entries map[memoKey]*Cohort // nil value = known missing
}

// NewMemoLoader wraps inner. Wrapping a *MemoLoader returns it unchanged.
func NewMemoLoader(inner Loader) *MemoLoader {
	if m, ok := inner.(*MemoLoader); ok {
		return m
	}
	return &MemoLoader{inner: inner, entries: make(map[memoKey]*Cohort)}
}

// Get implements Loader.
func (m *MemoLoader) Get(ctx context.Context, id, teamID int64) (*Cohort, error) {
	key := memoKey{id, teamID}

	m.mu.Lock()
	c, seen := m.entries[key]
	m.mu.Unlock()
	if seen {
		if c == nil {
			return nil, ErrNotFound
		}
		return c, nil
	}

	c, err := m.inner.Get(ctx, id, teamID)
	switch {
	case errors.Is(err, ErrNotFound):
		c = nil
	case err != nil:
		return nil, err
	}

	m.mu.Lock()
	m.entries[key] = c
	m.mu.Unlock()

	if c == nil {
		return nil, ErrNotFound
	}
	return c, nil
}

// GetMany implements Loader. Only ids not already memoized reach the
// wrapped loader, in a single batched call.
func (m *MemoLoader) GetMany(ctx context.Context, ids []int64, teamID int64) (map[int64]*Cohort, error) {
	out := make(map[int64]*Cohort, len(ids))
	var pending []int64

	m.mu.Lock()
	for _, id := range dedupe(ids) {
		c, seen := m.entries[memoKey{id, teamID}]
		switch {
		case !seen:
			pending = append(pending, id)
		case c != nil:
			out[id] = c
		}
	}
	m.mu.Unlock()

	if len(pending) == 0 {
		return out, nil
	}

	fetched, err := m.inner.GetMany(ctx, pending, teamID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range pending {
		c := fetched[id]
		m.entries[memoKey{id, teamID}] = c
		if c != nil {
			out[id] = c
		}
	}
	return out, nil
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
