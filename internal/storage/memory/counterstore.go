package memory

import (
	"context"
	"sync"
	"time"

	"github.com/bobmcallan/cadence/internal/interfaces"
	"github.com/bobmcallan/cadence/internal/models"
)

type fixedCounter struct {
	start time.Time
	count int
}

// CounterStore is an in-memory interfaces.CounterStore. Fixed windows keep a
// single counter per key; sliding windows keep a log of admitted timestamps.
type CounterStore struct {
	mu    sync.Mutex
	fixed map[string]fixedCounter
	log   map[string][]time.Time
}

// NewCounterStore creates an empty CounterStore.
func NewCounterStore() *CounterStore {
	return &CounterStore{
		fixed: make(map[string]fixedCounter),
		log:   make(map[string][]time.Time),
	}
}

func (s *CounterStore) ConsumeWindow(_ context.Context, key string, mode models.WindowMode, limit int, window time.Duration, now time.Time) (models.RateLimitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mode == models.WindowFixed {
		return s.fixedWindow(key, limit, window, now, true), nil
	}
	return s.slidingWindow(key, limit, window, now, true), nil
}

func (s *CounterStore) PeekWindow(_ context.Context, key string, mode models.WindowMode, limit int, window time.Duration, now time.Time) (models.RateLimitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mode == models.WindowFixed {
		return s.fixedWindow(key, limit, window, now, false), nil
	}
	return s.slidingWindow(key, limit, window, now, false), nil
}

func (s *CounterStore) fixedWindow(key string, limit int, window time.Duration, now time.Time, consume bool) models.RateLimitResult {
	start := now.Truncate(window)
	c := s.fixed[key]
	if !c.start.Equal(start) {
		c = fixedCounter{start: start}
	}
	res := models.RateLimitResult{
		Limit:       limit,
		WindowStart: start,
		ResetAt:     start.Add(window),
	}
	if c.count >= limit {
		res.Count = c.count
		res.RetryAfter = res.ResetAt.Sub(now)
		return res
	}
	res.Allowed = true
	if consume {
		c.count++
		s.fixed[key] = c
	}
	res.Count = c.count
	res.Remaining = limit - c.count
	return res
}

func (s *CounterStore) slidingWindow(key string, limit int, window time.Duration, now time.Time, consume bool) models.RateLimitResult {
	cutoff := now.Add(-window)
	entries := s.log[key]
	i := 0
	for i < len(entries) && !entries[i].After(cutoff) {
		i++
	}
	entries = entries[i:]

	res := models.RateLimitResult{Limit: limit, WindowStart: cutoff}
	if len(entries) >= limit {
		s.log[key] = entries
		res.Count = len(entries)
		if len(entries) > 0 {
			res.ResetAt = entries[0].Add(window)
		} else {
			res.ResetAt = now.Add(window)
		}
		res.RetryAfter = res.ResetAt.Sub(now)
		return res
	}
	res.Allowed = true
	if consume {
		entries = append(entries, now)
	}
	s.log[key] = entries
	res.Count = len(entries)
	res.Remaining = limit - len(entries)
	if len(entries) > 0 {
		res.ResetAt = entries[0].Add(window)
	} else {
		res.ResetAt = now.Add(window)
	}
	return res
}

var _ interfaces.CounterStore = (*CounterStore)(nil)
