// Package ratelimit provides sliding-window request counters and the upload
// guard that applies them per actor identity and per network origin.
//
// Memory keeps the timestamps in process and is correct for a single node.
// Redis keeps them in a sorted set per key so several nodes share one view.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Counter admits or rejects one request for key. A request is admitted when
// fewer than max requests were admitted for key during the trailing window;
// admitted requests are recorded.
type Counter interface {
	Allow(ctx context.Context, key string, max int, window time.Duration) (bool, error)
}

// Memory is an in-process Counter.
type Memory struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	now     func() time.Time
}

// NewMemory returns an empty in-process counter.
func NewMemory() *Memory {
	return &Memory{
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// SetClock overrides the time source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Allow implements Counter.
func (m *Memory) Allow(_ context.Context, key string, max int, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	stamps := evict(m.windows[key], now.Add(-window))
	if len(stamps) >= max {
		m.windows[key] = stamps
		return false, nil
	}
	m.windows[key] = append(stamps, now)
	return true, nil
}

// Prune drops keys whose newest timestamp is older than window.
func (m *Memory) Prune(window time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-window)
	removed := 0
	for key, stamps := range m.windows {
		remaining := evict(stamps, cutoff)
		if len(remaining) == 0 {
			delete(m.windows, key)
			removed++
			continue
		}
		m.windows[key] = remaining
	}
	return removed
}

// Keys reports how many keys currently hold timestamps.
func (m *Memory) Keys() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// evict drops timestamps at or before cutoff. stamps is ordered oldest first.
func evict(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}
