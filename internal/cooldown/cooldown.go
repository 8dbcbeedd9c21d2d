// Package cooldown tracks sources that recently hit rate limits so later runs
// can skip them until the cooldown expires.
package cooldown

import (
	"context"
	"sync"
	"time"
)

// Tracker records and reports source cooldowns.
type Tracker interface {
	// Start puts source into cooldown for ttl. Starting an active cooldown
	// extends it.
	Start(ctx context.Context, source string, ttl time.Duration) error
	// Remaining returns how long source stays in cooldown; zero means not in cooldown.
	Remaining(ctx context.Context, source string) (time.Duration, error)
}

// Memory is an in-process Tracker.
type Memory struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

// NewMemory returns an empty in-process tracker.
func NewMemory() *Memory {
	return &Memory{until: make(map[string]time.Time), now: time.Now}
}

// Start implements Tracker.
func (m *Memory) Start(_ context.Context, source string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.until[source] = m.now().Add(ttl)
	return nil
}

// Remaining implements Tracker.
func (m *Memory) Remaining(_ context.Context, source string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.until[source]
	if !ok {
		return 0, nil
	}
	left := until.Sub(m.now())
	if left <= 0 {
		delete(m.until, source)
		return 0, nil
	}
	return left, nil
}
