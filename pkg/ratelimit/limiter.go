// Package ratelimit implements fixed-window request limits, backed by
// redis when available. Login and verification-code endpoints are the
// consumers; keys are bucket:client pairs like "login:203.0.113.9".
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the verdict for one request against one key.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

// InMemoryLimiter counts per-key requests in fixed windows. It is both the
// single-instance limiter and the degrade path when redis is unreachable.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string]windowCount
}

type windowCount struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		items:  make(map[string]windowCount),
	}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropExpired(now)
	curr, ok := l.items[key]
	if !ok || now.After(curr.resetAt) {
		curr = windowCount{resetAt: now.Add(l.window)}
	}
	curr.count++
	l.items[key] = curr
	return decideFor(curr.count, limit, curr.resetAt)
}

func (l *InMemoryLimiter) dropExpired(now time.Time) {
	for k, v := range l.items {
		if now.After(v.resetAt) {
			delete(l.items, k)
		}
	}
}

func decideFor(count, limit int, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
