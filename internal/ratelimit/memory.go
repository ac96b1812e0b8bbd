package ratelimit

import (
	"context"
	"sync"
	"time"
)

// defaultMemoryWindow is the fixed-window span for login throttling.
const defaultMemoryWindow = time.Second

type memoryEntry struct {
	window int64
	count  int
}

// MemoryLimiter implements a fixed-window in-memory rate limiter.
type MemoryLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	counters map[string]*memoryEntry
}

// NewMemoryLimiter constructs a MemoryLimiter with the default window.
func NewMemoryLimiter() *MemoryLimiter {
	return NewMemoryLimiterWindow(defaultMemoryWindow)
}

// NewMemoryLimiterWindow constructs a MemoryLimiter with a custom fixed
// window span.
func NewMemoryLimiterWindow(window time.Duration) *MemoryLimiter {
	if window <= 0 {
		window = defaultMemoryWindow
	}
	return &MemoryLimiter{
		window:   window,
		counters: make(map[string]*memoryEntry),
	}
}

// Allow checks whether the request should be allowed in the current window.
func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int, now time.Time) (Result, error) {
	if limit <= 0 || key == "" {
		return Result{Allowed: true}, nil
	}
	bucket := now.UnixNano() / int64(l.window)
	reset := time.Unix(0, (bucket+1)*int64(l.window)).UTC()

	l.mu.Lock()
	entry := l.counters[key]
	if entry == nil {
		entry = &memoryEntry{window: bucket}
		l.counters[key] = entry
	}
	if entry.window != bucket {
		entry.window = bucket
		entry.count = 0
	}
	if entry.count >= limit {
		l.mu.Unlock()
		return Result{Allowed: false, Remaining: 0, Reset: reset}, nil
	}
	entry.count++
	remaining := limit - entry.count
	l.mu.Unlock()
	return Result{Allowed: true, Remaining: remaining, Reset: reset}, nil
}
