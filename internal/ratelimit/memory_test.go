package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiter_FixedWindow(t *testing.T) {
	limiter := NewMemoryLimiter()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	key := LoginKey("Alice", "203.0.113.9")

	for i := 0; i < 2; i++ {
		result, err := limiter.Allow(context.Background(), key, 2, now)
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		if !result.Allowed {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
	result, err := limiter.Allow(context.Background(), key, 2, now)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if result.Allowed {
		t.Fatalf("third attempt in the same second must be blocked")
	}

	// Next window resets the counter.
	result, err = limiter.Allow(context.Background(), key, 2, now.Add(time.Second))
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("next window should allow again")
	}
}

func TestMemoryLimiter_CustomWindow(t *testing.T) {
	limiter := NewMemoryLimiterWindow(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if result, _ := limiter.Allow(context.Background(), "k", 1, now); !result.Allowed {
		t.Fatalf("first attempt should pass")
	}
	// Still inside the minute-long window.
	result, err := limiter.Allow(context.Background(), "k", 1, now.Add(30*time.Second))
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if result.Allowed {
		t.Fatalf("second attempt inside the window must be blocked")
	}
	if got := result.Reset; got != now.Add(time.Minute) {
		t.Fatalf("expected reset at window end, got %v", got)
	}
	if result, _ := limiter.Allow(context.Background(), "k", 1, now.Add(time.Minute)); !result.Allowed {
		t.Fatalf("next window should allow again")
	}
}

func TestMemoryLimiter_ZeroLimitDisables(t *testing.T) {
	limiter := NewMemoryLimiter()
	result, err := limiter.Allow(context.Background(), "k", 0, time.Now())
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("zero limit must disable throttling")
	}
}

func TestManager_MemoryFallbackWithoutRedis(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	manager := NewManager(func() SettingsConfig {
		return SettingsConfig{Limit: 1}
	}, func() time.Time { return now }, nil)

	result, err := manager.Allow(context.Background(), "login:a:1.2.3.4", 1)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("first attempt should pass")
	}
	result, err = manager.Allow(context.Background(), "login:a:1.2.3.4", 1)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if result.Allowed {
		t.Fatalf("second attempt should be limited")
	}
}

func TestLoginKey(t *testing.T) {
	if got := LoginKey(" Alice ", "203.0.113.9"); got != "login:alice:203.0.113.9" {
		t.Fatalf("got %q", got)
	}
	if got := LoginKey("", ""); got != "" {
		t.Fatalf("empty inputs must yield empty key, got %q", got)
	}
}
