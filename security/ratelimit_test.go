package security

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(t *testing.T, cfg RateLimitConfig) (*RateLimiter, *fakeClock) {
	t.Helper()

	clock := &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	cfg.Now = clock.Now
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	l := NewRateLimiter(cfg)
	t.Cleanup(l.Stop)
	return l, clock
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	l, _ := newTestLimiter(t, RateLimitConfig{Rate: 1})

	if l.cfg.MaxEntries != DefaultRateLimitMaxEntries {
		t.Errorf("MaxEntries = %d, want %d", l.cfg.MaxEntries, DefaultRateLimitMaxEntries)
	}
	if l.cfg.IdleTimeout != DefaultRateLimitIdleTimeout {
		t.Errorf("IdleTimeout = %v, want %v", l.cfg.IdleTimeout, DefaultRateLimitIdleTimeout)
	}
	if l.cfg.Burst != 1 {
		t.Errorf("Burst = %d, want 1", l.cfg.Burst)
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	l, clock := newTestLimiter(t, RateLimitConfig{Rate: 2, Burst: 3})

	for i := 0; i < 3; i++ {
		if !l.Allow("198.51.100.1") {
			t.Fatalf("Allow() #%d = false, want the burst to pass", i+1)
		}
	}
	if l.Allow("198.51.100.1") {
		t.Fatal("Allow() after the burst = true, want false")
	}
	if !l.Allow("198.51.100.2") {
		t.Error("Allow() for another key = false, want true")
	}

	// two tokens per second
	clock.Advance(500 * time.Millisecond)
	if !l.Allow("198.51.100.1") {
		t.Error("Allow() after refill = false, want true")
	}
	if l.Allow("198.51.100.1") {
		t.Error("Allow() after one refilled token = true, want false")
	}
}

func TestRateLimiter_EvictsLeastRecentlyUsed(t *testing.T) {
	l, _ := newTestLimiter(t, RateLimitConfig{Rate: 1, Burst: 1, MaxEntries: 2})

	l.Allow("a")
	l.Allow("b")
	l.Allow("a") // b is now the oldest
	l.Allow("c")

	stats := l.Stats()
	if stats.Keys != 2 || stats.Evictions != 1 {
		t.Fatalf("Stats() = %+v, want 2 keys and 1 eviction", stats)
	}
	if l.Allow("a") {
		t.Error("Allow(a) = true, want its exhausted bucket kept")
	}
	if !l.Allow("b") {
		t.Error("Allow(b) = false, want a fresh bucket after eviction")
	}
}

func TestRateLimiter_Sweep(t *testing.T) {
	l, clock := newTestLimiter(t, RateLimitConfig{Rate: 0.001, Burst: 1, IdleTimeout: time.Minute})

	l.Allow("idle")
	clock.Advance(45 * time.Second)
	l.Allow("active")
	clock.Advance(30 * time.Second)

	if n := l.Sweep(); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	stats := l.Stats()
	if stats.Keys != 1 || stats.Swept != 1 {
		t.Errorf("Stats() = %+v, want 1 key left and 1 swept", stats)
	}
	if l.Allow("active") {
		t.Error("Allow(active) = true, want its bucket kept")
	}
}

func TestRateLimiter_Concurrent(t *testing.T) {
	l, _ := newTestLimiter(t, RateLimitConfig{Rate: 1, Burst: 5, MaxEntries: 50})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Allow(fmt.Sprintf("10.0.%d.%d", i, j))
			}
		}(i)
	}
	wg.Wait()

	if stats := l.Stats(); stats.Keys > 50 {
		t.Errorf("Keys = %d, want at most 50", stats.Keys)
	}
}

func TestRateLimiter_StopTwice(t *testing.T) {
	l, _ := newTestLimiter(t, RateLimitConfig{Rate: 1})
	l.Stop()
	l.Stop()
}
