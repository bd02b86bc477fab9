package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rate limiter defaults
const (
	DefaultRateLimitMaxEntries  = 10000
	DefaultRateLimitIdleTimeout = 30 * time.Minute
	rateLimitSweepInterval      = 5 * time.Minute
)

// RateLimitConfig configures a RateLimiter.
type RateLimitConfig struct {
	// Rate is the sustained number of requests per second per key.
	Rate float64

	// Burst is the number of requests a fresh key may make at once.
	Burst int

	// MaxEntries bounds the number of tracked keys. The least recently
	// used key is dropped when a new one arrives at the limit.
	// Default: 10000
	MaxEntries int

	// IdleTimeout drops keys unused for longer than this.
	// Default: 30 minutes
	IdleTimeout time.Duration

	Logger *slog.Logger

	// Now replaces time.Now.
	Now func() time.Time
}

// RateLimitStats reports limiter state for monitoring.
type RateLimitStats struct {
	Keys       int
	MaxEntries int
	Evictions  int64
	Swept      int64
}

type bucket struct {
	key      string
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a token bucket per key, typically a client IP, with a
// bounded LRU of buckets. A background goroutine drops idle buckets until
// Stop is called.
type RateLimiter struct {
	cfg RateLimitConfig

	mu        sync.Mutex
	buckets   map[string]*list.Element
	lru       *list.List // front is most recently used
	evictions int64
	swept     int64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a limiter and starts its sweeper.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultRateLimitMaxEntries
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultRateLimitIdleTimeout
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	l := &RateLimiter{
		cfg:     cfg,
		buckets: make(map[string]*list.Element),
		lru:     list.New(),
		stop:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Allow takes a token from key's bucket and reports whether one was left.
func (l *RateLimiter) Allow(key string) bool {
	now := l.cfg.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.buckets[key]; ok {
		l.lru.MoveToFront(elem)
		b := elem.Value.(*bucket)
		b.lastSeen = now
		return b.limiter.AllowN(now, 1)
	}

	if len(l.buckets) >= l.cfg.MaxEntries {
		l.evictOldest()
	}
	b := &bucket{
		key:      key,
		limiter:  rate.NewLimiter(rate.Limit(l.cfg.Rate), l.cfg.Burst),
		lastSeen: now,
	}
	l.buckets[key] = l.lru.PushFront(b)
	return b.limiter.AllowN(now, 1)
}

// evictOldest drops the least recently used bucket. l.mu must be held.
func (l *RateLimiter) evictOldest() {
	elem := l.lru.Back()
	if elem == nil {
		return
	}
	b := l.lru.Remove(elem).(*bucket)
	delete(l.buckets, b.key)
	l.evictions++
	l.cfg.Logger.Debug("Rate limiter evicted key", "key", b.key, "evictions", l.evictions)
}

// Sweep drops buckets idle for longer than IdleTimeout and returns how many
// were dropped.
func (l *RateLimiter) Sweep() int {
	cutoff := l.cfg.Now().Add(-l.cfg.IdleTimeout)

	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	// idle buckets collect at the back
	for elem := l.lru.Back(); elem != nil; {
		b := elem.Value.(*bucket)
		if !b.lastSeen.Before(cutoff) {
			break
		}
		prev := elem.Prev()
		l.lru.Remove(elem)
		delete(l.buckets, b.key)
		elem = prev
		n++
	}
	l.swept += int64(n)
	if n > 0 {
		l.cfg.Logger.Debug("Rate limiter swept idle keys", "removed", n, "remaining", len(l.buckets))
	}
	return n
}

func (l *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(rateLimitSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-l.stop:
			return
		}
	}
}

// Stop ends the sweeper. It is safe to call more than once.
func (l *RateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Stats returns the current limiter state.
func (l *RateLimiter) Stats() RateLimitStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return RateLimitStats{
		Keys:       len(l.buckets),
		MaxEntries: l.cfg.MaxEntries,
		Evictions:  l.evictions,
		Swept:      l.swept,
	}
}
