package security

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ragtag/mcplink/instrumentation"
)

const (
	defaultMaxEntries      = 10000
	defaultCleanupInterval = 5 * time.Minute
	defaultIdleTimeout     = 30 * time.Minute
)

// RateLimitConfig configures a RateLimiter.
type RateLimitConfig struct {
	// Name labels log records and the oauth.rate_limit.exceeded metric
	Name string

	// PerMinute is the sustained number of requests allowed per identifier
	PerMinute int

	// Burst is the bucket size. Default: PerMinute
	Burst int

	// MaxEntries bounds the number of tracked identifiers. Default: 10000
	MaxEntries int

	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

type limiterEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter applies one token bucket per identifier and evicts the least
// recently used identifier when full.
type RateLimiter struct {
	name    string
	limit   rate.Limit
	burst   int
	max     int
	logger  *slog.Logger
	metrics *instrumentation.Metrics

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a limiter and starts its idle-entry cleanup loop.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 60
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.PerMinute
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}

	rl := &RateLimiter{
		name:    cfg.Name,
		limit:   rate.Every(time.Minute / time.Duration(cfg.PerMinute)),
		burst:   cfg.Burst,
		max:     cfg.MaxEntries,
		logger:  cfg.Logger,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		stop:    make(chan struct{}),
	}
	if cfg.Instrumentation != nil {
		rl.metrics = cfg.Instrumentation.Metrics()
	}

	go rl.cleanupLoop(defaultCleanupInterval, defaultIdleTimeout)
	return rl
}

// Allow reports whether one more request from identifier fits its bucket.
func (rl *RateLimiter) Allow(ctx context.Context, identifier string) bool {
	if rl == nil {
		return true
	}

	rl.mu.Lock()
	entry := rl.entry(identifier)
	allowed := entry.limiter.Allow()
	rl.mu.Unlock()

	if !allowed {
		rl.logger.Warn("Rate limit exceeded", "limiter", rl.name, "identifier", identifier)
		if rl.metrics != nil {
			rl.metrics.RecordRateLimitExceeded(ctx, rl.name)
		}
	}
	return allowed
}

// Exhausted reports whether identifier has no token left, without spending
// one. Identifiers that were never seen are not exhausted.
func (rl *RateLimiter) Exhausted(identifier string) bool {
	if rl == nil {
		return false
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	elem, ok := rl.entries[identifier]
	if !ok {
		return false
	}
	return elem.Value.(*limiterEntry).limiter.Tokens() < 1
}

// entry returns the bucket for key, creating it if needed. Caller holds mu.
func (rl *RateLimiter) entry(key string) *limiterEntry {
	now := time.Now()
	if elem, ok := rl.entries[key]; ok {
		rl.lru.MoveToFront(elem)
		e := elem.Value.(*limiterEntry)
		e.lastAccess = now
		return e
	}

	if len(rl.entries) >= rl.max {
		if oldest := rl.lru.Back(); oldest != nil {
			delete(rl.entries, oldest.Value.(*limiterEntry).key)
			rl.lru.Remove(oldest)
		}
	}

	e := &limiterEntry{key: key, limiter: rate.NewLimiter(rl.limit, rl.burst), lastAccess: now}
	rl.entries[key] = rl.lru.PushFront(e)
	return e
}

func (rl *RateLimiter) cleanupLoop(interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(idle)
		case <-rl.stop:
			return
		}
	}
}

// Cleanup drops identifiers that have been idle longer than maxIdle.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	// The list is ordered by recency, so idle entries sit at the back
	for elem := rl.lru.Back(); elem != nil; {
		e := elem.Value.(*limiterEntry)
		if e.lastAccess.After(cutoff) {
			break
		}
		prev := elem.Prev()
		delete(rl.entries, e.key)
		rl.lru.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.logger.Debug("Rate limiter cleanup", "limiter", rl.name, "removed", removed, "remaining", len(rl.entries))
	}
}

// Len returns the number of tracked identifiers.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// Stop ends the cleanup loop. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	if rl == nil {
		return
	}
	rl.stopOnce.Do(func() { close(rl.stop) })
}
