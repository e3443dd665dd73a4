// Package ratelimit throttles passthrough traffic per host, so suites that
// hammer a live backend (status sweeps, rapid request loops) stay polite.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config defines the rate limiting configuration.
type Config struct {
	RPS             float64       // Requests per second per host; <= 0 disables limiting
	Burst           int           // Burst size per host
	CleanupInterval time.Duration // How often idle limiters are dropped
}

// DefaultConfig provides sensible defaults for passthrough throttling.
var DefaultConfig = Config{
	RPS:             20,
	Burst:           40,
	CleanupInterval: 10 * time.Minute,
}

// Enabled reports whether the config limits anything.
func (c Config) Enabled() bool {
	return c.RPS > 0
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Limiter manages one token bucket per host.
type Limiter struct {
	limiters map[string]*limiterEntry
	mu       sync.Mutex
	config   Config

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLimiter creates a limiter and starts its cleanup goroutine.
func NewLimiter(config Config) *Limiter {
	if config.Burst <= 0 {
		config.Burst = 1
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultConfig.CleanupInterval
	}
	l := &Limiter{
		limiters: make(map[string]*limiterEntry),
		config:   config,
		stopCh:   make(chan struct{}),
	}

	l.wg.Add(1)
	go l.cleanupLoop()

	return l
}

// Allow reports whether a request to host may proceed right now.
func (l *Limiter) Allow(host string) bool {
	if !l.config.Enabled() {
		return true
	}
	return l.get(host).Allow()
}

// Wait blocks until a request to host may proceed or ctx ends.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	if !l.config.Enabled() {
		return nil
	}
	return l.get(host).Wait(ctx)
}

func (l *Limiter) get(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[host]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(l.config.RPS), l.config.Burst)}
		l.limiters[host] = entry
	}
	entry.lastUsed = time.Now()
	return entry.limiter
}

// Cleanup removes limiters idle for longer than the cleanup interval.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.config.CleanupInterval)
	for host, entry := range l.limiters {
		if entry.lastUsed.Before(cutoff) {
			delete(l.limiters, host)
		}
	}
}

func (l *Limiter) cleanupLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Cleanup()
		case <-l.stopCh:
			return
		}
	}
}

// Stop stops the cleanup goroutine and waits for it to finish. Safe to call twice.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

// Len returns the number of hosts with an active limiter.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
