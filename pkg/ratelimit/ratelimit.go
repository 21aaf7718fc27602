// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-diskvault.
//
// go-diskvault is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package ratelimit implements a token bucket rate limiter with per-source
// tracking. The bridge uses it to throttle connection attempts per remote
// address before any SSH handshake work is done.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limiter configuration.
type Config struct {
	// Interval is the sustained time between allowed events per source.
	Interval time.Duration

	// Burst allows short bursts above the sustained rate.
	Burst int

	// CleanupInterval controls how often idle sources are removed.
	// Defaults to 10 minutes.
	CleanupInterval time.Duration

	// MaxIdle is how long a source can be idle before cleanup.
	// Defaults to 30 minutes.
	MaxIdle time.Duration
}

// Limiter tracks one token bucket per source identifier.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	lastSeen map[string]time.Time
	rate     rate.Limit
	burst    int

	cleanupInterval time.Duration
	maxIdle         time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// New creates a rate limiter and starts its idle-source cleanup worker.
func New(config *Config) *Limiter {
	burst := config.Burst
	if burst < 1 {
		burst = 1
	}
	cleanupInterval := config.CleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = 10 * time.Minute
	}
	maxIdle := config.MaxIdle
	if maxIdle == 0 {
		maxIdle = 30 * time.Minute
	}

	l := &Limiter{
		limiters:        make(map[string]*rate.Limiter),
		lastSeen:        make(map[string]time.Time),
		rate:            rate.Every(config.Interval),
		burst:           burst,
		cleanupInterval: cleanupInterval,
		maxIdle:         maxIdle,
		stopCleanup:     make(chan struct{}),
	}
	go l.cleanupWorker()
	return l
}

// Allow reports whether an event from the source is within its rate limit.
func (l *Limiter) Allow(source string) bool {
	return l.limiter(source).Allow()
}

// AllowAddr is Allow keyed by the host portion of a network address.
func (l *Limiter) AllowAddr(addr net.Addr) bool {
	if addr == nil {
		return l.Allow("unknown")
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return l.Allow(addr.String())
	}
	return l.Allow(host)
}

// ActiveSources returns the number of sources currently tracked.
func (l *Limiter) ActiveSources() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Stop stops the cleanup worker. Idempotent.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}

// limiter returns the bucket for a source, creating it on first use.
func (l *Limiter) limiter(source string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.limiters[source]
	if !ok {
		bucket = rate.NewLimiter(l.rate, l.burst)
		l.limiters[source] = bucket
	}
	l.lastSeen[source] = time.Now()
	return bucket
}

func (l *Limiter) cleanupWorker() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

// cleanup removes sources that have been idle past the retention bound.
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for source, seen := range l.lastSeen {
		if now.Sub(seen) > l.maxIdle {
			delete(l.limiters, source)
			delete(l.lastSeen, source)
		}
	}
}
