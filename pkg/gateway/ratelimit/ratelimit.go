// Package ratelimit implements a per-user token bucket for the interview
// API. Setup submits are cheap for the client and expensive for us (one
// billing call and a token mint each), so abusive retry loops get cut off
// here before they reach the ledger.
package ratelimit

import (
	"sync"
	"time"
)

type Config struct {
	// RPS and Burst apply per user id. RPS <= 0 disables the limiter.
	RPS   float64
	Burst int

	// Bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config
	now func() time.Time

	mu sync.Mutex
	m  map[string]*bucket
}

type bucket struct {
	tokens   float64
	last     time.Time
	lastSeen time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		now: time.Now,
		m:   make(map[string]*bucket),
	}
}

func (l *Limiter) Enabled() bool {
	return l != nil && l.cfg.RPS > 0 && l.cfg.Burst > 0
}

// Allow reports whether the user may make one more request now.
func (l *Limiter) Allow(userID string) bool {
	if !l.Enabled() {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.m[userID]
	if !ok {
		if len(l.m) >= l.cfg.MaxEntries {
			l.evictStale(now)
		}
		if len(l.m) >= l.cfg.MaxEntries {
			// Map is full of live entries; fail open rather than block
			// users on an operational bound.
			return true
		}
		b = &bucket{tokens: float64(l.cfg.Burst), last: now}
		l.m[userID] = b
	}

	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * l.cfg.RPS
		if max := float64(l.cfg.Burst); b.tokens > max {
			b.tokens = max
		}
		b.last = now
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (l *Limiter) evictStale(now time.Time) {
	for id, b := range l.m {
		if now.Sub(b.lastSeen) > l.cfg.EntryTTL {
			delete(l.m, id)
		}
	}
}
