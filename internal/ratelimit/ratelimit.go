// Package ratelimit throttles credential endpoints with per-key token buckets.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	tokens   float64
	rate     int
	lastSeen time.Time
}

// Decision is the outcome of one Take.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter is a token-bucket limiter keyed by arbitrary strings, such as
// "login|203.0.113.7". A bucket holds at most rate tokens and refills at
// rate per window.
type Limiter struct {
	mu          sync.Mutex
	buckets     map[string]*bucket
	defaultRate int
	window      time.Duration
	now         func() time.Time // injectable clock for testing
}

// New creates a Limiter that allows defaultRate requests per window.
func New(defaultRate int, window time.Duration) *Limiter {
	return &Limiter{
		buckets:     make(map[string]*bucket),
		defaultRate: defaultRate,
		window:      window,
		now:         time.Now,
	}
}

// Take consumes one token from key's bucket when available. A positive rate
// overrides the default for this key.
func (l *Limiter) Take(key string, rate int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rate <= 0 {
		rate = l.defaultRate
	}
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(rate), rate: rate, lastSeen: now}
		l.buckets[key] = b
	}
	b.rate = rate
	l.refill(b, now)
	if b.tokens > float64(rate) {
		b.tokens = float64(rate)
	}

	d := Decision{Limit: rate}
	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
	}
	d.Remaining = int(b.tokens)
	d.ResetAt = l.fullAt(b, now)
	return d
}

// Allow reports whether key may proceed, consuming a token if so.
func (l *Limiter) Allow(key string, rate int) bool {
	return l.Take(key, rate).Allowed
}

func (l *Limiter) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastSeen).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * float64(b.rate) / l.window.Seconds()
	if b.tokens > float64(b.rate) {
		b.tokens = float64(b.rate)
	}
	b.lastSeen = now
}

func (l *Limiter) fullAt(b *bucket, now time.Time) time.Time {
	deficit := float64(b.rate) - b.tokens
	if deficit <= 0 {
		return now
	}
	perSecond := float64(b.rate) / l.window.Seconds()
	return now.Add(time.Duration(deficit / perSecond * float64(time.Second)))
}

// Sweep drops buckets that have refilled completely. A full bucket behaves
// exactly like a missing one, so nothing is lost.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, b := range l.buckets {
		l.refill(b, now)
		if b.tokens >= float64(b.rate) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (l *Limiter) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-ctx.Done():
			return
		}
	}
}
