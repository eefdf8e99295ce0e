package quota

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucketKey struct {
	action    Action
	principal string
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// LocalLimiter keeps a token bucket per (action, principal) in memory. A
// bucket holds Limit tokens and refills at Limit per Window, so bursts up to
// the full quota are allowed. Quotas are not shared between processes.
type LocalLimiter struct {
	rules Rules
	now   func() time.Time

	mu        sync.Mutex
	buckets   map[bucketKey]*bucket
	lastSweep time.Time
}

func NewLocalLimiter(rules Rules) *LocalLimiter {
	return &LocalLimiter{
		rules:   rules,
		now:     time.Now,
		buckets: make(map[bucketKey]*bucket),
	}
}

func (l *LocalLimiter) Allow(_ context.Context, action Action, principal string) error {
	rule, ok := l.rules[action]
	if !ok || rule.Limit <= 0 || rule.Window <= 0 {
		return nil
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	key := bucketKey{action, principal}
	b := l.buckets[key]
	if b == nil {
		every := rule.Window / time.Duration(rule.Limit)
		b = &bucket{lim: rate.NewLimiter(rate.Every(every), rule.Limit)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.sweepLocked(now)

	if !b.lim.AllowN(now, 1) {
		return exceeded(action, principal, rule)
	}
	return nil
}

// sweepLocked drops buckets idle for longer than their window; such a bucket
// has refilled completely and is equivalent to a new one.
func (l *LocalLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < time.Minute {
		return
	}
	l.lastSweep = now
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.rules[k.action].Window {
			delete(l.buckets, k)
		}
	}
}
