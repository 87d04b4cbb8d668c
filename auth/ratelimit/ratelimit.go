// Package ratelimit implements a fixed-window request limiter keyed by
// client. Windows live in a bounded expiring LRU cache owned by the limiter,
// so memory use is capped and stale clients are evicted without a sweeper.
package ratelimit

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultCapacity = 10000
	DefaultMax      = 5
	DefaultWindow   = 5 * time.Minute
)

type window struct {
	start time.Time
	count int
}

// Limiter allows at most max requests per key in every window.
type Limiter struct {
	mu     sync.Mutex
	cache  *expirable.LRU[string, *window]
	max    int
	window time.Duration
	now    func() time.Time
}

// New returns a limiter tracking up to capacity keys. Non-positive values
// select the defaults.
func New(capacity, max int, win time.Duration) *Limiter {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if max <= 0 {
		max = DefaultMax
	}
	if win <= 0 {
		win = DefaultWindow
	}
	return &Limiter{
		cache:  expirable.NewLRU[string, *window](capacity, nil, win),
		max:    max,
		window: win,
		now:    time.Now,
	}
}

// Allow records a request of key and reports whether it is within the limit.
// When it is not, it also returns how long until the window resets.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	w, ok := l.cache.Get(key)
	if !ok || now.Sub(w.start) >= l.window {
		l.cache.Add(key, &window{start: now, count: 1})
		return true, 0
	}
	if w.count >= l.max {
		return false, w.start.Add(l.window).Sub(now)
	}
	w.count++
	return true, 0
}

// Reset forgets the window of key.
func (l *Limiter) Reset(key string) {
	l.cache.Remove(key)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	return l.cache.Len()
}
