package ratelimit

import (
	"sync"
	"time"
)

// Limiter answers whether key may take one more request in the current
// window, and when that window rolls over.
type Limiter interface {
	Allow(key string, limit int) (bool, time.Time)
}

// InMemoryLimiter counts requests per key over a fixed window.
type InMemoryLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	buckets map[string]*bucket
}

type bucket struct {
	start time.Time
	used  int
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window:  window,
		now:     func() time.Time { return time.Now().UTC() },
		buckets: make(map[string]*bucket),
	}
}

func (l *InMemoryLimiter) Allow(key string, limit int) (bool, time.Time) {
	if limit <= 0 {
		limit = 1
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok || !now.Before(b.start.Add(l.window)) {
		b = &bucket{start: now}
		l.buckets[key] = b
		l.sweep(now)
	}
	b.used++
	return b.used <= limit, b.start.Add(l.window)
}

// sweep drops expired buckets. It runs only when some window has already
// rolled over, so steady traffic pays nothing.
func (l *InMemoryLimiter) sweep(now time.Time) {
	for k, b := range l.buckets {
		if !now.Before(b.start.Add(l.window)) {
			delete(l.buckets, k)
		}
	}
}
