package memory

import (
	"context"
	"sync"
	"time"

	"github.com/go-codegate/internal/domain"
	"github.com/go-codegate/internal/pkg/slidingwindow"
)

type bucket struct {
	index int64
	count int
}

type window struct {
	prev, cur bucket
}

// Limiter is the in-process sliding-window rate limiter.
type Limiter struct {
	mu     sync.Mutex
	keys   map[string]*window
	limit  int
	window time.Duration
	now    func() time.Time
	lastGC time.Time
}

func NewLimiter(limit int, window time.Duration) *Limiter {
	return NewLimiterWithClock(limit, window, time.Now)
}

func NewLimiterWithClock(limit int, w time.Duration, now func() time.Time) *Limiter {
	return &Limiter{
		keys:   make(map[string]*window),
		limit:  limit,
		window: w,
		now:    now,
		lastGC: now(),
	}
}

func (l *Limiter) Limit(_ context.Context, key string) (domain.RateLimitResult, error) {
	now := l.now()
	sw := slidingwindow.At(now, l.window)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.gc(now, sw.Bucket)

	w, ok := l.keys[key]
	if !ok {
		w = &window{cur: bucket{index: sw.Bucket}}
		l.keys[key] = w
	}
	w.roll(sw.Bucket)

	budget := sw.Budget(l.limit, w.prev.count)
	if w.cur.count >= budget {
		return domain.RateLimitResult{Allowed: false, Limit: l.limit, ResetAt: sw.Reset}, nil
	}
	w.cur.count++
	return domain.RateLimitResult{
		Allowed:   true,
		Limit:     l.limit,
		Remaining: budget - w.cur.count,
		ResetAt:   sw.Reset,
	}, nil
}

// roll advances the window so cur is the bucket at idx.
func (w *window) roll(idx int64) {
	switch {
	case w.cur.index == idx:
	case w.cur.index == idx-1:
		w.prev = w.cur
		w.cur = bucket{index: idx}
	default:
		w.prev = bucket{index: idx - 1}
		w.cur = bucket{index: idx}
	}
}

// gc drops keys whose buckets can no longer affect a decision. Runs at most once per window.
func (l *Limiter) gc(now time.Time, idx int64) {
	if now.Sub(l.lastGC) < l.window {
		return
	}
	l.lastGC = now
	for k, w := range l.keys {
		if w.cur.index < idx-1 {
			delete(l.keys, k)
		}
	}
}
