package bot

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter throttles inbound messages per user. Idle entries are evicted by
// RunEvictionLoop so the map does not grow with every user ever seen.
type Limiter struct {
	limit rate.Limit
	burst int

	mu           sync.Mutex
	users        map[int64]*userLimiter
	evictRunning bool
}

type userLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewLimiter allows perMinute messages per user with the given burst. perMinute <= 0
// disables limiting.
func NewLimiter(perMinute float64, burst int) *Limiter {
	l := rate.Inf
	if perMinute > 0 {
		l = rate.Limit(perMinute / 60)
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{limit: l, burst: burst, users: map[int64]*userLimiter{}}
}

func (l *Limiter) Allow(userID int64) bool {
	return l.allowAt(userID, time.Now())
}

func (l *Limiter) allowAt(userID int64, now time.Time) bool {
	if l == nil || l.limit == rate.Inf {
		return true
	}
	l.mu.Lock()
	u, ok := l.users[userID]
	if !ok {
		u = &userLimiter{lim: rate.NewLimiter(l.limit, l.burst)}
		l.users[userID] = u
	}
	u.lastSeen = now
	l.mu.Unlock()
	return u.lim.AllowN(now, 1)
}

func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.users)
}

// RunEvictionLoop drops entries idle for longer than idle, checking every interval,
// until ctx is done. It returns immediately when either duration is not positive or a
// loop is already running.
func (l *Limiter) RunEvictionLoop(ctx context.Context, idle, interval time.Duration) {
	if l == nil || idle <= 0 || interval <= 0 {
		return
	}
	l.mu.Lock()
	if l.evictRunning {
		l.mu.Unlock()
		return
	}
	l.evictRunning = true
	l.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.evictRunning = false
			l.mu.Unlock()
			return
		case now := <-ticker.C:
			l.evictIdleOnce(now, idle)
		}
	}
}

func (l *Limiter) evictIdleOnce(now time.Time, idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for id, u := range l.users {
		if now.Sub(u.lastSeen) >= idle {
			delete(l.users, id)
			evicted++
		}
	}
	return evicted
}
