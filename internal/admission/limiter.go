package admission

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultWindow  = 60 * time.Second
	DefaultCeiling = 100
)

// Limiter rate-limits new session attempts per client identity using a
// sliding window of admitted-request timestamps. It is an injected component;
// callers construct one instance and share it across handlers.
type Limiter struct {
	mu       sync.Mutex
	window   time.Duration
	ceiling  int
	requests map[string][]time.Time
}

func NewLimiter(window time.Duration, ceiling int) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Limiter{
		window:   window,
		ceiling:  ceiling,
		requests: make(map[string][]time.Time),
	}
}

// Admit reports whether a new session attempt from identity may proceed.
// Timestamps older than the window are pruned before every check; a denied
// attempt is not recorded. Admit never fails.
func (l *Limiter) Admit(identity string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.requests[identity][:0]
	for _, ts := range l.requests[identity] {
		if now.Sub(ts) < l.window {
			recent = append(recent, ts)
		}
	}

	if len(recent) >= l.ceiling {
		l.requests[identity] = recent
		return false
	}

	l.requests[identity] = append(recent, now)
	return true
}

// Prune drops identities whose entries have all aged out, so the map does not
// grow with every identity ever seen.
func (l *Limiter) Prune(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for identity, stamps := range l.requests {
		live := false
		for _, ts := range stamps {
			if now.Sub(ts) < l.window {
				live = true
				break
			}
		}
		if !live {
			delete(l.requests, identity)
		}
	}
}

// StartPruner periodically drops fully-aged identities until ctx is done.
func (l *Limiter) StartPruner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Prune(time.Now())
			}
		}
	}()
}
