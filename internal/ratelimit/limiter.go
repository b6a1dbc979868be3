package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter throttles websocket connection attempts per remote host. The
// listen path embeds a random token, so throttling upgrade attempts also
// bounds how fast anyone can guess at it.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewLimiter allows attemptsPerMinute sustained connection attempts per
// remote host, with the given burst.
func NewLimiter(attemptsPerMinute int, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(attemptsPerMinute) / 60.0),
		burst:    burst,
	}
}

func (l *Limiter) forHost(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[host]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[host] = limiter
	}
	return limiter
}

// Allow reports whether a connection attempt from host may proceed.
func (l *Limiter) Allow(host string) bool {
	return l.forHost(host).Allow()
}
