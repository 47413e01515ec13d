package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter spaces out requests per host for politeness. Each host gets its
// own token bucket allowing one request every delay.
type RateLimiter struct {
	limiters   map[string]*rate.Limiter // hostname -> limiter
	limitersMu sync.Mutex
	delay      time.Duration
	log        *logrus.Entry
}

// NewRateLimiter creates a RateLimiter. A zero or negative delay disables waiting.
func NewRateLimiter(delay time.Duration, log *logrus.Entry) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		delay:    delay,
		log:      log,
	}
}

func (rl *RateLimiter) limiterFor(host string) *rate.Limiter {
	rl.limitersMu.Lock()
	defer rl.limitersMu.Unlock()
	l, ok := rl.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Every(rl.delay), 1)
		rl.limiters[host] = l
	}
	return l
}

// Wait blocks until a request to host is allowed or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, host string) error {
	if rl.delay <= 0 {
		return nil
	}
	l := rl.limiterFor(host)
	r := l.Reserve()
	wait := r.Delay()
	if wait <= 0 {
		return nil
	}
	rl.log.WithFields(logrus.Fields{"host": host, "sleep": wait, "required_delay": rl.delay}).Debug("Rate limit applying sleep")
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// Hosts returns the number of hosts with a limiter.
func (rl *RateLimiter) Hosts() int {
	rl.limitersMu.Lock()
	defer rl.limitersMu.Unlock()
	return len(rl.limiters)
}
