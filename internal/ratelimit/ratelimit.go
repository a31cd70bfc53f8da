// Package ratelimit meters API users with one token bucket each.
// Buckets refill lazily when charged; Prune drops buckets of users that
// have gone quiet.
package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ErrRateLimited matches every *LimitedError.
var ErrRateLimited = errors.New("rate limit exceeded")

// LimitedError reports a refused charge and when it would next succeed.
type LimitedError struct {
	RetryAfter time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("%v: retry in %s", ErrRateLimited, e.RetryAfter.Round(time.Second))
}

func (e *LimitedError) Unwrap() error { return ErrRateLimited }

// Config configures the limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited.
	BurstSize         int // Bucket capacity. 0 = RequestsPerMinute.
}

// Limiter holds the buckets of every user.
type Limiter struct {
	mu    sync.Mutex
	users map[string]*bucket
	rate  float64 // tokens per second
	burst float64
	now   func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a limiter. With RequestsPerMinute 0 every charge succeeds.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		users: make(map[string]*bucket),
		rate:  float64(cfg.RequestsPerMinute) / 60.0,
		burst: float64(burst),
		now:   time.Now,
	}
}

// Allow charges one token to userID.
func (l *Limiter) Allow(userID string) error {
	return l.Take(userID, 1)
}

// Take charges cost tokens to userID, all or nothing. A cost above the
// bucket capacity can never succeed and is refused without a retry hint.
func (l *Limiter) Take(userID string, cost int) error {
	if l.rate <= 0 || cost <= 0 {
		return nil
	}
	if float64(cost) > l.burst {
		return fmt.Errorf("%w: cost %d exceeds burst %d", ErrRateLimited, cost, int(l.burst))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(userID)
	need := float64(cost)
	if b.tokens < need {
		wait := (need - b.tokens) / l.rate
		return &LimitedError{RetryAfter: time.Duration(math.Ceil(wait*1000)) * time.Millisecond}
	}
	b.tokens -= need
	return nil
}

// Prune drops the buckets that have been full for at least idle, which
// behave exactly like new ones. Returns how many were dropped.
func (l *Limiter) Prune(idle time.Duration) int {
	if l.rate <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	dropped := 0
	for user, b := range l.users {
		fullAt := b.lastFill.Add(time.Duration((l.burst - b.tokens) / l.rate * float64(time.Second)))
		if now.Sub(fullAt) >= idle {
			delete(l.users, user)
			dropped++
		}
	}
	return dropped
}

// refill tops up the bucket of userID for the time since its last charge.
// Callers hold l.mu.
func (l *Limiter) refill(userID string) *bucket {
	now := l.now()
	b, ok := l.users[userID]
	if !ok {
		b = &bucket{tokens: l.burst, lastFill: now}
		l.users[userID] = b
		return b
	}
	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.lastFill).Seconds()*l.rate)
	b.lastFill = now
	return b
}
