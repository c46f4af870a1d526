package identity

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AttemptLimiter throttles failed sign-ins per login email with a token
// bucket. A successful sign-in resets the bucket.
type AttemptLimiter struct {
	mu      sync.Mutex
	burst   int
	every   time.Duration
	buckets map[string]*attemptBucket
	now     func() time.Time
}

type attemptBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewAttemptLimiter allows burst failures, refilling one every interval.
func NewAttemptLimiter(burst int, every time.Duration) *AttemptLimiter {
	if burst <= 0 {
		burst = 5
	}
	if every <= 0 {
		every = time.Minute
	}
	return &AttemptLimiter{
		burst:   burst,
		every:   every,
		buckets: make(map[string]*attemptBucket),
		now:     time.Now,
	}
}

// Allow reports whether another attempt for key may proceed.
func (l *AttemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucket(key)
	return b.lim.TokensAt(l.now()) >= 1
}

// Fail consumes one token for key.
func (l *AttemptLimiter) Fail(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bucket(key).lim.AllowN(l.now(), 1)
}

// Reset forgets the failures recorded for key.
func (l *AttemptLimiter) Reset(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.buckets, normalizeKey(key))
	l.mu.Unlock()
}

// Sweep drops buckets idle for longer than ttl.
func (l *AttemptLimiter) Sweep(ttl time.Duration) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for k, b := range l.buckets {
		if now.Sub(b.seen) > ttl {
			delete(l.buckets, k)
		}
	}
}

func (l *AttemptLimiter) bucket(key string) *attemptBucket {
	key = normalizeKey(key)
	b, ok := l.buckets[key]
	if !ok {
		b = &attemptBucket{lim: rate.NewLimiter(rate.Every(l.every), l.burst)}
		l.buckets[key] = b
	}
	b.seen = l.now()
	return b
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
