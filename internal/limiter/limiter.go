// Package limiter bounds how often each client may poll read endpoints.
package limiter

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Defaults allow five requests per ten seconds per client.
const (
	DefaultRequests = 5
	DefaultWindow   = 10 * time.Second
	DefaultIdleTTL  = time.Minute
)

// Decision is the outcome of Check. RetryAfter is set only when denied.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	RetryAfter time.Duration `json:"-"`
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, at least one.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	s := int(math.Ceil(d.RetryAfter.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

type bucket struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	lastSeen time.Time
}

// take admits one request at now. A denial leaves the bucket untouched and
// reports how long until a whole token is available.
func (b *bucket) take(now time.Time) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limiter.AllowN(now, 1) {
		return Decision{Allowed: true}
	}
	missing := 1 - b.limiter.TokensAt(now)
	wait := time.Duration(missing / float64(b.limiter.Limit()) * float64(time.Second))
	if wait <= 0 {
		wait = time.Nanosecond
	}
	return Decision{Allowed: false, RetryAfter: wait}
}

// Limiter keeps one token bucket per client. Tokens refill with elapsed time
// only; a denied request takes nothing from the bucket.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithIdleTTL sets how long an unused bucket is kept by Sweep.
func WithIdleTTL(d time.Duration) Option {
	return func(l *Limiter) { l.idleTTL = d }
}

// New creates a Limiter allowing requests per window for each client, with
// bursts of up to requests.
func New(requests int, window time.Duration, opts ...Option) *Limiter {
	if requests <= 0 {
		requests = DefaultRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Limiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Every(window / time.Duration(requests)),
		burst:   requests,
		idleTTL: DefaultIdleTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	// A bucket idle for a full window is full again, so dropping it is safe.
	if l.idleTTL < window {
		l.idleTTL = window
	}
	return l
}

// Check takes one token for clientID if one is available. It never blocks.
func (l *Limiter) Check(clientID string) Decision {
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[clientID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[clientID] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	return b.take(now)
}

// Sweep drops buckets that have been idle for longer than the idle TTL and
// returns how many were removed.
func (l *Limiter) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idleTTL {
			delete(l.buckets, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
