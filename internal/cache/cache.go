// Package cache serves ledger observations to pollers with bounded staleness.
// A value is served from memory while it is younger than the TTL; otherwise
// it is fetched again, with a small number of linearly backed-off retries.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/logger"
	"golang.org/x/sync/singleflight"
)

// Defaults match the polling API the cache sits behind.
const (
	DefaultTTL          = 10 * time.Second
	DefaultAttempts     = 3
	DefaultBaseDelay    = time.Second
	DefaultFetchTimeout = 15 * time.Second
)

// Fetcher loads the current value for key from the underlying source.
type Fetcher[V any] func(ctx context.Context, key string) (V, error)

// Recorder receives cache events, typically to export them as metrics.
type Recorder interface {
	CacheHit()
	CacheMiss()
	FetchAttempt(err error)
}

// FetchError is returned when every attempt failed. It wraps the last error.
type FetchError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("cache: fetch %q failed after %d attempts: %v", e.Key, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

type entry[V any] struct {
	value     V
	fetchedAt time.Time
}

// Cache is a TTL cache over a Fetcher. Lookups for different keys never wait
// on each other; concurrent misses on one key share a single fetch.
type Cache[V any] struct {
	fetch        Fetcher[V]
	ttl          time.Duration
	attempts     int
	baseDelay    time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
	recorder     Recorder

	mu      sync.RWMutex
	entries map[string]entry[V]
	flights singleflight.Group
}

// Option configures a Cache.
type Option func(*settings)

type settings struct {
	ttl          time.Duration
	attempts     int
	baseDelay    time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
	recorder     Recorder
}

func WithTTL(d time.Duration) Option {
	return func(s *settings) { s.ttl = d }
}

func WithAttempts(n int) Option {
	return func(s *settings) { s.attempts = n }
}

// WithBaseDelay sets the backoff unit; retry k waits k*d.
func WithBaseDelay(d time.Duration) Option {
	return func(s *settings) { s.baseDelay = d }
}

// WithFetchTimeout bounds each individual attempt. Zero disables the bound.
func WithFetchTimeout(d time.Duration) Option {
	return func(s *settings) { s.fetchTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// WithSleep replaces the backoff wait, mostly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *settings) { s.sleep = sleep }
}

func WithRecorder(r Recorder) Option {
	return func(s *settings) { s.recorder = r }
}

// New creates a Cache over fetch.
func New[V any](fetch Fetcher[V], opts ...Option) *Cache[V] {
	s := settings{
		ttl:          DefaultTTL,
		attempts:     DefaultAttempts,
		baseDelay:    DefaultBaseDelay,
		fetchTimeout: DefaultFetchTimeout,
		now:          time.Now,
		sleep:        sleepContext,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.attempts < 1 {
		s.attempts = 1
	}
	return &Cache[V]{
		fetch:        fetch,
		ttl:          s.ttl,
		attempts:     s.attempts,
		baseDelay:    s.baseDelay,
		fetchTimeout: s.fetchTimeout,
		now:          s.now,
		sleep:        s.sleep,
		recorder:     s.recorder,
		entries:      make(map[string]entry[V]),
	}
}

// Get returns the value for key, fetching it when there is no live entry.
// A caller that gives up through ctx gets ctx.Err(); the shared fetch keeps
// running and still updates the entry for everyone else.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, error) {
	if v, ok := c.live(key); ok {
		if c.recorder != nil {
			c.recorder.CacheHit()
		}
		return v, nil
	}
	if c.recorder != nil {
		c.recorder.CacheMiss()
	}

	ch := c.flights.DoChan(key, func() (interface{}, error) {
		// Another flight may have filled the entry since the lookup above.
		if v, ok := c.live(key); ok {
			return v, nil
		}
		return c.refresh(context.WithoutCancel(ctx), key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		return res.Val.(V), nil
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Peek returns the stored entry for key whatever its age.
func (c *Cache[V]) Peek(key string) (V, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e.value, e.fetchedAt, ok
}

// Invalidate drops the entry for key.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Sweep drops entries fetched more than maxAge ago and returns how many were
// removed. maxAge is clamped to the TTL so live entries always stay.
func (c *Cache[V]) Sweep(maxAge time.Duration) int {
	if maxAge < c.ttl {
		maxAge = c.ttl
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.entries {
		if now.Sub(e.fetchedAt) > maxAge {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache[V]) live(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().Sub(e.fetchedAt) >= c.ttl {
		var zero V
		return zero, false
	}
	return e.value, true
}

// refresh runs the retry loop. The entry is written only on success, so a
// failing source never erases a previously fetched value.
func (c *Cache[V]) refresh(ctx context.Context, key string) (V, error) {
	var lastErr error
	attempt := 1
	for ; attempt <= c.attempts; attempt++ {
		v, err := c.fetchOnce(ctx, key)
		if c.recorder != nil {
			c.recorder.FetchAttempt(err)
		}
		if err == nil {
			c.mu.Lock()
			c.entries[key] = entry[V]{value: v, fetchedAt: c.now()}
			c.mu.Unlock()
			return v, nil
		}
		lastErr = err
		logger.Warningf("Fetch %q attempt %d/%d failed: %v", key, attempt, c.attempts, err)
		if attempt == c.attempts {
			break
		}
		if err := c.sleep(ctx, time.Duration(attempt)*c.baseDelay); err != nil {
			lastErr = err
			break
		}
	}
	var zero V
	return zero, &FetchError{Key: key, Attempts: attempt, Err: lastErr}
}

func (c *Cache[V]) fetchOnce(ctx context.Context, key string) (V, error) {
	if c.fetchTimeout <= 0 {
		return c.fetch(ctx, key)
	}
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()
	return c.fetch(ctx, key)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
