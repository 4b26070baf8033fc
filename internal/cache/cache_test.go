package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedSource fails the first failures calls, then returns value.
type scriptedSource struct {
	calls    atomic.Int32
	failures int32
	value    float64
}

func (s *scriptedSource) fetch(ctx context.Context, key string) (float64, error) {
	n := s.calls.Add(1)
	if n <= s.failures {
		return 0, errors.New("upstream unavailable")
	}
	return s.value, nil
}

type sleepLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (l *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delays = append(l.delays, d)
	return nil
}

func TestCache_ServesWithinTTL(t *testing.T) {
	clock := newFakeClock()
	src := &scriptedSource{value: 5.0}
	c := New(src.fetch, WithTTL(10*time.Second), WithClock(clock.Now))
	ctx := context.Background()

	v, err := c.Get(ctx, "balance")
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)
	assert.EqualValues(t, 1, src.calls.Load())

	clock.Advance(5 * time.Second)
	v, err = c.Get(ctx, "balance")
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)
	assert.EqualValues(t, 1, src.calls.Load(), "read within TTL must not fetch")

	clock.Advance(6 * time.Second)
	_, err = c.Get(ctx, "balance")
	require.NoError(t, err)
	assert.EqualValues(t, 2, src.calls.Load(), "read after TTL must fetch")
}

func TestCache_RetrySucceedsOnLastAttempt(t *testing.T) {
	src := &scriptedSource{failures: 2, value: 1.5}
	sleeps := &sleepLog{}
	c := New(src.fetch, WithAttempts(3), WithBaseDelay(time.Second), WithSleep(sleeps.sleep))

	v, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)
	assert.EqualValues(t, 3, src.calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps.delays)
}

func TestCache_RetryExhaustionKeepsPriorEntry(t *testing.T) {
	clock := newFakeClock()
	src := &scriptedSource{value: 7}
	sleeps := &sleepLog{}
	c := New(src.fetch, WithTTL(time.Second), WithClock(clock.Now), WithSleep(sleeps.sleep))
	ctx := context.Background()

	_, err := c.Get(ctx, "k")
	require.NoError(t, err)
	_, fetchedAt, ok := c.Peek("k")
	require.True(t, ok)

	// Every call from now on fails.
	src.failures = 1 << 30
	clock.Advance(2 * time.Second)

	_, err = c.Get(ctx, "k")
	require.Error(t, err)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 3, fe.Attempts)
	assert.Equal(t, "k", fe.Key)
	assert.EqualError(t, errors.Unwrap(err), "upstream unavailable")

	v, at, ok := c.Peek("k")
	require.True(t, ok, "stale entry must survive a failed refresh")
	assert.Equal(t, 7.0, v)
	assert.Equal(t, fetchedAt, at)
	assert.EqualValues(t, 4, src.calls.Load())
}

func TestCache_FailureWithoutPriorEntryWritesNothing(t *testing.T) {
	src := &scriptedSource{failures: 3, value: 1}
	c := New(src.fetch, WithSleep((&sleepLog{}).sleep))

	_, err := c.Get(context.Background(), "k")
	require.Error(t, err)
	assert.Equal(t, 0, c.Len())
}

func TestCache_ReplacesEqualValue(t *testing.T) {
	clock := newFakeClock()
	src := &scriptedSource{value: 3}
	c := New(src.fetch, WithTTL(time.Second), WithClock(clock.Now))

	_, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	clock.Advance(2 * time.Second)
	_, err = c.Get(context.Background(), "k")
	require.NoError(t, err)

	_, at, _ := c.Peek("k")
	assert.Equal(t, clock.Now(), at, "identical value must still refresh the timestamp")
}

func TestCache_KeysAreIndependent(t *testing.T) {
	release := make(chan struct{})
	fetch := func(ctx context.Context, key string) (float64, error) {
		if key == "slow" {
			<-release
		}
		return 1, nil
	}
	c := New(fetch)

	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		c.Get(context.Background(), "slow")
	}()

	fastDone := make(chan error, 1)
	go func() {
		_, err := c.Get(context.Background(), "fast")
		fastDone <- err
	}()

	select {
	case err := <-fastDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("lookup for an unrelated key waited on a slow fetch")
	}
	close(release)
	<-slowDone
}

func TestCache_AbandonedCallerDoesNotCorruptEntry(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(ctx context.Context, key string) (float64, error) {
		calls.Add(1)
		<-release
		return 42, nil
	}
	c := New(fetch)

	ctx, cancel := context.WithCancel(context.Background())
	abandoned := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, "k")
		abandoned <- err
	}()

	waiter := make(chan float64, 1)
	go func() {
		// Give the first caller time to start the flight.
		time.Sleep(50 * time.Millisecond)
		v, _ := c.Get(context.Background(), "k")
		waiter <- v
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-abandoned, context.Canceled)

	close(release)
	assert.Equal(t, 42.0, <-waiter)
	v, _, ok := c.Peek("k")
	require.True(t, ok)
	assert.Equal(t, 42.0, v)
	assert.EqualValues(t, 1, calls.Load(), "concurrent misses share one fetch")
}

type countingRecorder struct {
	hits, misses, attempts, failures int
}

func (r *countingRecorder) CacheHit() { r.hits++ }

func (r *countingRecorder) CacheMiss() { r.misses++ }

func (r *countingRecorder) FetchAttempt(err error) {
	r.attempts++
	if err != nil {
		r.failures++
	}
}

func TestCache_Recorder(t *testing.T) {
	rec := &countingRecorder{}
	src := &scriptedSource{failures: 1, value: 2}
	c := New(src.fetch, WithRecorder(rec), WithSleep((&sleepLog{}).sleep))

	c.Get(context.Background(), "k")
	c.Get(context.Background(), "k")

	assert.Equal(t, 1, rec.hits)
	assert.Equal(t, 1, rec.misses)
	assert.Equal(t, 2, rec.attempts)
	assert.Equal(t, 1, rec.failures)
}

func TestCache_Invalidate(t *testing.T) {
	src := &scriptedSource{value: 1}
	c := New(src.fetch)
	c.Get(context.Background(), "k")
	c.Invalidate("k")
	c.Get(context.Background(), "k")
	assert.EqualValues(t, 2, src.calls.Load())
}

func TestCache_SweepDropsStaleEntries(t *testing.T) {
	clock := newFakeClock()
	src := &scriptedSource{value: 1}
	c := New(src.fetch, WithClock(clock.Now), WithTTL(10*time.Second))
	ctx := context.Background()

	_, err := c.Get(ctx, "old")
	require.NoError(t, err)
	clock.Advance(4 * time.Minute)
	_, err = c.Get(ctx, "fresh")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, c.Sweep(5*time.Minute))
	assert.Equal(t, 1, c.Len())
	_, _, ok := c.Peek("old")
	assert.False(t, ok)
	_, _, ok = c.Peek("fresh")
	assert.True(t, ok)
}

func TestCache_SweepKeepsLiveEntries(t *testing.T) {
	clock := newFakeClock()
	src := &scriptedSource{value: 1}
	c := New(src.fetch, WithClock(clock.Now), WithTTL(10*time.Second))

	_, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	clock.Advance(5 * time.Second)
	assert.Equal(t, 0, c.Sweep(time.Second), "retention is clamped to the TTL")
	assert.Equal(t, 1, c.Len())
}
