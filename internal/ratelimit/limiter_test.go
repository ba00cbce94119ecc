package ratelimit

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(store Store, clock *fakeClock) *Limiter {
	l := New(store,
		Rule{Max: 60, Window: time.Minute},
		Rule{Method: "POST", Prefix: "/upload/", Max: 5, Window: time.Minute},
		Rule{Method: "POST", Prefix: "/links", Max: 10, Window: time.Minute},
		Rule{Prefix: "/video/", Max: 30, Window: time.Minute},
	)
	l.now = clock.now
	return l
}

func TestLimiter_RejectsSixthRequestThenResets(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	l := newTestLimiter(NewMemoryStore(), clock)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d, err := l.Check(ctx, "10.0.0.1", "POST", "/upload/abc")
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d should pass", i)
		assert.Equal(t, 5-i, d.Remaining)
		clock.advance(time.Second)
	}

	d, err := l.Check(ctx, "10.0.0.1", "POST", "/upload/abc")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 55*time.Second, d.RetryAfter)
	assert.Equal(t, 55, d.RetryAfterSeconds())

	// other clients and other routes are unaffected
	d, err = l.Check(ctx, "10.0.0.2", "POST", "/upload/abc")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = l.Check(ctx, "10.0.0.1", "GET", "/video/abc")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	clock.advance(56 * time.Second)
	d, err = l.Check(ctx, "10.0.0.1", "POST", "/upload/abc")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 4, d.Remaining)
}

func TestLimiter_PrefixSharesWindowAcrossCodes(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	l := newTestLimiter(NewMemoryStore(), clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := l.Check(ctx, "c", "POST", "/upload/code"+string(rune('a'+i)))
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.Check(ctx, "c", "POST", "/upload/another")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestLimiter_RuleFor(t *testing.T) {
	l := newTestLimiter(NewMemoryStore(), &fakeClock{})

	assert.Equal(t, 5, l.RuleFor("POST", "/upload/x").Max)
	assert.Equal(t, 5, l.RuleFor("post", "/upload/x").Max)
	assert.Equal(t, 60, l.RuleFor("GET", "/upload/x").Max)
	assert.Equal(t, 60, l.RuleFor("GET", "/upload-status/x").Max)
	assert.Equal(t, 10, l.RuleFor("POST", "/links").Max)
	assert.Equal(t, 60, l.RuleFor("GET", "/links").Max)
	assert.Equal(t, 30, l.RuleFor("HEAD", "/video/x").Max)
	assert.Equal(t, 60, l.RuleFor("GET", "/health").Max)
}

func TestLimiter_MethodRuleWinsOnEqualPrefix(t *testing.T) {
	l := New(NewMemoryStore(),
		Rule{Max: 60, Window: time.Minute},
		Rule{Prefix: "/upload/", Max: 20, Window: time.Minute},
		Rule{Method: "POST", Prefix: "/upload/", Max: 5, Window: time.Minute},
	)

	assert.Equal(t, 5, l.RuleFor("POST", "/upload/x").Max)
	assert.Equal(t, 20, l.RuleFor("GET", "/upload/x").Max)
	assert.Equal(t, "POST /upload/", l.RuleFor("POST", "/upload/x").Name())
	assert.Equal(t, "/upload/", l.RuleFor("GET", "/upload/x").Name())
}

func TestLimiter_StatusPollingDoesNotSpendUploadQuota(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	l := newTestLimiter(NewMemoryStore(), clock)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		d, err := l.Check(ctx, "c", "GET", "/upload/abc")
		require.NoError(t, err)
		require.True(t, d.Allowed)
		assert.Equal(t, 60, d.Limit)
		clock.advance(2 * time.Second)
	}

	d, err := l.Check(ctx, "c", "POST", "/upload/abc")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 4, d.Remaining)
}

func TestDecision_RetryAfterSecondsFloor(t *testing.T) {
	assert.Equal(t, 1, Decision{RetryAfter: 10 * time.Millisecond}.RetryAfterSeconds())
	assert.Equal(t, 1, Decision{}.RetryAfterSeconds())
	assert.Equal(t, 3, Decision{RetryAfter: 2100 * time.Millisecond}.RetryAfterSeconds())
}

type failingStore struct{}

func (failingStore) Take(context.Context, string, int, time.Duration, time.Time) (Window, error) {
	return Window{}, errors.New("store down")
}

func TestLimiter_StoreError(t *testing.T) {
	l := newTestLimiter(failingStore{}, &fakeClock{})
	_, err := l.Check(context.Background(), "c", "POST", "/links")
	assert.Error(t, err)
}

func TestMemoryStore_Sweep(t *testing.T) {
	s := NewMemoryStore()
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	_, err := s.Take(ctx, "old", 5, time.Minute, start)
	require.NoError(t, err)
	_, err = s.Take(ctx, "fresh", 5, time.Minute, start.Add(5*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 2, s.Len())

	removed := s.Sweep(start.Add(7*time.Minute), 5*time.Minute)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_RunStopsOnCancel(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, time.Millisecond, time.Minute, zapNop())
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	prefix := "goster-test-" + time.Now().Format("150405.000000")
	store := NewRedisStore(client, prefix)
	now := time.Now()

	for i := 1; i <= 3; i++ {
		w, err := store.Take(ctx, "client", 3, time.Minute, now)
		require.NoError(t, err)
		assert.True(t, w.Allowed)
		assert.Equal(t, i, w.Count)
	}
	w, err := store.Take(ctx, "client", 3, time.Minute, now)
	require.NoError(t, err)
	assert.False(t, w.Allowed)
	assert.WithinDuration(t, now, w.Start, 2*time.Second)

	require.NoError(t, client.Del(ctx, prefix+":client").Err())
}
