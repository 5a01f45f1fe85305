package timers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/appointly/appointly/libs/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestMemory_FiresCancelsAndReplaces(t *testing.T) {
	c := clock.NewFake(t0)
	m := NewMemory(c, nil)
	var fired []string
	m.Handle(func(_ context.Context, key string) error {
		fired = append(fired, key)
		return nil
	})
	ctx := context.Background()

	require.NoError(t, m.Schedule(ctx, "a", t0.Add(10*time.Minute)))
	require.NoError(t, m.Schedule(ctx, "b", t0.Add(5*time.Minute)))
	require.NoError(t, m.Schedule(ctx, "c", t0.Add(5*time.Minute)))
	require.NoError(t, m.Cancel(ctx, "c"))
	// moving a later replaces the first deadline
	require.NoError(t, m.Schedule(ctx, "a", t0.Add(20*time.Minute)))

	c.Advance(10 * time.Minute)
	assert.Equal(t, []string{"b"}, fired)
	assert.True(t, m.Pending("a"))
	assert.False(t, m.Pending("c"))

	c.Advance(10 * time.Minute)
	assert.Equal(t, []string{"b", "a"}, fired)
	assert.False(t, m.Pending("a"))
	assert.Zero(t, c.Pending())
}

func TestMemory_HandlerMayRescheduleFromCallback(t *testing.T) {
	c := clock.NewFake(t0)
	m := NewMemory(c, nil)
	count := 0
	m.Handle(func(ctx context.Context, key string) error {
		count++
		if count < 3 {
			return m.Schedule(ctx, key, c.Now().Add(time.Minute))
		}
		return nil
	})
	require.NoError(t, m.Schedule(context.Background(), "k", t0.Add(time.Minute)))
	c.Advance(time.Hour)
	assert.Equal(t, 3, count)
}

func newRedis(t *testing.T) (*Redis, *clock.Fake, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := clock.NewFake(t0)
	return NewRedis(rdb, c, nil, RedisConfig{Set: "test:timers", RetryWait: time.Minute}), c, mr
}

func TestRedis_FiresDueKeysOnce(t *testing.T) {
	r, c, _ := newRedis(t)
	ctx := context.Background()
	var fired []string
	r.Handle(func(_ context.Context, key string) error {
		fired = append(fired, key)
		return nil
	})

	require.NoError(t, r.Schedule(ctx, "entry-1", t0.Add(15*time.Minute)))
	require.NoError(t, r.Schedule(ctx, "entry-2", t0.Add(30*time.Minute)))
	require.NoError(t, r.Schedule(ctx, "entry-3", t0.Add(5*time.Minute)))
	require.NoError(t, r.Cancel(ctx, "entry-3"))

	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	c.Advance(15 * time.Minute)
	n, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"entry-1"}, fired)

	n, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	at, ok, err := r.Deadline(ctx, "entry-2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, at.Equal(t0.Add(30*time.Minute)))
}

func TestRedis_FailedHandlerIsRetried(t *testing.T) {
	r, c, _ := newRedis(t)
	ctx := context.Background()
	calls := 0
	r.Handle(func(context.Context, string) error {
		calls++
		if calls == 1 {
			return errors.New("database unavailable")
		}
		return nil
	})

	require.NoError(t, r.Schedule(ctx, "entry-1", t0))
	_, err := r.RunOnce(ctx)
	require.NoError(t, err)

	at, ok, err := r.Deadline(ctx, "entry-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, at.Equal(t0.Add(time.Minute)))

	c.Advance(time.Minute)
	_, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	_, ok, err = r.Deadline(ctx, "entry-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
