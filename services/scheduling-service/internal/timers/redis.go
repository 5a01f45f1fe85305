package timers

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/appointly/appointly/libs/clock"
	"github.com/redis/go-redis/v9"
)

// Redis stores deadlines in a sorted set scored by unix milliseconds, so
// timers survive restarts and are shared between worker replicas. A replica
// owns a due key once its ZREM succeeds.
type Redis struct {
	rdb       *redis.Client
	set       string
	clock     clock.Clock
	logger    *slog.Logger
	interval  time.Duration
	batch     int64
	retryWait time.Duration

	mu      sync.RWMutex
	handler Handler
}

type RedisConfig struct {
	// Set is the sorted set name.
	Set          string
	PollInterval time.Duration
	Batch        int
	// RetryWait re-arms a key whose handler failed.
	RetryWait time.Duration
}

func NewRedis(rdb *redis.Client, c clock.Clock, logger *slog.Logger, cfg RedisConfig) *Redis {
	if cfg.Set == "" {
		cfg.Set = "appointly:timers"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 30 * time.Second
	}
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		rdb:       rdb,
		set:       cfg.Set,
		clock:     c,
		logger:    logger,
		interval:  cfg.PollInterval,
		batch:     int64(cfg.Batch),
		retryWait: cfg.RetryWait,
	}
}

func (r *Redis) Handle(h Handler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

func (r *Redis) Schedule(ctx context.Context, key string, at time.Time) error {
	return r.rdb.ZAdd(ctx, r.set, redis.Z{Score: float64(at.UnixMilli()), Member: key}).Err()
}

func (r *Redis) Cancel(ctx context.Context, key string) error {
	return r.rdb.ZRem(ctx, r.set, key).Err()
}

// Deadline returns the armed deadline for key.
func (r *Redis) Deadline(ctx context.Context, key string) (time.Time, bool, error) {
	score, err := r.rdb.ZScore(ctx, r.set, key).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)).UTC(), true, nil
}

func (r *Redis) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error("timer poll failed", "err", err)
			}
		}
	}
}

// RunOnce fires every key due at the clock's now and returns how many ran.
func (r *Redis) RunOnce(ctx context.Context) (int, error) {
	now := r.clock.Now()
	keys, err := r.rdb.ZRangeByScore(ctx, r.set, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: r.batch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list due timers: %w", err)
	}

	r.mu.RLock()
	h := r.handler
	r.mu.RUnlock()

	fired := 0
	for _, key := range keys {
		removed, err := r.rdb.ZRem(ctx, r.set, key).Result()
		if err != nil {
			return fired, err
		}
		if removed == 0 {
			// claimed by another replica or cancelled
			continue
		}
		fired++
		if h == nil {
			r.logger.Warn("timer fired without handler", "key", key)
			continue
		}
		if err := h(ctx, key); err != nil {
			r.logger.Error("timer handler failed, rescheduling", "key", key, "err", err)
			retryAt := r.clock.Now().Add(r.retryWait)
			if err := r.rdb.ZAddNX(ctx, r.set, redis.Z{Score: float64(retryAt.UnixMilli()), Member: key}).Err(); err != nil {
				return fired, err
			}
		}
	}
	return fired, nil
}
