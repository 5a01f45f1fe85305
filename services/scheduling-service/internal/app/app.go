// Package app wires the scheduling engine for the api and worker binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/appointly/appointly/libs/clock"
	"github.com/appointly/appointly/libs/db"
	"github.com/appointly/appointly/libs/kafkax"
	"github.com/appointly/appointly/libs/redisx"
	"github.com/appointly/appointly/libs/runtime"
	"github.com/appointly/appointly/services/scheduling-service/internal/availability"
	"github.com/appointly/appointly/services/scheduling-service/internal/blocks"
	"github.com/appointly/appointly/services/scheduling-service/internal/booking"
	"github.com/appointly/appointly/services/scheduling-service/internal/delivery"
	"github.com/appointly/appointly/services/scheduling-service/internal/payments"
	"github.com/appointly/appointly/services/scheduling-service/internal/policy"
	"github.com/appointly/appointly/services/scheduling-service/internal/recurrence"
	"github.com/appointly/appointly/services/scheduling-service/internal/storage/postgres"
	"github.com/appointly/appointly/services/scheduling-service/internal/timers"
	"github.com/appointly/appointly/services/scheduling-service/internal/waitlist"
	"github.com/redis/go-redis/v9"
)

// App holds the components shared by both binaries.
type App struct {
	Config Config
	Logger *slog.Logger
	Clock  clock.Clock

	Pool  *db.Pool
	Store *postgres.Store
	// Redis is nil when REDIS_ADDR is unset; timers then live in memory.
	Redis *redis.Client

	Policies   policy.Provider
	Timers     timers.Scheduler
	Dispatcher *delivery.Dispatcher
	Resolver   *availability.Resolver
	Bookings   *booking.Manager
	Promoter   *waitlist.Promoter
	Expander   *recurrence.Expander
	Blocks     *blocks.Service
	Payments   *payments.Service
}

func New(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a := &App{
		Config: cfg,
		Logger: logger,
		Clock:  clock.Real{},
		Pool:   pool,
		Store:  postgres.New(pool),
	}

	if cfg.RedisAddr != "" {
		rdb, err := redisx.Open(ctx, redisx.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("open redis: %w", err)
		}
		a.Redis = rdb
		a.Timers = timers.NewRedis(rdb, a.Clock, logger, timers.RedisConfig{Set: cfg.TimerSet})
	} else {
		logger.Warn("REDIS_ADDR not set; promotion timers are process local")
		a.Timers = timers.NewMemory(a.Clock, logger)
	}

	a.Policies = policy.NewTenantProvider(a.Store, cfg.Policy)
	a.Dispatcher = delivery.NewDispatcher(a.Store, a.Clock, logger)
	a.Resolver = availability.NewResolver(a.Store, a.Clock)
	a.Bookings = booking.NewManager(a.Store, a.Dispatcher, a.Resolver, a.Clock, logger)
	a.Promoter = waitlist.NewPromoter(a.Store, a.Dispatcher, a.Resolver, a.Timers, a.Policies, a.Clock, logger)
	a.Bookings.SetWaitlist(a.Promoter)
	a.Expander = recurrence.NewExpander(a.Store, a.Bookings, a.Policies, a.Clock, logger)
	a.Blocks = blocks.NewService(a.Store, logger)
	a.Payments = payments.NewService(a.Store, a.Clock, logger, payments.Config{WebhookSecret: cfg.StripeWebhookSecret})
	return a, nil
}

// ReadyChecks lists the dependencies behind /readyz and the gRPC health service.
func (a *App) ReadyChecks() []runtime.ReadyCheck {
	checks := []runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(a.Pool)}}
	if a.Redis != nil {
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: redisx.ReadyCheck(a.Redis)})
	}
	if a.Config.KafkaBrokers != "" {
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(a.Config.KafkaBrokers)})
	}
	return checks
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	a.Pool.Close()
}
