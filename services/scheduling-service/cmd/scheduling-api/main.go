package main

import (
	"context"
	"net/http"
	"time"
	_ "time/tzdata"

	"github.com/appointly/appointly/libs/config"
	"github.com/appointly/appointly/libs/httpx"
	otelx "github.com/appointly/appointly/libs/otel"
	"github.com/appointly/appointly/libs/runtime"
	"github.com/appointly/appointly/services/scheduling-service/internal/app"
	"github.com/appointly/appointly/services/scheduling-service/internal/handlers"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg, err := app.LoadConfig("scheduling-api")
	if err != nil {
		panic(err)
	}
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(cfg.Service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(cfg.Service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "err", err)
		panic(err)
	}
	defer a.Close()

	api := handlers.New(handlers.Deps{
		Store:      a.Store,
		Policies:   a.Policies,
		Resolver:   a.Resolver,
		Bookings:   a.Bookings,
		Series:     a.Expander,
		Waitlist:   a.Promoter,
		Blocks:     a.Blocks,
		Dispatcher: a.Dispatcher,
		Payments:   a.Payments,
		Logger:     logger,
	})
	mux := runtime.NewBaseMuxWithReady(a.ReadyChecks()...)
	api.Routes(mux)

	middlewares := []httpx.Middleware{
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithCORS(httpx.DefaultCORSPolicy(config.List("CORS_ALLOWED_ORIGINS"))),
		httpx.WithBodyLimit(1 << 20),
	}
	if a.Redis != nil {
		limiter := httpx.NewRedisRateLimiter(a.Redis, cfg.RateLimit, cfg.RateWindow, "appointly:rl")
		middlewares = append(middlewares, limiter.Middleware(logger, true))
	} else {
		middlewares = append(middlewares, httpx.NewRateLimiter(cfg.RateLimit, cfg.RateWindow).Middleware())
	}
	handler := otelhttp.NewHandler(httpx.Chain(mux, middlewares...), "scheduling-api")

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
