package main

import (
	"context"
	"log/slog"
	"time"
	_ "time/tzdata"

	"github.com/appointly/appointly/libs/config"
	"github.com/appointly/appointly/libs/grpcx"
	"github.com/appointly/appointly/libs/kafkax"
	otelx "github.com/appointly/appointly/libs/otel"
	"github.com/appointly/appointly/libs/runtime"
	"github.com/appointly/appointly/services/scheduling-service/internal/app"
	"github.com/appointly/appointly/services/scheduling-service/internal/channels"
	"github.com/appointly/appointly/services/scheduling-service/internal/consumer"
	"github.com/appointly/appointly/services/scheduling-service/internal/delivery"
	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/appointly/appointly/services/scheduling-service/internal/events"
	"github.com/appointly/appointly/services/scheduling-service/internal/outbox"
)

func main() {
	cfg, err := app.LoadConfig("scheduling-worker")
	if err != nil {
		panic(err)
	}
	grpcPort, err := config.Port("GRPC_PORT", "9090")
	if err != nil {
		panic(err)
	}
	sweepEvery, err := config.Duration("WAITLIST_SWEEP_INTERVAL", time.Minute)
	if err != nil {
		panic(err)
	}
	expandEvery, err := config.Duration("SERIES_EXPAND_INTERVAL", time.Hour)
	if err != nil {
		panic(err)
	}
	jitter, err := config.Int("DELIVERY_JITTER_PERCENT", 20)
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

	router := events.NewRouter()
	a.Promoter.Register(router)
	a.Expander.Register(router)

	consumerCfg := consumer.Config{
		Brokers: cfg.KafkaBrokers,
		GroupID: cfg.KafkaGroupID,
		Topics:  router.Topics(),
	}

	var (
		writer   outbox.Writer
		consumeT runtime.Task
	)
	if cfg.KafkaBrokers != "" {
		kw := kafkax.NewWriter(cfg.KafkaBrokers)
		defer kw.Close()
		writer = kw
		c := consumer.New(logger, a.Store, consumer.NewKafkaReader(consumerCfg), consumerCfg, router.Handle)
		consumeT = c.Run
	} else {
		logger.Warn("KAFKA_BROKERS not set; routing outbox events in process")
		c := consumer.New(logger, a.Store, nil, consumerCfg, router.Handle)
		writer = consumer.LocalWriter{Consumer: c, Topics: consumerCfg.Topics}
	}
	publisher := outbox.NewPublisher(a.Store, writer, logger, outbox.PublisherConfig{
		PollEvery: time.Second,
		BatchSize: 100,
	})

	senders, closeSenders := buildSenders(cfg, a, logger)
	defer closeSenders()
	worker := delivery.NewWorker(a.Store, senders, a.Policies, delivery.OutboxAlerter{Logger: logger}, a.Clock, logger, delivery.WorkerConfig{
		Interval: 2 * time.Second,
		Jitter:   float64(jitter) / 100,
	})

	health := grpcx.NewHealthServer(logger, a.ReadyChecks()...)

	err = runtime.RunTasks(ctx,
		publisher.Run,
		consumeT,
		worker.Run,
		a.Timers.Run,
		every(sweepEvery, logger, "waitlist sweep", func(ctx context.Context) error {
			n, err := a.Promoter.Sweep(ctx)
			if n > 0 {
				logger.Info("waitlist sweep expired entries", "count", n)
			}
			return err
		}),
		every(expandEvery, logger, "series expansion", func(ctx context.Context) error {
			_, err := a.Expander.ExpandActive(ctx, 500)
			return err
		}),
		func(ctx context.Context) error {
			return health.Run(ctx, ":"+grpcPort, 5*time.Second)
		},
	)
	if err != nil {
		logger.Error("worker stopped", "err", err)
		return
	}
	logger.Info("worker stopped")
}

// buildSenders maps every configured channel to its transport. Unconfigured
// channels log instead of sending.
func buildSenders(cfg app.Config, a *app.App, logger *slog.Logger) (map[domain.Channel]delivery.Sender, func()) {
	client := channels.NewHTTPClient(cfg.HTTPTimeout)
	reg := channels.Registry{
		domain.ChannelWebhook: channels.NewWebhookSender(client, a.Store, a.Clock),
	}
	if cfg.ChatAPIURL != "" {
		reg[domain.ChannelWhatsApp] = channels.NewChatSender(client, cfg.ChatAPIURL, cfg.ChatAPIToken, domain.ChannelWhatsApp)
	}
	if cfg.SMSAPIURL != "" {
		reg[domain.ChannelSMS] = channels.NewChatSender(client, cfg.SMSAPIURL, cfg.SMSAPIToken, domain.ChannelSMS)
	}
	if cfg.SMTP.Host != "" {
		reg[domain.ChannelEmail] = channels.NewEmailSender(cfg.SMTP)
	}
	closeFn := func() {}
	if cfg.MQTT.Broker != "" {
		mq, err := channels.ConnectMQTT(cfg.MQTT)
		if err != nil {
			logger.Error("mqtt connect failed; push disabled", "err", err)
		} else {
			reg[domain.ChannelPush] = channels.NewPushSender(mq)
			closeFn = func() { mq.Disconnect(250) }
		}
	}
	return reg.WithFallback(channels.LogSender{Logger: logger}), closeFn
}

// every runs fn on a fixed interval until ctx ends. Failures are logged.
func every(d time.Duration, logger *slog.Logger, name string, fn func(ctx context.Context) error) runtime.Task {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logger.Error(name+" failed", "err", err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	}
}
