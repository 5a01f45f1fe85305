package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/appointly/appointly/libs/kafkax"
	otelx "github.com/appointly/appointly/libs/otel"
	"github.com/segmentio/kafka-go"
)

// Source hands out batches of unpublished records. The batch is marked
// published only when fn returns nil.
type Source interface {
	PublishBatch(ctx context.Context, limit int, fn func(ctx context.Context, records []Record) error) (int, error)
}

type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Publisher struct {
	source    Source
	writer    Writer
	logger    *slog.Logger
	pollEvery time.Duration
	batchSize int
}

type PublisherConfig struct {
	PollEvery time.Duration
	BatchSize int
}

func NewPublisher(source Source, writer Writer, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		source:    source,
		writer:    writer,
		logger:    logger,
		pollEvery: cfg.PollEvery,
		batchSize: cfg.BatchSize,
	}
}

func (p *Publisher) Run(ctx context.Context) error {
	if p.writer == nil {
		p.logger.Warn("outbox publisher disabled (no kafka brokers configured)")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.PublishOnce(ctx); err != nil {
				p.logger.Error("outbox publish failed", "err", err)
			}
		}
	}
}

// PublishOnce ships one batch and returns how many records were published.
func (p *Publisher) PublishOnce(ctx context.Context) (int, error) {
	return p.source.PublishBatch(ctx, p.batchSize, func(ctx context.Context, records []Record) error {
		msgs := make([]kafka.Message, 0, len(records))
		for _, r := range records {
			msgCtx := otelx.ContextWithTraceContext(ctx, r.Traceparent, r.Tracestate)
			msg := kafkax.Message(msgCtx, kafkax.EventMeta{
				EventID:       r.EventID,
				EventType:     r.Event.EventType,
				AggregateType: r.Event.AggregateType,
			}, r.Event.AggregateID, r.Event.Payload)
			msgs = append(msgs, msg)
		}
		return p.writer.WriteMessages(ctx, msgs...)
	})
}
