package consumer

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// LocalWriter feeds outbox messages straight into a consumer, for
// deployments without Kafka. Messages on topics outside Topics are dropped.
type LocalWriter struct {
	Consumer *Consumer
	Topics   []string
}

func (w LocalWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	for _, msg := range msgs {
		if !w.wants(msg.Topic) {
			continue
		}
		w.Consumer.Process(ctx, msg)
	}
	return ctx.Err()
}

func (w LocalWriter) wants(topic string) bool {
	for _, t := range w.Topics {
		if t == topic {
			return true
		}
	}
	return false
}
