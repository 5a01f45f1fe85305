package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
)

// Router dispatches consumed messages by topic. Malformed payloads are
// reported as permanent so the consumer does not retry them.
type Router struct {
	handlers map[string]func(ctx context.Context, raw []byte) error
}

func NewRouter() *Router {
	return &Router{handlers: map[string]func(context.Context, []byte) error{}}
}

// On registers fn for topic, decoding the payload into T first.
func On[T any](r *Router, topic string, fn func(ctx context.Context, payload T) error) {
	r.handlers[topic] = func(ctx context.Context, raw []byte) error {
		var payload T
		if err := json.Unmarshal(raw, &payload); err != nil {
			return backoff.Permanent(fmt.Errorf("decode %s: %w", topic, err))
		}
		return fn(ctx, payload)
	}
}

func (r *Router) Topics() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

func (r *Router) Handle(ctx context.Context, msg kafka.Message) error {
	h, ok := r.handlers[msg.Topic]
	if !ok {
		return nil
	}
	return h(ctx, msg.Value)
}
