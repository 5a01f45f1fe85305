package kafkax

import (
	"context"
	"strings"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderAggregateType = "aggregate_type"
)

// EventMeta identifies a message for inbox dedupe and logging.
type EventMeta struct {
	EventID       string
	EventType     string
	AggregateType string
}

// Message builds a keyed message on the topic named by meta.EventType and
// carries ctx's trace context in its headers. Keying by aggregate keeps one
// appointment's events on one partition.
func Message(ctx context.Context, meta EventMeta, key string, value []byte) kafka.Message {
	c := &headerCarrier{}
	c.Set(HeaderEventID, meta.EventID)
	c.Set(HeaderEventType, meta.EventType)
	if meta.AggregateType != "" {
		c.Set(HeaderAggregateType, meta.AggregateType)
	}
	otel.GetTextMapPropagator().Inject(ctx, c)
	return kafka.Message{Topic: meta.EventType, Key: []byte(key), Value: value, Headers: c.headers}
}

// ExtractEventMeta reads the headers Message wrote. Messages from other
// producers fall back to key and topic.
func ExtractEventMeta(msg kafka.Message) EventMeta {
	c := &headerCarrier{headers: msg.Headers}
	meta := EventMeta{
		EventID:       c.Get(HeaderEventID),
		EventType:     c.Get(HeaderEventType),
		AggregateType: c.Get(HeaderAggregateType),
	}
	if meta.EventID == "" {
		meta.EventID = string(msg.Key)
	}
	if meta.EventType == "" {
		meta.EventType = msg.Topic
	}
	return meta
}

// ExtractTraceContext continues the producer's trace, if any.
func ExtractTraceContext(ctx context.Context, msg kafka.Message) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, &headerCarrier{headers: msg.Headers})
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

type headerCarrier struct {
	headers []kafka.Header
}

var _ propagation.TextMapCarrier = (*headerCarrier)(nil)

func (c *headerCarrier) Get(key string) string {
	for _, h := range c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for _, h := range c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}

func (c *headerCarrier) Set(key, value string) {
	for i := range c.headers {
		if c.headers[i].Key == key {
			c.headers[i].Value = []byte(value)
			return
		}
	}
	c.headers = append(c.headers, kafka.Header{Key: key, Value: []byte(value)})
}
