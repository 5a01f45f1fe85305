package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memInbox struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (m *memInbox) Seen(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[id], nil
}

func (m *memInbox) Record(_ context.Context, id string, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[id] {
		return false, nil
	}
	m.seen[id] = true
	return true, nil
}

func message(topic, id string) kafka.Message {
	return kafka.Message{
		Topic:   topic,
		Value:   []byte(`{}`),
		Headers: []kafka.Header{{Key: "event_id", Value: []byte(id)}, {Key: "event_type", Value: []byte(topic)}},
	}
}

func TestProcess_DedupesAndRetries(t *testing.T) {
	inbox := &memInbox{seen: map[string]bool{}}
	calls := 0
	c := New(slog.Default(), inbox, nil, Config{MaxRetries: 3}, func(context.Context, kafka.Message) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	})
	ctx := context.Background()

	c.Process(ctx, message("slot.freed.v1", "evt-1"))
	assert.Equal(t, 2, calls)
	seen, err := inbox.Seen(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, seen)

	c.Process(ctx, message("slot.freed.v1", "evt-1"))
	assert.Equal(t, 2, calls)
}

func TestProcess_ExhaustedHandlerIsNotRecorded(t *testing.T) {
	inbox := &memInbox{seen: map[string]bool{}}
	c := New(slog.Default(), inbox, nil, Config{MaxRetries: 2}, func(context.Context, kafka.Message) error {
		return errors.New("down")
	})
	c.Process(context.Background(), message("slot.freed.v1", "evt-2"))
	assert.False(t, inbox.seen["evt-2"])
}

func TestLocalWriter_FiltersTopics(t *testing.T) {
	inbox := &memInbox{seen: map[string]bool{}}
	var got []string
	c := New(slog.Default(), inbox, nil, Config{}, func(_ context.Context, msg kafka.Message) error {
		got = append(got, msg.Topic)
		return nil
	})
	w := LocalWriter{Consumer: c, Topics: []string{"series.created.v1"}}

	err := w.WriteMessages(context.Background(),
		message("appointment.booked.v1", "a"),
		message("series.created.v1", "b"),
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"series.created.v1"}, got)
	assert.False(t, inbox.seen["a"])
}
