package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	pending   []Record
	published []Record
}

func (s *fakeSource) PublishBatch(ctx context.Context, limit int, fn func(context.Context, []Record) error) (int, error) {
	n := min(limit, len(s.pending))
	if n == 0 {
		return 0, nil
	}
	batch := s.pending[:n]
	if err := fn(ctx, batch); err != nil {
		return 0, err
	}
	s.published = append(s.published, batch...)
	s.pending = s.pending[n:]
	return n, nil
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func record(t *testing.T, id int64, eventType, apptID string) Record {
	t.Helper()
	evt, err := NewEvent("appointment", apptID, eventType, map[string]string{"appointment_id": apptID})
	require.NoError(t, err)
	return Record{
		ID:          id,
		EventID:     "evt-" + apptID,
		Event:       evt,
		Traceparent: "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
	}
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestPublishOnceShipsBatch(t *testing.T) {
	src := &fakeSource{pending: []Record{
		record(t, 1, "appointment.booked", "a1"),
		record(t, 2, "appointment.cancelled", "a2"),
		record(t, 3, "appointment.booked", "a3"),
	}}
	w := &fakeWriter{}
	p := NewPublisher(src, w, quietLogger(), PublisherConfig{BatchSize: 2})

	n, err := p.PublishOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "appointment.booked", w.msgs[0].Topic)
	assert.Equal(t, "a1", string(w.msgs[0].Key))
	assert.JSONEq(t, `{"appointment_id":"a1"}`, string(w.msgs[0].Value))

	n, err = p.PublishOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, src.published, 3)
}

func TestPublishOnceKeepsRecordsOnWriteFailure(t *testing.T) {
	src := &fakeSource{pending: []Record{record(t, 1, "appointment.booked", "a1")}}
	p := NewPublisher(src, &fakeWriter{err: errors.New("broker down")}, quietLogger(), PublisherConfig{})

	_, err := p.PublishOnce(context.Background())
	require.Error(t, err)
	assert.Len(t, src.pending, 1)
	assert.Empty(t, src.published)
}
