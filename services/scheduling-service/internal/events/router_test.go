package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_DecodesAndDispatchesByTopic(t *testing.T) {
	r := NewRouter()
	var got domain.FreedSlot
	On(r, TopicSlotFreed, func(_ context.Context, f domain.FreedSlot) error {
		got = f
		return nil
	})

	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	evt, err := SlotFreedEvent(domain.FreedSlot{TenantID: "t", ServiceID: "s", StaffID: "st", AppointmentID: "a", Start: start, End: start.Add(time.Hour)})
	require.NoError(t, err)

	require.NoError(t, r.Handle(context.Background(), kafka.Message{Topic: evt.EventType, Value: evt.Payload}))
	assert.Equal(t, "a", got.AppointmentID)
	assert.True(t, got.Start.Equal(start))

	assert.NoError(t, r.Handle(context.Background(), kafka.Message{Topic: "unknown.v1"}))
}

func TestRouter_MalformedPayloadIsPermanent(t *testing.T) {
	r := NewRouter()
	On(r, TopicSeriesCreated, func(context.Context, Series) error { return nil })

	err := r.Handle(context.Background(), kafka.Message{Topic: TopicSeriesCreated, Value: []byte("{")})
	var perm *backoff.PermanentError
	assert.True(t, errors.As(err, &perm))
}
