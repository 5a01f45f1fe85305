package channels

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/appointly/appointly/libs/clock"
	"github.com/appointly/appointly/services/scheduling-service/internal/delivery"
	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/appointly/appointly/services/scheduling-service/internal/storage/memstore"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messagePayload(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(delivery.Message{Template: "appointment_confirmed", Subject: "Booked", Body: "See you Monday 10:00"})
	require.NoError(t, err)
	return raw
}

func TestWebhookSender_SignsAndClassifies(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	status := http.StatusOK
	var gotSig, gotEvent string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		gotEvent = r.Header.Get(EventHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	store := memstore.New()
	store.PutWebhookConfig(domain.WebhookConfig{ID: "wh-1", TenantID: "t1", URL: srv.URL, Secret: "shh", Events: []string{"*"}, Active: true})
	s := NewWebhookSender(NewHTTPClient(time.Second), store, clock.NewFake(now))

	attempt := domain.DeliveryAttempt{
		TenantID:        "t1",
		IdempotencyKey:  "webhook_wh-1_appointment.created_a1",
		Channel:         domain.ChannelWebhook,
		Recipient:       srv.URL,
		WebhookConfigID: "wh-1",
		EventType:       domain.WebhookAppointmentCreated,
		Payload:         json.RawMessage(`{"event":"appointment.created"}`),
	}

	res, err := s.Send(context.Background(), attempt)
	require.NoError(t, err)
	assert.Equal(t, 200, res.HTTPStatus)
	assert.True(t, res.Delivered)
	assert.Equal(t, domain.WebhookAppointmentCreated, gotEvent)
	assert.JSONEq(t, `{"event":"appointment.created"}`, string(gotBody))
	require.NoError(t, VerifySignature("shh", gotSig, gotBody, now, 5*time.Minute))
	assert.Error(t, VerifySignature("other", gotSig, gotBody, now, 5*time.Minute))
	assert.Error(t, VerifySignature("shh", gotSig, gotBody, now.Add(time.Hour), 5*time.Minute))

	status = http.StatusInternalServerError
	res, err = s.Send(context.Background(), attempt)
	require.Error(t, err)
	assert.False(t, errors.Is(err, delivery.ErrPermanent))
	var failed *delivery.FailedResult
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 500, failed.HTTPStatus)
	assert.Equal(t, 500, res.HTTPStatus)
	assert.False(t, res.Delivered)

	status = http.StatusTooManyRequests
	_, err = s.Send(context.Background(), attempt)
	assert.False(t, errors.Is(err, delivery.ErrPermanent))

	status = http.StatusGone
	_, err = s.Send(context.Background(), attempt)
	assert.True(t, errors.Is(err, delivery.ErrPermanent))

	attempt.WebhookConfigID = "missing"
	_, err = s.Send(context.Background(), attempt)
	assert.True(t, errors.Is(err, delivery.ErrPermanent))
}

func TestChatSender_PostsAndReturnsProviderID(t *testing.T) {
	var got chatRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"wamid.42"}`))
	}))
	defer srv.Close()

	s := NewChatSender(NewHTTPClient(time.Second), srv.URL, "tok", domain.ChannelWhatsApp)
	res, err := s.Send(context.Background(), domain.DeliveryAttempt{
		IdempotencyKey: "whatsapp_confirm_a1",
		Recipient:      "+5511900000001",
		Payload:        messagePayload(t),
	})
	require.NoError(t, err)
	assert.Equal(t, "wamid.42", res.ExternalID)
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "whatsapp", got.Channel)
	assert.Equal(t, "+5511900000001", got.To)
	assert.Equal(t, "whatsapp_confirm_a1", got.Reference)

	_, err = NewChatSender(NewHTTPClient(time.Second), "", "", domain.ChannelSMS).Send(context.Background(), domain.DeliveryAttempt{Payload: messagePayload(t)})
	assert.True(t, errors.Is(err, delivery.ErrPermanent))
}

func TestEmailSender_BuildsMessage(t *testing.T) {
	s := NewEmailSender(SMTPConfig{Host: "localhost", Port: "1025"})
	var gotAddr string
	var gotMsg []byte
	s.send = func(addr string, _ smtp.Auth, _ string, _ []string, msg []byte) error {
		gotAddr = addr
		gotMsg = msg
		return nil
	}

	res, err := s.Send(context.Background(), domain.DeliveryAttempt{
		IdempotencyKey: "email_confirm_a1",
		Recipient:      "customer1@example.com",
		Payload:        messagePayload(t),
	})
	require.NoError(t, err)
	assert.Equal(t, "localhost:1025", gotAddr)
	assert.Contains(t, string(gotMsg), "Subject: Booked\r\n")
	assert.Contains(t, string(gotMsg), "Message-ID: <email_confirm_a1@appointly>")
	assert.Equal(t, "<email_confirm_a1@appointly>", res.ExternalID)

	_, err = s.Send(context.Background(), domain.DeliveryAttempt{Recipient: "x\r\nBcc: y@z", Payload: messagePayload(t)})
	assert.True(t, errors.Is(err, delivery.ErrPermanent))
}

type fakeToken struct {
	err  error
	done chan struct{}
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakePublisher struct {
	topics []string
	err    error
}

func (p *fakePublisher) Publish(topic string, _ byte, _ bool, _ interface{}) mqtt.Token {
	p.topics = append(p.topics, topic)
	done := make(chan struct{})
	close(done)
	return &fakeToken{err: p.err, done: done}
}

func TestPushSender_PublishesPerDeviceTopic(t *testing.T) {
	pub := &fakePublisher{}
	s := NewPushSender(pub)

	_, err := s.Send(context.Background(), domain.DeliveryAttempt{IdempotencyKey: "push_confirm_a1", Recipient: "dev-abc", Payload: messagePayload(t)})
	require.NoError(t, err)
	assert.Equal(t, []string{"appointly/push/dev-abc"}, pub.topics)

	_, err = s.Send(context.Background(), domain.DeliveryAttempt{Recipient: "dev/#", Payload: messagePayload(t)})
	assert.True(t, errors.Is(err, delivery.ErrPermanent))

	pub.err = errors.New("not connected")
	_, err = s.Send(context.Background(), domain.DeliveryAttempt{Recipient: "dev-abc", Payload: messagePayload(t)})
	require.Error(t, err)
	assert.False(t, errors.Is(err, delivery.ErrPermanent))
	assert.True(t, strings.Contains(err.Error(), "not connected"))
}

func TestRegistry_FallsBackForMissingChannels(t *testing.T) {
	push := NewPushSender(&fakePublisher{})
	senders := Registry{domain.ChannelPush: push}.WithFallback(LogSender{})
	assert.Len(t, senders, 5)
	assert.Same(t, push, senders[domain.ChannelPush])
	_, isLog := senders[domain.ChannelSMS].(LogSender)
	assert.True(t, isLog)
}
