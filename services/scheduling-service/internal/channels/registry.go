package channels

import (
	"context"
	"log/slog"

	"github.com/appointly/appointly/services/scheduling-service/internal/delivery"
	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
)

// LogSender accepts every message and only logs it. It stands in for
// channels that are not configured in local environments.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(_ context.Context, attempt domain.DeliveryAttempt) (delivery.Result, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("delivery skipped, channel disabled", "channel", attempt.Channel, "idempotency_key", attempt.IdempotencyKey)
	return delivery.Result{ExternalID: "noop:" + attempt.IdempotencyKey}, nil
}

// Registry maps each channel to its sender, falling back to fallback for
// channels left nil.
type Registry map[domain.Channel]delivery.Sender

func (r Registry) WithFallback(fallback delivery.Sender) map[domain.Channel]delivery.Sender {
	out := make(map[domain.Channel]delivery.Sender, 5)
	for _, ch := range []domain.Channel{domain.ChannelWhatsApp, domain.ChannelSMS, domain.ChannelEmail, domain.ChannelPush, domain.ChannelWebhook} {
		if s, ok := r[ch]; ok && s != nil {
			out[ch] = s
			continue
		}
		if fallback != nil {
			out[ch] = fallback
		}
	}
	return out
}
