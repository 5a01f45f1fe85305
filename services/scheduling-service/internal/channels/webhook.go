package channels

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/appointly/appointly/libs/clock"
	"github.com/appointly/appointly/services/scheduling-service/internal/delivery"
	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/appointly/appointly/services/scheduling-service/internal/storage"
	"github.com/go-resty/resty/v2"
)

const (
	SignatureHeader = "X-Appointly-Signature"
	EventHeader     = "X-Appointly-Event"
	DeliveryHeader  = "X-Appointly-Delivery"
)

// WebhookSender POSTs signed envelopes to tenant endpoints.
type WebhookSender struct {
	client  *resty.Client
	configs storage.Reader
	clock   clock.Clock
}

func NewWebhookSender(client *resty.Client, configs storage.Reader, c clock.Clock) *WebhookSender {
	if c == nil {
		c = clock.Real{}
	}
	return &WebhookSender{client: client, configs: configs, clock: c}
}

func (s *WebhookSender) Send(ctx context.Context, attempt domain.DeliveryAttempt) (delivery.Result, error) {
	cfg, err := s.config(ctx, attempt)
	if err != nil {
		return delivery.Result{}, err
	}

	ts := s.clock.Now().Unix()
	body := []byte(attempt.Payload)
	res, err := classify(s.client.R().
		SetContext(ctx).
		SetHeader(SignatureHeader, Sign(cfg.Secret, ts, body)).
		SetHeader(EventHeader, attempt.EventType).
		SetHeader(DeliveryHeader, attempt.IdempotencyKey).
		SetBody(body).
		Post(attempt.Recipient))
	// The endpoint's 2xx is the receipt; no later callback arrives.
	res.Delivered = err == nil
	return res, err
}

func (s *WebhookSender) config(ctx context.Context, attempt domain.DeliveryAttempt) (domain.WebhookConfig, error) {
	configs, err := s.configs.ListWebhookConfigs(ctx, attempt.TenantID)
	if err != nil {
		return domain.WebhookConfig{}, err
	}
	for _, c := range configs {
		if c.ID == attempt.WebhookConfigID {
			return c, nil
		}
	}
	return domain.WebhookConfig{}, delivery.Permanent(fmt.Errorf("webhook config %s not found", attempt.WebhookConfigID))
}

// Sign returns the signature header value "t=<unix>,v1=<hex hmac>" where the
// HMAC-SHA256 covers "<unix>.<body>".
func Sign(secret string, ts int64, body []byte) string {
	return "t=" + strconv.FormatInt(ts, 10) + ",v1=" + hex.EncodeToString(mac(secret, ts, body))
}

// VerifySignature checks header against body, rejecting timestamps more than
// tolerance away from now.
func VerifySignature(secret, header string, body []byte, now time.Time, tolerance time.Duration) error {
	var (
		ts  int64
		sig []byte
		err error
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			if ts, err = strconv.ParseInt(v, 10, 64); err != nil {
				return fmt.Errorf("invalid signature timestamp: %w", err)
			}
		case "v1":
			if sig, err = hex.DecodeString(v); err != nil {
				return fmt.Errorf("invalid signature: %w", err)
			}
		}
	}
	if ts == 0 || sig == nil {
		return fmt.Errorf("malformed signature header")
	}
	if tolerance > 0 {
		if d := now.Sub(time.Unix(ts, 0)); d > tolerance || d < -tolerance {
			return fmt.Errorf("signature timestamp outside tolerance")
		}
	}
	if !hmac.Equal(sig, mac(secret, ts, body)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func mac(secret string, ts int64, body []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(strconv.FormatInt(ts, 10)))
	h.Write([]byte("."))
	h.Write(body)
	return h.Sum(nil)
}
