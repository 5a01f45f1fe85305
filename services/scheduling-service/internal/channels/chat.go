package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/appointly/appointly/services/scheduling-service/internal/delivery"
	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/go-resty/resty/v2"
)

// ChatSender posts messages to an HTTP messaging gateway. It serves the
// WhatsApp and SMS channels; the gateway answers with the provider message id.
type ChatSender struct {
	client  *resty.Client
	url     string
	token   string
	channel string
}

func NewChatSender(client *resty.Client, url, token string, ch domain.Channel) *ChatSender {
	return &ChatSender{
		client:  client,
		url:     strings.TrimSpace(url),
		token:   strings.TrimSpace(token),
		channel: strings.ToLower(string(ch)),
	}
}

type chatRequest struct {
	Channel  string            `json:"channel"`
	To       string            `json:"to"`
	Template string            `json:"template,omitempty"`
	Body     string            `json:"body"`
	Params   map[string]string `json:"params,omitempty"`
	// Reference lets the gateway dedupe our own retries.
	Reference string `json:"reference"`
}

type chatResponse struct {
	ID string `json:"id"`
}

func (s *ChatSender) Send(ctx context.Context, attempt domain.DeliveryAttempt) (delivery.Result, error) {
	if s.url == "" {
		return delivery.Result{}, delivery.Permanent(fmt.Errorf("%s: %w", s.channel, errNotConfigured))
	}
	var msg delivery.Message
	if err := json.Unmarshal(attempt.Payload, &msg); err != nil {
		return delivery.Result{}, delivery.Permanent(fmt.Errorf("decode message: %w", err))
	}

	req := s.client.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Channel:   s.channel,
			To:        attempt.Recipient,
			Template:  msg.Template,
			Body:      msg.Body,
			Params:    msg.Data,
			Reference: attempt.IdempotencyKey,
		})
	if s.token != "" {
		req.SetAuthToken(s.token)
	}
	res, err := classify(req.Post(s.url))
	if err != nil {
		return res, err
	}
	var out chatResponse
	if jsonErr := json.Unmarshal([]byte(res.Response), &out); jsonErr == nil {
		res.ExternalID = out.ID
	}
	return res, nil
}
