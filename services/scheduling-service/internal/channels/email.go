package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/appointly/appointly/services/scheduling-service/internal/delivery"
	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
)

// EmailSender sends plain-text mail through an SMTP relay (Mailpit-compatible
// when no credentials are set).
type EmailSender struct {
	addr string
	from string
	auth smtp.Auth
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

type SMTPConfig struct {
	Host     string
	Port     string
	From     string
	Username string
	Password string
}

func NewEmailSender(cfg SMTPConfig) *EmailSender {
	host := strings.TrimSpace(cfg.Host)
	from := strings.TrimSpace(cfg.From)
	if from == "" {
		from = "no-reply@appointly.local"
	}
	s := &EmailSender{
		addr: fmt.Sprintf("%s:%s", host, strings.TrimSpace(cfg.Port)),
		from: from,
		send: smtp.SendMail,
	}
	if cfg.Username != "" {
		s.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	}
	return s
}

func (s *EmailSender) Send(ctx context.Context, attempt domain.DeliveryAttempt) (delivery.Result, error) {
	var msg delivery.Message
	if err := json.Unmarshal(attempt.Payload, &msg); err != nil {
		return delivery.Result{}, delivery.Permanent(fmt.Errorf("decode message: %w", err))
	}
	if strings.ContainsAny(attempt.Recipient, "\r\n") || !strings.Contains(attempt.Recipient, "@") {
		return delivery.Result{}, delivery.Permanent(fmt.Errorf("invalid email recipient"))
	}
	if err := ctx.Err(); err != nil {
		return delivery.Result{}, err
	}
	subject := msg.Subject
	if subject == "" {
		subject = msg.Template
	}
	raw := buildMessage(s.from, attempt.Recipient, subject, msg.Body, attempt.IdempotencyKey)
	if err := s.send(s.addr, s.auth, s.from, []string{attempt.Recipient}, []byte(raw)); err != nil {
		return delivery.Result{}, err
	}
	return delivery.Result{ExternalID: "<" + attempt.IdempotencyKey + "@appointly>"}, nil
}

func buildMessage(from, to, subject, body, ref string) string {
	subject = strings.NewReplacer("\r", " ", "\n", " ").Replace(subject)
	return fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMessage-ID: <%s@appointly>\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		from,
		to,
		subject,
		ref,
		body,
	)
}
