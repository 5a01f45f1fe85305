package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/appointly/appointly/libs/clock"
	otelx "github.com/appointly/appointly/libs/otel"
	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/appointly/appointly/services/scheduling-service/internal/events"
	"github.com/appointly/appointly/services/scheduling-service/internal/storage"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Result is what a channel reports after handing a message to its provider.
type Result struct {
	ExternalID string
	HTTPStatus int
	Response   string
	// Delivered is set when the provider confirms receipt synchronously, as a
	// 2xx webhook response does.
	Delivered bool
}

type Sender interface {
	Send(ctx context.Context, attempt domain.DeliveryAttempt) (Result, error)
}

type SenderFunc func(ctx context.Context, attempt domain.DeliveryAttempt) (Result, error)

func (f SenderFunc) Send(ctx context.Context, attempt domain.DeliveryAttempt) (Result, error) {
	return f(ctx, attempt)
}

// ErrPermanent marks failures that retrying cannot fix.
var ErrPermanent = errors.New("permanent delivery failure")

func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// FailedResult wraps a send error together with provider details.
type FailedResult struct {
	Result
	Err error
}

func (e *FailedResult) Error() string { return e.Err.Error() }
func (e *FailedResult) Unwrap() error { return e.Err }

type Policies interface {
	Policy(ctx context.Context, tenantID string) (domain.Policy, error)
}

// Alerter is told about deliveries that exhausted their attempts. It runs
// inside the transaction that records the final failure.
type Alerter interface {
	DeliveryExhausted(ctx context.Context, tx storage.Tx, attempt domain.DeliveryAttempt) error
}

// OutboxAlerter publishes delivery.exhausted events and logs at error level.
type OutboxAlerter struct {
	Logger *slog.Logger
}

func (a OutboxAlerter) DeliveryExhausted(ctx context.Context, tx storage.Tx, attempt domain.DeliveryAttempt) error {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("delivery exhausted",
		"delivery_id", attempt.ID,
		"tenant_id", attempt.TenantID,
		"idempotency_key", attempt.IdempotencyKey,
		"channel", attempt.Channel,
		"attempts", attempt.Attempts,
		"err", attempt.LastError,
	)
	evt, err := events.DeliveryExhaustedEvent(attempt)
	if err != nil {
		return err
	}
	return tx.AppendOutbox(ctx, evt)
}

type Worker struct {
	store     storage.Store
	senders   map[domain.Channel]Sender
	policies  Policies
	alerter   Alerter
	clock     clock.Clock
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	jitter    float64
	timeout   time.Duration
}

type WorkerConfig struct {
	Interval  time.Duration
	BatchSize int
	// Jitter is the backoff randomization factor, 0 for exact delays.
	Jitter      float64
	SendTimeout time.Duration
}

func NewWorker(store storage.Store, senders map[domain.Channel]Sender, policies Policies, alerter Alerter, c clock.Clock, logger *slog.Logger, cfg WorkerConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = 0
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if alerter == nil {
		alerter = OutboxAlerter{Logger: logger}
	}
	return &Worker{
		store:     store,
		senders:   senders,
		policies:  policies,
		alerter:   alerter,
		clock:     c,
		logger:    logger,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		jitter:    cfg.Jitter,
		timeout:   cfg.SendTimeout,
	}
}

func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error("delivery batch failed", "err", err)
			}
		}
	}
}

// RunOnce sends every due attempt in one batch and returns how many were
// recorded. The claim leases the batch; sends run outside any transaction
// and each outcome commits on its own.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	now := w.clock.Now()
	var due []domain.DeliveryAttempt
	err := w.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		due, err = tx.ClaimDueDeliveries(ctx, now, now.Add(2*w.timeout), w.batchSize)
		return err
	})
	if err != nil {
		return 0, err
	}

	processed := 0
	var errs []error
	for _, attempt := range due {
		if ctx.Err() != nil {
			break
		}
		if err := w.process(ctx, attempt); err != nil {
			w.logger.Error("delivery record failed", "delivery_id", attempt.ID, "err", err)
			errs = append(errs, fmt.Errorf("delivery %s: %w", attempt.ID, err))
			continue
		}
		processed++
	}
	return processed, errors.Join(errs...)
}

func (w *Worker) process(ctx context.Context, attempt domain.DeliveryAttempt) error {
	ctx, span := otelx.Tracer("delivery").Start(ctx, "delivery.send", trace.WithAttributes(
		attribute.String("delivery.id", attempt.ID),
		attribute.String("delivery.channel", string(attempt.Channel)),
		attribute.Int("delivery.attempt", attempt.Attempts+1),
	))
	defer span.End()

	p := domain.DefaultPolicy()
	if w.policies != nil {
		if tp, err := w.policies.Policy(ctx, attempt.TenantID); err == nil {
			p = tp
		} else {
			w.logger.Warn("policy lookup failed, using defaults", "tenant_id", attempt.TenantID, "err", err)
		}
	}
	p = p.Normalized()

	var (
		res     Result
		sendErr error
	)
	sender, ok := w.senders[attempt.Channel]
	if !ok {
		sendErr = Permanent(fmt.Errorf("no sender for channel %s", attempt.Channel))
	} else {
		sendCtx, cancel := context.WithTimeout(ctx, w.timeout)
		res, sendErr = sender.Send(sendCtx, attempt)
		cancel()
	}
	var failed *FailedResult
	if errors.As(sendErr, &failed) {
		res = failed.Result
	}
	if sendErr != nil {
		span.RecordError(sendErr)
	}

	return w.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.Lock(ctx, storage.DeliveryLockKey(attempt.ID)); err != nil {
			return err
		}
		current, err := tx.GetDelivery(ctx, attempt.ID)
		if err != nil {
			return err
		}
		if current.Status != domain.DeliveryPending {
			// A receipt or cancellation landed while the send was in flight.
			return nil
		}
		exhausted, err := w.record(ctx, tx, &current, res, sendErr, p)
		if err != nil {
			return err
		}
		if exhausted {
			span.SetStatus(codes.Error, "delivery exhausted")
			return w.alerter.DeliveryExhausted(ctx, tx, current)
		}
		return nil
	})
}

// record applies one send outcome to attempt and persists it. It reports
// whether the attempt has just failed for good.
func (w *Worker) record(ctx context.Context, tx storage.Tx, attempt *domain.DeliveryAttempt, res Result, sendErr error, p domain.Policy) (bool, error) {
	now := w.clock.Now()
	attempt.Attempts++
	attempt.UpdatedAt = now
	attempt.HTTPStatus = res.HTTPStatus
	if res.Response != "" {
		attempt.Response = truncate(res.Response, 2048)
	}

	if sendErr == nil {
		attempt.LastError = ""
		attempt.ExternalID = res.ExternalID
		if err := attempt.Transition(domain.DeliverySent, now); err != nil {
			return false, err
		}
		if res.Delivered {
			if err := attempt.Transition(domain.DeliveryDelivered, now); err != nil {
				return false, err
			}
		}
		w.logger.Info("delivery sent",
			"delivery_id", attempt.ID,
			"channel", attempt.Channel,
			"attempts", attempt.Attempts,
			"status", attempt.Status,
		)
		return false, tx.UpdateDelivery(ctx, *attempt)
	}

	attempt.LastError = truncate(sendErr.Error(), 1024)
	permanent := errors.Is(sendErr, ErrPermanent)
	if !permanent && attempt.Attempts < attempt.MaxAttempts {
		delay := RetryDelay(attempt.Attempts, p, w.jitter)
		attempt.NextAttemptAt = now.Add(delay)
		w.logger.Warn("delivery failed, retrying",
			"delivery_id", attempt.ID,
			"channel", attempt.Channel,
			"attempts", attempt.Attempts,
			"next_attempt_at", attempt.NextAttemptAt.Format(time.RFC3339),
			"err", sendErr,
		)
		return false, tx.UpdateDelivery(ctx, *attempt)
	}

	if err := attempt.Transition(domain.DeliveryFailed, now); err != nil {
		return false, err
	}
	return true, tx.UpdateDelivery(ctx, *attempt)
}

// RetryDelay is the wait before retry number attempt (1-based): the base
// backoff doubled per attempt and capped at the policy maximum.
func RetryDelay(attempt int, p domain.Policy, jitter float64) time.Duration {
	p = p.Normalized()
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.DeliveryBaseBackoff,
		RandomizationFactor: jitter,
		Multiplier:          2,
		MaxInterval:         p.DeliveryMaxBackoff,
	}
	b.Reset()
	delay := p.DeliveryBaseBackoff
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
