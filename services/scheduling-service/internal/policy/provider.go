// Package policy resolves the per-tenant scheduling policy passed into every
// booking, promotion and delivery call.
package policy

import (
	"context"
	"time"

	"github.com/appointly/appointly/libs/config"
	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
)

type Provider interface {
	Policy(ctx context.Context, tenantID string) (domain.Policy, error)
}

type staticProvider struct {
	p domain.Policy
}

func NewStaticProvider(p domain.Policy) Provider {
	return &staticProvider{p: p.Normalized()}
}

func (s *staticProvider) Policy(_ context.Context, _ string) (domain.Policy, error) {
	return s.p, nil
}

type TenantReader interface {
	GetTenant(ctx context.Context, tenantID string) (domain.Tenant, error)
}

type tenantProvider struct {
	tenants  TenantReader
	defaults domain.Policy
}

// NewTenantProvider overlays each tenant's stored settings on defaults.
func NewTenantProvider(tenants TenantReader, defaults domain.Policy) Provider {
	return &tenantProvider{tenants: tenants, defaults: defaults.Normalized()}
}

func (p *tenantProvider) Policy(ctx context.Context, tenantID string) (domain.Policy, error) {
	t, err := p.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return domain.Policy{}, err
	}
	return domain.PolicyFor(t, p.defaults), nil
}

// DefaultsFromEnv reads deployment-wide defaults from DEFAULT_* variables.
func DefaultsFromEnv() (domain.Policy, error) {
	p := domain.DefaultPolicy()
	p.SeriesHorizon = 90 * 24 * time.Hour
	var err error
	if p.AutoConfirm, err = config.Bool("DEFAULT_AUTO_CONFIRM", p.AutoConfirm); err != nil {
		return domain.Policy{}, err
	}
	if p.BufferMinutes, err = config.Int("DEFAULT_BUFFER_MINUTES", p.BufferMinutes); err != nil {
		return domain.Policy{}, err
	}
	if p.BookingRetries, err = config.Int("DEFAULT_BOOKING_RETRIES", p.BookingRetries); err != nil {
		return domain.Policy{}, err
	}
	if p.DeliveryMaxAttempts, err = config.Int("DEFAULT_DELIVERY_MAX_ATTEMPTS", p.DeliveryMaxAttempts); err != nil {
		return domain.Policy{}, err
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"DEFAULT_MIN_ADVANCE", &p.MinAdvance},
		{"DEFAULT_PROMOTION_TTL", &p.PromotionTTL},
		{"DEFAULT_DELIVERY_BASE_BACKOFF", &p.DeliveryBaseBackoff},
		{"DEFAULT_DELIVERY_MAX_BACKOFF", &p.DeliveryMaxBackoff},
		{"DEFAULT_SERIES_HORIZON", &p.SeriesHorizon},
	}
	for _, d := range durations {
		if *d.dst, err = config.Duration(d.key, *d.dst); err != nil {
			return domain.Policy{}, err
		}
	}
	p.ConfirmationChannel = domain.Channel(config.String("DEFAULT_CONFIRMATION_CHANNEL", string(p.ConfirmationChannel)))
	return p.Normalized(), nil
}
