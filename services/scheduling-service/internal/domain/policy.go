package domain

import "time"

// Policy is the per-tenant configuration passed explicitly into each
// scheduling call.
type Policy struct {
	AutoConfirm         bool
	BufferMinutes       int
	MinAdvance          time.Duration
	PromotionTTL        time.Duration
	DeliveryMaxAttempts int
	DeliveryBaseBackoff time.Duration
	DeliveryMaxBackoff  time.Duration
	BookingRetries      int
	// SeriesHorizon limits how far ahead series occurrences are materialized. Zero means no limit.
	SeriesHorizon       time.Duration
	ConfirmationChannel Channel
}

func DefaultPolicy() Policy {
	return Policy{
		AutoConfirm:         false,
		PromotionTTL:        30 * time.Minute,
		DeliveryMaxAttempts: 5,
		DeliveryBaseBackoff: 30 * time.Second,
		DeliveryMaxBackoff:  30 * time.Minute,
		BookingRetries:      3,
		ConfirmationChannel: ChannelWhatsApp,
	}
}

// Normalized fills unset or invalid fields from DefaultPolicy.
func (p Policy) Normalized() Policy {
	def := DefaultPolicy()
	if p.BufferMinutes < 0 {
		p.BufferMinutes = 0
	}
	if p.MinAdvance < 0 {
		p.MinAdvance = 0
	}
	if p.PromotionTTL <= 0 {
		p.PromotionTTL = def.PromotionTTL
	}
	if p.DeliveryMaxAttempts <= 0 {
		p.DeliveryMaxAttempts = def.DeliveryMaxAttempts
	}
	if p.DeliveryBaseBackoff <= 0 {
		p.DeliveryBaseBackoff = def.DeliveryBaseBackoff
	}
	if p.DeliveryMaxBackoff < p.DeliveryBaseBackoff {
		p.DeliveryMaxBackoff = p.DeliveryBaseBackoff
	}
	if p.BookingRetries < 0 {
		p.BookingRetries = 0
	}
	if p.SeriesHorizon < 0 {
		p.SeriesHorizon = 0
	}
	if !p.ConfirmationChannel.Valid() || p.ConfirmationChannel == ChannelWebhook {
		p.ConfirmationChannel = def.ConfirmationChannel
	}
	return p
}

func (p Policy) Buffer() time.Duration {
	return time.Duration(p.BufferMinutes) * time.Minute
}

// PolicyOverrides holds the tenant's own settings; nil fields keep the
// deployment default.
type PolicyOverrides struct {
	AutoConfirm         *bool    `json:"auto_confirm,omitempty"`
	MinAdvanceMinutes   *int     `json:"min_advance_minutes,omitempty"`
	PromotionTTLMinutes *int     `json:"promotion_ttl_minutes,omitempty"`
	DeliveryMaxAttempts *int     `json:"delivery_max_attempts,omitempty"`
	SeriesHorizonDays   *int     `json:"series_horizon_days,omitempty"`
	ConfirmationChannel *Channel `json:"confirmation_channel,omitempty"`
}

// PolicyFor overlays the tenant row on defaults.
func PolicyFor(t Tenant, defaults Policy) Policy {
	p := defaults
	if t.DefaultBufferMinutes > 0 {
		p.BufferMinutes = t.DefaultBufferMinutes
	}
	o := t.Overrides
	if o.AutoConfirm != nil {
		p.AutoConfirm = *o.AutoConfirm
	}
	if o.MinAdvanceMinutes != nil {
		p.MinAdvance = time.Duration(*o.MinAdvanceMinutes) * time.Minute
	}
	if o.PromotionTTLMinutes != nil {
		p.PromotionTTL = time.Duration(*o.PromotionTTLMinutes) * time.Minute
	}
	if o.DeliveryMaxAttempts != nil {
		p.DeliveryMaxAttempts = *o.DeliveryMaxAttempts
	}
	if o.SeriesHorizonDays != nil {
		p.SeriesHorizon = time.Duration(*o.SeriesHorizonDays) * 24 * time.Hour
	}
	if o.ConfirmationChannel != nil {
		p.ConfirmationChannel = *o.ConfirmationChannel
	}
	return p.Normalized()
}
