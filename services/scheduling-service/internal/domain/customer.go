package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Channel string

const (
	ChannelWhatsApp Channel = "WHATSAPP"
	ChannelSMS      Channel = "SMS"
	ChannelEmail    Channel = "EMAIL"
	ChannelPush     Channel = "PUSH"
	ChannelWebhook  Channel = "WEBHOOK"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelWhatsApp, ChannelSMS, ChannelEmail, ChannelPush, ChannelWebhook:
		return true
	}
	return false
}

type Customer struct {
	ID                string
	TenantID          string
	Name              string
	Email             string
	Phone             string
	PushToken         string
	PreferredChannel  Channel
	TotalAppointments int
	TotalNoShows      int
	TotalSpent        decimal.Decimal
	CreatedAt         time.Time
}

// Contact picks the channel and address used to reach the customer. The
// preferred channel wins when it has an address; otherwise the first
// reachable of WhatsApp, email, SMS, push.
func (c Customer) Contact(fallback Channel) (Channel, string, bool) {
	order := []Channel{c.PreferredChannel, fallback, ChannelWhatsApp, ChannelEmail, ChannelSMS, ChannelPush}
	for _, ch := range order {
		if addr := c.address(ch); addr != "" {
			return ch, addr, true
		}
	}
	return "", "", false
}

func (c Customer) address(ch Channel) string {
	switch ch {
	case ChannelWhatsApp, ChannelSMS:
		return c.Phone
	case ChannelEmail:
		return c.Email
	case ChannelPush:
		return c.PushToken
	}
	return ""
}

// CounterDelta is applied atomically to a customer's aggregate counters.
type CounterDelta struct {
	Appointments int
	NoShows      int
	Spent        decimal.Decimal
}
