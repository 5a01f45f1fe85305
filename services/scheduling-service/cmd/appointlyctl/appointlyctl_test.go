package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"
)

func TestBuildEventRefund(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	raw, err := buildEvent("evt_1", "charge.refunded", now, "pi_123", 5000, 2000)
	require.NoError(t, err)

	var evt stripe.Event
	require.NoError(t, json.Unmarshal(raw, &evt))
	assert.Equal(t, stripe.EventType("charge.refunded"), evt.Type)
	assert.Equal(t, stripe.APIVersion, evt.APIVersion)

	var ch stripe.Charge
	require.NoError(t, json.Unmarshal(evt.Data.Raw, &ch))
	require.NotNil(t, ch.PaymentIntent)
	assert.Equal(t, "pi_123", ch.PaymentIntent.ID)
	assert.Equal(t, int64(2000), ch.AmountRefunded)
	assert.False(t, ch.Refunded)
}

func TestBuildEventRejectsUnknownType(t *testing.T) {
	_, err := buildEvent("evt_1", "customer.created", time.Now(), "pi_1", 100, 0)
	assert.Error(t, err)
}

func TestReadCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.json")
	body := `{"tenants":[{"ID":"t1","Name":"Salon","Timezone":"Europe/Berlin","Status":"ACTIVE"}],
	          "services":[{"ID":"s1","TenantID":"t1","Name":"Cut","Duration":1800000000000}]}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	c, err := readCatalog(path)
	require.NoError(t, err)
	require.Len(t, c.Tenants, 1)
	assert.Equal(t, "Europe/Berlin", c.Tenants[0].Timezone)
	require.Len(t, c.Services, 1)
	assert.Equal(t, 30*time.Minute, c.Services[0].Duration)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{}`), 0o600))
	_, err = readCatalog(empty)
	assert.Error(t, err)
}
