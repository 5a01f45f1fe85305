package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/appointly/appointly/libs/config"
	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

func stripeSimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stripe-sim",
		Short: "Send a signed Stripe test event to the api",
		RunE: func(cmd *cobra.Command, args []string) error {
			baseURL, _ := cmd.Flags().GetString("base-url")
			evtType, _ := cmd.Flags().GetString("type")
			ref, _ := cmd.Flags().GetString("payment-intent")
			amount, _ := cmd.Flags().GetInt64("amount")
			refunded, _ := cmd.Flags().GetInt64("refunded")
			secret, _ := cmd.Flags().GetString("secret")
			if secret == "" {
				secret = config.String("STRIPE_WEBHOOK_SECRET", "")
			}
			if strings.TrimSpace(secret) == "" {
				return fmt.Errorf("--secret or STRIPE_WEBHOOK_SECRET is required")
			}
			if strings.TrimSpace(ref) == "" {
				return fmt.Errorf("--payment-intent is required")
			}

			now := time.Now().UTC()
			payload, err := buildEvent(fmt.Sprintf("evt_test_%d", now.UnixNano()), evtType, now, ref, amount, refunded)
			if err != nil {
				return err
			}
			signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
				Payload:   payload,
				Secret:    secret,
				Timestamp: now,
				Scheme:    "v1",
			})

			resp, err := resty.New().SetTimeout(10*time.Second).R().
				SetContext(cmd.Context()).
				SetHeader("Content-Type", "application/json").
				SetHeader("Stripe-Signature", signed.Header).
				SetBody(payload).
				Post(strings.TrimRight(baseURL, "/") + "/v1/webhooks/stripe")
			if err != nil {
				return err
			}
			cmd.Printf("status=%d body=%s\n", resp.StatusCode(), strings.TrimSpace(resp.String()))
			if resp.IsError() {
				return fmt.Errorf("api rejected event")
			}
			return nil
		},
	}
	cmd.Flags().String("base-url", config.String("BASE_URL", "http://localhost:8080"), "api base url")
	cmd.Flags().String("type", "payment_intent.succeeded", "payment_intent.succeeded, payment_intent.payment_failed or charge.refunded")
	cmd.Flags().String("payment-intent", "", "provider reference (pi_...)")
	cmd.Flags().Int64("amount", 5000, "amount in minor units")
	cmd.Flags().Int64("refunded", 0, "refunded amount in minor units, charge.refunded only")
	cmd.Flags().String("secret", "", "webhook signing secret (defaults to STRIPE_WEBHOOK_SECRET)")
	return cmd
}

// buildEvent renders the minimal Stripe event body the api reads.
func buildEvent(eventID, eventType string, t time.Time, ref string, amount, refunded int64) ([]byte, error) {
	var object map[string]any
	switch eventType {
	case "payment_intent.succeeded":
		object = map[string]any{"id": ref, "object": "payment_intent", "amount": amount, "amount_received": amount, "status": "succeeded"}
	case "payment_intent.payment_failed":
		object = map[string]any{"id": ref, "object": "payment_intent", "amount": amount, "status": "requires_payment_method"}
	case "charge.refunded":
		if refunded <= 0 {
			refunded = amount
		}
		object = map[string]any{
			"id": "ch_test_" + strings.TrimPrefix(ref, "pi_"), "object": "charge", "payment_intent": ref,
			"amount": amount, "amount_refunded": refunded, "refunded": refunded >= amount,
		}
	default:
		return nil, fmt.Errorf("unsupported event type: %s", eventType)
	}
	return json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"created":     t.Unix(),
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"data":        map[string]any{"object": object},
	})
}
