package payments

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

func signedStripePayload(t *testing.T, secret, body string) (payload []byte, header string) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(body),
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

func TestStripeWebhookSucceeded(t *testing.T) {
	gw, err := NewStripeGateway("sk_test_123", "whsec_stripe")
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	body := `{"id":"evt_1","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_123","object":"payment_intent","amount":7999,"status":"succeeded"}}}`
	payload, header := signedStripePayload(t, "whsec_stripe", body)

	event, err := gw.VerifyWebhook(payload, header)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if event.TransactionID != "pi_123" || !event.Succeeded {
		t.Fatalf("expected succeeded pi_123, got %+v", event)
	}
	if !event.Amount.Equal(decimal.RequireFromString("79.99")) {
		t.Fatalf("expected amount 79.99, got %s", event.Amount)
	}
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	gw, err := NewStripeGateway("sk_test_123", "whsec_stripe")
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	body := `{"id":"evt_1","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_123"}}}`
	payload, header := signedStripePayload(t, "whsec_other", body)
	if _, errVerify := gw.VerifyWebhook(payload, header); !errors.Is(errVerify, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", errVerify)
	}
}

func TestStripeWebhookIgnoresOtherEvents(t *testing.T) {
	gw, err := NewStripeGateway("sk_test_123", "whsec_stripe")
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	body := `{"id":"evt_2","object":"event","type":"customer.created","data":{"object":{"id":"cus_1"}}}`
	payload, header := signedStripePayload(t, "whsec_stripe", body)
	if _, errVerify := gw.VerifyWebhook(payload, header); !errors.Is(errVerify, ErrIgnoredEvent) {
		t.Fatalf("expected ignored event, got %v", errVerify)
	}
}

func TestChargeResultFromIntent(t *testing.T) {
	cases := []struct {
		status stripe.PaymentIntentStatus
		want   ChargeStatus
	}{
		{stripe.PaymentIntentStatusSucceeded, ChargeSucceeded},
		{stripe.PaymentIntentStatusProcessing, ChargePending},
		{stripe.PaymentIntentStatusRequiresAction, ChargePending},
		{stripe.PaymentIntentStatusRequiresPaymentMethod, ChargeDeclined},
		{stripe.PaymentIntentStatusCanceled, ChargeDeclined},
	}
	for _, tc := range cases {
		got := chargeResultFromIntent(&stripe.PaymentIntent{ID: "pi_x", Status: tc.status})
		if got.Status != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.status, tc.want, got.Status)
		}
	}
}

func TestChargeIdempotencyKeyPerAttempt(t *testing.T) {
	first := ChargeRequest{Reference: "ORD-1", Attempt: 1, Amount: decimal.RequireFromString("79.99"), PaymentMethod: "pm_card_a"}
	if got := chargeIdempotencyKey(first); got != "charge-ORD-1-1-7999-pm_card_a" {
		t.Fatalf("unexpected key %q", got)
	}
	if chargeIdempotencyKey(first) != chargeIdempotencyKey(first) {
		t.Fatal("expected a stable key for the same attempt")
	}

	retry := first
	retry.Attempt = 2
	if chargeIdempotencyKey(retry) == chargeIdempotencyKey(first) {
		t.Fatal("expected a new key for a retry")
	}
	otherCard := first
	otherCard.PaymentMethod = "pm_card_b"
	if chargeIdempotencyKey(otherCard) == chargeIdempotencyKey(first) {
		t.Fatal("expected a new key for another payment method")
	}
	if got := chargeIdempotencyKey(ChargeRequest{Amount: decimal.NewFromInt(5)}); got != "" {
		t.Fatalf("expected no key without a reference, got %q", got)
	}
}
