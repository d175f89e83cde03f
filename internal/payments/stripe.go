package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeGateway charges through Stripe PaymentIntents.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
}

// NewStripeGateway builds a gateway from a secret key. The client is local to
// the gateway; the stripe package key is never set.
func NewStripeGateway(secretKey, webhookSecret string) (*StripeGateway, error) {
	secretKey = strings.TrimSpace(secretKey)
	if secretKey == "" {
		return nil, errors.New("payments: stripe secret key is required")
	}
	return &StripeGateway{
		api:           client.New(secretKey, nil),
		webhookSecret: strings.TrimSpace(webhookSecret),
	}, nil
}

// Name implements Gateway.
func (g *StripeGateway) Name() string { return "stripe" }

// Charge creates and confirms a PaymentIntent. PaymentMethod must be a Stripe
// payment method id.
func (g *StripeGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	cents := toCents(req.Amount)
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(cents),
		Currency:           stripe.String(strings.ToLower(req.Currency)),
		PaymentMethod:      stripe.String(req.PaymentMethod),
		PaymentMethodTypes: []*string{stripe.String("card")},
		Confirm:            stripe.Bool(true),
		Description:        stripe.String(req.Description),
	}
	params.Context = ctx
	params.AddMetadata("order_number", req.Reference)
	if key := chargeIdempotencyKey(req); key != "" {
		params.IdempotencyKey = stripe.String(key)
	}

	intent, errCharge := g.api.PaymentIntents.New(params)
	if errCharge != nil {
		var stripeErr *stripe.Error
		if errors.As(errCharge, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			res := ChargeResult{Status: ChargeDeclined, FailureReason: stripeErr.Msg}
			if stripeErr.PaymentIntent != nil {
				res.TransactionID = stripeErr.PaymentIntent.ID
			}
			return res, nil
		}
		return ChargeResult{}, fmt.Errorf("stripe charge: %w", errCharge)
	}
	return chargeResultFromIntent(intent), nil
}

// chargeIdempotencyKey scopes Stripe's replay protection to one attempt, so a
// declined order can be charged again or with another card.
func chargeIdempotencyKey(req ChargeRequest) string {
	if req.Reference == "" {
		return ""
	}
	return fmt.Sprintf("charge-%s-%d-%d-%s", req.Reference, req.Attempt, toCents(req.Amount), strings.TrimSpace(req.PaymentMethod))
}

func chargeResultFromIntent(intent *stripe.PaymentIntent) ChargeResult {
	res := ChargeResult{TransactionID: intent.ID}
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		res.Status = ChargeSucceeded
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresAction, stripe.PaymentIntentStatusRequiresCapture:
		res.Status = ChargePending
	default:
		res.Status = ChargeDeclined
		res.FailureReason = string(intent.Status)
		if intent.LastPaymentError != nil && intent.LastPaymentError.Msg != "" {
			res.FailureReason = intent.LastPaymentError.Msg
		}
	}
	return res
}

// Refund refunds part or all of a PaymentIntent.
func (g *StripeGateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.TransactionID),
		Amount:        stripe.Int64(toCents(req.Amount)),
	}
	params.Context = ctx
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	refund, errRefund := g.api.Refunds.New(params)
	if errRefund != nil {
		return RefundResult{}, fmt.Errorf("stripe refund: %w", errRefund)
	}
	if refund.Status == stripe.RefundStatusFailed || refund.Status == stripe.RefundStatusCanceled {
		return RefundResult{}, fmt.Errorf("stripe refund %s: %s", refund.ID, refund.Status)
	}
	return RefundResult{TransactionID: refund.ID}, nil
}

// VerifyWebhook checks the Stripe-Signature header and extracts the
// PaymentIntent outcome.
func (g *StripeGateway) VerifyWebhook(payload []byte, signature string) (WebhookEvent, error) {
	if g.webhookSecret == "" {
		return WebhookEvent{}, ErrInvalidSignature
	}
	event, errConstruct := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if errConstruct != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, errConstruct)
	}

	out := WebhookEvent{Type: string(event.Type)}
	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
	default:
		return out, ErrIgnoredEvent
	}
	var intent stripe.PaymentIntent
	if errUnmarshal := json.Unmarshal(event.Data.Raw, &intent); errUnmarshal != nil {
		return out, fmt.Errorf("stripe webhook: decode payment intent: %w", errUnmarshal)
	}
	res := chargeResultFromIntent(&intent)
	out.TransactionID = intent.ID
	out.Succeeded = res.Status == ChargeSucceeded
	out.FailureReason = res.FailureReason
	out.Amount = fromCents(intent.Amount)
	return out, nil
}
