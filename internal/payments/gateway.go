// Package payments charges and refunds through a payment gateway and keeps
// the payment ledger.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/estatedesk/billing/internal/config"
	"github.com/shopspring/decimal"
)

// ChargeStatus is the gateway's verdict on a charge.
type ChargeStatus string

// ChargeStatus constants.
const (
	ChargeSucceeded ChargeStatus = "succeeded"
	ChargePending   ChargeStatus = "pending"
	ChargeDeclined  ChargeStatus = "declined"
)

// ChargeRequest asks the gateway to capture money.
type ChargeRequest struct {
	Reference     string // order number
	Attempt       int64  // 1 for the first charge of an order, then one more per retry
	Amount        decimal.Decimal
	Currency      string
	PaymentMethod string
	Description   string
}

// ChargeResult is the outcome of a charge. Declines are results, not errors.
type ChargeResult struct {
	TransactionID string
	Status        ChargeStatus
	FailureReason string
}

// RefundRequest returns money captured by an earlier charge.
type RefundRequest struct {
	TransactionID string // original charge
	Amount        decimal.Decimal
	Currency      string
	Reason        string
}

// RefundResult is the outcome of a refund.
type RefundResult struct {
	TransactionID string
}

// WebhookEvent is a verified asynchronous charge notification.
type WebhookEvent struct {
	Type          string
	TransactionID string
	Succeeded     bool
	FailureReason string
	Amount        decimal.Decimal // zero when the gateway does not report it
}

// Gateway moves money.
type Gateway interface {
	Name() string
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
	VerifyWebhook(payload []byte, signature string) (WebhookEvent, error)
}

// ErrInvalidSignature is returned when a webhook signature does not verify.
var ErrInvalidSignature = errors.New("payments: invalid webhook signature")

// ErrIgnoredEvent is returned for webhook events that carry no charge outcome.
var ErrIgnoredEvent = errors.New("payments: event ignored")

// NewGateway builds the gateway selected by cfg.Gateway.
func NewGateway(cfg config.PaymentConfig) (Gateway, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Gateway)) {
	case "", config.GatewayMock:
		return NewMockGateway(cfg.WebhookSecret), nil
	case config.GatewayStripe:
		return NewStripeGateway(cfg.StripeKey, cfg.WebhookSecret)
	default:
		return nil, fmt.Errorf("payments: unknown gateway %q", cfg.Gateway)
	}
}

// toCents converts a decimal amount to the smallest currency unit.
func toCents(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// fromCents converts the smallest currency unit back to a decimal amount.
func fromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
