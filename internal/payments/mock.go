package payments

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MockGateway approves every charge unless told to decline the next one.
type MockGateway struct {
	secret string

	mu       sync.Mutex
	failNext string
	pending  bool
	charges  int
	refunds  int
}

// NewMockGateway returns a MockGateway whose webhook signature is the secret
// itself.
func NewMockGateway(webhookSecret string) *MockGateway {
	return &MockGateway{secret: webhookSecret}
}

// Name implements Gateway.
func (g *MockGateway) Name() string { return "mock" }

// FailNext makes the next charge decline with reason.
func (g *MockGateway) FailNext(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if reason == "" {
		reason = "card declined"
	}
	g.failNext = reason
}

// PendNext leaves the next charge pending until a webhook settles it.
func (g *MockGateway) PendNext() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = true
}

// Counts returns the number of charges and refunds seen.
func (g *MockGateway) Counts() (charges, refunds int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.charges, g.refunds
}

// Charge implements Gateway.
func (g *MockGateway) Charge(_ context.Context, req ChargeRequest) (ChargeResult, error) {
	if !req.Amount.IsPositive() {
		return ChargeResult{}, fmt.Errorf("mock gateway: amount must be positive")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges++
	res := ChargeResult{TransactionID: "mock_ch_" + uuid.NewString(), Status: ChargeSucceeded}
	switch {
	case g.failNext != "":
		res.Status = ChargeDeclined
		res.FailureReason = g.failNext
		g.failNext = ""
	case g.pending:
		res.Status = ChargePending
		g.pending = false
	}
	return res, nil
}

// Refund implements Gateway.
func (g *MockGateway) Refund(_ context.Context, req RefundRequest) (RefundResult, error) {
	if strings.TrimSpace(req.TransactionID) == "" {
		return RefundResult{}, fmt.Errorf("mock gateway: refund needs the original transaction")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds++
	return RefundResult{TransactionID: "mock_re_" + uuid.NewString()}, nil
}

type mockWebhook struct {
	Type          string `json:"type"`
	TransactionID string `json:"transaction_id"`
	FailureReason string `json:"failure_reason"`
}

// VerifyWebhook implements Gateway. Payloads look like
// {"type":"charge.succeeded","transaction_id":"..."}.
func (g *MockGateway) VerifyWebhook(payload []byte, signature string) (WebhookEvent, error) {
	if g.secret == "" || subtle.ConstantTimeCompare([]byte(signature), []byte(g.secret)) != 1 {
		return WebhookEvent{}, ErrInvalidSignature
	}
	var body mockWebhook
	if errUnmarshal := json.Unmarshal(payload, &body); errUnmarshal != nil {
		return WebhookEvent{}, fmt.Errorf("mock gateway: decode webhook: %w", errUnmarshal)
	}
	event := WebhookEvent{Type: body.Type, TransactionID: body.TransactionID, FailureReason: body.FailureReason}
	switch body.Type {
	case "charge.succeeded":
		event.Succeeded = true
	case "charge.failed":
	default:
		return event, ErrIgnoredEvent
	}
	return event, nil
}
