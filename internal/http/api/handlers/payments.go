package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/estatedesk/billing/internal/apperr"
	"github.com/estatedesk/billing/internal/payments"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// maxWebhookBody caps webhook payloads read into memory.
const maxWebhookBody = 64 << 10

// PaymentHandler serves the payment ledger and the gateway webhook.
type PaymentHandler struct {
	payments *payments.Service
}

// NewPaymentHandler constructs a PaymentHandler.
func NewPaymentHandler(svc *payments.Service) *PaymentHandler {
	return &PaymentHandler{payments: svc}
}

type createPaymentRequest struct {
	UserID         uint64          `json:"user_id"`
	OrderID        *uint64         `json:"order_id"`
	SubscriptionID *uint64         `json:"subscription_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	PaymentType    string          `json:"payment_type"`
	Status         string          `json:"status"`
	PaymentMethod  string          `json:"payment_method"`
	TransactionID  string          `json:"transaction_id"`
	Description    string          `json:"description"`
}

// Create records a payment taken outside the gateway.
func (h *PaymentHandler) Create(c *gin.Context) {
	var body createPaymentRequest
	if !bindJSON(c, &body) {
		return
	}
	payment, errCreate := h.payments.Create(c.Request.Context(), payments.CreateInput{
		UserID:         body.UserID,
		OrderID:        body.OrderID,
		SubscriptionID: body.SubscriptionID,
		Amount:         body.Amount,
		Currency:       body.Currency,
		PaymentType:    body.PaymentType,
		Status:         body.Status,
		PaymentMethod:  body.PaymentMethod,
		TransactionID:  body.TransactionID,
		Description:    body.Description,
	})
	if errCreate != nil {
		respondError(c, errCreate)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment": formatPayment(payment)})
}

// List returns payments filtered by user_id, order_id, subscription_id,
// status and payment_type.
func (h *PaymentHandler) List(c *gin.Context) {
	page, ok := bindPage(c)
	if !ok {
		return
	}
	rows, total, errList := h.payments.List(c.Request.Context(), payments.ListFilter{
		UserID:         scopeUserID(c),
		OrderID:        queryUint(c, "order_id"),
		SubscriptionID: queryUint(c, "subscription_id"),
		Status:         strings.TrimSpace(c.Query("status")),
		PaymentType:    strings.TrimSpace(c.Query("payment_type")),
		Page:           page,
	})
	if errList != nil {
		respondError(c, errList)
		return
	}
	c.JSON(http.StatusOK, pageBody("payments", formatList(rows, formatPayment), total, page))
}

// Get returns one payment.
func (h *PaymentHandler) Get(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	payment, errGet := h.payments.Get(c.Request.Context(), id)
	if errGet != nil {
		respondError(c, errGet)
		return
	}
	if !owns(c, payment.UserID) {
		respondError(c, apperr.NotFound("payment"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": formatPayment(payment)})
}

type updatePaymentRequest struct {
	Status        *string `json:"status"`
	Description   *string `json:"description"`
	FailureReason *string `json:"failure_reason"`
}

// Update settles a pending payment or edits its description.
func (h *PaymentHandler) Update(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var body updatePaymentRequest
	if !bindJSON(c, &body) {
		return
	}
	payment, errUpdate := h.payments.Update(c.Request.Context(), id, payments.UpdateInput{
		Status:        body.Status,
		Description:   body.Description,
		FailureReason: body.FailureReason,
	})
	if errUpdate != nil {
		respondError(c, errUpdate)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": formatPayment(payment)})
}

// Refund returns part or all of a completed payment.
func (h *PaymentHandler) Refund(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var body refundRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &body) {
		return
	}
	outcome, errRefund := h.payments.Refund(c.Request.Context(), id, payments.RefundInput{Amount: body.Amount, Reason: body.Reason})
	if errRefund != nil {
		respondError(c, errRefund)
		return
	}
	out := gin.H{
		"payment": formatPayment(outcome.Original),
		"refund":  formatPayment(outcome.Refund),
	}
	if outcome.Order != nil {
		out["order"] = formatOrder(outcome.Order)
	}
	c.JSON(http.StatusOK, out)
}

// Webhook receives gateway events. The body is verified against the
// Stripe-Signature header, or X-Webhook-Signature for the mock gateway.
func (h *PaymentHandler) Webhook(c *gin.Context) {
	payload, errRead := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if errRead != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body failed", "code": apperr.KindValidation})
		return
	}
	signature := c.GetHeader("Stripe-Signature")
	if signature == "" {
		signature = c.GetHeader("X-Webhook-Signature")
	}
	payment, errHandle := h.payments.HandleWebhook(c.Request.Context(), payload, signature)
	if errHandle != nil {
		if errors.Is(errHandle, payments.ErrInvalidSignature) || apperr.Is(errHandle, apperr.KindValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature", "code": apperr.KindValidation})
			return
		}
		respondError(c, errHandle)
		return
	}
	out := gin.H{"received": true}
	if payment != nil {
		out["payment_id"] = payment.ID
		out["status"] = payment.Status
	}
	c.JSON(http.StatusOK, out)
}
