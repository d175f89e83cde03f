package handlers

import (
	"net/http"
	"strings"

	"github.com/estatedesk/billing/internal/apperr"
	"github.com/estatedesk/billing/internal/models"
	"github.com/estatedesk/billing/internal/orders"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// OrderHandler serves order endpoints.
type OrderHandler struct {
	orders *orders.Service
}

// NewOrderHandler constructs an OrderHandler.
func NewOrderHandler(svc *orders.Service) *OrderHandler {
	return &OrderHandler{orders: svc}
}

type orderItemRequest struct {
	PlanID      uint64          `json:"plan_id"`
	Description string          `json:"description"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

func itemInputs(items []orderItemRequest) []orders.ItemInput {
	out := make([]orders.ItemInput, 0, len(items))
	for _, item := range items {
		out = append(out, orders.ItemInput{
			PlanID:      item.PlanID,
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
		})
	}
	return out
}

type createOrderRequest struct {
	UserID         uint64             `json:"user_id"`
	SubscriptionID *uint64            `json:"subscription_id"`
	Items          []orderItemRequest `json:"items"`
	Discount       decimal.Decimal    `json:"discount"`
	Tax            decimal.Decimal    `json:"tax"`
	Currency       string             `json:"currency"`
	PaymentMethod  string             `json:"payment_method"`
	Notes          string             `json:"notes"`
}

// Create records a manual one-time order.
func (h *OrderHandler) Create(c *gin.Context) {
	var body createOrderRequest
	if !bindJSON(c, &body) {
		return
	}
	order, errCreate := h.orders.Create(c.Request.Context(), orders.CreateInput{
		UserID:         body.UserID,
		SubscriptionID: body.SubscriptionID,
		Items:          itemInputs(body.Items),
		Discount:       body.Discount,
		Tax:            body.Tax,
		Currency:       body.Currency,
		PaymentMethod:  body.PaymentMethod,
		Notes:          body.Notes,
	})
	if errCreate != nil {
		respondError(c, errCreate)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": formatOrder(order)})
}

// List returns orders filtered by user_id, subscription_id, status and type.
func (h *OrderHandler) List(c *gin.Context) {
	page, ok := bindPage(c)
	if !ok {
		return
	}
	rows, total, errList := h.orders.List(c.Request.Context(), orders.ListFilter{
		UserID:         scopeUserID(c),
		SubscriptionID: queryUint(c, "subscription_id"),
		Status:         strings.TrimSpace(c.Query("status")),
		Type:           strings.TrimSpace(c.Query("type")),
		Page:           page,
	})
	if errList != nil {
		respondError(c, errList)
		return
	}
	c.JSON(http.StatusOK, pageBody("orders", formatList(rows, formatOrder), total, page))
}

// Get returns one order.
func (h *OrderHandler) Get(c *gin.Context) {
	order, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": formatOrder(order)})
}

type updateOrderRequest struct {
	Items         *[]orderItemRequest `json:"items"`
	Discount      *decimal.Decimal    `json:"discount"`
	Tax           *decimal.Decimal    `json:"tax"`
	PaymentMethod *string             `json:"payment_method"`
	Notes         *string             `json:"notes"`
}

// Update edits a pending order.
func (h *OrderHandler) Update(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var body updateOrderRequest
	if !bindJSON(c, &body) {
		return
	}
	in := orders.UpdateInput{
		Discount:      body.Discount,
		Tax:           body.Tax,
		PaymentMethod: body.PaymentMethod,
		Notes:         body.Notes,
	}
	if body.Items != nil {
		items := itemInputs(*body.Items)
		in.Items = &items
	}
	order, errUpdate := h.orders.Update(c.Request.Context(), id, in)
	if errUpdate != nil {
		respondError(c, errUpdate)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": formatOrder(order)})
}

// Cancel withdraws an unpaid order.
func (h *OrderHandler) Cancel(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	order, errCancel := h.orders.Cancel(c.Request.Context(), id)
	if errCancel != nil {
		respondError(c, errCancel)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": formatOrder(order)})
}

type processPaymentRequest struct {
	PaymentMethod string `json:"payment_method"`
}

// ProcessPayment charges the order through the gateway. A decline answers
// 402 with the failed payment; a charge still in flight answers 202.
func (h *OrderHandler) ProcessPayment(c *gin.Context) {
	current, ok := h.load(c)
	if !ok {
		return
	}
	var body processPaymentRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &body) {
		return
	}
	res, errPay := h.orders.ProcessPayment(c.Request.Context(), current.ID, orders.PaymentInput{PaymentMethod: body.PaymentMethod})
	if errPay != nil {
		respondError(c, errPay)
		return
	}
	out := gin.H{"order": formatOrder(res.Order), "payment": formatPayment(res.Payment)}
	switch res.Payment.Status {
	case models.PaymentStatusCompleted:
		c.JSON(http.StatusOK, out)
	case models.PaymentStatusPending:
		c.JSON(http.StatusAccepted, out)
	default:
		out["error"] = "payment declined"
		out["code"] = "payment_declined"
		out["reason"] = res.Payment.FailureReason
		c.JSON(http.StatusPaymentRequired, out)
	}
}

type refundRequest struct {
	Amount *decimal.Decimal `json:"amount"`
	Reason string           `json:"reason"`
}

// Refund returns money for a completed order; amount defaults to the
// remaining balance.
func (h *OrderHandler) Refund(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var body refundRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &body) {
		return
	}
	outcome, errRefund := h.orders.Refund(c.Request.Context(), id, orders.RefundInput{Amount: body.Amount, Reason: body.Reason})
	if errRefund != nil {
		respondError(c, errRefund)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order":   formatOrder(outcome.Order),
		"payment": formatPayment(outcome.Original),
		"refund":  formatPayment(outcome.Refund),
	})
}

func (h *OrderHandler) load(c *gin.Context) (*models.Order, bool) {
	id, ok := parseIDParam(c)
	if !ok {
		return nil, false
	}
	order, errGet := h.orders.Get(c.Request.Context(), id)
	if errGet != nil {
		respondError(c, errGet)
		return nil, false
	}
	if !owns(c, order.UserID) {
		respondError(c, apperr.NotFound("order"))
		return nil, false
	}
	return order, true
}
