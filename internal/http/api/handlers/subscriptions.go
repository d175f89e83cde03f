package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/estatedesk/billing/internal/apperr"
	"github.com/estatedesk/billing/internal/http/api/permissions"
	"github.com/estatedesk/billing/internal/models"
	"github.com/estatedesk/billing/internal/subscription"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// SubscriptionHandler serves subscription lifecycle endpoints.
type SubscriptionHandler struct {
	subs *subscription.Service
}

// NewSubscriptionHandler constructs a SubscriptionHandler.
func NewSubscriptionHandler(subs *subscription.Service) *SubscriptionHandler {
	return &SubscriptionHandler{subs: subs}
}

type createSubscriptionRequest struct {
	UserID             uint64           `json:"user_id"`
	PlanID             uint64           `json:"plan_id"`
	BillingCycle       string           `json:"billing_cycle"`
	CustomIntervalDays int              `json:"custom_interval_days"`
	PaymentMethod      string           `json:"payment_method"`
	Discount           *decimal.Decimal `json:"discount"`
	Tax                *decimal.Decimal `json:"tax"`
	AutoRenew          *bool            `json:"auto_renew"`
	Notes              string           `json:"notes"`
	Activate           bool             `json:"activate"`
}

// Create subscribes a user to a plan. Regular users always subscribe
// themselves and cannot set discounts, tax or skip payment.
func (h *SubscriptionHandler) Create(c *gin.Context) {
	var body createSubscriptionRequest
	if !bindJSON(c, &body) {
		return
	}
	in := subscription.CreateInput{
		UserID:             body.UserID,
		PlanID:             body.PlanID,
		BillingCycle:       body.BillingCycle,
		CustomIntervalDays: body.CustomIntervalDays,
		PaymentMethod:      body.PaymentMethod,
		Discount:           body.Discount,
		Tax:                body.Tax,
		AutoRenew:          body.AutoRenew,
		Notes:              body.Notes,
		Activate:           body.Activate,
	}
	if !permissions.SeesAll(getUserRole(c)) {
		in.UserID = getUserID(c)
		in.Discount, in.Tax, in.Activate = nil, nil, false
	}

	res, errCreate := h.subs.Create(c.Request.Context(), in)
	if errCreate != nil {
		respondError(c, errCreate)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"subscription": formatSubscription(res.Subscription),
		"order":        formatOrder(res.Order),
	})
}

// List returns subscriptions filtered by user_id, plan_id, status and
// billing_cycle.
func (h *SubscriptionHandler) List(c *gin.Context) {
	page, ok := bindPage(c)
	if !ok {
		return
	}
	rows, total, errList := h.subs.List(c.Request.Context(), subscription.ListFilter{
		UserID:       scopeUserID(c),
		PlanID:       queryUint(c, "plan_id"),
		Status:       strings.TrimSpace(c.Query("status")),
		BillingCycle: strings.TrimSpace(c.Query("billing_cycle")),
		Page:         page,
	})
	if errList != nil {
		respondError(c, errList)
		return
	}
	c.JSON(http.StatusOK, pageBody("subscriptions", formatList(rows, formatSubscription), total, page))
}

// Get returns one subscription.
func (h *SubscriptionHandler) Get(c *gin.Context) {
	sub, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": formatSubscription(sub)})
}

type updateSubscriptionRequest struct {
	PlanID        *uint64          `json:"plan_id"`
	Discount      *decimal.Decimal `json:"discount"`
	Tax           *decimal.Decimal `json:"tax"`
	AutoRenew     *bool            `json:"auto_renew"`
	PaymentMethod *string          `json:"payment_method"`
	Notes         *string          `json:"notes"`
	Status        *string          `json:"status"`
}

// Update edits subscription settings. A new plan_id starts a plan change:
// downgrades apply at once, upgrades wait for their order to be paid.
func (h *SubscriptionHandler) Update(c *gin.Context) {
	current, ok := h.load(c)
	if !ok {
		return
	}
	var body updateSubscriptionRequest
	if !bindJSON(c, &body) {
		return
	}
	staff := permissions.SeesAll(getUserRole(c))
	if !staff && (body.Status != nil || body.Discount != nil || body.Tax != nil) {
		respondError(c, apperr.Validation("status", "only staff can change status, discount or tax"))
		return
	}

	update := subscription.UpdateInput{
		AutoRenew:     body.AutoRenew,
		PaymentMethod: body.PaymentMethod,
		Notes:         body.Notes,
		Status:        body.Status,
	}
	if errValid := update.Validate(); errValid != nil {
		respondError(c, errValid)
		return
	}
	if body.PlanID != nil && *body.PlanID != current.PlanID && current.Status.Terminal() {
		respondError(c, apperr.Conflict("subscription is %s and can no longer be modified", current.Status))
		return
	}

	ctx := c.Request.Context()
	out := gin.H{}
	if body.PlanID != nil && *body.PlanID != current.PlanID {
		change, errChange := h.subs.Change(ctx, current.ID, subscription.ChangeInput{
			PlanID:   *body.PlanID,
			Discount: body.Discount,
			Tax:      body.Tax,
		})
		if errChange != nil {
			respondError(c, errChange)
			return
		}
		out["order"] = formatOrder(change.Order)
		out["direction"] = change.Direction
		out["applied"] = change.Applied
	}

	sub, errUpdate := h.subs.Update(ctx, current.ID, update)
	if errUpdate != nil {
		respondError(c, errUpdate)
		return
	}
	out["subscription"] = formatSubscription(sub)
	c.JSON(http.StatusOK, out)
}

type cancelSubscriptionRequest struct {
	Reason string `json:"reason"`
}

// Cancel ends a subscription. No refund is issued here.
func (h *SubscriptionHandler) Cancel(c *gin.Context) {
	current, ok := h.load(c)
	if !ok {
		return
	}
	var body cancelSubscriptionRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &body) {
		return
	}
	callerID := getUserID(c)
	sub, errCancel := h.subs.Cancel(c.Request.Context(), current.ID, subscription.CancelInput{
		CancelledBy: &callerID,
		Reason:      body.Reason,
	})
	if errCancel != nil {
		respondError(c, errCancel)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": formatSubscription(sub)})
}

// Renew starts the next billing period.
func (h *SubscriptionHandler) Renew(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	sub, errRenew := h.subs.Renew(c.Request.Context(), id)
	if errRenew != nil {
		respondError(c, errRenew)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": formatSubscription(sub)})
}

// Overview returns book-wide counts and the current month's figures.
func (h *SubscriptionHandler) Overview(c *gin.Context) {
	ov, errOverview := h.subs.Overview(c.Request.Context())
	if errOverview != nil {
		respondError(c, errOverview)
		return
	}
	c.JSON(http.StatusOK, gin.H{"overview": gin.H{
		"total":             ov.Total,
		"by_status":         ov.ByStatus,
		"active_by_cycle":   ov.ActiveByCycle,
		"recurring_revenue": money(ov.RecurringRevenue),
		"upcoming_renewals": ov.UpcomingRenewals,
		"current_month":     formatReport(&ov.CurrentMonth),
	}})
}

// UpcomingRenewals lists auto-renewing subscriptions billed within ?days
// (default 7, max 90).
func (h *SubscriptionHandler) UpcomingRenewals(c *gin.Context) {
	days := 7
	if raw := strings.TrimSpace(c.Query("days")); raw != "" {
		parsed, errParse := strconv.Atoi(raw)
		if errParse != nil || parsed < 1 || parsed > 90 {
			respondError(c, apperr.Validation("days", "days must be between 1 and 90"))
			return
		}
		days = parsed
	}
	rows, errList := h.subs.UpcomingRenewals(c.Request.Context(), time.Duration(days)*24*time.Hour)
	if errList != nil {
		respondError(c, errList)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": formatList(rows, formatSubscription), "days": days})
}

// load fetches the :id subscription and hides other users' records.
func (h *SubscriptionHandler) load(c *gin.Context) (*models.Subscription, bool) {
	id, ok := parseIDParam(c)
	if !ok {
		return nil, false
	}
	sub, errGet := h.subs.Get(c.Request.Context(), id)
	if errGet != nil {
		respondError(c, errGet)
		return nil, false
	}
	if !owns(c, sub.UserID) {
		respondError(c, apperr.NotFound("subscription"))
		return nil, false
	}
	return sub, true
}
