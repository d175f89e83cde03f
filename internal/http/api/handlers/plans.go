package handlers

import (
	"net/http"

	"github.com/estatedesk/billing/internal/apperr"
	"github.com/estatedesk/billing/internal/catalog"
	"github.com/estatedesk/billing/internal/http/api/permissions"
	"github.com/estatedesk/billing/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// PlanHandler serves the plan catalog.
type PlanHandler struct {
	plans *catalog.Service
}

// NewPlanHandler constructs a PlanHandler.
func NewPlanHandler(plans *catalog.Service) *PlanHandler {
	return &PlanHandler{plans: plans}
}

// planRequest is the body of create and update; absent fields stay unchanged.
type planRequest struct {
	Name               *string                    `json:"name"`
	Slug               *string                    `json:"slug"`
	Description        *string                    `json:"description"`
	Price              *decimal.Decimal           `json:"price"`
	Currency           *string                    `json:"currency"`
	BillingCycles      *[]models.PlanCycle        `json:"billing_cycles"`
	Features           *[]models.PlanFeature      `json:"features"`
	Limits             *models.PlanLimits         `json:"limits"`
	CancellationPolicy *models.CancellationPolicy `json:"cancellation_policy"`
	Status             *string                    `json:"status"`
	TrialDays          *int                       `json:"trial_days"`
	SortOrder          *int                       `json:"sort_order"`
}

func (r planRequest) input() catalog.PlanInput {
	return catalog.PlanInput{
		Name:               r.Name,
		Slug:               r.Slug,
		Description:        r.Description,
		Price:              r.Price,
		Currency:           r.Currency,
		BillingCycles:      r.BillingCycles,
		Features:           r.Features,
		Limits:             r.Limits,
		CancellationPolicy: r.CancellationPolicy,
		Status:             r.Status,
		TrialDays:          r.TrialDays,
		SortOrder:          r.SortOrder,
	}
}

// Create adds a plan.
func (h *PlanHandler) Create(c *gin.Context) {
	var body planRequest
	if !bindJSON(c, &body) {
		return
	}
	plan, errCreate := h.plans.Create(c.Request.Context(), body.input())
	if errCreate != nil {
		respondError(c, errCreate)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"plan": formatPlan(plan)})
}

// List returns plans. Callers outside staff only see active plans.
func (h *PlanHandler) List(c *gin.Context) {
	page, ok := bindPage(c)
	if !ok {
		return
	}
	status := c.Query("status")
	if !permissions.SeesAll(getUserRole(c)) {
		status = string(models.PlanStatusActive)
	}
	rows, total, errList := h.plans.List(c.Request.Context(), catalog.ListFilter{Status: status, Page: page})
	if errList != nil {
		respondError(c, errList)
		return
	}
	c.JSON(http.StatusOK, pageBody("plans", formatList(rows, formatPlan), total, page))
}

// Get returns one plan.
func (h *PlanHandler) Get(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	plan, errGet := h.plans.Get(c.Request.Context(), id)
	if errGet != nil {
		respondError(c, errGet)
		return
	}
	if plan.Status != models.PlanStatusActive && !permissions.SeesAll(getUserRole(c)) {
		respondError(c, apperr.NotFound("plan"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": formatPlan(plan)})
}

// Update changes the provided plan fields.
func (h *PlanHandler) Update(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var body planRequest
	if !bindJSON(c, &body) {
		return
	}
	plan, errUpdate := h.plans.Update(c.Request.Context(), id, body.input())
	if errUpdate != nil {
		respondError(c, errUpdate)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": formatPlan(plan)})
}

type planStatusRequest struct {
	Status string `json:"status"`
}

// SetStatus activates, hides or deprecates a plan.
func (h *PlanHandler) SetStatus(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var body planStatusRequest
	if !bindJSON(c, &body) {
		return
	}
	plan, errSet := h.plans.SetStatus(c.Request.Context(), id, body.Status)
	if errSet != nil {
		respondError(c, errSet)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": formatPlan(plan)})
}
