// Package catalog manages the plan catalog.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/estatedesk/billing/internal/apperr"
	"github.com/estatedesk/billing/internal/billing"
	"github.com/estatedesk/billing/internal/db"
	"github.com/estatedesk/billing/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Service reads and writes plans.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs a catalog Service.
func NewService(conn *gorm.DB, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{db: conn, now: func() time.Time { return now().UTC() }}
}

// PlanInput carries plan fields. Nil pointers are left untouched on update.
type PlanInput struct {
	Name               *string
	Slug               *string
	Description        *string
	Price              *decimal.Decimal
	Currency           *string
	BillingCycles      *[]models.PlanCycle
	Features           *[]models.PlanFeature
	Limits             *models.PlanLimits
	CancellationPolicy *models.CancellationPolicy
	Status             *string
	TrialDays          *int
	SortOrder          *int
}

// ListFilter narrows List.
type ListFilter struct {
	Status string
	Page   db.Page
}

// Create validates and inserts a plan.
func (s *Service) Create(ctx context.Context, in PlanInput) (*models.Plan, error) {
	plan := models.Plan{
		Currency: "USD",
		Status:   models.PlanStatusActive,
		Limits: datatypes.NewJSONType(models.PlanLimits{
			Properties: models.Unlimited,
			Users:      models.Unlimited,
			StorageGB:  models.Unlimited,
			APICalls:   models.Unlimited,
		}),
		CancellationPolicy: datatypes.NewJSONType(models.CancellationPolicy{
			AllowCancellation: true,
			RefundPolicy:      models.RefundPolicyNone,
		}),
	}
	if in.Name == nil || in.Slug == nil {
		return nil, apperr.Validation("name", "name and slug are required")
	}
	applyInput(&plan, in)
	if errValidate := Validate(&plan); errValidate != nil {
		return nil, errValidate
	}

	conn := s.db.WithContext(ctx)
	if errSlug := ensureSlugFree(conn, plan.Slug, 0); errSlug != nil {
		return nil, errSlug
	}
	now := s.now()
	plan.CreatedAt = now
	plan.UpdatedAt = now
	if errCreate := conn.Create(&plan).Error; errCreate != nil {
		if db.IsUniqueViolation(errCreate) {
			return nil, apperr.Conflict("slug %s is taken", plan.Slug)
		}
		return nil, fmt.Errorf("create plan: %w", errCreate)
	}
	return &plan, nil
}

// Get loads a plan by id.
func (s *Service) Get(ctx context.Context, id uint64) (*models.Plan, error) {
	var plan models.Plan
	if errFind := s.db.WithContext(ctx).First(&plan, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("plan")
		}
		return nil, fmt.Errorf("load plan: %w", errFind)
	}
	return &plan, nil
}

// List returns plans ordered for display.
func (s *Service) List(ctx context.Context, f ListFilter) ([]models.Plan, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Plan{})
	if status := strings.TrimSpace(f.Status); status != "" {
		if !models.PlanStatus(status).Valid() {
			return nil, 0, apperr.Validation("status", "unknown plan status")
		}
		q = q.Where("status = ?", status)
	}
	var total int64
	if errCount := q.Count(&total).Error; errCount != nil {
		return nil, 0, fmt.Errorf("count plans: %w", errCount)
	}
	var rows []models.Plan
	if errFind := f.Page.Apply(q.Order("sort_order ASC, created_at DESC")).Find(&rows).Error; errFind != nil {
		return nil, 0, fmt.Errorf("list plans: %w", errFind)
	}
	return rows, total, nil
}

// Update applies a partial update. Existing subscriptions keep their
// snapshots, so price edits only affect new sales.
func (s *Service) Update(ctx context.Context, id uint64, in PlanInput) (*models.Plan, error) {
	var plan *models.Plan
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var loaded models.Plan
		if errFind := db.ForUpdate(tx).First(&loaded, id).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return apperr.NotFound("plan")
			}
			return fmt.Errorf("load plan: %w", errFind)
		}
		previousSlug := loaded.Slug
		applyInput(&loaded, in)
		if errValidate := Validate(&loaded); errValidate != nil {
			return errValidate
		}
		if loaded.Slug != previousSlug {
			if errSlug := ensureSlugFree(tx, loaded.Slug, loaded.ID); errSlug != nil {
				return errSlug
			}
		}
		loaded.UpdatedAt = s.now()
		if errSave := tx.Save(&loaded).Error; errSave != nil {
			return fmt.Errorf("save plan: %w", errSave)
		}
		plan = &loaded
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	return plan, nil
}

// SetStatus moves a plan between active, inactive and deprecated.
func (s *Service) SetStatus(ctx context.Context, id uint64, status string) (*models.Plan, error) {
	st := models.PlanStatus(strings.TrimSpace(status))
	if !st.Valid() {
		return nil, apperr.Validation("status", "unknown plan status")
	}
	res := s.db.WithContext(ctx).Model(&models.Plan{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": st, "updated_at": s.now()})
	if res.Error != nil {
		return nil, fmt.Errorf("update plan status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperr.NotFound("plan")
	}
	return s.Get(ctx, id)
}

// Validate checks a plan's catalog rules.
func Validate(plan *models.Plan) error {
	if strings.TrimSpace(plan.Name) == "" {
		return apperr.Validation("name", "name is required")
	}
	if !slugPattern.MatchString(plan.Slug) {
		return apperr.Validation("slug", "slug must be lower-case letters, digits and dashes")
	}
	if plan.Price.IsNegative() {
		return apperr.Validation("price", "price must not be negative")
	}
	if len(plan.Currency) != 3 {
		return apperr.Validation("currency", "currency must be a 3-letter code")
	}
	if !plan.Status.Valid() {
		return apperr.Validation("status", "unknown plan status")
	}
	if plan.TrialDays < 0 {
		return apperr.Validation("trial_days", "trial days must not be negative")
	}
	seen := make(map[models.BillingCycle]bool, len(plan.BillingCycles))
	for _, entry := range plan.BillingCycles {
		if _, errCycle := billing.ParseCycle(string(entry.Cycle)); errCycle != nil {
			return errCycle
		}
		if seen[entry.Cycle] {
			return apperr.Validation("billing_cycles", fmt.Sprintf("cycle %s listed twice", entry.Cycle))
		}
		seen[entry.Cycle] = true
		if entry.Price.IsNegative() {
			return apperr.Validation("billing_cycles", "cycle price must not be negative")
		}
		if entry.Discount.IsNegative() || entry.Discount.GreaterThan(entry.Price) {
			return apperr.Validation("billing_cycles", "cycle discount must be between 0 and the cycle price")
		}
	}
	for _, feature := range plan.Features {
		if strings.TrimSpace(feature.Name) == "" {
			return apperr.Validation("features", "feature name is required")
		}
	}
	limits := plan.Limits.Data()
	for name, value := range map[string]int{
		"properties": limits.Properties,
		"users":      limits.Users,
		"storage_gb": limits.StorageGB,
		"api_calls":  limits.APICalls,
	} {
		if value < models.Unlimited {
			return apperr.Validation("limits", name+" must be -1 (unlimited) or more")
		}
	}
	policy := plan.CancellationPolicy.Data()
	switch policy.RefundPolicy {
	case "", models.RefundPolicyNone, models.RefundPolicyProrated, models.RefundPolicyFull:
	default:
		return apperr.Validation("cancellation_policy", "unknown refund policy")
	}
	if policy.NoticeDays < 0 {
		return apperr.Validation("cancellation_policy", "notice days must not be negative")
	}
	return nil
}

func applyInput(plan *models.Plan, in PlanInput) {
	if in.Name != nil {
		plan.Name = strings.TrimSpace(*in.Name)
	}
	if in.Slug != nil {
		plan.Slug = strings.ToLower(strings.TrimSpace(*in.Slug))
	}
	if in.Description != nil {
		plan.Description = *in.Description
	}
	if in.Price != nil {
		plan.Price = in.Price.Round(2)
	}
	if in.Currency != nil {
		plan.Currency = strings.ToUpper(strings.TrimSpace(*in.Currency))
	}
	if in.BillingCycles != nil {
		plan.BillingCycles = datatypes.JSONSlice[models.PlanCycle](*in.BillingCycles)
	}
	if in.Features != nil {
		plan.Features = datatypes.JSONSlice[models.PlanFeature](*in.Features)
	}
	if in.Limits != nil {
		plan.Limits = datatypes.NewJSONType(*in.Limits)
	}
	if in.CancellationPolicy != nil {
		plan.CancellationPolicy = datatypes.NewJSONType(*in.CancellationPolicy)
	}
	if in.Status != nil {
		plan.Status = models.PlanStatus(strings.TrimSpace(*in.Status))
	}
	if in.TrialDays != nil {
		plan.TrialDays = *in.TrialDays
	}
	if in.SortOrder != nil {
		plan.SortOrder = *in.SortOrder
	}
}

func ensureSlugFree(conn *gorm.DB, slug string, exceptID uint64) error {
	var count int64
	q := conn.Model(&models.Plan{}).Where("slug = ?", slug)
	if exceptID != 0 {
		q = q.Where("id <> ?", exceptID)
	}
	if errCount := q.Count(&count).Error; errCount != nil {
		return fmt.Errorf("check plan slug: %w", errCount)
	}
	if count > 0 {
		return apperr.Conflict("plan slug %q already exists", slug)
	}
	return nil
}
