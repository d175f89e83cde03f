package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/estatedesk/billing/internal/apperr"
	"github.com/estatedesk/billing/internal/db"
	"github.com/estatedesk/billing/internal/models"
	"github.com/estatedesk/billing/internal/security"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// UserHandler manages user accounts.
type UserHandler struct {
	db *gorm.DB
}

// NewUserHandler constructs a UserHandler.
func NewUserHandler(conn *gorm.DB) *UserHandler {
	return &UserHandler{db: conn}
}

type createUserRequest struct {
	Username string `json:"username"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// Create adds an account with a bcrypt-hashed password.
func (h *UserHandler) Create(c *gin.Context) {
	var body createUserRequest
	if !bindJSON(c, &body) {
		return
	}
	username := strings.TrimSpace(body.Username)
	if username == "" {
		respondError(c, apperr.Validation("username", "username is required"))
		return
	}
	password := strings.TrimSpace(body.Password)
	if len(password) < 8 {
		respondError(c, apperr.Validation("password", "password must be at least 8 characters"))
		return
	}
	role := models.Role(strings.ToLower(strings.TrimSpace(body.Role)))
	if role == "" {
		role = models.RoleUser
	}
	if !role.Valid() {
		respondError(c, apperr.Validation("role", "role must be admin, manager or user"))
		return
	}

	ctx := c.Request.Context()
	var taken int64
	if errCount := h.db.WithContext(ctx).Model(&models.User{}).Where("username = ?", username).Count(&taken).Error; errCount != nil {
		respondError(c, errCount)
		return
	}
	if taken > 0 {
		respondError(c, apperr.Conflict("username %s is taken", username))
		return
	}

	hash, errHash := security.HashPassword(password)
	if errHash != nil {
		respondError(c, errHash)
		return
	}
	now := time.Now().UTC()
	user := models.User{
		Username:           username,
		Name:               strings.TrimSpace(body.Name),
		Email:              strings.TrimSpace(body.Email),
		Password:           hash,
		Role:               role,
		Active:             true,
		SubscriptionStatus: models.SubscriptionStatusNone,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if errCreate := h.db.WithContext(ctx).Create(&user).Error; errCreate != nil {
		if db.IsUniqueViolation(errCreate) {
			errCreate = apperr.Conflict("username %s is taken", username)
		}
		respondError(c, errCreate)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": formatUser(&user)})
}

// List returns users, optionally filtered by role and subscription_status.
func (h *UserHandler) List(c *gin.Context) {
	page, ok := bindPage(c)
	if !ok {
		return
	}
	q := h.db.WithContext(c.Request.Context()).Model(&models.User{})
	if role := strings.TrimSpace(c.Query("role")); role != "" {
		q = q.Where("role = ?", role)
	}
	if status := strings.TrimSpace(c.Query("subscription_status")); status != "" {
		q = q.Where("subscription_status = ?", status)
	}
	var total int64
	if errCount := q.Count(&total).Error; errCount != nil {
		respondError(c, errCount)
		return
	}
	var rows []models.User
	if errFind := page.Apply(q.Order("created_at DESC, id DESC")).Find(&rows).Error; errFind != nil {
		respondError(c, errFind)
		return
	}
	c.JSON(http.StatusOK, pageBody("users", formatList(rows, formatUser), total, page))
}

// Get returns one user.
func (h *UserHandler) Get(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var user models.User
	if errFind := h.db.WithContext(c.Request.Context()).First(&user, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			respondError(c, apperr.NotFound("user"))
			return
		}
		respondError(c, errFind)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": formatUser(&user)})
}
