package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/estatedesk/billing/internal/apperr"
	"github.com/estatedesk/billing/internal/http/api/permissions"
	"github.com/estatedesk/billing/internal/scheduler"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// ReportHandler serves stored monthly reports.
type ReportHandler struct {
	db *gorm.DB
}

// NewReportHandler constructs a ReportHandler.
func NewReportHandler(conn *gorm.DB) *ReportHandler {
	return &ReportHandler{db: conn}
}

// Monthly lists saved monthly reports, newest first; ?limit defaults to 12.
func (h *ReportHandler) Monthly(c *gin.Context) {
	limit := 12
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, errParse := strconv.Atoi(raw)
		if errParse != nil || parsed < 1 {
			respondError(c, apperr.Validation("limit", "limit must be a positive number"))
			return
		}
		limit = parsed
	}
	rows, errList := scheduler.StoredReports(c.Request.Context(), h.db, limit)
	if errList != nil {
		respondError(c, errList)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": formatList(rows, formatReport)})
}

// PermissionHandler lists what the caller may do.
type PermissionHandler struct{}

// NewPermissionHandler constructs a PermissionHandler.
func NewPermissionHandler() *PermissionHandler {
	return &PermissionHandler{}
}

// List returns the caller's role and allowed route keys.
func (h *PermissionHandler) List(c *gin.Context) {
	role := getUserRole(c)
	c.JSON(http.StatusOK, gin.H{"role": role, "permissions": permissions.ForRole(role)})
}
