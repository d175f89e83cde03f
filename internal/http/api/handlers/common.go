// Package handlers implements the billing API endpoints.
package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/estatedesk/billing/internal/apperr"
	"github.com/estatedesk/billing/internal/db"
	"github.com/estatedesk/billing/internal/http/api/permissions"
	"github.com/estatedesk/billing/internal/models"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const (
	ctxUserID   = "userID"
	ctxUserRole = "userRole"
	ctxUsername = "username"
)

// SetCaller stores the authenticated user on the request context.
func SetCaller(c *gin.Context, user *models.User) {
	c.Set(ctxUserID, user.ID)
	c.Set(ctxUserRole, user.Role)
	c.Set(ctxUsername, user.Username)
}

// CallerFrom returns the authenticated user id and role, or zero values for
// anonymous requests.
func CallerFrom(c *gin.Context) (uint64, models.Role) {
	return getUserID(c), getUserRole(c)
}

func getUserID(c *gin.Context) uint64 {
	if v, ok := c.Get(ctxUserID); ok {
		if id, okID := v.(uint64); okID {
			return id
		}
	}
	return 0
}

func getUserRole(c *gin.Context) models.Role {
	if v, ok := c.Get(ctxUserRole); ok {
		if role, okRole := v.(models.Role); okRole {
			return role
		}
	}
	return ""
}

// scopeUserID returns the user id list queries must be restricted to. Staff
// see everything and may filter by user_id themselves.
func scopeUserID(c *gin.Context) uint64 {
	if permissions.SeesAll(getUserRole(c)) {
		return queryUint(c, "user_id")
	}
	return getUserID(c)
}

// owns reports whether the caller may see a record owned by ownerID.
func owns(c *gin.Context, ownerID uint64) bool {
	return permissions.SeesAll(getUserRole(c)) || ownerID == getUserID(c)
}

// respondError writes {"error", "code"} for err. Internal errors are logged
// and answered with a generic message.
func respondError(c *gin.Context, err error) {
	appErr := apperr.As(err)
	if appErr.Kind == apperr.KindInternal {
		log.WithError(err).WithFields(log.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
		}).Error("request failed")
	}
	body := gin.H{"error": appErr.Message, "code": appErr.Kind}
	if appErr.Field != "" {
		body["field"] = appErr.Field
	}
	c.JSON(appErr.StatusCode(), body)
}

func parseIDParam(c *gin.Context) (uint64, bool) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id", "code": apperr.KindValidation})
		return 0, false
	}
	return id, true
}

func queryUint(c *gin.Context, name string) uint64 {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0
	}
	v, errParse := strconv.ParseUint(raw, 10, 64)
	if errParse != nil {
		return 0
	}
	return v
}

func bindPage(c *gin.Context) (db.Page, bool) {
	var page db.Page
	if errBind := c.ShouldBindQuery(&page); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page or limit", "code": apperr.KindValidation})
		return db.Page{}, false
	}
	return page.Normalize(), true
}

func bindJSON(c *gin.Context, dst any) bool {
	if errBind := c.ShouldBindJSON(dst); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json", "code": apperr.KindValidation})
		return false
	}
	return true
}

func pageBody(key string, items []gin.H, total int64, page db.Page) gin.H {
	return gin.H{key: gin.H{
		"items": items,
		"total": total,
		"page":  page.Page,
		"limit": page.Limit,
	}}
}
