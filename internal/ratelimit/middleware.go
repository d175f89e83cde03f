package ratelimit

import (
	"net/http"
	"strconv"

	"github.com/estatedesk/billing/internal/models"
	"github.com/gin-gonic/gin"
)

// Identity reports the authenticated caller of a request. userID is zero for
// anonymous requests.
type Identity func(c *gin.Context) (userID uint64, role models.Role)

// Middleware enforces the budget of group. On authenticated routes it must
// run after authentication so identify can see the caller; a nil identify
// counts every request per client IP.
func Middleware(m *Manager, group Group, identify Identity) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		var (
			userID uint64
			role   models.Role
		)
		if identify != nil {
			userID, role = identify(c)
		}
		decision := Resolve(m.Settings().LimitFor(group), userID, role, c.ClientIP())
		if decision.Limit <= 0 {
			c.Next()
			return
		}

		result, errAllow := m.Allow(c.Request.Context(), group, decision)
		if errAllow != nil {
			// The memory fallback never fails; let the request through.
			c.Next()
			return
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.Reset.Unix(), 10))
		if !result.Allowed {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded", "code": "rate_limited"})
			return
		}
		c.Next()
	}
}
