package ratelimit

import (
	"github.com/estatedesk/billing/internal/models"
)

// Resolve picks the scope a request is counted in under a budget of limit.
// Authenticated callers are counted per user; anonymous ones per client IP.
// Admins are not limited.
func Resolve(limit int, userID uint64, role models.Role, clientIP string) Decision {
	if limit <= 0 {
		return Decision{}
	}
	if userID != 0 {
		if role == models.RoleAdmin {
			return Decision{}
		}
		return Decision{Limit: limit, Scope: ScopeUser, UserID: userID}
	}
	if clientIP == "" {
		return Decision{}
	}
	return Decision{Limit: limit, Scope: ScopeClient, ClientIP: clientIP}
}
