package ratelimit

import (
	"fmt"
	"strings"
)

// KeyForDecision builds a limiter key for the resolved scope. An empty key
// means the request is not limited.
func KeyForDecision(decision Decision) string {
	if decision.Limit <= 0 {
		return ""
	}
	switch decision.Scope {
	case ScopeUser:
		if decision.UserID == 0 {
			return ""
		}
		return fmt.Sprintf("u:%d", decision.UserID)
	case ScopeClient:
		ip := strings.TrimSpace(decision.ClientIP)
		if ip == "" {
			return ""
		}
		return "ip:" + ip
	default:
		return ""
	}
}
