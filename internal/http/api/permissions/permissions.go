// Package permissions maps API routes to the roles allowed to call them.
package permissions

import (
	"sort"
	"strings"

	"github.com/estatedesk/billing/internal/models"
)

// Definition describes one protected route.
type Definition struct {
	Key    string        `json:"key"`
	Method string        `json:"method"`
	Path   string        `json:"path"`
	Label  string        `json:"label"`
	Module string        `json:"module"`
	Roles  []models.Role `json:"roles"`
}

// Key builds a permission key from method and route path.
func Key(method, path string) string {
	return strings.ToUpper(method) + " " + path
}

// Allowed reports whether role may call the route. Admins may call every
// defined route; unknown routes are denied.
func Allowed(role models.Role, method, path string) bool {
	def, ok := definitionMap[Key(method, path)]
	if !ok {
		return false
	}
	if role == models.RoleAdmin {
		return true
	}
	for _, r := range def.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// SeesAll reports whether role may read and act on other users' records.
func SeesAll(role models.Role) bool {
	return role == models.RoleAdmin || role == models.RoleManager
}

// Definitions returns a copy of all definitions.
func Definitions() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	return out
}

// ForRole lists the keys role may call, sorted.
func ForRole(role models.Role) []string {
	keys := make([]string, 0, len(definitions))
	for _, def := range definitions {
		if Allowed(role, def.Method, def.Path) {
			keys = append(keys, def.Key)
		}
	}
	sort.Strings(keys)
	return keys
}

func newDefinition(method, path, label, module string, roles ...models.Role) Definition {
	upperMethod := strings.ToUpper(method)
	return Definition{
		Key:    Key(upperMethod, path),
		Method: upperMethod,
		Path:   path,
		Label:  label,
		Module: module,
		Roles:  roles,
	}
}

var (
	staff    = []models.Role{models.RoleManager}
	everyone = []models.Role{models.RoleManager, models.RoleUser}
)

// definitions is the ordered route table. Admin is implied everywhere.
var definitions = []Definition{
	newDefinition("GET", "/api/plans", "List Plans", "Plans", everyone...),
	newDefinition("GET", "/api/plans/:id", "Get Plan", "Plans", everyone...),
	newDefinition("POST", "/api/plans", "Create Plan", "Plans"),
	newDefinition("PUT", "/api/plans/:id", "Update Plan", "Plans"),
	newDefinition("PATCH", "/api/plans/:id/status", "Set Plan Status", "Plans"),

	newDefinition("GET", "/api/subscriptions", "List Subscriptions", "Subscriptions", everyone...),
	newDefinition("POST", "/api/subscriptions", "Create Subscription", "Subscriptions", everyone...),
	newDefinition("GET", "/api/subscriptions/stats/overview", "Subscription Overview", "Subscriptions", staff...),
	newDefinition("GET", "/api/subscriptions/upcoming/renewals", "Upcoming Renewals", "Subscriptions", staff...),
	newDefinition("GET", "/api/subscriptions/:id", "Get Subscription", "Subscriptions", everyone...),
	newDefinition("PUT", "/api/subscriptions/:id", "Update Subscription", "Subscriptions", everyone...),
	newDefinition("PATCH", "/api/subscriptions/:id/cancel", "Cancel Subscription", "Subscriptions", everyone...),
	newDefinition("PATCH", "/api/subscriptions/:id/renew", "Renew Subscription", "Subscriptions", staff...),

	newDefinition("GET", "/api/orders", "List Orders", "Orders", everyone...),
	newDefinition("POST", "/api/orders", "Create Order", "Orders", staff...),
	newDefinition("GET", "/api/orders/:id", "Get Order", "Orders", everyone...),
	newDefinition("PUT", "/api/orders/:id", "Update Order", "Orders", staff...),
	newDefinition("PATCH", "/api/orders/:id/cancel", "Cancel Order", "Orders", staff...),
	newDefinition("POST", "/api/orders/:id/process-payment", "Pay Order", "Orders", everyone...),
	newDefinition("POST", "/api/orders/:id/refund", "Refund Order", "Orders", staff...),

	newDefinition("GET", "/api/payments", "List Payments", "Payments", everyone...),
	newDefinition("POST", "/api/payments", "Record Payment", "Payments", staff...),
	newDefinition("GET", "/api/payments/:id", "Get Payment", "Payments", everyone...),
	newDefinition("PUT", "/api/payments/:id", "Update Payment", "Payments", staff...),
	newDefinition("POST", "/api/payments/:id/refund", "Refund Payment", "Payments", staff...),

	newDefinition("GET", "/api/reports/monthly", "Monthly Reports", "Reports", staff...),

	newDefinition("POST", "/api/users", "Create User", "Users"),
	newDefinition("GET", "/api/users", "List Users", "Users", staff...),
	newDefinition("GET", "/api/users/:id", "Get User", "Users", staff...),

	newDefinition("GET", "/api/permissions", "List Own Permissions", "Permissions", everyone...),
}

var definitionMap = buildDefinitionMap(definitions)

func buildDefinitionMap(defs []Definition) map[string]Definition {
	out := make(map[string]Definition, len(defs))
	for _, def := range defs {
		out[def.Key] = def
	}
	return out
}
