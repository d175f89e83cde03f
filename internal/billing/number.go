package billing

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewOrderNumber returns a human-facing order reference such as
// ORD-20260115-1F0C9A2B7D3E.
func NewOrderNumber(now time.Time) string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "ORD-" + now.UTC().Format("20060102") + "-" + id[:12]
}

// RenewalKey identifies the renewal order of one subscription billing date.
func RenewalKey(subscriptionID uint64, billingDate time.Time) string {
	return strconv.FormatUint(subscriptionID, 10) + ":" + billingDate.UTC().Format("2006-01-02")
}
