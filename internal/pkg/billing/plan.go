package billing

import (
	"strings"

	"github.com/finreport/finreport/app/models"
	"github.com/finreport/finreport/internal/pkg/entitlements"
)

func normalizePlan(productName string) entitlements.Plan {
	return entitlements.ParsePlan(productName)
}

func isEntitlingStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case models.BillingStatusActive, models.BillingStatusTrialing:
		return true
	default:
		return false
	}
}
