package entitlements

import (
	"strings"

	"github.com/finreport/finreport/app/models"
)

type Plan string

const (
	PlanFree         Plan = models.PlanFree
	PlanStarter      Plan = models.PlanStarter
	PlanProfessional Plan = models.PlanProfessional
	PlanEnterprise   Plan = models.PlanEnterprise
)

// CreditPack is a one-off purchasable bundle of credits.
type CreditPack struct {
	Product        string `json:"product"`
	Credits        int64  `json:"credits"`
	PriceEUR       int64  `json:"price_eur"`
	PricePerCredit string `json:"price_per_credit"`
}

var packs = []CreditPack{
	{Product: "100-credits", Credits: 100, PriceEUR: 69, PricePerCredit: "0.69"},
	{Product: "500-credits", Credits: 500, PriceEUR: 299, PricePerCredit: "0.60"},
	{Product: "2000-credits", Credits: 2000, PriceEUR: 1099, PricePerCredit: "0.55"},
}

// Plans lists the plans from lowest to highest tier.
func Plans() []Plan {
	return []Plan{PlanFree, PlanStarter, PlanProfessional, PlanEnterprise}
}

// ParsePlan maps a provider product or plan name to a plan, defaulting to free.
func ParsePlan(name string) Plan {
	switch Plan(strings.ToLower(strings.TrimSpace(name))) {
	case PlanStarter:
		return PlanStarter
	case PlanProfessional:
		return PlanProfessional
	case PlanEnterprise:
		return PlanEnterprise
	default:
		return PlanFree
	}
}

// MonthlyCredits returns the credits granted on each renewal of the plan.
func MonthlyCredits(plan Plan) int64 {
	switch plan {
	case PlanStarter:
		return 100
	case PlanProfessional:
		return 500
	case PlanEnterprise:
		return 2000
	default:
		return 0
	}
}

// MonthlyPriceEUR is the list price of the plan.
func MonthlyPriceEUR(plan Plan) int64 {
	switch plan {
	case PlanStarter:
		return 29
	case PlanProfessional:
		return 99
	case PlanEnterprise:
		return 299
	default:
		return 0
	}
}

// AllowsAPIAccess reports whether an active subscription on the plan unlocks API export.
func AllowsAPIAccess(plan Plan, active bool) bool {
	return active && plan != PlanFree
}

// Rank orders plans so upgrades can be detected.
func Rank(plan Plan) int {
	switch plan {
	case PlanEnterprise:
		return 3
	case PlanProfessional:
		return 2
	case PlanStarter:
		return 1
	default:
		return 0
	}
}

// CreditPacks returns the pack catalog.
func CreditPacks() []CreditPack {
	out := make([]CreditPack, len(packs))
	copy(out, packs)
	return out
}

// PackByProduct looks up a pack by its provider product name.
func PackByProduct(product string) (CreditPack, bool) {
	p := strings.ToLower(strings.TrimSpace(product))
	for _, pack := range packs {
		if pack.Product == p {
			return pack, true
		}
	}
	return CreditPack{}, false
}
