package credits

import (
	"github.com/finreport/finreport/app/models"
)

const (
	BenchmarkModuleCost int64 = 12
	APIExportCost       int64 = 5
)

var baseCosts = map[models.ReportType]int64{
	models.ReportTypeBaseline:     15,
	models.ReportTypeDetailed:     25,
	models.ReportTypeBenchmark:    20,
	models.ReportTypePricer:       30,
	models.ReportTypeDeepAnalysis: 35,
}

// ReportConfig is everything the price of a report depends on.
type ReportConfig struct {
	ReportType       models.ReportType
	IncludeBenchmark bool
	IncludeAPIExport bool
	HasAPIAccess     bool
}

// CostBreakdown itemizes a quote for display.
type CostBreakdown struct {
	Base      int64 `json:"base"`
	Benchmark int64 `json:"benchmark"`
	APIExport int64 `json:"api_export"`
	Total     int64 `json:"total"`
}

// BaseCost returns the base price of a report type. Custom reports are not
// offered yet and report false like unknown types.
func BaseCost(reportType models.ReportType) (int64, bool) {
	cost, ok := baseCosts[reportType]
	return cost, ok
}

// CalculateCost returns the credit cost for cfg.
func CalculateCost(cfg ReportConfig) (int64, error) {
	b, err := Quote(cfg)
	if err != nil {
		return 0, err
	}
	return b.Total, nil
}

// Quote prices cfg item by item. API export without API access is refused
// instead of being dropped from the order.
func Quote(cfg ReportConfig) (CostBreakdown, error) {
	var b CostBreakdown
	base, ok := BaseCost(cfg.ReportType)
	if !ok {
		if cfg.ReportType == models.ReportTypeCustom {
			return b, NewValidationError("report_type", "custom reports are not available yet")
		}
		return b, NewValidationError("report_type", "unknown report type")
	}
	b.Base = base

	if cfg.IncludeBenchmark {
		b.Benchmark = BenchmarkModuleCost
	}
	if cfg.IncludeAPIExport {
		if !cfg.HasAPIAccess {
			return CostBreakdown{}, &CapabilityError{Capability: "api_export"}
		}
		b.APIExport = APIExportCost
	}

	b.Total = b.Base + b.Benchmark + b.APIExport
	return b, nil
}
