package reports

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/finreport/finreport/app/models"
	"github.com/finreport/finreport/internal/pkg/credits"
)

var (
	ErrAlreadyRefunded = errors.New("report has already been refunded")
	ErrNotRefundable   = errors.New("only failed reports can be refunded")
	ErrNotRetryable    = errors.New("only failed, unrefunded reports can be retried")
	ErrReportNotReady  = errors.New("report is not completed yet")
	ErrNoArtifact      = errors.New("report artifact is not available")
)

// SubmitInput is a report order as received from the API.
type SubmitInput struct {
	Title            string            `json:"title" validate:"required,max=200"`
	AssetType        models.AssetType  `json:"asset_type" validate:"required,oneof=stock etf crypto bond fund index"`
	AssetSymbol      string            `json:"asset_symbol" validate:"required,max=32"`
	ReportType       models.ReportType `json:"report_type" validate:"required"`
	IncludeBenchmark bool              `json:"include_benchmark"`
	IncludeAPIExport bool              `json:"include_api_export"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Normalize trims the text fields and upper-cases the symbol.
func (in *SubmitInput) Normalize() {
	in.Title = strings.TrimSpace(in.Title)
	in.AssetSymbol = strings.ToUpper(strings.TrimSpace(in.AssetSymbol))
	in.AssetType = models.AssetType(strings.ToLower(strings.TrimSpace(string(in.AssetType))))
	in.ReportType = models.ReportType(strings.ToLower(strings.TrimSpace(string(in.ReportType))))
}

// Validate checks the struct tags and returns a *credits.ValidationError
// keyed by JSON field name.
func (in *SubmitInput) Validate() error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return credits.NewValidationError("body", err.Error())
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fieldMessage(fe)
	}
	return &credits.ValidationError{Fields: fields}
}

// ReportConfig returns the pricing input for the order.
func (in *SubmitInput) ReportConfig(hasAPIAccess bool) credits.ReportConfig {
	return credits.ReportConfig{
		ReportType:       in.ReportType,
		IncludeBenchmark: in.IncludeBenchmark,
		IncludeAPIExport: in.IncludeAPIExport,
		HasAPIAccess:     hasAPIAccess,
	}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return "is invalid"
	}
}
