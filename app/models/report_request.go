package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ReportType string

const (
	ReportTypeBaseline     ReportType = "baseline"
	ReportTypeDetailed     ReportType = "detailed"
	ReportTypeDeepAnalysis ReportType = "deep_analysis"
	ReportTypePricer       ReportType = "pricer"
	ReportTypeBenchmark    ReportType = "benchmark"
	ReportTypeCustom       ReportType = "custom"
)

type AssetType string

const (
	AssetTypeStock  AssetType = "stock"
	AssetTypeETF    AssetType = "etf"
	AssetTypeCrypto AssetType = "crypto"
	AssetTypeBond   AssetType = "bond"
	AssetTypeFund   AssetType = "fund"
	AssetTypeIndex  AssetType = "index"
)

type ReportStatus string

const (
	ReportStatusPending    ReportStatus = "pending"
	ReportStatusProcessing ReportStatus = "processing"
	ReportStatusCompleted  ReportStatus = "completed"
	ReportStatusFailed     ReportStatus = "failed"
)

// AllReportStatuses lists the lifecycle states in order.
var AllReportStatuses = []ReportStatus{
	ReportStatusPending,
	ReportStatusProcessing,
	ReportStatusCompleted,
	ReportStatusFailed,
}

// ReportRequest is a user's paid request for a generated report. CreditsCost
// is captured at creation and never recomputed. Status transitions past
// pending are written by the external report worker.
type ReportRequest struct {
	ID                  uint           `gorm:"primaryKey" json:"-"`
	UUID                string         `gorm:"type:char(36);uniqueIndex" json:"id"`
	UserID              uint           `gorm:"not null;index:idx_report_requests_user_status,priority:1" json:"user_id"`
	Title               string         `gorm:"type:varchar(200);not null" json:"title"`
	AssetType           AssetType      `gorm:"type:varchar(20);not null" json:"asset_type"`
	AssetSymbol         string         `gorm:"type:varchar(32);not null;index" json:"asset_symbol"`
	ReportType          ReportType     `gorm:"type:varchar(32);not null" json:"report_type"`
	IncludeBenchmark    bool           `gorm:"default:false" json:"include_benchmark"`
	IncludeAPIExport    bool           `gorm:"default:false" json:"include_api_export"`
	CreditsCost         int64          `gorm:"not null" json:"credits_cost"`
	Status              ReportStatus   `gorm:"type:varchar(20);not null;default:'pending';index;index:idx_report_requests_user_status,priority:2" json:"status"`
	ProcessingStartedAt *time.Time     `gorm:"type:timestamp;default:null" json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time     `gorm:"type:timestamp;default:null" json:"completed_at,omitempty"`
	PDFPath             string         `gorm:"type:varchar(255);default:''" json:"pdf_path,omitempty"`
	CSVPath             string         `gorm:"type:varchar(255);default:''" json:"csv_path,omitempty"`
	FailureReason       string         `gorm:"type:text" json:"failure_reason,omitempty"`
	DownloadCount       int64          `gorm:"not null;default:0" json:"download_count"`
	RefundedAt          *time.Time     `gorm:"type:timestamp;default:null" json:"refunded_at,omitempty"`
	CreatedAt           time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt           time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt           gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate assigns the public UUID when missing.
func (r *ReportRequest) BeforeCreate(tx *gorm.DB) error {
	if r.UUID == "" {
		r.UUID = uuid.New().String()
	}
	if r.Status == "" {
		r.Status = ReportStatusPending
	}
	return nil
}

// IsRefunded reports whether a refund has already been booked for the report.
func (r *ReportRequest) IsRefunded() bool {
	return r.RefundedAt != nil
}
