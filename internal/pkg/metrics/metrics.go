package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LedgerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finreport_ledger_operations_total",
			Help: "Credit ledger operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	CreditsMoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finreport_ledger_credits_total",
			Help: "Credits booked on the ledger by transaction type",
		},
		[]string{"type"},
	)

	ReportsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finreport_reports_submitted_total",
			Help: "Report requests accepted by report type",
		},
		[]string{"report_type"},
	)

	ReportSubmitFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finreport_report_submit_failures_total",
			Help: "Rejected report submissions by reason",
		},
		[]string{"reason"},
	)

	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finreport_billing_webhook_events_total",
			Help: "Billing webhook events by type and result",
		},
		[]string{"event_type", "result"},
	)

	QueueNotifyFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "finreport_report_queue_notify_failures_total",
			Help: "Pending reports that could not be pushed to the worker queue",
		},
	)
)

// Result labels a counter with ok or error.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
