package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	FullyPaid     PaymentStatus = "FULLY_PAID"
	PartiallyPaid PaymentStatus = "PARTIALLY_PAID"
	Rejected      PaymentStatus = "REJECTED"
	Pending       PaymentStatus = "PENDING"
)

// ActivitySummary is the derived financial state of one activity. It only
// exists once at least one remittance line has arrived for the activity.
type ActivitySummary struct {
	ClaimKey     ClaimKey `json:"claim_key"`
	ActivityID   string   `json:"activity_id"`
	ActivityCode string   `json:"activity_code,omitempty"`
	ClinicianID  string   `json:"clinician_id,omitempty"`

	SubmittedAmount decimal.Decimal `json:"submitted_amount"`
	// PaidAmount never exceeds SubmittedAmount.
	PaidAmount     decimal.Decimal `json:"paid_amount"`
	RemittedAmount decimal.Decimal `json:"remitted_amount"`
	RejectedAmount decimal.Decimal `json:"rejected_amount"`
	DeniedAmount   decimal.Decimal `json:"denied_amount"`

	Status          PaymentStatus `json:"status"`
	RemittanceCount int           `json:"remittance_count"`
	DenialCode      *string       `json:"denial_code,omitempty"`
	DenialCodes     []string      `json:"denial_codes,omitempty"`

	FirstPaymentTime    *time.Time `json:"first_payment_time,omitempty"`
	LastPaymentTime     *time.Time `json:"last_payment_time,omitempty"`
	FirstRemittanceTime *time.Time `json:"first_remittance_time,omitempty"`
	LastRemittanceTime  *time.Time `json:"last_remittance_time,omitempty"`
}

// ClaimPayment is the per claim rollup of its activity summaries.
type ClaimPayment struct {
	ClaimKey   ClaimKey `json:"claim_key"`
	FacilityID string   `json:"facility_id,omitempty"`
	PayerID    string   `json:"payer_id,omitempty"`

	TotalSubmitted     decimal.Decimal `json:"total_submitted"`
	TotalPaid          decimal.Decimal `json:"total_paid"`
	TotalRemitted      decimal.Decimal `json:"total_remitted"`
	TotalRejected      decimal.Decimal `json:"total_rejected"`
	TotalDenied        decimal.Decimal `json:"total_denied"`
	OutstandingBalance decimal.Decimal `json:"outstanding_balance"`

	TotalActivities         int `json:"total_activities"`
	PaidActivities          int `json:"paid_activities"`
	PartiallyPaidActivities int `json:"partially_paid_activities"`
	RejectedActivities      int `json:"rejected_activities"`
	PendingActivities       int `json:"pending_activities"`

	RemittanceCount   int           `json:"remittance_count"`
	ResubmissionCount int           `json:"resubmission_count"`
	ProcessingCycles  int           `json:"processing_cycles"`
	PaymentStatus     PaymentStatus `json:"payment_status"`

	FirstSubmission time.Time  `json:"first_submission"`
	LastSubmission  time.Time  `json:"last_submission"`
	FirstRemittance *time.Time `json:"first_remittance,omitempty"`
	LastRemittance  *time.Time `json:"last_remittance,omitempty"`
	FirstPayment    *time.Time `json:"first_payment,omitempty"`
	LastPayment     *time.Time `json:"last_payment,omitempty"`
	TxAt            time.Time  `json:"tx_at"`

	DaysToFirstPayment     *int     `json:"days_to_first_payment,omitempty"`
	DaysToFinalSettlement  *int     `json:"days_to_final_settlement,omitempty"`
	LatestPaymentReference string   `json:"latest_payment_reference,omitempty"`
	PaymentReferences      []string `json:"payment_references,omitempty"`

	// Stale is set on reads while the claim is Degraded. It is never persisted.
	Stale bool `json:"stale"`
}

// ClaimDate is the date a claim is filed under for filtering and
// reporting.
func (p ClaimPayment) ClaimDate() time.Time {
	y, m, d := p.FirstSubmission.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Money renders an amount with two fixed decimals.
func Money(d decimal.Decimal) string {
	return d.StringFixed(2)
}
