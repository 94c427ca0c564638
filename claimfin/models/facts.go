package models

import (
	"strings"
	"time"

	customErrors "github.com/CMSgov/claimfin/claimfin/errors"
	"github.com/shopspring/decimal"
)

// ClaimKey identifies a claim for its whole lifecycle. It never changes once
// assigned.
type ClaimKey string

func (k ClaimKey) String() string {
	return string(k)
}

type FactKind string

const (
	KindSubmission   FactKind = "submission"
	KindResubmission FactKind = "resubmission"
	KindRemittance   FactKind = "remittance"
)

// Fact is an immutable claim lifecycle event. Facts are only ever appended.
type Fact interface {
	Claim() ClaimKey
	Kind() FactKind
	OccurredAt() time.Time
	DedupKey() string
	Validate() error
}

type AppendResult int

const (
	Accepted AppendResult = iota
	Duplicate
)

func (r AppendResult) String() string {
	if r == Duplicate {
		return "duplicate"
	}
	return "accepted"
}

// Submission introduces an activity and its immutable submitted amount.
type Submission struct {
	ClaimKey        ClaimKey        `json:"claim_key"`
	ActivityID      string          `json:"activity_id"`
	SubmittedAmount decimal.Decimal `json:"submitted_amount"`
	TxTime          time.Time       `json:"tx_time"`
	FacilityID      string          `json:"facility_id,omitempty"`
	PayerID         string          `json:"payer_id,omitempty"`
	ClinicianID     string          `json:"clinician_id,omitempty"`
	ActivityCode    string          `json:"activity_code,omitempty"`
	MemberID        string          `json:"member_id,omitempty"`
}

func (s Submission) Claim() ClaimKey       { return s.ClaimKey }
func (s Submission) Kind() FactKind        { return KindSubmission }
func (s Submission) OccurredAt() time.Time { return s.TxTime }

func (s Submission) DedupKey() string {
	return dedupKey("sub", string(s.ClaimKey), s.ActivityID)
}

func (s Submission) Validate() error {
	if err := requireKey(s.ClaimKey); err != nil {
		return err
	}
	if strings.TrimSpace(s.ActivityID) == "" {
		return &customErrors.ValidationError{Field: "activity_id", Msg: "must not be empty"}
	}
	if s.SubmittedAmount.IsNegative() {
		return &customErrors.ValidationError{Field: "submitted_amount", Msg: "must not be negative"}
	}
	return requireTime("tx_time", s.TxTime)
}

// Resubmission records another adjudication cycle for the claim.
type Resubmission struct {
	ClaimKey ClaimKey  `json:"claim_key"`
	TxTime   time.Time `json:"tx_time"`
	Type     string    `json:"type,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

func (r Resubmission) Claim() ClaimKey       { return r.ClaimKey }
func (r Resubmission) Kind() FactKind        { return KindResubmission }
func (r Resubmission) OccurredAt() time.Time { return r.TxTime }

func (r Resubmission) DedupKey() string {
	return dedupKey("resub", string(r.ClaimKey), r.TxTime.UTC().Format(time.RFC3339Nano), r.Type)
}

func (r Resubmission) Validate() error {
	if err := requireKey(r.ClaimKey); err != nil {
		return err
	}
	return requireTime("tx_time", r.TxTime)
}

// RemittanceLine is one payer adjudication of one activity in one cycle.
// DenialCode is nil when the payer did not deny the line.
type RemittanceLine struct {
	ClaimKey         ClaimKey        `json:"claim_key"`
	ActivityID       string          `json:"activity_id"`
	CycleID          string          `json:"cycle_id"`
	PaidAmount       decimal.Decimal `json:"paid_amount"`
	DenialCode       *string         `json:"denial_code,omitempty"`
	SettlementTime   time.Time       `json:"settlement_time"`
	PaymentReference string          `json:"payment_reference,omitempty"`
	PayerID          string          `json:"payer_id,omitempty"`
}

func (l RemittanceLine) Claim() ClaimKey       { return l.ClaimKey }
func (l RemittanceLine) Kind() FactKind        { return KindRemittance }
func (l RemittanceLine) OccurredAt() time.Time { return l.SettlementTime }

func (l RemittanceLine) DedupKey() string {
	return dedupKey("rem", string(l.ClaimKey), l.ActivityID, l.CycleID)
}

func (l RemittanceLine) Validate() error {
	if err := requireKey(l.ClaimKey); err != nil {
		return err
	}
	if strings.TrimSpace(l.ActivityID) == "" {
		return &customErrors.ValidationError{Field: "activity_id", Msg: "must not be empty"}
	}
	if strings.TrimSpace(l.CycleID) == "" {
		return &customErrors.ValidationError{Field: "cycle_id", Msg: "must not be empty"}
	}
	if l.PaidAmount.IsNegative() {
		return &customErrors.ValidationError{Field: "paid_amount", Msg: "must not be negative"}
	}
	if l.DenialCode != nil && strings.TrimSpace(*l.DenialCode) == "" {
		return &customErrors.ValidationError{Field: "denial_code", Msg: "must be null or non-empty"}
	}
	return requireTime("settlement_time", l.SettlementTime)
}

// HasDenial reports whether the line carries a denial code.
func (l RemittanceLine) HasDenial() bool {
	return l.DenialCode != nil && *l.DenialCode != ""
}

// SameFact reports whether a and b carry the same payload. Amounts and times
// are compared by value so that 10 and 10.00 are the same amount.
func SameFact(a, b Fact) bool {
	switch x := a.(type) {
	case Submission:
		y, ok := b.(Submission)
		return ok && x.ClaimKey == y.ClaimKey && x.ActivityID == y.ActivityID &&
			x.SubmittedAmount.Equal(y.SubmittedAmount) && x.TxTime.Equal(y.TxTime) &&
			x.FacilityID == y.FacilityID && x.PayerID == y.PayerID &&
			x.ClinicianID == y.ClinicianID && x.ActivityCode == y.ActivityCode &&
			x.MemberID == y.MemberID
	case Resubmission:
		y, ok := b.(Resubmission)
		return ok && x.ClaimKey == y.ClaimKey && x.TxTime.Equal(y.TxTime) &&
			x.Type == y.Type && x.Reason == y.Reason
	case RemittanceLine:
		y, ok := b.(RemittanceLine)
		return ok && x.ClaimKey == y.ClaimKey && x.ActivityID == y.ActivityID &&
			x.CycleID == y.CycleID && x.PaidAmount.Equal(y.PaidAmount) &&
			x.SettlementTime.Equal(y.SettlementTime) && sameCode(x.DenialCode, y.DenialCode) &&
			x.PaymentReference == y.PaymentReference && x.PayerID == y.PayerID
	}
	return false
}

func sameCode(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func dedupKey(parts ...string) string {
	return strings.Join(parts, "|")
}

func requireKey(k ClaimKey) error {
	if strings.TrimSpace(string(k)) == "" {
		return &customErrors.ValidationError{Field: "claim_key", Msg: "must not be empty"}
	}
	return nil
}

func requireTime(field string, t time.Time) error {
	if t.IsZero() {
		return &customErrors.ValidationError{Field: field, Msg: "must be set"}
	}
	return nil
}
