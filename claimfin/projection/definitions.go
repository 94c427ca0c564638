package projection

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/CMSgov/claimfin/claimfin/constants"
	"github.com/CMSgov/claimfin/claimfin/models"
	"github.com/CMSgov/claimfin/claimfin/refdata"
)

type Grain int

const (
	ClaimGrain Grain = iota
	ActivityGrain
)

// Resolver supplies display attributes. *refdata.Cache satisfies it.
type Resolver interface {
	Lookup(ctx context.Context, kind refdata.Kind, id string) refdata.Entry
}

// Input is the derived state of one claim a projection is built from.
type Input struct {
	Payment   models.ClaimPayment
	Summaries []models.ActivitySummary
	Stale     bool
}

// Row is the denormalized read shape shared by every projection. Columns a
// projection does not use stay at their zero value.
type Row struct {
	ClaimKey     models.ClaimKey
	ActivityID   string
	ActivityCode string
	ClaimDate    time.Time
	Month        string

	FacilityID    string
	FacilityName  string
	PayerID       string
	PayerName     string
	ClinicianID   string
	ClinicianName string

	Status            models.PaymentStatus
	DenialCode        string
	DenialDescription string

	Submitted   decimal.Decimal
	Paid        decimal.Decimal
	Denied      decimal.Decimal
	Rejected    decimal.Decimal
	Outstanding decimal.Decimal

	// Claims is the number of claims folded into an aggregate row.
	Claims                  int
	TotalActivities         int
	PaidActivities          int
	PartiallyPaidActivities int
	RejectedActivities      int
	PendingActivities       int
	RemittanceCount         int
	ResubmissionCount       int
	// ProcessingCycles counts submission rounds, the original plus every
	// resubmission.
	ProcessingCycles        int
	// RejectedNotResubmitted marks a claim with a rejected balance that was
	// never resubmitted.
	RejectedNotResubmitted  bool

	FirstRemittance       *time.Time
	LastRemittance        *time.Time
	DaysToFirstPayment    *int
	DaysToFinalSettlement *int
	PaymentReference      string

	// AgingDays is filled at query time for rows with an outstanding balance.
	AgingDays int
	Stale     bool
}

func (r *Row) value(f Field) string {
	switch f {
	case FacilityID:
		return r.FacilityID
	case PayerID:
		return r.PayerID
	case ClaimKey:
		return string(r.ClaimKey)
	case ClinicianID:
		return r.ClinicianID
	case Status:
		return string(r.Status)
	case DenialCode:
		return r.DenialCode
	}
	return ""
}

// baseLess is the order rows are stored in.
func baseLess(a, b *Row) bool {
	if !a.ClaimDate.Equal(b.ClaimDate) {
		return a.ClaimDate.Before(b.ClaimDate)
	}
	return keyLess(a, b)
}

// keyLess orders rows by identity. It breaks ties for every sort.
func keyLess(a, b *Row) bool {
	if c := strings.Compare(string(a.ClaimKey), string(b.ClaimKey)); c != 0 {
		return c < 0
	}
	if c := strings.Compare(a.ActivityID, b.ActivityID); c != 0 {
		return c < 0
	}
	if c := strings.Compare(a.FacilityID, b.FacilityID); c != 0 {
		return c < 0
	}
	if c := strings.Compare(a.PayerID, b.PayerID); c != 0 {
		return c < 0
	}
	return a.ClinicianID < b.ClinicianID
}

// Definition describes one named projection. Materialized projections have
// a build function and own a table in every snapshot. Aggregates are
// computed at query time from the filtered rows of their source.
type Definition struct {
	Name   string
	Grain  Grain
	Fields []Field

	build     func(ctx context.Context, in Input, ref Resolver) []Row
	source    string
	aggregate func(rows []*Row) []Row
}

func (d *Definition) supports(f Field) bool {
	for _, candidate := range d.Fields {
		if candidate == f {
			return true
		}
	}
	return false
}

var (
	claimFields    = []Field{ClaimDate, FacilityID, PayerID, ClaimKey, Status}
	activityFields = []Field{ClaimDate, FacilityID, PayerID, ClaimKey, ClinicianID, Status, DenialCode}
)

var definitions = map[string]*Definition{
	constants.ProjectionClaims: {
		Name:   constants.ProjectionClaims,
		Grain:  ClaimGrain,
		Fields: claimFields,
		build:  claimRows,
	},
	constants.ProjectionActivities: {
		Name:   constants.ProjectionActivities,
		Grain:  ActivityGrain,
		Fields: activityFields,
		build:  activityRows,
	},
	constants.ProjectionRejected: {
		Name:   constants.ProjectionRejected,
		Grain:  ActivityGrain,
		Fields: activityFields,
		build:  rejectedRows,
	},
	constants.ProjectionMonthly: {
		Name:      constants.ProjectionMonthly,
		Grain:     ClaimGrain,
		Fields:    claimFields,
		source:    constants.ProjectionClaims,
		aggregate: monthlyRows,
	},
	constants.ProjectionDoctorDenial: {
		Name:      constants.ProjectionDoctorDenial,
		Grain:     ActivityGrain,
		Fields:    activityFields,
		source:    constants.ProjectionActivities,
		aggregate: doctorDenialRows,
	},
	constants.ProjectionPayerwise: {
		Name:      constants.ProjectionPayerwise,
		Grain:     ClaimGrain,
		Fields:    claimFields,
		source:    constants.ProjectionClaims,
		aggregate: payerwiseRows,
	},
	constants.ProjectionResubmissions: {
		Name:      constants.ProjectionResubmissions,
		Grain:     ClaimGrain,
		Fields:    claimFields,
		source:    constants.ProjectionClaims,
		aggregate: resubmissionRows,
	},
}

// materialized lists the projections backed by a snapshot table.
var materialized = []string{constants.ProjectionClaims, constants.ProjectionActivities, constants.ProjectionRejected}

// Definitions returns the names of every projection.
func Definitions() []string {
	return []string{constants.ProjectionClaims, constants.ProjectionActivities,
		constants.ProjectionRejected, constants.ProjectionMonthly, constants.ProjectionDoctorDenial,
		constants.ProjectionPayerwise, constants.ProjectionResubmissions}
}

func lookup(ctx context.Context, ref Resolver, kind refdata.Kind, id string) refdata.Entry {
	if ref == nil || id == "" {
		return refdata.Entry{Kind: kind, ID: id}
	}
	return ref.Lookup(ctx, kind, id)
}

func claimBase(ctx context.Context, in Input, ref Resolver) Row {
	p := in.Payment
	date := p.ClaimDate()
	return Row{
		ClaimKey:          p.ClaimKey,
		ClaimDate:         date,
		Month:             date.Format("2006-01"),
		FacilityID:        p.FacilityID,
		FacilityName:      lookup(ctx, ref, refdata.Facility, p.FacilityID).DisplayName(),
		PayerID:           p.PayerID,
		PayerName:         lookup(ctx, ref, refdata.Payer, p.PayerID).DisplayName(),
		ResubmissionCount: p.ResubmissionCount,
		Stale:             in.Stale,
	}
}

func claimRows(ctx context.Context, in Input, ref Resolver) []Row {
	p := in.Payment
	r := claimBase(ctx, in, ref)
	r.Status = p.PaymentStatus
	r.Submitted = p.TotalSubmitted
	r.Paid = p.TotalPaid
	r.Denied = p.TotalDenied
	r.Rejected = p.TotalRejected
	r.Outstanding = p.OutstandingBalance
	r.Claims = 1
	r.TotalActivities = p.TotalActivities
	r.PaidActivities = p.PaidActivities
	r.PartiallyPaidActivities = p.PartiallyPaidActivities
	r.RejectedActivities = p.RejectedActivities
	r.PendingActivities = p.PendingActivities
	r.RemittanceCount = p.RemittanceCount
	r.FirstRemittance = p.FirstRemittance
	r.LastRemittance = p.LastRemittance
	r.DaysToFirstPayment = p.DaysToFirstPayment
	r.DaysToFinalSettlement = p.DaysToFinalSettlement
	r.PaymentReference = p.LatestPaymentReference
	return []Row{r}
}

func activityRows(ctx context.Context, in Input, ref Resolver) []Row {
	base := claimBase(ctx, in, ref)
	rows := make([]Row, 0, len(in.Summaries))
	for _, a := range in.Summaries {
		r := base
		r.ActivityID = a.ActivityID
		r.ActivityCode = a.ActivityCode
		r.ClinicianID = a.ClinicianID
		r.ClinicianName = lookup(ctx, ref, refdata.Clinician, a.ClinicianID).DisplayName()
		r.Status = a.Status
		r.Submitted = a.SubmittedAmount
		r.Paid = a.PaidAmount
		r.Denied = a.DeniedAmount
		r.Rejected = a.RejectedAmount
		r.Outstanding = decimal.Max(a.SubmittedAmount.Sub(a.PaidAmount).Sub(a.DeniedAmount), decimal.Zero)
		r.RemittanceCount = a.RemittanceCount
		r.FirstRemittance = a.FirstRemittanceTime
		r.LastRemittance = a.LastRemittanceTime
		if a.DenialCode != nil {
			r.DenialCode = *a.DenialCode
			e := lookup(ctx, ref, refdata.DenialCode, r.DenialCode)
			r.DenialDescription = e.Description
			if r.DenialDescription == "" {
				r.DenialDescription = e.DisplayName()
			}
		}
		rows = append(rows, r)
	}
	return rows
}

func rejectedRows(ctx context.Context, in Input, ref Resolver) []Row {
	var rejected []models.ActivitySummary
	for _, a := range in.Summaries {
		if a.Status == models.Rejected {
			rejected = append(rejected, a)
		}
	}
	if len(rejected) == 0 {
		return nil
	}
	in.Summaries = rejected
	return activityRows(ctx, in, ref)
}

// monthlyRows folds claim rows into one row per month, facility and payer.
// rows arrive in base order, so groups come out ordered by month.
func monthlyRows(rows []*Row) []Row {
	type groupKey struct{ month, facility, payer string }
	index := make(map[groupKey]int)
	var out []Row
	for _, r := range rows {
		k := groupKey{r.Month, r.FacilityID, r.PayerID}
		i, ok := index[k]
		if !ok {
			i = len(out)
			index[k] = i
			out = append(out, Row{
				ClaimDate:    time.Date(r.ClaimDate.Year(), r.ClaimDate.Month(), 1, 0, 0, 0, 0, time.UTC),
				Month:        r.Month,
				FacilityID:   r.FacilityID,
				FacilityName: r.FacilityName,
				PayerID:      r.PayerID,
				PayerName:    r.PayerName,
				Submitted:    decimal.Zero,
				Paid:         decimal.Zero,
				Denied:       decimal.Zero,
				Rejected:     decimal.Zero,
				Outstanding:  decimal.Zero,
			})
		}
		g := &out[i]
		g.Claims++
		g.Submitted = g.Submitted.Add(r.Submitted)
		g.Paid = g.Paid.Add(r.Paid)
		g.Denied = g.Denied.Add(r.Denied)
		g.Rejected = g.Rejected.Add(r.Rejected)
		g.Outstanding = g.Outstanding.Add(r.Outstanding)
		g.TotalActivities += r.TotalActivities
		g.PaidActivities += r.PaidActivities
		g.PartiallyPaidActivities += r.PartiallyPaidActivities
		g.RejectedActivities += r.RejectedActivities
		g.PendingActivities += r.PendingActivities
		g.Stale = g.Stale || r.Stale
	}
	return out
}

// doctorDenialRows folds activity rows into one row per clinician and keeps
// the clinicians with at least one rejected activity. Groups come out ordered
// by their earliest claim.
func doctorDenialRows(rows []*Row) []Row {
	index := make(map[string]int)
	seen := make(map[string]map[models.ClaimKey]struct{})
	var out []Row
	for _, r := range rows {
		i, ok := index[r.ClinicianID]
		if !ok {
			i = len(out)
			index[r.ClinicianID] = i
			seen[r.ClinicianID] = make(map[models.ClaimKey]struct{})
			out = append(out, Row{
				ClaimDate:     r.ClaimDate,
				ClinicianID:   r.ClinicianID,
				ClinicianName: r.ClinicianName,
				Submitted:     decimal.Zero,
				Paid:          decimal.Zero,
				Denied:        decimal.Zero,
				Rejected:      decimal.Zero,
				Outstanding:   decimal.Zero,
			})
		}
		g := &out[i]
		if _, dup := seen[r.ClinicianID][r.ClaimKey]; !dup {
			seen[r.ClinicianID][r.ClaimKey] = struct{}{}
			g.Claims++
		}
		g.TotalActivities++
		switch r.Status {
		case models.FullyPaid:
			g.PaidActivities++
		case models.PartiallyPaid:
			g.PartiallyPaidActivities++
		case models.Rejected:
			g.RejectedActivities++
		case models.Pending:
			g.PendingActivities++
		}
		g.Submitted = g.Submitted.Add(r.Submitted)
		g.Paid = g.Paid.Add(r.Paid)
		g.Denied = g.Denied.Add(r.Denied)
		g.Rejected = g.Rejected.Add(r.Rejected)
		g.Outstanding = g.Outstanding.Add(r.Outstanding)
		g.Stale = g.Stale || r.Stale
	}

	kept := out[:0]
	for _, g := range out {
		if g.RejectedActivities > 0 {
			kept = append(kept, g)
		}
	}
	return kept
}

// payerwiseRows folds claim rows into one row per payer with the paid,
// denied and remittance counts of its claims.
func payerwiseRows(rows []*Row) []Row {
	index := make(map[string]int)
	var out []Row
	for _, r := range rows {
		i, ok := index[r.PayerID]
		if !ok {
			i = len(out)
			index[r.PayerID] = i
			out = append(out, Row{
				ClaimDate:   r.ClaimDate,
				PayerID:     r.PayerID,
				PayerName:   r.PayerName,
				Submitted:   decimal.Zero,
				Paid:        decimal.Zero,
				Denied:      decimal.Zero,
				Rejected:    decimal.Zero,
				Outstanding: decimal.Zero,
			})
		}
		g := &out[i]
		g.Claims++
		g.Submitted = g.Submitted.Add(r.Submitted)
		g.Paid = g.Paid.Add(r.Paid)
		g.Denied = g.Denied.Add(r.Denied)
		g.Rejected = g.Rejected.Add(r.Rejected)
		g.Outstanding = g.Outstanding.Add(r.Outstanding)
		g.TotalActivities += r.TotalActivities
		g.PaidActivities += r.PaidActivities
		g.PartiallyPaidActivities += r.PartiallyPaidActivities
		g.RejectedActivities += r.RejectedActivities
		g.PendingActivities += r.PendingActivities
		g.RemittanceCount += r.RemittanceCount
		g.ResubmissionCount += r.ResubmissionCount
		g.FirstRemittance = earliest(g.FirstRemittance, r.FirstRemittance)
		g.LastRemittance = latest(g.LastRemittance, r.LastRemittance)
		g.Stale = g.Stale || r.Stale
	}
	return out
}

// resubmissionRows keeps the claims that went through more than one
// processing cycle, were remitted more than once or carry a rejected balance
// that was never resubmitted.
func resubmissionRows(rows []*Row) []Row {
	var out []Row
	for _, r := range rows {
		row := *r
		row.ProcessingCycles = row.ResubmissionCount + 1
		row.RejectedNotResubmitted = row.Rejected.IsPositive() && row.ResubmissionCount == 0
		if row.ResubmissionCount == 0 && row.RemittanceCount <= 1 && !row.RejectedNotResubmitted {
			continue
		}
		out = append(out, row)
	}
	return out
}

func earliest(a, b *time.Time) *time.Time {
	if a == nil || (b != nil && b.Before(*a)) {
		return b
	}
	return a
}

func latest(a, b *time.Time) *time.Time {
	if a == nil || (b != nil && b.After(*a)) {
		return b
	}
	return a
}
