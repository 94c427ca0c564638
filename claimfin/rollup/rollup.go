package rollup

import (
	"math"
	"sort"
	"time"

	"github.com/CMSgov/claimfin/claimfin/models"
	"github.com/shopspring/decimal"
)

// Rollup derives the ClaimPayment of a claim from its submissions, the
// summaries of activities that have remittances, its resubmissions and the
// remittance lines used for the summaries. subs must not be empty.
func Rollup(key models.ClaimKey, subs []models.Submission, summaries []models.ActivitySummary,
	resubs []models.Resubmission, lines []models.RemittanceLine) models.ClaimPayment {

	p := models.ClaimPayment{
		ClaimKey:           key,
		TotalSubmitted:     decimal.Zero,
		TotalPaid:          decimal.Zero,
		TotalRemitted:      decimal.Zero,
		TotalRejected:      decimal.Zero,
		TotalDenied:        decimal.Zero,
		OutstandingBalance: decimal.Zero,
		ResubmissionCount:  len(resubs),
		ProcessingCycles:   len(resubs) + 1,
	}

	byActivity := make(map[string]models.ActivitySummary, len(summaries))
	for _, s := range summaries {
		byActivity[s.ActivityID] = s
	}

	var earliest *models.Submission
	for i := range subs {
		s := subs[i]
		p.TotalSubmitted = p.TotalSubmitted.Add(s.SubmittedAmount)
		p.TotalActivities++

		if earliest == nil || s.TxTime.Before(earliest.TxTime) ||
			(s.TxTime.Equal(earliest.TxTime) && s.ActivityID < earliest.ActivityID) {
			earliest = &subs[i]
		}
		if p.LastSubmission.IsZero() || s.TxTime.After(p.LastSubmission) {
			p.LastSubmission = s.TxTime
		}

		summary, ok := byActivity[s.ActivityID]
		if !ok {
			p.PendingActivities++
			continue
		}

		switch summary.Status {
		case models.FullyPaid:
			p.PaidActivities++
		case models.PartiallyPaid:
			p.PartiallyPaidActivities++
		case models.Rejected:
			p.RejectedActivities++
		default:
			p.PendingActivities++
		}

		p.TotalPaid = p.TotalPaid.Add(summary.PaidAmount)
		p.TotalRemitted = p.TotalRemitted.Add(summary.RemittedAmount)
		p.TotalRejected = p.TotalRejected.Add(summary.RejectedAmount)
		p.TotalDenied = p.TotalDenied.Add(summary.DeniedAmount)

		if summary.RemittanceCount > p.RemittanceCount {
			p.RemittanceCount = summary.RemittanceCount
		}
		p.FirstPayment = minTime(p.FirstPayment, summary.FirstPaymentTime)
		p.LastPayment = maxTime(p.LastPayment, summary.LastPaymentTime)
	}

	if earliest != nil {
		p.FirstSubmission = earliest.TxTime
		p.FacilityID = earliest.FacilityID
		p.PayerID = earliest.PayerID
	}

	for _, r := range resubs {
		if r.TxTime.After(p.LastSubmission) {
			p.LastSubmission = r.TxTime
		}
	}

	outstanding := p.TotalSubmitted.Sub(p.TotalPaid).Sub(p.TotalDenied)
	if outstanding.IsPositive() {
		p.OutstandingBalance = outstanding
	}

	p.PaymentStatus = status(p)

	remittanceDates(&p, lines)

	p.TxAt = p.FirstSubmission
	switch {
	case p.LastRemittance != nil:
		p.TxAt = *p.LastRemittance
	case !p.LastSubmission.IsZero():
		p.TxAt = p.LastSubmission
	}

	if p.FirstPayment != nil {
		p.DaysToFirstPayment = daysBetween(p.FirstSubmission, *p.FirstPayment)
	}
	if p.LastRemittance != nil && (p.PaymentStatus == models.FullyPaid || p.PaymentStatus == models.Rejected) {
		p.DaysToFinalSettlement = daysBetween(p.FirstSubmission, *p.LastRemittance)
	}

	return p
}

func status(p models.ClaimPayment) models.PaymentStatus {
	switch {
	case p.TotalActivities > 0 && p.PaidActivities == p.TotalActivities && p.TotalSubmitted.IsPositive():
		return models.FullyPaid
	case p.TotalPaid.IsPositive():
		return models.PartiallyPaid
	case p.RejectedActivities > 0 && p.PendingActivities == 0:
		return models.Rejected
	default:
		return models.Pending
	}
}

// remittanceDates fills the remittance dates and payment references. Lines
// are walked in settlement order with arrival order breaking ties.
func remittanceDates(p *models.ClaimPayment, lines []models.RemittanceLine) {
	if len(lines) == 0 {
		return
	}
	ordered := append([]models.RemittanceLine(nil), lines...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].SettlementTime.Before(ordered[j].SettlementTime)
	})

	first := ordered[0].SettlementTime
	last := ordered[len(ordered)-1].SettlementTime
	p.FirstRemittance = &first
	p.LastRemittance = &last

	seen := make(map[string]struct{})
	for _, l := range ordered {
		if l.PaymentReference == "" {
			continue
		}
		p.LatestPaymentReference = l.PaymentReference
		if _, ok := seen[l.PaymentReference]; ok {
			continue
		}
		seen[l.PaymentReference] = struct{}{}
		p.PaymentReferences = append(p.PaymentReferences, l.PaymentReference)
	}
}

func daysBetween(from, to time.Time) *int {
	d := int(math.Floor(to.Sub(from).Hours() / 24))
	if d < 0 {
		d = 0
	}
	return &d
}

func minTime(cur, candidate *time.Time) *time.Time {
	if candidate == nil {
		return cur
	}
	if cur == nil || candidate.Before(*cur) {
		t := *candidate
		return &t
	}
	return cur
}

func maxTime(cur, candidate *time.Time) *time.Time {
	if candidate == nil {
		return cur
	}
	if cur == nil || candidate.After(*cur) {
		t := *candidate
		return &t
	}
	return cur
}
