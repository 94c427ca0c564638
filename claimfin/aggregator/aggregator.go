/*
Package aggregator folds the remittance lines of an activity into its
cumulative ActivitySummary.

Paid amounts accumulate across every remittance cycle and are capped at the
submitted amount. The denial state of an activity follows the latest line
only: a later line without a denial code clears an earlier denial.

Nothing in this package performs I/O or keeps state between calls.
*/
package aggregator

import (
	"sort"
	"time"

	customErrors "github.com/CMSgov/claimfin/claimfin/errors"
	"github.com/CMSgov/claimfin/claimfin/models"
	"github.com/shopspring/decimal"
)

// Result carries what Summarize observed besides the summary itself.
type Result struct {
	// Raw is the uncapped sum of paid amounts.
	Raw          decimal.Decimal
	CapViolation bool
}

// Summarize derives the summary of the activity introduced by sub. Lines for
// any other activity are ignored. When no line applies, Summarize returns
// nil: the activity is pending by absence.
func Summarize(sub models.Submission, lines []models.RemittanceLine) (*models.ActivitySummary, Result) {
	ordered := make([]models.RemittanceLine, 0, len(lines))
	for _, l := range lines {
		if l.ClaimKey == sub.ClaimKey && l.ActivityID == sub.ActivityID {
			ordered = append(ordered, l)
		}
	}
	if len(ordered) == 0 {
		return nil, Result{Raw: decimal.Zero}
	}

	// Stable: lines settled at the same instant keep arrival order, so the
	// later arrival is the latest line.
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].SettlementTime.Before(ordered[j].SettlementTime)
	})

	raw := decimal.Zero
	var firstPaid, lastPaid *time.Time
	for _, l := range ordered {
		raw = raw.Add(l.PaidAmount)
		if l.PaidAmount.IsPositive() {
			if firstPaid == nil {
				firstPaid = timePtr(l.SettlementTime)
			}
			lastPaid = timePtr(l.SettlementTime)
		}
	}

	submitted := sub.SubmittedAmount
	paid := decimal.Min(raw, submitted)
	result := Result{Raw: raw, CapViolation: raw.GreaterThan(submitted)}

	latest := ordered[len(ordered)-1]
	var denial *string
	if latest.HasDenial() {
		c := *latest.DenialCode
		denial = &c
	}

	summary := &models.ActivitySummary{
		ClaimKey:            sub.ClaimKey,
		ActivityID:          sub.ActivityID,
		ActivityCode:        sub.ActivityCode,
		ClinicianID:         sub.ClinicianID,
		SubmittedAmount:     submitted,
		PaidAmount:          paid,
		RemittedAmount:      raw,
		RejectedAmount:      decimal.Zero,
		DeniedAmount:        decimal.Zero,
		RemittanceCount:     len(ordered),
		DenialCode:          denial,
		DenialCodes:         denialCodes(ordered),
		FirstPaymentTime:    firstPaid,
		LastPaymentTime:     lastPaid,
		FirstRemittanceTime: timePtr(ordered[0].SettlementTime),
		LastRemittanceTime:  timePtr(latest.SettlementTime),
	}

	if paid.IsZero() && denial != nil {
		summary.RejectedAmount = submitted
		summary.DeniedAmount = submitted
	}

	switch {
	case paid.Equal(submitted):
		summary.Status = models.FullyPaid
	case paid.IsPositive():
		summary.Status = models.PartiallyPaid
	case denial != nil:
		summary.Status = models.Rejected
	default:
		summary.Status = models.Pending
	}

	return summary, result
}

// ClaimFacts is a claim's fact set split by kind. Submissions are sorted by
// activity, the other slices keep store order.
type ClaimFacts struct {
	Submissions   []models.Submission
	Resubmissions []models.Resubmission
	Lines         []models.RemittanceLine
}

type ClaimResult struct {
	Facts     ClaimFacts
	Summaries []models.ActivitySummary
	// Orphaned lines reference an activity whose submission has not arrived.
	// They are held back until it does.
	Orphaned      []models.RemittanceLine
	CapViolations []*customErrors.CapViolation
}

// SummarizeClaim groups the facts of one claim and summarizes every activity
// that has remittance lines. facts must be ordered the way the fact store
// returns them.
func SummarizeClaim(key models.ClaimKey, facts []models.Fact) (ClaimResult, error) {
	var res ClaimResult
	subs := make(map[string]models.Submission)

	for _, f := range facts {
		if f.Claim() != key {
			return ClaimResult{}, &customErrors.DataIntegrityError{
				ClaimKey: string(key),
				Msg:      "fact " + f.DedupKey() + " belongs to claim " + string(f.Claim()),
			}
		}
		switch v := f.(type) {
		case models.Submission:
			if prev, ok := subs[v.ActivityID]; ok {
				if !models.SameFact(prev, v) {
					return ClaimResult{}, &customErrors.DataIntegrityError{
						ClaimKey: string(key),
						Msg:      "conflicting submissions for activity " + v.ActivityID,
					}
				}
				continue
			}
			subs[v.ActivityID] = v
			res.Facts.Submissions = append(res.Facts.Submissions, v)
		case models.Resubmission:
			res.Facts.Resubmissions = append(res.Facts.Resubmissions, v)
		case models.RemittanceLine:
			res.Facts.Lines = append(res.Facts.Lines, v)
		}
	}

	sort.Slice(res.Facts.Submissions, func(i, j int) bool {
		return res.Facts.Submissions[i].ActivityID < res.Facts.Submissions[j].ActivityID
	})

	byActivity := make(map[string][]models.RemittanceLine)
	var kept []models.RemittanceLine
	for _, l := range res.Facts.Lines {
		if _, ok := subs[l.ActivityID]; !ok {
			res.Orphaned = append(res.Orphaned, l)
			continue
		}
		byActivity[l.ActivityID] = append(byActivity[l.ActivityID], l)
		kept = append(kept, l)
	}
	res.Facts.Lines = kept

	for _, sub := range res.Facts.Submissions {
		summary, r := Summarize(sub, byActivity[sub.ActivityID])
		if summary == nil {
			continue
		}
		if r.CapViolation {
			res.CapViolations = append(res.CapViolations, &customErrors.CapViolation{
				ClaimKey:   string(key),
				ActivityID: sub.ActivityID,
				Submitted:  models.Money(sub.SubmittedAmount),
				Raw:        models.Money(r.Raw),
			})
		}
		res.Summaries = append(res.Summaries, *summary)
	}

	return res, nil
}

func denialCodes(ordered []models.RemittanceLine) []string {
	var codes []string
	seen := make(map[string]struct{})
	for i := len(ordered) - 1; i >= 0; i-- {
		if !ordered[i].HasDenial() {
			continue
		}
		c := *ordered[i].DenialCode
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		codes = append(codes, c)
	}
	return codes
}

func timePtr(t time.Time) *time.Time {
	return &t
}
