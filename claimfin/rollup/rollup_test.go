package rollup

import (
	"testing"
	"time"

	"github.com/CMSgov/claimfin/claimfin/aggregator"
	"github.com/CMSgov/claimfin/claimfin/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func code(s string) *string { return &s }

func sub(activity, submitted string, day int) models.Submission {
	return models.Submission{ClaimKey: "CLM-1", ActivityID: activity, SubmittedAmount: amt(submitted),
		TxTime: t0.AddDate(0, 0, day), FacilityID: "F" + activity, PayerID: "P" + activity}
}

func line(activity, cycle, paid string, day int, denial *string, ref string) models.RemittanceLine {
	return models.RemittanceLine{ClaimKey: "CLM-1", ActivityID: activity, CycleID: cycle, PaidAmount: amt(paid),
		DenialCode: denial, SettlementTime: t0.AddDate(0, 0, day), PaymentReference: ref}
}

// rollupFacts runs the aggregator and rollup the way a recompute does.
func rollupFacts(t *testing.T, facts ...models.Fact) models.ClaimPayment {
	res, err := aggregator.SummarizeClaim("CLM-1", facts)
	require.NoError(t, err)
	return Rollup("CLM-1", res.Facts.Submissions, res.Summaries, res.Facts.Resubmissions, res.Facts.Lines)
}

func TestRollupMixedClaim(t *testing.T) {
	p := rollupFacts(t,
		sub("A1", "100", 0),
		sub("A2", "50", 1),
		sub("A3", "30", 2),
		line("A1", "1", "100", 10, nil, "EFT-1"),
		line("A2", "1", "0", 12, code("CO-45"), "EFT-2"),
		line("A1", "2", "0", 14, nil, "EFT-1"),
	)

	assert.True(t, p.TotalSubmitted.Equal(amt("180")), "pending activities count toward submitted")
	assert.True(t, p.TotalPaid.Equal(amt("100")))
	assert.True(t, p.TotalRejected.Equal(amt("50")))
	assert.True(t, p.TotalDenied.Equal(amt("50")))
	assert.True(t, p.OutstandingBalance.Equal(amt("30")))

	assert.Equal(t, 3, p.TotalActivities)
	assert.Equal(t, 1, p.PaidActivities)
	assert.Equal(t, 1, p.RejectedActivities)
	assert.Equal(t, 1, p.PendingActivities)
	assert.Equal(t, models.PartiallyPaid, p.PaymentStatus)

	// A1 has two lines, A2 one: the maximum, not the sum
	assert.Equal(t, 2, p.RemittanceCount)

	assert.Equal(t, "FA1", p.FacilityID)
	assert.Equal(t, "PA1", p.PayerID)
	assert.Equal(t, t0, p.FirstSubmission)
	assert.Equal(t, t0.AddDate(0, 0, 2), p.LastSubmission)
	assert.Equal(t, t0.AddDate(0, 0, 10), *p.FirstRemittance)
	assert.Equal(t, t0.AddDate(0, 0, 14), *p.LastRemittance)
	assert.Equal(t, t0.AddDate(0, 0, 14), p.TxAt)
	assert.Equal(t, 10, *p.DaysToFirstPayment)
	assert.Nil(t, p.DaysToFinalSettlement)
	assert.Equal(t, []string{"EFT-1", "EFT-2"}, p.PaymentReferences)
	assert.Equal(t, "EFT-1", p.LatestPaymentReference)
	assert.Equal(t, 1, p.ProcessingCycles)
}

func TestRollupStatus(t *testing.T) {
	tests := []struct {
		name   string
		facts  []models.Fact
		status models.PaymentStatus
	}{
		{"no remittances", []models.Fact{sub("A1", "100", 0)}, models.Pending},
		{"all paid", []models.Fact{sub("A1", "100", 0), sub("A2", "20", 0),
			line("A1", "1", "100", 1, nil, ""), line("A2", "1", "20", 1, nil, "")}, models.FullyPaid},
		{"one paid one pending", []models.Fact{sub("A1", "100", 0), sub("A2", "20", 0),
			line("A1", "1", "100", 1, nil, "")}, models.PartiallyPaid},
		{"all rejected", []models.Fact{sub("A1", "100", 0), line("A1", "1", "0", 1, code("CO-45"), "")}, models.Rejected},
		{"rejected with pending", []models.Fact{sub("A1", "100", 0), sub("A2", "20", 0),
			line("A1", "1", "0", 1, code("CO-45"), "")}, models.Pending},
		{"zero submitted is never fully paid", []models.Fact{sub("A1", "0", 0), line("A1", "1", "0", 1, nil, "")}, models.Pending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, rollupFacts(t, tt.facts...).PaymentStatus)
		})
	}
}

func TestRollupPartialThenFull(t *testing.T) {
	facts := []models.Fact{sub("A1", "100", 0), line("A1", "1", "40", 3, nil, "EFT-1")}
	p := rollupFacts(t, facts...)
	assert.Equal(t, models.PartiallyPaid, p.PaymentStatus)
	assert.True(t, p.OutstandingBalance.Equal(amt("60")))

	facts = append(facts, line("A1", "2", "60", 20, nil, "EFT-2"))
	p = rollupFacts(t, facts...)
	assert.Equal(t, models.FullyPaid, p.PaymentStatus)
	assert.True(t, p.OutstandingBalance.IsZero())
	assert.Equal(t, 2, p.RemittanceCount)
	assert.Equal(t, 3, *p.DaysToFirstPayment)
	assert.Equal(t, 20, *p.DaysToFinalSettlement)
	assert.Equal(t, "EFT-2", p.LatestPaymentReference)
}

func TestRollupOverpaymentKeepsTotalsCapped(t *testing.T) {
	p := rollupFacts(t, sub("A1", "100", 0), line("A1", "1", "70", 1, nil, ""), line("A1", "2", "70", 2, nil, ""))
	assert.True(t, p.TotalPaid.Equal(amt("100")))
	assert.True(t, p.TotalRemitted.Equal(amt("140")))
	assert.True(t, p.TotalPaid.LessThanOrEqual(p.TotalSubmitted))
	assert.True(t, p.OutstandingBalance.IsZero())
	assert.Equal(t, models.FullyPaid, p.PaymentStatus)
}

func TestRollupResubmissionsAndTxAt(t *testing.T) {
	resub := models.Resubmission{ClaimKey: "CLM-1", TxTime: t0.AddDate(0, 0, 30), Type: "correction"}

	p := rollupFacts(t, sub("A1", "100", 0), resub)
	assert.Equal(t, 1, p.ResubmissionCount)
	assert.Equal(t, 2, p.ProcessingCycles)
	assert.Equal(t, t0.AddDate(0, 0, 30), p.LastSubmission)
	assert.Equal(t, t0.AddDate(0, 0, 30), p.TxAt, "without remittances TxAt falls back to the last submission")
	assert.Nil(t, p.FirstRemittance)
	assert.Nil(t, p.DaysToFirstPayment)

	p = rollupFacts(t, sub("A1", "100", 0), resub, line("A1", "1", "10", 40, nil, ""))
	assert.Equal(t, t0.AddDate(0, 0, 40), p.TxAt)
}

func TestRollupIsDeterministic(t *testing.T) {
	facts := []models.Fact{
		sub("A2", "50", 1), sub("A1", "100", 0),
		line("A1", "1", "100", 10, nil, "EFT-1"),
		line("A2", "1", "0", 12, code("CO-45"), "EFT-2"),
	}
	assert.Equal(t, rollupFacts(t, facts...), rollupFacts(t, facts...))
}
