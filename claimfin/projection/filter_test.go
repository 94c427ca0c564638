package projection

import (
	"testing"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CMSgov/claimfin/claimfin/constants"
	"github.com/CMSgov/claimfin/claimfin/models"
	"github.com/CMSgov/claimfin/claimfin/summarystore"
)

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestFilterSet(t *testing.T) {
	assert.Empty(t, FilterSet{}.Filter().Clauses, "an empty filter set matches everything")

	f := FilterSet{
		DateFrom:    date(2024, 1, 1),
		FacilityIDs: []string{"F1", "F2"},
		ClaimKeys:   []string{"CLM-1"},
	}.Filter()
	require.Len(t, f.Clauses, 3)
	assert.Equal(t, Range{Field: ClaimDate, From: date(2024, 1, 1)}, f.Clauses[0])
	assert.Equal(t, In{Field: FacilityID, Values: []string{"F1", "F2"}}, f.Clauses[1])
	assert.Equal(t, In{Field: ClaimKey, Values: []string{"CLM-1"}}, f.Clauses[2])
}

func TestFilterMatch(t *testing.T) {
	row := &Row{
		ClaimKey:    "CLM-1",
		ClaimDate:   *date(2024, 3, 15),
		FacilityID:  "F1",
		PayerID:     "P1",
		ClinicianID: "C1",
		Status:      models.Rejected,
		DenialCode:  "CO-45",
	}
	tests := []struct {
		name  string
		f     Filter
		match bool
	}{
		{"empty", Filter{}, true},
		{"date inside", NewFilter(Range{Field: ClaimDate, From: date(2024, 3, 1), To: date(2024, 3, 31)}), true},
		{"date on inclusive bounds", NewFilter(Range{Field: ClaimDate, From: date(2024, 3, 15), To: date(2024, 3, 15)}), true},
		{"date before", NewFilter(Range{Field: ClaimDate, To: date(2024, 3, 14)}), false},
		{"facility in", NewFilter(In{Field: FacilityID, Values: []string{"F9", "F1"}}), true},
		{"empty in", NewFilter(In{Field: FacilityID}), false},
		{"payer mismatch", NewFilter(Eq{Field: PayerID, Value: "P2"}), false},
		{"all clauses", NewFilter(Eq{Field: ClinicianID, Value: "C1"}, Eq{Field: DenialCode, Value: "CO-45"},
			Eq{Field: Status, Value: string(models.Rejected)}, Eq{Field: ClaimKey, Value: "CLM-1"}), true},
		{"one failing clause", NewFilter(Eq{Field: ClinicianID, Value: "C1"}, Eq{Field: DenialCode, Value: "CO-97"}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.match, tt.f.Match(row))
		})
	}
}

func TestFilterWhereIsParameterized(t *testing.T) {
	f := NewFilter(
		Range{Field: ClaimDate, From: date(2024, 1, 1), To: date(2024, 1, 31)},
		In{Field: FacilityID, Values: []string{"F1", "F2'; DROP TABLE claim_payments; --"}},
		Eq{Field: PayerID, Value: "P1"},
		Eq{Field: ClinicianID, Value: "C1"},
	)

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder().Select("payload").From("claim_payments")
	f.Where(sb, summarystore.PaymentColumns)
	query, args := sb.Build()

	assert.Contains(t, query, "claim_date >= $1")
	assert.Contains(t, query, "claim_date <= $2")
	assert.Contains(t, query, "facility_id IN ($3, $4)")
	assert.Contains(t, query, "payer_id = $5")
	assert.NotContains(t, query, "clinician_id", "claim payments carry no clinician")
	assert.NotContains(t, query, "DROP TABLE")
	assert.Equal(t, []interface{}{*date(2024, 1, 1), *date(2024, 1, 31), "F1", "F2'; DROP TABLE claim_payments; --", "P1"}, args)
}

func TestFilterWhereEmptyIn(t *testing.T) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder().Select("payload").From("claim_payments")
	NewFilter(In{Field: PayerID}).Where(sb, summarystore.PaymentColumns)
	query, args := sb.Build()
	assert.Contains(t, query, "WHERE FALSE")
	assert.Empty(t, args)
}

func TestFilterMatchPayment(t *testing.T) {
	p := models.ClaimPayment{
		ClaimKey:        "CLM-1",
		FacilityID:      "F1",
		PayerID:         "P1",
		PaymentStatus:   models.PartiallyPaid,
		FirstSubmission: time.Date(2024, 2, 10, 17, 0, 0, 0, time.UTC),
		TotalSubmitted:  decimal.NewFromInt(10),
	}

	assert.True(t, NewFilter(Range{Field: ClaimDate, From: date(2024, 2, 10), To: date(2024, 2, 10)}).MatchPayment(p),
		"the claim date is the day of the first submission")
	assert.True(t, NewFilter(Eq{Field: ClinicianID, Value: "C9"}).MatchPayment(p), "activity fields are not evaluated on payments")
	assert.False(t, NewFilter(Eq{Field: Status, Value: string(models.FullyPaid)}).MatchPayment(p))
	assert.False(t, NewFilter(In{Field: ClaimKey, Values: []string{"CLM-2"}}).MatchPayment(p))
}

func TestFilterPushdown(t *testing.T) {
	f := NewFilter(Eq{Field: FacilityID, Value: "F1"}, Eq{Field: Status, Value: string(models.Rejected)})

	claims := f.Pushdown(constants.ProjectionClaims).(Filter)
	assert.Len(t, claims.Clauses, 2)

	activities := f.Pushdown(constants.ProjectionActivities).(Filter)
	require.Len(t, activities.Clauses, 1, "activity status is not a claim column")
	assert.Equal(t, Eq{Field: FacilityID, Value: "F1"}, activities.Clauses[0])
}
