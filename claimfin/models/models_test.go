package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	customErrors "github.com/CMSgov/claimfin/claimfin/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func code(s string) *string { return &s }

func TestDedupKeys(t *testing.T) {
	sub := Submission{ClaimKey: "CLM-1", ActivityID: "A1", SubmittedAmount: decimal.NewFromInt(100), TxTime: t0}
	resub := Resubmission{ClaimKey: "CLM-1", TxTime: t0, Type: "correction"}
	line := RemittanceLine{ClaimKey: "CLM-1", ActivityID: "A1", CycleID: "C7", SettlementTime: t0}

	assert.Equal(t, "sub|CLM-1|A1", sub.DedupKey())
	assert.Equal(t, "resub|CLM-1|2024-03-01T10:00:00Z|correction", resub.DedupKey())
	assert.Equal(t, "rem|CLM-1|A1|C7", line.DedupKey())

	// the amount is not part of the identity of a submission
	sub2 := sub
	sub2.SubmittedAmount = decimal.NewFromInt(5)
	assert.Equal(t, sub.DedupKey(), sub2.DedupKey())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		fact  Fact
		field string
	}{
		{"valid submission", Submission{ClaimKey: "C", ActivityID: "A", TxTime: t0}, ""},
		{"empty claim", Submission{ActivityID: "A", TxTime: t0}, "claim_key"},
		{"blank activity", Submission{ClaimKey: "C", ActivityID: "  ", TxTime: t0}, "activity_id"},
		{"negative submitted", Submission{ClaimKey: "C", ActivityID: "A", TxTime: t0, SubmittedAmount: decimal.NewFromInt(-1)}, "submitted_amount"},
		{"zero time", Submission{ClaimKey: "C", ActivityID: "A"}, "tx_time"},
		{"valid resubmission", Resubmission{ClaimKey: "C", TxTime: t0}, ""},
		{"resubmission without time", Resubmission{ClaimKey: "C"}, "tx_time"},
		{"valid line", RemittanceLine{ClaimKey: "C", ActivityID: "A", CycleID: "1", SettlementTime: t0}, ""},
		{"line without cycle", RemittanceLine{ClaimKey: "C", ActivityID: "A", SettlementTime: t0}, "cycle_id"},
		{"negative paid", RemittanceLine{ClaimKey: "C", ActivityID: "A", CycleID: "1", SettlementTime: t0, PaidAmount: decimal.NewFromFloat(-0.01)}, "paid_amount"},
		{"empty denial code", RemittanceLine{ClaimKey: "C", ActivityID: "A", CycleID: "1", SettlementTime: t0, DenialCode: code("")}, "denial_code"},
		{"line without settlement", RemittanceLine{ClaimKey: "C", ActivityID: "A", CycleID: "1"}, "settlement_time"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fact.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var verr *customErrors.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestSameFact(t *testing.T) {
	a := RemittanceLine{ClaimKey: "C", ActivityID: "A", CycleID: "1", SettlementTime: t0,
		PaidAmount: decimal.RequireFromString("10"), DenialCode: code("CO-45")}
	b := a
	b.PaidAmount = decimal.RequireFromString("10.00")
	b.DenialCode = code("CO-45")
	b.SettlementTime = t0.In(time.FixedZone("EST", -5*3600))
	assert.True(t, SameFact(a, b))

	b.DenialCode = nil
	assert.False(t, SameFact(a, b))

	assert.False(t, SameFact(a, Submission{ClaimKey: "C", ActivityID: "A"}))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	facts := []Fact{
		Submission{ClaimKey: "C", ActivityID: "A", SubmittedAmount: decimal.RequireFromString("125.50"), TxTime: t0, FacilityID: "F1", PayerID: "P1"},
		Resubmission{ClaimKey: "C", TxTime: t0.Add(time.Hour), Type: "correction", Reason: "coding"},
		RemittanceLine{ClaimKey: "C", ActivityID: "A", CycleID: "1", PaidAmount: decimal.RequireFromString("20"), SettlementTime: t0, DenialCode: code("CO-45")},
	}
	for _, f := range facts {
		env, err := EncodeFact(f)
		require.NoError(t, err)

		line, err := json.Marshal(env)
		require.NoError(t, err)

		var parsed Envelope
		require.NoError(t, json.Unmarshal(line, &parsed))
		decoded, err := parsed.Decode()
		require.NoError(t, err)
		assert.True(t, SameFact(f, decoded), "kind %s", f.Kind())
	}

	_, err := DecodeFact("bogus", []byte(`{}`))
	assert.Error(t, err)
}

func TestClaimDate(t *testing.T) {
	p := ClaimPayment{FirstSubmission: time.Date(2024, 1, 31, 23, 30, 0, 0, time.FixedZone("X", -2*3600))}
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), p.ClaimDate())
	assert.Equal(t, "12.50", Money(decimal.RequireFromString("12.5")))
}
