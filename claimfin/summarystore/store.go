// Package summarystore persists the derived ActivitySummary and ClaimPayment
// rows of each claim together with the registry of Degraded claims.
package summarystore

import (
	"context"
	"errors"
	"time"

	"github.com/huandu/go-sqlbuilder"

	"github.com/CMSgov/claimfin/claimfin/models"
)

var ErrClaimNotFound = errors.New("claim payment not found")

type Store interface {
	// Replace swaps every derived row of key in one step. A nil payment
	// removes the claim's payment row.
	Replace(ctx context.Context, key models.ClaimKey, summaries []models.ActivitySummary, payment *models.ClaimPayment) error
	GetClaimPayment(ctx context.Context, key models.ClaimKey) (*models.ClaimPayment, error)
	GetActivitySummaries(ctx context.Context, key models.ClaimKey) ([]models.ActivitySummary, error)
	// ScanPayments returns the payments matching pred ordered by claim date
	// and key.
	ScanPayments(ctx context.Context, pred Predicate) ([]models.ClaimPayment, error)

	MarkDegraded(ctx context.Context, key models.ClaimKey, reason string, failures int) error
	ClearDegraded(ctx context.Context, key models.ClaimKey) error
	IsDegraded(ctx context.Context, key models.ClaimKey) (bool, error)
	DegradedClaims(ctx context.Context) ([]DegradedClaim, error)
}

// Predicate restricts a payment scan. It renders itself as SQL for the
// Postgres store and evaluates payments directly for the memory store.
// Clauses on columns a table does not carry must be skipped by both.
type Predicate interface {
	Where(sb *sqlbuilder.SelectBuilder, columns map[string]string)
	MatchPayment(p models.ClaimPayment) bool
}

type DegradedClaim struct {
	ClaimKey  models.ClaimKey
	Reason    string
	Failures  int
	UpdatedAt time.Time
}

// PaymentColumns maps filterable fields to claim_payments columns.
var PaymentColumns = map[string]string{
	"claim_date":  "claim_date",
	"facility_id": "facility_id",
	"payer_id":    "payer_id",
	"claim_key":   "claim_key",
	"status":      "payment_status",
}

type matchAll struct{}

func (matchAll) Where(*sqlbuilder.SelectBuilder, map[string]string) {}
func (matchAll) MatchPayment(models.ClaimPayment) bool               { return true }

// All is the Predicate matching every payment.
var All Predicate = matchAll{}
