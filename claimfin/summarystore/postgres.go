package summarystore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jackc/pgx/v5"

	"github.com/CMSgov/claimfin/claimfin/database"
	customErrors "github.com/CMSgov/claimfin/claimfin/errors"
	"github.com/CMSgov/claimfin/claimfin/models"
	"github.com/CMSgov/claimfin/log"
)

const sqlFlavor = sqlbuilder.PostgreSQL

var _ Store = &PostgresStore{}

type PostgresStore struct {
	conn database.PgxConnection
}

func NewPostgresStore(conn database.PgxConnection) *PostgresStore {
	return &PostgresStore{conn: conn}
}

func transient(op string, err error) error {
	return &customErrors.TransientStoreError{Op: op, Err: err}
}

func (s *PostgresStore) Replace(ctx context.Context, key models.ClaimKey, summaries []models.ActivitySummary, payment *models.ClaimPayment) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return transient("Replace", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			log.Engine.Warnf("failed to rollback replace of claim %s: %s", key, err)
		}
	}()

	db := sqlFlavor.NewDeleteBuilder().DeleteFrom("activity_summaries")
	db.Where(db.Equal("claim_key", string(key)))
	query, args := db.Build()
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return transient("Replace", err)
	}

	if len(summaries) > 0 {
		ib := sqlFlavor.NewInsertBuilder().InsertInto("activity_summaries")
		ib.Cols("claim_key", "activity_id", "clinician_id", "status", "denial_code", "submitted", "paid", "payload")
		for _, a := range summaries {
			payload, err := json.Marshal(a)
			if err != nil {
				return err
			}
			ib.Values(string(key), a.ActivityID, a.ClinicianID, string(a.Status), a.DenialCode,
				a.SubmittedAmount, a.PaidAmount, payload)
		}
		query, args = ib.Build()
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return transient("Replace", err)
		}
	}

	if payment == nil {
		db := sqlFlavor.NewDeleteBuilder().DeleteFrom("claim_payments")
		db.Where(db.Equal("claim_key", string(key)))
		query, args = db.Build()
	} else {
		p := *payment
		p.Stale = false
		payload, err := json.Marshal(p)
		if err != nil {
			return err
		}
		ib := sqlFlavor.NewInsertBuilder().InsertInto("claim_payments")
		ib.Cols("claim_key", "facility_id", "payer_id", "claim_date", "payment_status",
			"total_submitted", "total_paid", "outstanding", "tx_at", "payload", "updated_at").
			Values(string(key), p.FacilityID, p.PayerID, p.ClaimDate(), string(p.PaymentStatus),
				p.TotalSubmitted, p.TotalPaid, p.OutstandingBalance, p.TxAt.UTC(), payload, sqlbuilder.Raw("now()"))
		ib.SQL(`ON CONFLICT (claim_key) DO UPDATE SET facility_id = EXCLUDED.facility_id, payer_id = EXCLUDED.payer_id,
claim_date = EXCLUDED.claim_date, payment_status = EXCLUDED.payment_status, total_submitted = EXCLUDED.total_submitted,
total_paid = EXCLUDED.total_paid, outstanding = EXCLUDED.outstanding, tx_at = EXCLUDED.tx_at,
payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`)
		query, args = ib.Build()
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return transient("Replace", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return transient("Replace", err)
	}
	committed = true
	return nil
}

func (s *PostgresStore) GetClaimPayment(ctx context.Context, key models.ClaimKey) (*models.ClaimPayment, error) {
	sb := sqlFlavor.NewSelectBuilder().Select("payload").From("claim_payments")
	sb.Where(sb.Equal("claim_key", string(key)))

	query, args := sb.Build()
	var payload []byte
	if err := s.conn.QueryRow(ctx, query, args...).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClaimNotFound
		}
		return nil, transient("GetClaimPayment", err)
	}

	var p models.ClaimPayment
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, &customErrors.DataIntegrityError{ClaimKey: string(key), Msg: "unreadable claim payment: " + err.Error()}
	}
	return &p, nil
}

func (s *PostgresStore) GetActivitySummaries(ctx context.Context, key models.ClaimKey) ([]models.ActivitySummary, error) {
	sb := sqlFlavor.NewSelectBuilder().Select("payload").From("activity_summaries")
	sb.Where(sb.Equal("claim_key", string(key))).OrderBy("activity_id")

	query, args := sb.Build()
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, transient("GetActivitySummaries", err)
	}
	defer rows.Close()

	var out []models.ActivitySummary
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, transient("GetActivitySummaries", err)
		}
		var a models.ActivitySummary
		if err := json.Unmarshal(payload, &a); err != nil {
			return nil, &customErrors.DataIntegrityError{ClaimKey: string(key), Msg: "unreadable activity summary: " + err.Error()}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("GetActivitySummaries", err)
	}
	return out, nil
}

func (s *PostgresStore) ScanPayments(ctx context.Context, pred Predicate) ([]models.ClaimPayment, error) {
	sb := sqlFlavor.NewSelectBuilder().Select("payload").From("claim_payments")
	pred.Where(sb, PaymentColumns)
	sb.OrderBy("claim_date", "claim_key")

	query, args := sb.Build()
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, transient("ScanPayments", err)
	}
	defer rows.Close()

	var out []models.ClaimPayment
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, transient("ScanPayments", err)
		}
		var p models.ClaimPayment
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, &customErrors.DataIntegrityError{Msg: "unreadable claim payment: " + err.Error()}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("ScanPayments", err)
	}
	return out, nil
}

func (s *PostgresStore) MarkDegraded(ctx context.Context, key models.ClaimKey, reason string, failures int) error {
	ib := sqlFlavor.NewInsertBuilder().InsertInto("claim_status")
	ib.Cols("claim_key", "degraded", "reason", "failures", "updated_at").
		Values(string(key), true, reason, failures, time.Now().UTC())
	ib.SQL("ON CONFLICT (claim_key) DO UPDATE SET degraded = EXCLUDED.degraded, reason = EXCLUDED.reason, failures = EXCLUDED.failures, updated_at = EXCLUDED.updated_at")

	query, args := ib.Build()
	if _, err := s.conn.Exec(ctx, query, args...); err != nil {
		return transient("MarkDegraded", err)
	}
	return nil
}

func (s *PostgresStore) ClearDegraded(ctx context.Context, key models.ClaimKey) error {
	db := sqlFlavor.NewDeleteBuilder().DeleteFrom("claim_status")
	db.Where(db.Equal("claim_key", string(key)))

	query, args := db.Build()
	if _, err := s.conn.Exec(ctx, query, args...); err != nil {
		return transient("ClearDegraded", err)
	}
	return nil
}

func (s *PostgresStore) IsDegraded(ctx context.Context, key models.ClaimKey) (bool, error) {
	sb := sqlFlavor.NewSelectBuilder().Select("degraded").From("claim_status")
	sb.Where(sb.Equal("claim_key", string(key)))

	query, args := sb.Build()
	var degraded bool
	if err := s.conn.QueryRow(ctx, query, args...).Scan(&degraded); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, transient("IsDegraded", err)
	}
	return degraded, nil
}

func (s *PostgresStore) DegradedClaims(ctx context.Context) ([]DegradedClaim, error) {
	sb := sqlFlavor.NewSelectBuilder().Select("claim_key", "reason", "failures", "updated_at").From("claim_status")
	sb.Where(sb.Equal("degraded", true)).OrderBy("claim_key")

	query, args := sb.Build()
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, transient("DegradedClaims", err)
	}
	defer rows.Close()

	var out []DegradedClaim
	for rows.Next() {
		var (
			d      DegradedClaim
			key    string
			reason *string
		)
		if err := rows.Scan(&key, &reason, &d.Failures, &d.UpdatedAt); err != nil {
			return nil, transient("DegradedClaims", err)
		}
		d.ClaimKey = models.ClaimKey(key)
		if reason != nil {
			d.Reason = *reason
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("DegradedClaims", err)
	}
	return out, nil
}
