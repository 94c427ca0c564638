package factstore

import (
	"context"
	"errors"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jackc/pgx/v5"

	"github.com/CMSgov/claimfin/claimfin/database"
	customErrors "github.com/CMSgov/claimfin/claimfin/errors"
	"github.com/CMSgov/claimfin/claimfin/models"
)

const (
	sqlFlavor = sqlbuilder.PostgreSQL
	factTable = "claim_facts"
)

var _ Store = &PostgresStore{}

// PostgresStore persists facts in claim_facts. The unique dedup_key
// constraint makes appends idempotent across processes.
type PostgresStore struct {
	hook
	conn database.PgxConnection
}

func NewPostgresStore(conn database.PgxConnection) *PostgresStore {
	return &PostgresStore{conn: conn}
}

func (s *PostgresStore) Append(ctx context.Context, f models.Fact) (models.AppendResult, error) {
	env, err := models.EncodeFact(f)
	if err != nil {
		return models.Accepted, err
	}

	ib := sqlFlavor.NewInsertBuilder().InsertInto(factTable)
	ib.Cols("claim_key", "kind", "dedup_key", "tx_time", "payload").
		Values(string(f.Claim()), string(env.Kind), f.DedupKey(), f.OccurredAt().UTC(), []byte(env.Payload))
	ib.SQL("ON CONFLICT (dedup_key) DO NOTHING RETURNING seq")

	query, args := ib.Build()
	var seq int64
	err = s.conn.QueryRow(ctx, query, args...).Scan(&seq)
	if err == nil {
		s.fire(f.Claim())
		return models.Accepted, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Accepted, &customErrors.TransientStoreError{Op: "Append", Err: err}
	}

	existing, err := s.factByDedupKey(ctx, f.DedupKey())
	if err != nil {
		return models.Duplicate, err
	}
	if !models.SameFact(existing, f) {
		return models.Duplicate, &customErrors.DataIntegrityError{
			ClaimKey: string(f.Claim()),
			Msg:      "fact " + f.DedupKey() + " was redelivered with a different payload",
		}
	}
	return models.Duplicate, nil
}

func (s *PostgresStore) factByDedupKey(ctx context.Context, dedupKey string) (models.Fact, error) {
	sb := sqlFlavor.NewSelectBuilder().Select("kind", "payload").From(factTable)
	sb.Where(sb.Equal("dedup_key", dedupKey))

	query, args := sb.Build()
	var (
		kind    string
		payload []byte
	)
	if err := s.conn.QueryRow(ctx, query, args...).Scan(&kind, &payload); err != nil {
		return nil, &customErrors.TransientStoreError{Op: "Append", Err: err}
	}
	return models.DecodeFact(models.FactKind(kind), payload)
}

func (s *PostgresStore) FactsFor(ctx context.Context, key models.ClaimKey) ([]models.Fact, error) {
	sb := sqlFlavor.NewSelectBuilder().Select("kind", "payload").From(factTable)
	sb.Where(sb.Equal("claim_key", string(key))).OrderBy("tx_time", "seq").Asc()

	query, args := sb.Build()
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, &customErrors.TransientStoreError{Op: "FactsFor", Err: err}
	}
	defer rows.Close()

	var facts []models.Fact
	for rows.Next() {
		var (
			kind    string
			payload []byte
		)
		if err := rows.Scan(&kind, &payload); err != nil {
			return nil, &customErrors.TransientStoreError{Op: "FactsFor", Err: err}
		}
		f, err := models.DecodeFact(models.FactKind(kind), payload)
		if err != nil {
			return nil, &customErrors.DataIntegrityError{ClaimKey: string(key), Msg: err.Error()}
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, &customErrors.TransientStoreError{Op: "FactsFor", Err: err}
	}
	return facts, nil
}

func (s *PostgresStore) ClaimKeys(ctx context.Context) ([]models.ClaimKey, error) {
	sb := sqlFlavor.NewSelectBuilder().Distinct().Select("claim_key").From(factTable)
	sb.OrderBy("claim_key")

	query, args := sb.Build()
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, &customErrors.TransientStoreError{Op: "ClaimKeys", Err: err}
	}
	defer rows.Close()

	var keys []models.ClaimKey
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, &customErrors.TransientStoreError{Op: "ClaimKeys", Err: err}
		}
		keys = append(keys, models.ClaimKey(k))
	}
	if err := rows.Err(); err != nil {
		return nil, &customErrors.TransientStoreError{Op: "ClaimKeys", Err: err}
	}
	return keys, nil
}
