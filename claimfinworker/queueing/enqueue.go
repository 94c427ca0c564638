package queueing

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"github.com/CMSgov/claimfin/claimfin/models"
)

// Enqueuer inserts jobs without working them. Processes that accept facts use
// it to reach the worker.
type Enqueuer interface {
	AddRecompute(ctx context.Context, f models.Fact) error
	AddRebuild(ctx context.Context) error
}

func NewEnqueuer(pool *pgxpool.Pool, cfg Config) (Enqueuer, error) {
	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		MaxAttempts: cfg.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}
	return riverEnqueuer{client}, nil
}

type riverEnqueuer struct {
	*river.Client[pgx.Tx]
}

func (q riverEnqueuer) AddRecompute(ctx context.Context, f models.Fact) error {
	_, err := q.Insert(ctx, RecomputeArgs{ClaimKey: f.Claim(), FactKey: f.DedupKey()}, nil)
	return err
}

func (q riverEnqueuer) AddRebuild(ctx context.Context) error {
	_, err := q.Insert(ctx, RebuildArgs{}, nil)
	return err
}
