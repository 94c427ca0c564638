package cli

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/CMSgov/claimfin/claimfin/factstore"
	"github.com/CMSgov/claimfin/claimfin/projection"
	"github.com/CMSgov/claimfin/claimfin/refdata"
	"github.com/CMSgov/claimfin/claimfin/service"
	"github.com/CMSgov/claimfin/claimfin/summarystore"
	"github.com/CMSgov/claimfin/log"
)

// components are the engine and the stores behind it, all backed by one
// Postgres pool.
type components struct {
	facts       *factstore.PostgresStore
	summaries   *summarystore.PostgresStore
	refdata     *refdata.Cache
	projections *projection.Store
	engine      *service.Engine
}

func buildComponents(ctx context.Context, pool *pgxpool.Pool) (*components, error) {
	svcCfg, err := service.LoadConfig()
	if err != nil {
		return nil, err
	}
	refCfg, err := refdata.LoadConfig()
	if err != nil {
		return nil, err
	}
	projCfg, err := projection.LoadConfig()
	if err != nil {
		return nil, err
	}

	var loader refdata.Loader = refdata.NewStaticLoader()
	if refCfg.File != "" {
		if loader, err = refdata.LoadCSVFile(refCfg.File); err != nil {
			return nil, errors.Wrap(err, "failed to load reference data")
		}
	}
	ref := refdata.NewCache(loader, *refCfg)
	if n, err := ref.Warm(ctx); err != nil {
		log.Worker.Warnf("failed to warm reference data cache: %s", err)
	} else {
		log.Worker.Infof("reference data cache warmed with %d entries", n)
	}

	c := &components{
		facts:     factstore.NewPostgresStore(pool),
		summaries: summarystore.NewPostgresStore(pool),
		refdata:   ref,
	}
	c.projections = projection.NewStore(c.summaries, ref, *projCfg)
	c.engine = service.NewEngine(*svcCfg, c.facts, c.summaries, c.projections)
	return c, nil
}
