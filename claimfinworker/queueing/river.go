/*
Package queueing carries durable recompute triggers through River.

Two kinds of jobs exist:
1. RecomputeArgs: a fact was appended for a claim. The worker hands the claim
   to the in-process recompute scheduler, which coalesces triggers per claim.
2. RebuildArgs: re-derive every claim from its facts. It runs on a cron
   schedule and can be enqueued by hand.

Jobs are written to the queue database, so triggers survive a worker restart.
*/
package queueing

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/CMSgov/claimfin/claimfin/database"
	"github.com/CMSgov/claimfin/claimfin/metrics"
	"github.com/CMSgov/claimfin/conf"
	"github.com/CMSgov/claimfin/log"
)

type Config struct {
	Workers     int    `conf:"CLAIMFIN_QUEUE_WORKERS" conf_default:"4"`
	MaxAttempts int    `conf:"CLAIMFIN_QUEUE_MAX_ATTEMPTS" conf_default:"6"`
	RebuildCron string `conf:"CLAIMFIN_REBUILD_CRON" conf_default:"0 3 * * *"`
	AWSRegion   string `conf:"AWS_REGION" conf_default:"us-east-1"`
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := conf.Checkout(cfg); err != nil {
		return nil, err
	}
	if _, err := cron.ParseStandard(cfg.RebuildCron); err != nil {
		return nil, errors.Wrapf(err, "invalid rebuild schedule %q", cfg.RebuildCron)
	}
	return cfg, nil
}

// Queue is a running River client working recompute and rebuild jobs.
type Queue struct {
	client *river.Client[pgx.Tx]
	pool   database.PgxConnection
	cfg    Config
}

// StartRiver registers the workers, schedules the periodic rebuild and starts
// working jobs.
func StartRiver(ctx context.Context, pool *pgxpool.Pool, cfg Config, trigger TriggerFunc, rebuild RebuildFunc, notifier Notifier) (*Queue, error) {
	workers := river.NewWorkers()
	river.AddWorker(workers, NewRecomputeWorker(trigger))
	river.AddWorker(workers, NewRebuildWorker(rebuild, notifier))

	schedule, err := cron.ParseStandard(cfg.RebuildCron)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid rebuild schedule %q", cfg.RebuildCron)
	}

	periodicJobs := []*river.PeriodicJob{
		river.NewPeriodicJob(
			schedule,
			func() (river.JobArgs, *river.InsertOpts) {
				return RebuildArgs{}, nil
			},
			&river.PeriodicJobOpts{},
		),
	}

	logger := log.NewSlogLogger(log.Worker, "worker")

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Workers},
		},
		MaxAttempts: cfg.MaxAttempts,
		// a rebuild can take longer than river's one minute default
		JobTimeout:   -1,
		Logger:       logger,
		Workers:      workers,
		PeriodicJobs: periodicJobs,
	})
	if err != nil {
		logger.Error("failed to init river client", "error", err)
		return nil, errors.Wrap(err, "failed to init river client")
	}

	if err := client.Start(ctx); err != nil {
		logger.Error("failed to start river client", "error", err)
		return nil, errors.Wrap(err, "failed to start river client")
	}

	log.Worker.WithFields(logrus.Fields{
		"workers":       cfg.Workers,
		"rebuild_sched": cfg.RebuildCron,
	}).Info("river client started")
	return &Queue{client: client, pool: pool, cfg: cfg}, nil
}

// Stop waits for jobs in progress and stops the client.
func (q *Queue) Stop(ctx context.Context) error {
	return q.client.Stop(ctx)
}

// PendingJobs counts jobs that have not reached a final state.
func PendingJobs(ctx context.Context, db database.PgxConnection) (int, error) {
	var count int
	row := db.QueryRow(ctx, `SELECT COUNT(*) FROM river_job WHERE state NOT IN ('completed', 'cancelled', 'discarded')`)
	if err := row.Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to count pending jobs")
	}
	return count, nil
}

// PublishBacklog sends the recompute backlog and the pending job count to
// CloudWatch. It does nothing unless DEPLOYMENT_TARGET is set.
func (q *Queue) PublishBacklog(ctx context.Context, backlog int, logger logrus.FieldLogger) {
	target := conf.GetEnv("DEPLOYMENT_TARGET")
	if target == "" {
		return
	}
	sampler, err := metrics.NewSampler("CLAIMFIN", "Count", q.cfg.AWSRegion)
	if err != nil {
		logger.Warnf("failed to create metric sampler: %s", err)
		return
	}
	publishBacklog(ctx, sampler, q.pool, target, backlog, logger)
}

func publishBacklog(ctx context.Context, sampler *metrics.Sampler, db database.PgxConnection, target string, backlog int, logger logrus.FieldLogger) {
	dims := []metrics.Dimension{{Name: "Environment", Value: target}}
	if err := sampler.PutSample("RecomputeBacklog", float64(backlog), dims); err != nil {
		logger.Error(err)
	}

	pending, err := PendingJobs(ctx, db)
	if err != nil {
		logger.Error(err)
		return
	}
	if err := sampler.PutSample("JobQueueCount", float64(pending), dims); err != nil {
		logger.Error(err)
	}
}

// Migrate creates or upgrades the river tables.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return errors.Wrap(err, "failed to init river migrator")
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return errors.Wrap(err, "failed to apply river migrations")
	}
	for _, v := range res.Versions {
		log.Worker.Infof("applied river migration %03d", v.Version)
	}
	return nil
}
