package queueing

import (
	"context"
	"fmt"
	"time"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	"github.com/riverqueue/river"
	"github.com/sirupsen/logrus"

	"github.com/CMSgov/claimfin/claimfin/models"
	"github.com/CMSgov/claimfin/conf"
	"github.com/CMSgov/claimfin/log"
)

const (
	RecomputeKind = "recompute"
	RebuildKind   = "rebuild"
)

// RecomputeArgs asks for a claim to be recomputed after the fact with
// FactKey was appended. Jobs are unique by args, so a redelivered fact is
// enqueued once while distinct facts of one claim never shadow each other.
type RecomputeArgs struct {
	ClaimKey models.ClaimKey `json:"claim_key"`
	FactKey  string          `json:"fact_key"`
}

func (RecomputeArgs) Kind() string {
	return RecomputeKind
}

func (RecomputeArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{UniqueOpts: river.UniqueOpts{ByArgs: true}}
}

type RebuildArgs struct{}

func (RebuildArgs) Kind() string {
	return RebuildKind
}

func (RebuildArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 1}
}

// TriggerFunc hands a claim to the recompute scheduler.
type TriggerFunc func(models.ClaimKey)

// RebuildFunc re-derives every claim and returns how many were rebuilt.
type RebuildFunc func(ctx context.Context) (int, error)

type RecomputeWorker struct {
	river.WorkerDefaults[RecomputeArgs]
	trigger TriggerFunc
}

func NewRecomputeWorker(trigger TriggerFunc) *RecomputeWorker {
	return &RecomputeWorker{trigger: trigger}
}

func (w *RecomputeWorker) Work(ctx context.Context, job *river.Job[RecomputeArgs]) error {
	if job.Args.ClaimKey == "" {
		return river.JobCancel(errors.New("recompute job without a claim key"))
	}
	w.trigger(job.Args.ClaimKey)
	log.Worker.WithFields(logrus.Fields{
		"claim_key": job.Args.ClaimKey,
		"fact_key":  job.Args.FactKey,
	}).Debug("recompute triggered")
	return nil
}

type RebuildWorker struct {
	river.WorkerDefaults[RebuildArgs]
	rebuild  RebuildFunc
	notifier Notifier
}

func NewRebuildWorker(rebuild RebuildFunc, notifier Notifier) *RebuildWorker {
	return &RebuildWorker{rebuild: rebuild, notifier: notifier}
}

func (w *RebuildWorker) Work(ctx context.Context, job *river.Job[RebuildArgs]) error {
	ctx = log.NewStructuredLoggerEntry(log.Worker, ctx)
	_, logger := log.SetCtxLogger(ctx, "transaction_id", uuid.NewRandom().String())
	environment := conf.GetEnv("DEPLOYMENT_TARGET")

	start := time.Now()
	n, err := w.rebuild(ctx)
	if err != nil {
		logger.Error(errors.Wrap(err, "failed to rebuild claims"))
		sendMessage(ctx, w.notifier, AlertsChannel,
			fmt.Sprintf("%s: Rebuild of %d claims in %s env: %s", FailureMsg, n, environment, err), false)
		return err
	}

	logger.WithFields(logrus.Fields{"claims": n, "duration": time.Since(start).String()}).Info("rebuild finished")
	sendMessage(ctx, w.notifier, OperationsChannel,
		fmt.Sprintf("%s: Rebuild of %d claims in %s env.", SuccessMsg, n, environment), true)
	return nil
}
