/*
Package service wires the fact store, the aggregator, the rollup, the summary
store and the projections into the Engine.

Facts enter through SubmitFact. The fact store notifies its trigger (normally
the recompute scheduler) and the scheduler calls Recompute for the claim, which
re-derives every summary of the claim from its full fact set, stores the result
and asks the projections to refresh it. Reads never touch facts.
*/
package service

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/pborman/uuid"
	pkgErrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/CMSgov/claimfin/claimfin/aggregator"
	"github.com/CMSgov/claimfin/claimfin/constants"
	customErrors "github.com/CMSgov/claimfin/claimfin/errors"
	"github.com/CMSgov/claimfin/claimfin/factstore"
	"github.com/CMSgov/claimfin/claimfin/metrics"
	"github.com/CMSgov/claimfin/claimfin/models"
	"github.com/CMSgov/claimfin/claimfin/projection"
	"github.com/CMSgov/claimfin/claimfin/rollup"
	"github.com/CMSgov/claimfin/claimfin/summarystore"
	"github.com/CMSgov/claimfin/log"
)

// Result is the outcome of submitting one fact.
type Result string

const (
	Accepted  Result = "accepted"
	Duplicate Result = "duplicate"
	Rejected  Result = "rejected"
)

type Outcome struct {
	Result Result
	// Reason explains a Rejected outcome.
	Reason string
}

// Projections is the part of the projection store the engine drives.
type Projections interface {
	Enqueue(key models.ClaimKey)
	Rebuild(ctx context.Context) error
	Query(ctx context.Context, name string, filter projection.Filter, order projection.Sort, page projection.PageRequest) (projection.PageResult, error)
	All(ctx context.Context, name string, filter projection.Filter, order projection.Sort) ([]projection.Row, uint64, error)
	Scan(ctx context.Context, name string, filter projection.Filter, order projection.Sort) ([]projection.Row, error)
}

type Stats struct {
	Recomputes    uint64
	Failures      uint64
	Degraded      uint64
	CapViolations uint64
}

type Engine struct {
	cfg         Config
	facts       factstore.Store
	summaries   summarystore.Store
	projections Projections
	sink        EventSink
	dispatch    func(models.ClaimKey)

	recomputes    atomic.Uint64
	failures      atomic.Uint64
	degraded      atomic.Uint64
	capViolations atomic.Uint64
}

func NewEngine(cfg Config, facts factstore.Store, summaries summarystore.Store, projections Projections) *Engine {
	return &Engine{
		cfg:         cfg,
		facts:       facts,
		summaries:   summaries,
		projections: projections,
		sink:        NewLogSink(log.Audit),
	}
}

// WithEventSink replaces the default logging sink.
func (e *Engine) WithEventSink(sink EventSink) *Engine {
	e.sink = sink
	return e
}

// WithDispatcher makes RebuildAll hand every claim to fn, normally the
// scheduler's Trigger, instead of recomputing inline. It must be set
// whenever a scheduler is running so that one claim is never recomputed
// twice at the same time.
func (e *Engine) WithDispatcher(fn func(models.ClaimKey)) *Engine {
	e.dispatch = fn
	return e
}

func (e *Engine) Stats() Stats {
	return Stats{
		Recomputes:    e.recomputes.Load(),
		Failures:      e.failures.Load(),
		Degraded:      e.degraded.Load(),
		CapViolations: e.capViolations.Load(),
	}
}

func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.StoreTimeout)
}

// SubmitFact validates f and appends it to the fact store. Invalid facts are
// Rejected without an error. A redelivered key with a different payload is
// Rejected and the integrity error is returned as well.
func (e *Engine) SubmitFact(ctx context.Context, f models.Fact) (Outcome, error) {
	if f == nil {
		return Outcome{Result: Rejected, Reason: "fact is required"}, nil
	}
	if err := f.Validate(); err != nil {
		log.Engine.WithFields(logrus.Fields{
			"claim_key": f.Claim(),
			"kind":      f.Kind(),
		}).Warnf("rejected fact: %s", err)
		return Outcome{Result: Rejected, Reason: err.Error()}, nil
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	res, err := e.facts.Append(sctx, f)
	if err != nil {
		var integrity *customErrors.DataIntegrityError
		if errors.As(err, &integrity) {
			return Outcome{Result: Rejected, Reason: integrity.Msg}, err
		}
		return Outcome{}, pkgErrors.Wrapf(err, "failed to append %s fact for claim %s", f.Kind(), f.Claim())
	}
	if res == models.Duplicate {
		return Outcome{Result: Duplicate}, nil
	}
	return Outcome{Result: Accepted}, nil
}

// Recompute re-derives every summary of key from its facts and stores them.
// The claim's Degraded mark is cleared on success.
func (e *Engine) Recompute(ctx context.Context, key models.ClaimKey) (err error) {
	start := time.Now()
	ev := RecomputeEvent{ID: uuid.NewRandom().String(), ClaimKey: key}
	logger := log.Engine.WithFields(logrus.Fields{"claim_key": key, "recompute_id": ev.ID})
	ctx = log.NewStructuredLoggerEntry(logger, ctx)
	ctx, end := metrics.NewParent(ctx, "Recompute")
	defer end()

	defer func() {
		ev.Duration = time.Since(start)
		ev.Err = err
		if err != nil {
			ev.Outcome = constants.FailedOutcome
			e.failures.Add(1)
		} else {
			ev.Outcome = constants.SucceededOutcome
			e.recomputes.Add(1)
		}
		e.sink.RecomputeFinished(ev)
	}()

	facts, err := e.factsFor(ctx, key)
	if err != nil {
		return err
	}
	ev.FactsProcessed = len(facts)

	closeAgg := metrics.NewChild(ctx, "Aggregate")
	res, err := aggregator.SummarizeClaim(key, facts)
	if err != nil {
		closeAgg()
		return err
	}
	var payment *models.ClaimPayment
	if len(res.Facts.Submissions) > 0 {
		p := rollup.Rollup(key, res.Facts.Submissions, res.Summaries, res.Facts.Resubmissions, res.Facts.Lines)
		payment = &p
	}
	closeAgg()

	if n := len(res.Orphaned); n > 0 {
		ev.Orphaned = n
		logger.Infof("%d remittance lines are waiting for their submission", n)
	}
	for _, cv := range res.CapViolations {
		logger.WithField("activity_id", cv.ActivityID).Warn(cv.Error())
		metrics.RecordMetric(ctx, metrics.CapViolationMetric, 1)
		e.capViolations.Add(1)
	}
	ev.CapViolations = len(res.CapViolations)

	closeStore := metrics.NewChild(ctx, "Replace")
	err = e.replace(ctx, key, res.Summaries, payment)
	closeStore()
	if err != nil {
		return err
	}

	e.projections.Enqueue(key)
	return nil
}

func (e *Engine) factsFor(ctx context.Context, key models.ClaimKey) ([]models.Fact, error) {
	defer metrics.NewChild(ctx, "FactsFor")()
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	facts, err := e.facts.FactsFor(sctx, key)
	if err != nil {
		return nil, pkgErrors.Wrapf(err, "failed to load facts for claim %s", key)
	}
	return facts, nil
}

func (e *Engine) replace(ctx context.Context, key models.ClaimKey, summaries []models.ActivitySummary, payment *models.ClaimPayment) error {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.summaries.Replace(sctx, key, summaries, payment); err != nil {
		return pkgErrors.Wrapf(err, "failed to store summaries for claim %s", key)
	}
	if err := e.summaries.ClearDegraded(sctx, key); err != nil {
		return pkgErrors.Wrapf(err, "failed to clear degraded mark of claim %s", key)
	}
	return nil
}

// MarkDegraded records that key stopped being recomputed. Its last good rows
// stay readable and are flagged stale.
func (e *Engine) MarkDegraded(ctx context.Context, key models.ClaimKey, failures int, cause error) error {
	e.degraded.Add(1)
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	log.Engine.WithFields(logrus.Fields{
		"claim_key": key,
		"failures":  failures,
	}).Errorf("claim degraded: %s", reason)

	e.sink.RecomputeFinished(RecomputeEvent{
		ID:       uuid.NewRandom().String(),
		ClaimKey: key,
		Outcome:  constants.DegradedOutcome,
		Err:      cause,
	})

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.summaries.MarkDegraded(sctx, key, reason, failures); err != nil {
		return pkgErrors.Wrapf(err, "failed to mark claim %s degraded", key)
	}
	e.projections.Enqueue(key)
	return nil
}

func (e *Engine) DegradedClaims(ctx context.Context) ([]summarystore.DegradedClaim, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	return e.summaries.DegradedClaims(sctx)
}

// GetClaimPayment returns the stored payment of key. The bool is false when
// the claim has no payment yet.
func (e *Engine) GetClaimPayment(ctx context.Context, key models.ClaimKey) (*models.ClaimPayment, bool, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	p, err := e.summaries.GetClaimPayment(sctx, key)
	if errors.Is(err, summarystore.ErrClaimNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	stale, err := e.summaries.IsDegraded(sctx, key)
	if err != nil {
		return nil, false, err
	}
	p.Stale = stale
	return p, true, nil
}

// GetActivitySummaries returns the stored summaries of key. Staleness is
// reported on the claim payment.
func (e *Engine) GetActivitySummaries(ctx context.Context, key models.ClaimKey) ([]models.ActivitySummary, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	return e.summaries.GetActivitySummaries(sctx, key)
}

func (e *Engine) Query(ctx context.Context, name string, filter projection.Filter, order projection.Sort, page projection.PageRequest) (projection.PageResult, error) {
	return e.projections.Query(ctx, name, filter, order, page)
}

// RebuildAll re-derives every claim from its facts and rebuilds the
// projections from the summary store. With a dispatcher set the claims are
// handed to it and the projections pick up their results as they finish.
func (e *Engine) RebuildAll(ctx context.Context) (int, error) {
	sctx, cancel := e.storeCtx(ctx)
	keys, err := e.facts.ClaimKeys(sctx)
	cancel()
	if err != nil {
		return 0, pkgErrors.Wrap(err, "failed to list claims")
	}

	logger := log.Engine.WithFields(logrus.Fields{"claims": len(keys), "rebuild_id": uuid.NewRandom().String()})
	logger.Info("rebuilding all claims")

	var errs []error
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if e.dispatch != nil {
			e.dispatch(key)
			continue
		}
		if err := e.Recompute(ctx, key); err != nil {
			errs = append(errs, err)
			if markErr := e.MarkDegraded(ctx, key, 1, err); markErr != nil {
				errs = append(errs, markErr)
			}
		}
	}

	if err := e.projections.Rebuild(ctx); err != nil {
		errs = append(errs, pkgErrors.Wrap(err, "failed to rebuild projections"))
	}
	logger.WithField("failures", len(errs)).Info("rebuild finished")
	return len(keys), errors.Join(errs...)
}

// ExportParquet writes every row of the named projection matching filter as
// Parquet. All rows come from one snapshot.
func (e *Engine) ExportParquet(ctx context.Context, w io.Writer, name string, filter projection.Filter, order projection.Sort) (int, uint64, error) {
	rows, epoch, err := e.projections.All(ctx, name, filter, order)
	if err != nil {
		return 0, 0, err
	}
	n, err := projection.ExportParquet(w, rows)
	if err != nil {
		return 0, 0, err
	}
	log.Query.WithFields(logrus.Fields{"projection": name, "rows": n, "epoch": epoch}).Info("projection exported")
	return n, epoch, nil
}

// ExportScoped writes the rows of the named projection matching filter as
// Parquet, reading only the claims the filter selects from the summary store.
// It does not depend on a published snapshot.
func (e *Engine) ExportScoped(ctx context.Context, w io.Writer, name string, filter projection.Filter, order projection.Sort) (int, error) {
	rows, err := e.projections.Scan(ctx, name, filter, order)
	if err != nil {
		return 0, err
	}
	n, err := projection.ExportParquet(w, rows)
	if err != nil {
		return 0, err
	}
	log.Query.WithFields(logrus.Fields{"projection": name, "rows": n, "clauses": len(filter.Clauses)}).Info("scoped projection exported")
	return n, nil
}
