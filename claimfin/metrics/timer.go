package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"

	"github.com/CMSgov/claimfin/conf"
	"github.com/CMSgov/claimfin/log"
)

// CapViolationMetric counts remittances that pushed an activity past its
// submitted amount.
const CapViolationMetric = "Custom/CapViolation"

// Timer provides methods for timing recomputes.
// Typical usage:
//
//	timer := metrics.GetTimer()
//	defer timer.Close()
//	ctx := metrics.NewContext(ctx, timer)
//	ctx, close := metrics.NewParent(ctx, "Recompute")
//	defer close()
//	close1 := metrics.NewChild(ctx, "FactsFor")
//	// load facts
//	close1()
type Timer interface {
	// new creates a new transaction and embeds it into the returned context.
	new(parentCtx context.Context, name string) (ctx context.Context, close func())

	// newChild creates a segment of the transaction found in the supplied context.
	newChild(parentCtx context.Context, name string) (close func())

	// record reports a custom metric value.
	record(name string, value float64)

	// Close flushes pending metrics and releases the underlying agent.
	Close()
}

type key int

const timerKey key = 0

var logger logrus.FieldLogger = log.Engine

// NewContext returns a new Context that carries the provided Timer
func NewContext(ctx context.Context, t Timer) context.Context {
	return context.WithValue(ctx, timerKey, t)
}

// NewParent creates a parent timer and embeds it into the returned context.
func NewParent(ctx context.Context, name string) (context.Context, func()) {
	return fromContext(ctx).new(ctx, name)
}

// NewChild creates a child timer from the parent found within the supplied context
func NewChild(ctx context.Context, name string) func() {
	return fromContext(ctx).newChild(ctx, name)
}

// RecordMetric reports value under name through the Timer carried by ctx.
func RecordMetric(ctx context.Context, name string, value float64) {
	fromContext(ctx).record(name, value)
}

var defaultTimer = &noopTimer{}

// fromContext returns the Timer associated with the context, or a no-op timer.
func fromContext(ctx context.Context) Timer {
	t, ok := ctx.Value(timerKey).(Timer)
	if !ok {
		return defaultTimer
	}
	return t
}

// GetTimer returns a New Relic backed Timer, or a no-op timer when the agent
// cannot be started or connected.
func GetTimer() Timer {
	target := conf.GetEnv("DEPLOYMENT_TARGET")
	if target == "" {
		target = "local"
	}
	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(fmt.Sprintf("CLAIMFIN-%s", target)),
		newrelic.ConfigLicense(conf.GetEnv("NEW_RELIC_LICENSE_KEY")),
		newrelic.ConfigEnabled(true),
		func(cfg *newrelic.Config) {
			cfg.HighSecurity = true
		},
	)
	if err != nil {
		logger.Warnf("Failed to instantiate New Relic application. Default to no-op timer. %s", err.Error())
		return &noopTimer{}
	}

	timeout := 30 * time.Second
	if secs := cast.ToInt(conf.GetEnv("NEW_RELIC_CONNECTION_TIMEOUT_SECONDS")); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	if err = app.WaitForConnection(timeout); err != nil {
		logger.Warnf("Failed to establish connection to New Relic server in %s. Default to no-op timer.", timeout)
		return &noopTimer{}
	}

	logger.Info("Using New Relic backed timer.")
	return &timer{app}
}

var _ Timer = &timer{}

type timer struct {
	nr *newrelic.Application
}

func (t *timer) new(parentCtx context.Context, name string) (context.Context, func()) {
	txn := t.nr.StartTransaction(name)
	return newrelic.NewContext(parentCtx, txn), txn.End
}

func (t *timer) newChild(parentCtx context.Context, name string) func() {
	txn := newrelic.FromContext(parentCtx)
	if txn == nil {
		logger.Warn("No transaction found. Cannot create child.")
		return noop
	}
	return txn.StartSegment(name).End
}

func (t *timer) record(name string, value float64) {
	t.nr.RecordCustomMetric(name, value)
}

func (t *timer) Close() {
	const shutdownTimeout = 30 * time.Second
	t.nr.Shutdown(shutdownTimeout)
}

var _ Timer = &noopTimer{}

type noopTimer struct{}

func (t *noopTimer) new(parentCtx context.Context, name string) (context.Context, func()) {
	return parentCtx, noop
}

func (t *noopTimer) newChild(parentCtx context.Context, name string) func() {
	return noop
}

func (t *noopTimer) record(name string, value float64) {}

func (t *noopTimer) Close() {}

func noop() {}
