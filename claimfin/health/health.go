package health

import (
	"context"
	"fmt"
	"time"

	"github.com/CMSgov/claimfin/log"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BacklogFunc reports the number of claims waiting for a recompute.
type BacklogFunc func() int

// Checker is implemented by HealthChecker and MockHealthChecker.
type Checker interface {
	IsDatabaseOK(ctx context.Context) (string, bool)
	IsSchedulerOK() (string, bool)
}

type HealthChecker struct {
	db         Pinger
	backlog    BacklogFunc
	maxBacklog int
	timeout    time.Duration
}

const defaultPingTimeout = 5 * time.Second

func NewHealthChecker(db Pinger, backlog BacklogFunc, maxBacklog int) HealthChecker {
	return HealthChecker{
		db:         db,
		backlog:    backlog,
		maxBacklog: maxBacklog,
		timeout:    defaultPingTimeout,
	}
}

func (h HealthChecker) IsDatabaseOK(ctx context.Context) (result string, ok bool) {
	if h.db == nil {
		return "database not configured", false
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		log.Health.Error("Health check: database ping error: ", err.Error())
		return "database ping error", false
	}

	return "ok", true
}

// IsSchedulerOK fails once the recompute backlog exceeds the configured
// maximum. A zero maximum disables the check.
func (h HealthChecker) IsSchedulerOK() (result string, ok bool) {
	if h.backlog == nil {
		return "ok", true
	}
	depth := h.backlog()
	if h.maxBacklog > 0 && depth > h.maxBacklog {
		log.Health.Warnf("Health check: recompute backlog %d exceeds %d", depth, h.maxBacklog)
		return fmt.Sprintf("recompute backlog %d", depth), false
	}
	return "ok", true
}
