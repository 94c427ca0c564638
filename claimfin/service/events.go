package service

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/CMSgov/claimfin/claimfin/constants"
	"github.com/CMSgov/claimfin/claimfin/models"
)

// RecomputeEvent describes one finished recompute, or a claim that became
// Degraded.
type RecomputeEvent struct {
	ID             string
	ClaimKey       models.ClaimKey
	Outcome        string
	Duration       time.Duration
	FactsProcessed int
	CapViolations  int
	Orphaned       int
	Err            error
}

// EventSink receives an event for every recompute. Implementations must not
// block.
type EventSink interface {
	RecomputeFinished(ev RecomputeEvent)
}

// LogSink writes recompute events to a logger.
type LogSink struct {
	logger logrus.FieldLogger
}

func NewLogSink(logger logrus.FieldLogger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) RecomputeFinished(ev RecomputeEvent) {
	entry := s.logger.WithFields(logrus.Fields{
		"event_id":        ev.ID,
		"claim_key":       ev.ClaimKey,
		"outcome":         ev.Outcome,
		"duration_ms":     ev.Duration.Milliseconds(),
		"facts_processed": ev.FactsProcessed,
		"cap_violations":  ev.CapViolations,
		"orphaned_lines":  ev.Orphaned,
	})
	switch {
	case ev.Outcome == constants.DegradedOutcome:
		entry.WithError(ev.Err).Error("claim degraded")
	case ev.Err != nil:
		entry.WithError(ev.Err).Warn("recompute failed")
	default:
		entry.Info("recompute finished")
	}
}
