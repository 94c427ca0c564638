/*
Package scheduler runs claim recomputes on a fixed pool of workers.

Every claim key moves through Idle, Scheduled and Running. Triggers for a key
that is already Scheduled are coalesced into the pending run, and a trigger
that arrives while the key is Running schedules exactly one more run once the
current one finishes. A key is never run by two workers at the same time.

Failed runs are retried with exponential backoff. A key that keeps failing,
or that fails with a non-retryable error, becomes Degraded until new facts
trigger it again.
*/
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	customErrors "github.com/CMSgov/claimfin/claimfin/errors"
	"github.com/CMSgov/claimfin/claimfin/models"
	"github.com/CMSgov/claimfin/conf"
	"github.com/CMSgov/claimfin/log"
)

type State int

const (
	Idle State = iota
	Scheduled
	Running
	Degraded
)

func (s State) String() string {
	switch s {
	case Scheduled:
		return "scheduled"
	case Running:
		return "running"
	case Degraded:
		return "degraded"
	default:
		return "idle"
	}
}

// RecomputeFunc derives and stores the state of one claim.
type RecomputeFunc func(ctx context.Context, key models.ClaimKey) error

type Config struct {
	Workers        int           `conf:"CLAIMFIN_SCHEDULER_WORKERS" conf_default:"4"`
	MaxFailures    int           `conf:"CLAIMFIN_SCHEDULER_MAX_FAILURES" conf_default:"5"`
	InitialBackoff time.Duration `conf:"CLAIMFIN_SCHEDULER_INITIAL_BACKOFF" conf_default:"500ms"`
	MaxBackoff     time.Duration `conf:"CLAIMFIN_SCHEDULER_MAX_BACKOFF" conf_default:"30s"`
	ErrorBuffer    int           `conf:"CLAIMFIN_SCHEDULER_ERROR_BUFFER" conf_default:"64"`
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := conf.Checkout(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Observer is told about every run. Calls for one key never overlap.
type Observer interface {
	RunStarted(key models.ClaimKey)
	RunFinished(key models.ClaimKey, err error)
}

// DegradedClaim reports a key that stopped being retried.
type DegradedClaim struct {
	ClaimKey models.ClaimKey
	Failures int
	Err      error
}

type Stats struct {
	Runs       uint64
	Coalesced  uint64
	Failures   uint64
	Retries    uint64
	Degraded   uint64
	QueueDepth int
	Waiting    int
	Running    int
}

type entry struct {
	state    State
	again    bool
	failures int
	backoff  *backoff.ExponentialBackOff
	timer    *time.Timer
}

type Scheduler struct {
	cfg      Config
	run      RecomputeFunc
	observer Observer

	// OnDegraded is called outside the scheduler lock each time a key
	// becomes Degraded. The key is not run again until it returns.
	OnDegraded func(DegradedClaim)

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []models.ClaimKey
	keys     map[models.ClaimKey]*entry
	stats    Stats
	ctx      context.Context
	started  bool
	stopping bool

	wg       sync.WaitGroup
	stopOnce sync.Once
	errs     chan DegradedClaim
}

func New(cfg Config, run RecomputeFunc) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = backoff.DefaultInitialInterval
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	s := &Scheduler{
		cfg:  cfg,
		run:  run,
		keys: make(map[models.ClaimKey]*entry),
		errs: make(chan DegradedClaim, cfg.ErrorBuffer),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// WithObserver sets the observer. It must be called before Start.
func (s *Scheduler) WithObserver(o Observer) *Scheduler {
	s.observer = o
	return s
}

// Errors delivers Degraded keys. Sends never block; when the buffer is full
// the report is dropped and only logged.
func (s *Scheduler) Errors() <-chan DegradedClaim {
	return s.errs
}

func (s *Scheduler) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Trigger asks for key to be recomputed. Triggers before Start are queued.
func (s *Scheduler) Trigger(key models.ClaimKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return
	}

	e, ok := s.keys[key]
	if !ok {
		e = &entry{}
		s.keys[key] = e
	}

	switch e.state {
	case Idle:
		s.schedule(key, e)
	case Scheduled:
		s.stats.Coalesced++
	case Running:
		if e.again {
			s.stats.Coalesced++
		}
		e.again = true
	case Degraded:
		log.Worker.WithField("claim_key", key).Info("new facts for degraded claim, scheduling a fresh attempt")
		e.failures = 0
		e.backoff = nil
		s.schedule(key, e)
	}
}

// schedule queues key. Callers hold s.mu.
func (s *Scheduler) schedule(key models.ClaimKey, e *entry) {
	e.state = Scheduled
	s.queue = append(s.queue, key)
	s.cond.Signal()
}

// State returns the state of key.
func (s *Scheduler) State(key models.ClaimKey) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.keys[key]; ok {
		return e.state
	}
	return Idle
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.QueueDepth = len(s.queue)
	for _, e := range s.keys {
		switch {
		case e.state == Running:
			st.Running++
		case e.state == Scheduled && e.timer != nil:
			st.Waiting++
		}
	}
	return st
}

// Backlog is the number of keys waiting to run, including keys waiting out a
// backoff.
func (s *Scheduler) Backlog() int {
	st := s.Stats()
	return st.QueueDepth + st.Waiting
}

// Start launches the workers. Runs use a context that is never cancelled,
// so a recompute in flight always completes. Cancelling ctx stops the
// scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopping {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx = context.WithoutCancel(ctx)
	s.mu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.work(i)
	}
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	log.Worker.WithField("workers", s.cfg.Workers).Info("recompute scheduler started")
}

// Stop stops taking work and waits for runs in flight. Scheduled keys that
// have not started are abandoned.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		for _, e := range s.keys {
			if e.timer != nil {
				e.timer.Stop()
				e.timer = nil
			}
		}
		s.cond.Broadcast()
		s.mu.Unlock()

		s.wg.Wait()
		close(s.errs)
		log.Worker.Info("recompute scheduler stopped")
	})
}

func (s *Scheduler) work(id int) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopping {
			s.cond.Wait()
		}
		if s.stopping {
			s.mu.Unlock()
			return
		}
		key := s.queue[0]
		s.queue = s.queue[1:]
		e := s.keys[key]
		e.state = Running
		e.again = false
		s.stats.Runs++
		ctx := s.ctx
		s.mu.Unlock()

		if s.observer != nil {
			s.observer.RunStarted(key)
		}
		start := time.Now()
		err := s.run(ctx, key)
		if s.observer != nil {
			s.observer.RunFinished(key, err)
		}

		log.Worker.WithFields(logrus.Fields{
			"worker":    id,
			"claim_key": key,
			"duration":  time.Since(start).String(),
		}).Debug("recompute finished")

		s.finish(key, err)
	}
}

func (s *Scheduler) finish(key models.ClaimKey, err error) {
	s.mu.Lock()
	e := s.keys[key]

	if err == nil {
		e.failures = 0
		e.backoff = nil
		if e.again && !s.stopping {
			s.schedule(key, e)
		} else {
			delete(s.keys, key)
		}
		s.mu.Unlock()
		return
	}

	s.stats.Failures++
	e.failures++
	logger := log.Worker.WithFields(logrus.Fields{"claim_key": key, "failures": e.failures})

	if !customErrors.IsRetryable(err) || e.failures >= s.cfg.MaxFailures {
		// The key stays Running until the report is written, so a trigger
		// in the meantime cannot start a run that finishes before it.
		e.again = false
		s.stats.Degraded++
		d := DegradedClaim{ClaimKey: key, Failures: e.failures, Err: err}
		s.mu.Unlock()

		logger.Errorf("claim degraded: %s", err)
		if s.OnDegraded != nil {
			s.OnDegraded(d)
		}

		s.mu.Lock()
		if e.again && !s.stopping {
			logger.Info("new facts arrived while degrading, scheduling a fresh attempt")
			e.failures = 0
			e.backoff = nil
			s.schedule(key, e)
		} else {
			e.state = Degraded
			e.again = false
		}
		s.mu.Unlock()

		s.report(d)
		return
	}

	if e.backoff == nil {
		e.backoff = s.newBackOff()
	}
	wait := e.backoff.NextBackOff()
	e.state = Scheduled
	e.again = false
	s.stats.Retries++
	if !s.stopping {
		e.timer = time.AfterFunc(wait, func() { s.retry(key) })
	}
	s.mu.Unlock()

	logger.Warnf("recompute failed, retrying in %s: %s", wait, err)
}

func (s *Scheduler) retry(key models.ClaimKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return
	}
	e, ok := s.keys[key]
	if !ok || e.state != Scheduled || e.timer == nil {
		return
	}
	e.timer = nil
	s.queue = append(s.queue, key)
	s.cond.Signal()
}

func (s *Scheduler) report(d DegradedClaim) {
	select {
	case s.errs <- d:
	default:
		log.Worker.WithField("claim_key", d.ClaimKey).Warn("degraded claim report dropped, error channel is full")
	}
}
