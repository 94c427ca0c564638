package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	customErrors "github.com/CMSgov/claimfin/claimfin/errors"
	"github.com/CMSgov/claimfin/claimfin/models"
)

func testConfig(workers int) Config {
	return Config{
		Workers:        workers,
		MaxFailures:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		ErrorBuffer:    8,
	}
}

// recorder counts runs per key and fails the test when one key runs on two
// workers at once.
type recorder struct {
	t        *testing.T
	mu       sync.Mutex
	inFlight map[models.ClaimKey]int
	runs     map[models.ClaimKey]int
	finished map[models.ClaimKey]int

	current    int32
	maxCurrent int32
}

func newRecorder(t *testing.T) *recorder {
	return &recorder{
		t:        t,
		inFlight: make(map[models.ClaimKey]int),
		runs:     make(map[models.ClaimKey]int),
		finished: make(map[models.ClaimKey]int),
	}
}

func (r *recorder) RunStarted(key models.ClaimKey) {
	r.mu.Lock()
	r.inFlight[key]++
	if r.inFlight[key] > 1 {
		r.t.Errorf("claim %s is running on two workers", key)
	}
	r.runs[key]++
	r.mu.Unlock()

	n := atomic.AddInt32(&r.current, 1)
	for {
		m := atomic.LoadInt32(&r.maxCurrent)
		if n <= m || atomic.CompareAndSwapInt32(&r.maxCurrent, m, n) {
			break
		}
	}
}

func (r *recorder) RunFinished(key models.ClaimKey, err error) {
	atomic.AddInt32(&r.current, -1)
	r.mu.Lock()
	r.inFlight[key]--
	r.finished[key]++
	r.mu.Unlock()
}

func (r *recorder) runsOf(key models.ClaimKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[key]
}

func (r *recorder) finishedOf(key models.ClaimKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished[key]
}

type SchedulerTestSuite struct {
	suite.Suite
	rec *recorder
}

func (s *SchedulerTestSuite) SetupTest() {
	s.rec = newRecorder(s.T())
}

func TestSchedulerTestSuite(t *testing.T) {
	suite.Run(t, new(SchedulerTestSuite))
}

func (s *SchedulerTestSuite) start(cfg Config, run RecomputeFunc) *Scheduler {
	sched := New(cfg, run).WithObserver(s.rec)
	sched.Start(context.Background())
	s.T().Cleanup(sched.Stop)
	return sched
}

func (s *SchedulerTestSuite) TestTriggersWhileRunningCoalesceIntoOneRun() {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var calls int32
	sched := s.start(testConfig(4), func(ctx context.Context, key models.ClaimKey) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			started <- struct{}{}
			<-release
		}
		return nil
	})

	sched.Trigger("CLM-1")
	<-started
	s.Equal(Running, sched.State("CLM-1"))

	for i := 0; i < 100; i++ {
		sched.Trigger("CLM-1")
	}
	close(release)

	s.Eventually(func() bool { return s.rec.finishedOf("CLM-1") == 2 && sched.State("CLM-1") == Idle },
		time.Second, time.Millisecond)
	// give a stray third run the chance to show up
	time.Sleep(20 * time.Millisecond)
	s.Equal(2, s.rec.runsOf("CLM-1"))

	stats := sched.Stats()
	s.Equal(uint64(2), stats.Runs)
	s.Equal(uint64(99), stats.Coalesced)
}

func (s *SchedulerTestSuite) TestTriggersBeforeStartAreQueuedAndCoalesced() {
	sched := New(testConfig(2), func(ctx context.Context, key models.ClaimKey) error { return nil }).WithObserver(s.rec)
	for i := 0; i < 50; i++ {
		sched.Trigger("CLM-1")
	}
	sched.Trigger("CLM-2")
	s.Equal(Scheduled, sched.State("CLM-1"))
	s.Equal(2, sched.Backlog())

	sched.Start(context.Background())
	defer sched.Stop()

	s.Eventually(func() bool { return s.rec.finishedOf("CLM-1") == 1 && s.rec.finishedOf("CLM-2") == 1 },
		time.Second, time.Millisecond)
	s.Equal(1, s.rec.runsOf("CLM-1"))
	s.Equal(uint64(49), sched.Stats().Coalesced)
}

func (s *SchedulerTestSuite) TestKeysNeverOverlapAndRunInParallel() {
	sched := s.start(testConfig(8), func(ctx context.Context, key models.ClaimKey) error {
		time.Sleep(2 * time.Millisecond)
		return nil
	})

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				sched.Trigger(models.ClaimKey(fmt.Sprintf("CLM-%d", (g+i)%20)))
			}
		}(g)
	}
	wg.Wait()

	s.Eventually(func() bool {
		st := sched.Stats()
		return st.QueueDepth == 0 && st.Running == 0 && st.Waiting == 0
	}, 5*time.Second, 5*time.Millisecond)

	for i := 0; i < 20; i++ {
		s.GreaterOrEqual(s.rec.runsOf(models.ClaimKey(fmt.Sprintf("CLM-%d", i))), 1)
	}
	s.Greater(atomic.LoadInt32(&s.rec.maxCurrent), int32(1), "different claims run in parallel")
	s.Less(sched.Stats().Runs, uint64(16*200), "triggers were coalesced")
}

func (s *SchedulerTestSuite) TestTransientFailuresAreRetried() {
	var calls int32
	sched := s.start(testConfig(2), func(ctx context.Context, key models.ClaimKey) error {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return &customErrors.TransientStoreError{Op: "FactsFor", Err: errors.New("connection reset")}
		}
		return nil
	})

	sched.Trigger("CLM-1")
	s.Eventually(func() bool { return s.rec.finishedOf("CLM-1") == 3 && sched.State("CLM-1") == Idle },
		time.Second, time.Millisecond)

	stats := sched.Stats()
	s.Equal(uint64(2), stats.Failures)
	s.Equal(uint64(2), stats.Retries)
	s.Equal(uint64(0), stats.Degraded)
}

func (s *SchedulerTestSuite) TestDegradedAfterMaxFailures() {
	var degraded []DegradedClaim
	var mu sync.Mutex
	sched := New(testConfig(2), func(ctx context.Context, key models.ClaimKey) error {
		return &customErrors.TransientStoreError{Op: "Replace", Err: errors.New("timeout")}
	}).WithObserver(s.rec)
	sched.OnDegraded = func(d DegradedClaim) {
		mu.Lock()
		degraded = append(degraded, d)
		mu.Unlock()
	}
	sched.Start(context.Background())
	defer sched.Stop()

	sched.Trigger("CLM-1")

	select {
	case d := <-sched.Errors():
		s.Equal(models.ClaimKey("CLM-1"), d.ClaimKey)
		s.Equal(3, d.Failures)
		var transient *customErrors.TransientStoreError
		s.True(errors.As(d.Err, &transient))
	case <-time.After(time.Second):
		s.FailNow("claim was never degraded")
	}

	s.Equal(Degraded, sched.State("CLM-1"))
	s.Equal(3, s.rec.runsOf("CLM-1"))
	mu.Lock()
	s.Len(degraded, 1)
	mu.Unlock()
}

func (s *SchedulerTestSuite) TestIntegrityErrorsDegradeImmediately() {
	var fail atomic.Bool
	fail.Store(true)
	sched := s.start(testConfig(2), func(ctx context.Context, key models.ClaimKey) error {
		if fail.Load() {
			return &customErrors.DataIntegrityError{ClaimKey: string(key), Msg: "conflicting submissions"}
		}
		return nil
	})

	sched.Trigger("CLM-1")
	d := <-sched.Errors()
	s.Equal(1, d.Failures)
	s.Equal(Degraded, sched.State("CLM-1"))
	s.Equal(1, s.rec.runsOf("CLM-1"))

	// new facts give the claim a fresh attempt
	fail.Store(false)
	sched.Trigger("CLM-1")
	s.Eventually(func() bool { return sched.State("CLM-1") == Idle }, time.Second, time.Millisecond)
	s.Equal(2, s.rec.runsOf("CLM-1"))
}

func (s *SchedulerTestSuite) TestTriggerDuringDegradedReportRunsAfterIt() {
	var (
		mu     sync.Mutex
		writes []string
		calls  int32
	)
	write := func(w string) {
		mu.Lock()
		defer mu.Unlock()
		writes = append(writes, w)
	}

	cfg := testConfig(2)
	cfg.MaxFailures = 1
	sched := New(cfg, func(ctx context.Context, key models.ClaimKey) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return &customErrors.DataIntegrityError{ClaimKey: string(key), Msg: "conflicting submissions"}
		}
		write("clear")
		return nil
	}).WithObserver(s.rec)
	sched.OnDegraded = func(d DegradedClaim) {
		// new facts arrive while the degraded mark is being written
		sched.Trigger(d.ClaimKey)
		time.Sleep(50 * time.Millisecond)
		write("mark")
	}
	sched.Start(context.Background())
	defer sched.Stop()

	sched.Trigger("CLM-1")
	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(writes) == 2
	}, time.Second, time.Millisecond)
	s.Eventually(func() bool { return sched.State("CLM-1") == Idle }, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	s.Equal([]string{"mark", "clear"}, writes, "the fresh run must not finish before the degraded mark")
	s.Equal(2, s.rec.runsOf("CLM-1"))
}

func (s *SchedulerTestSuite) TestStopWaitsForRunsInFlight() {
	release := make(chan struct{})
	started := make(chan struct{})
	var runCtxErr atomic.Value
	ctx, cancel := context.WithCancel(context.Background())

	sched := New(testConfig(1), func(runCtx context.Context, key models.ClaimKey) error {
		close(started)
		<-release
		runCtxErr.Store(fmt.Sprint(runCtx.Err()))
		return nil
	})
	sched.Start(ctx)
	sched.Trigger("CLM-1")
	<-started

	cancel()
	stopped := make(chan struct{})
	go func() {
		sched.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		s.FailNow("stop returned while a recompute was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-stopped
	s.Equal("<nil>", runCtxErr.Load(), "a running recompute is never cancelled")

	sched.Trigger("CLM-2")
	s.Equal(Idle, sched.State("CLM-2"), "a stopped scheduler ignores triggers")
}

func TestErrorChannelNeverBlocks(t *testing.T) {
	cfg := testConfig(4)
	cfg.ErrorBuffer = 1
	sched := New(cfg, func(ctx context.Context, key models.ClaimKey) error {
		return &customErrors.DataIntegrityError{ClaimKey: string(key), Msg: "bad"}
	})
	sched.Start(context.Background())

	for i := 0; i < 5; i++ {
		sched.Trigger(models.ClaimKey(fmt.Sprintf("CLM-%d", i)))
	}
	require.Eventually(t, func() bool { return sched.Stats().Degraded == 5 }, time.Second, time.Millisecond)
	sched.Stop()

	var reported int
	for range sched.Errors() {
		reported++
	}
	assert.Equal(t, 1, reported)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "scheduled", Scheduled.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "degraded", Degraded.String())
}
