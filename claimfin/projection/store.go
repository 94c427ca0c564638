/*
Package projection maintains the read side of the engine.

Every materialized projection is a table of rows inside an immutable
Snapshot. A refresh rebuilds the rows of the claims that changed, merges them
into a copy of the current tables and publishes the result with the next
epoch. Readers load the current snapshot once and never block.
*/
package projection

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/CMSgov/claimfin/claimfin/models"
	"github.com/CMSgov/claimfin/claimfin/summarystore"
	"github.com/CMSgov/claimfin/conf"
	"github.com/CMSgov/claimfin/log"
)

// Source is the derived state the projections are built from.
// summarystore.Store satisfies it.
type Source interface {
	GetClaimPayment(ctx context.Context, key models.ClaimKey) (*models.ClaimPayment, error)
	GetActivitySummaries(ctx context.Context, key models.ClaimKey) ([]models.ActivitySummary, error)
	IsDegraded(ctx context.Context, key models.ClaimKey) (bool, error)
	ScanPayments(ctx context.Context, pred summarystore.Predicate) ([]models.ClaimPayment, error)
}

type Config struct {
	RefreshInterval time.Duration `conf:"CLAIMFIN_PROJECTION_REFRESH_INTERVAL" conf_default:"1s"`
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := conf.Checkout(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// table holds the rows of one projection in base order with posting lists
// into rows.
type table struct {
	rows       []Row
	byClaim    map[models.ClaimKey][]int
	byFacility map[string][]int
	byPayer    map[string][]int
}

func newTable(rows []Row) *table {
	t := &table{
		rows:       rows,
		byClaim:    make(map[models.ClaimKey][]int),
		byFacility: make(map[string][]int),
		byPayer:    make(map[string][]int),
	}
	for i := range rows {
		r := &rows[i]
		t.byClaim[r.ClaimKey] = append(t.byClaim[r.ClaimKey], i)
		t.byFacility[r.FacilityID] = append(t.byFacility[r.FacilityID], i)
		t.byPayer[r.PayerID] = append(t.byPayer[r.PayerID], i)
	}
	return t
}

// Snapshot is one published version of every materialized projection.
type Snapshot struct {
	Epoch  uint64
	tables map[string]*table
}

// Len returns the number of rows of a materialized projection.
func (s *Snapshot) Len(name string) int {
	t, ok := s.tables[name]
	if !ok {
		return 0
	}
	return len(t.rows)
}

func emptySnapshot() *Snapshot {
	s := &Snapshot{tables: make(map[string]*table, len(materialized))}
	for _, name := range materialized {
		s.tables[name] = newTable(nil)
	}
	return s
}

type Store struct {
	src Source
	ref Resolver
	cfg Config
	now func() time.Time

	current atomic.Pointer[Snapshot]

	// publish serializes refreshes and rebuilds.
	publish sync.Mutex

	mu      sync.Mutex
	pending map[models.ClaimKey]struct{}
}

func NewStore(src Source, ref Resolver, cfg Config) *Store {
	s := &Store{
		src:     src,
		ref:     ref,
		cfg:     cfg,
		now:     time.Now,
		pending: make(map[models.ClaimKey]struct{}),
	}
	s.current.Store(emptySnapshot())
	return s
}

// Current returns the published snapshot.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Enqueue records that the rows of key must be refreshed.
func (s *Store) Enqueue(key models.ClaimKey) {
	s.mu.Lock()
	s.pending[key] = struct{}{}
	s.mu.Unlock()
}

// Pending returns the number of claims waiting for a refresh.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Store) drain() []models.ClaimKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]models.ClaimKey, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	s.pending = make(map[models.ClaimKey]struct{})
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Run refreshes pending claims every RefreshInterval until ctx is done.
func (s *Store) Run(ctx context.Context) {
	interval := s.cfg.RefreshInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				log.Query.Warnf("projection refresh incomplete: %s", err)
			}
		}
	}
}

// Refresh rebuilds the rows of every pending claim and publishes a new
// snapshot. Claims that could not be read stay pending for the next refresh.
func (s *Store) Refresh(ctx context.Context) error {
	s.publish.Lock()
	defer s.publish.Unlock()

	keys := s.drain()
	if len(keys) == 0 {
		return nil
	}

	fresh := make(map[string][]Row, len(materialized))
	dirty := make(map[models.ClaimKey]struct{}, len(keys))
	var errs []error
	for _, key := range keys {
		in, found, err := s.load(ctx, key)
		if err != nil {
			errs = append(errs, err)
			s.Enqueue(key)
			continue
		}
		dirty[key] = struct{}{}
		if !found {
			continue
		}
		for _, name := range materialized {
			fresh[name] = append(fresh[name], definitions[name].build(ctx, in, s.ref)...)
		}
	}

	if len(dirty) > 0 {
		prev := s.current.Load()
		next := &Snapshot{Epoch: prev.Epoch + 1, tables: make(map[string]*table, len(materialized))}
		for _, name := range materialized {
			next.tables[name] = newTable(merge(prev.tables[name].rows, dirty, fresh[name]))
		}
		s.current.Store(next)
		log.Query.WithFields(logrus.Fields{"epoch": next.Epoch, "claims": len(dirty)}).Debug("published projection snapshot")
	}
	return errors.Join(errs...)
}

// Rebuild derives every projection from scratch and publishes the result.
func (s *Store) Rebuild(ctx context.Context) error {
	s.publish.Lock()
	defer s.publish.Unlock()

	payments, err := s.src.ScanPayments(ctx, summarystore.All)
	if err != nil {
		return err
	}

	fresh := make(map[string][]Row, len(materialized))
	for _, p := range payments {
		in, err := s.input(ctx, p)
		if err != nil {
			return err
		}
		for _, name := range materialized {
			fresh[name] = append(fresh[name], definitions[name].build(ctx, in, s.ref)...)
		}
	}

	prev := s.current.Load()
	next := &Snapshot{Epoch: prev.Epoch + 1, tables: make(map[string]*table, len(materialized))}
	for _, name := range materialized {
		rows := fresh[name]
		sort.SliceStable(rows, func(i, j int) bool { return baseLess(&rows[i], &rows[j]) })
		next.tables[name] = newTable(rows)
	}
	s.current.Store(next)
	log.Query.WithFields(logrus.Fields{"epoch": next.Epoch, "claims": len(payments)}).Info("rebuilt projections")
	return nil
}

func (s *Store) load(ctx context.Context, key models.ClaimKey) (Input, bool, error) {
	p, err := s.src.GetClaimPayment(ctx, key)
	if errors.Is(err, summarystore.ErrClaimNotFound) {
		return Input{}, false, nil
	}
	if err != nil {
		return Input{}, false, err
	}
	in, err := s.input(ctx, *p)
	if err != nil {
		return Input{}, false, err
	}
	return in, true, nil
}

func (s *Store) input(ctx context.Context, p models.ClaimPayment) (Input, error) {
	summaries, err := s.src.GetActivitySummaries(ctx, p.ClaimKey)
	if err != nil {
		return Input{}, err
	}
	degraded, err := s.src.IsDegraded(ctx, p.ClaimKey)
	if err != nil {
		return Input{}, err
	}
	return Input{Payment: p, Summaries: summaries, Stale: degraded}, nil
}

// merge drops the rows of dirty claims from prev and merges in fresh. prev is
// in base order and is not modified.
func merge(prev []Row, dirty map[models.ClaimKey]struct{}, fresh []Row) []Row {
	sort.SliceStable(fresh, func(i, j int) bool { return baseLess(&fresh[i], &fresh[j]) })

	out := make([]Row, 0, len(prev)+len(fresh))
	i, j := 0, 0
	for i < len(prev) || j < len(fresh) {
		if i < len(prev) {
			if _, ok := dirty[prev[i].ClaimKey]; ok {
				i++
				continue
			}
		}
		switch {
		case i == len(prev):
			out = append(out, fresh[j])
			j++
		case j == len(fresh) || !baseLess(&fresh[j], &prev[i]):
			out = append(out, prev[i])
			i++
		default:
			out = append(out, fresh[j])
			j++
		}
	}
	return out
}
