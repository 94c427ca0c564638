package summarystore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/CMSgov/claimfin/claimfin/models"
)

var _ Store = &MemoryStore{}

type MemoryStore struct {
	mu        sync.RWMutex
	payments  map[models.ClaimKey]models.ClaimPayment
	summaries map[models.ClaimKey][]models.ActivitySummary
	degraded  map[models.ClaimKey]DegradedClaim
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:  make(map[models.ClaimKey]models.ClaimPayment),
		summaries: make(map[models.ClaimKey][]models.ActivitySummary),
		degraded:  make(map[models.ClaimKey]DegradedClaim),
	}
}

func (s *MemoryStore) Replace(ctx context.Context, key models.ClaimKey, summaries []models.ActivitySummary, payment *models.ClaimPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(summaries) == 0 {
		delete(s.summaries, key)
	} else {
		s.summaries[key] = append([]models.ActivitySummary(nil), summaries...)
	}
	if payment == nil {
		delete(s.payments, key)
	} else {
		p := *payment
		p.Stale = false
		s.payments[key] = p
	}
	return nil
}

func (s *MemoryStore) GetClaimPayment(ctx context.Context, key models.ClaimKey) (*models.ClaimPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[key]
	if !ok {
		return nil, ErrClaimNotFound
	}
	return &p, nil
}

func (s *MemoryStore) GetActivitySummaries(ctx context.Context, key models.ClaimKey) ([]models.ActivitySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.ActivitySummary(nil), s.summaries[key]...), nil
}

func (s *MemoryStore) ScanPayments(ctx context.Context, pred Predicate) ([]models.ClaimPayment, error) {
	s.mu.RLock()
	var out []models.ClaimPayment
	for _, p := range s.payments {
		if pred.MatchPayment(p) {
			out = append(out, p)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		di, dj := out[i].ClaimDate(), out[j].ClaimDate()
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return out[i].ClaimKey < out[j].ClaimKey
	})
	return out, nil
}

func (s *MemoryStore) MarkDegraded(ctx context.Context, key models.ClaimKey, reason string, failures int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degraded[key] = DegradedClaim{ClaimKey: key, Reason: reason, Failures: failures, UpdatedAt: time.Now().UTC()}
	return nil
}

func (s *MemoryStore) ClearDegraded(ctx context.Context, key models.ClaimKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.degraded, key)
	return nil
}

func (s *MemoryStore) IsDegraded(ctx context.Context, key models.ClaimKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.degraded[key]
	return ok, nil
}

func (s *MemoryStore) DegradedClaims(ctx context.Context) ([]DegradedClaim, error) {
	s.mu.RLock()
	out := make([]DegradedClaim, 0, len(s.degraded))
	for _, d := range s.degraded {
		out = append(out, d)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ClaimKey < out[j].ClaimKey })
	return out, nil
}
