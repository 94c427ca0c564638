package factstore

import (
	"context"
	"sort"
	"sync"

	customErrors "github.com/CMSgov/claimfin/claimfin/errors"
	"github.com/CMSgov/claimfin/claimfin/models"
)

var _ Store = &MemoryStore{}

type storedFact struct {
	seq  int64
	fact models.Fact
}

// MemoryStore keeps facts in process. It backs tests and single node runs
// without Postgres.
type MemoryStore struct {
	hook

	mu      sync.RWMutex
	seq     int64
	byDedup map[string]storedFact
	byClaim map[models.ClaimKey][]storedFact
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byDedup: make(map[string]storedFact),
		byClaim: make(map[models.ClaimKey][]storedFact),
	}
}

func (s *MemoryStore) Append(ctx context.Context, f models.Fact) (models.AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return models.Accepted, &customErrors.TransientStoreError{Op: "Append", Err: err}
	}

	s.mu.Lock()
	if existing, ok := s.byDedup[f.DedupKey()]; ok {
		s.mu.Unlock()
		if models.SameFact(existing.fact, f) {
			return models.Duplicate, nil
		}
		return models.Duplicate, &customErrors.DataIntegrityError{
			ClaimKey: string(f.Claim()),
			Msg:      "fact " + f.DedupKey() + " was redelivered with a different payload",
		}
	}

	s.seq++
	sf := storedFact{seq: s.seq, fact: f}
	s.byDedup[f.DedupKey()] = sf
	s.byClaim[f.Claim()] = append(s.byClaim[f.Claim()], sf)
	s.mu.Unlock()

	s.fire(f.Claim())
	return models.Accepted, nil
}

func (s *MemoryStore) FactsFor(ctx context.Context, key models.ClaimKey) ([]models.Fact, error) {
	if err := ctx.Err(); err != nil {
		return nil, &customErrors.TransientStoreError{Op: "FactsFor", Err: err}
	}

	s.mu.RLock()
	stored := append([]storedFact(nil), s.byClaim[key]...)
	s.mu.RUnlock()

	sort.Slice(stored, func(i, j int) bool {
		a, b := stored[i].fact.OccurredAt(), stored[j].fact.OccurredAt()
		if !a.Equal(b) {
			return a.Before(b)
		}
		return stored[i].seq < stored[j].seq
	})

	facts := make([]models.Fact, len(stored))
	for i, sf := range stored {
		facts[i] = sf.fact
	}
	return facts, nil
}

func (s *MemoryStore) ClaimKeys(ctx context.Context) ([]models.ClaimKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, &customErrors.TransientStoreError{Op: "ClaimKeys", Err: err}
	}

	s.mu.RLock()
	keys := make([]models.ClaimKey, 0, len(s.byClaim))
	for k := range s.byClaim {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}
