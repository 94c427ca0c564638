/*
Package factstore holds the append-only log of claim lifecycle facts.

Facts are deduplicated by their natural key. Re-delivering a fact that is
already stored is reported as a duplicate, not an error; re-delivering the
same key with a different payload is a data integrity error because facts
never change once written.
*/
package factstore

import (
	"context"
	"sync"

	"github.com/CMSgov/claimfin/claimfin/models"
)

type Store interface {
	// Append stores f unless a fact with the same dedup key exists.
	Append(ctx context.Context, f models.Fact) (models.AppendResult, error)
	// FactsFor returns every fact of a claim ordered by OccurredAt, ties by
	// arrival.
	FactsFor(ctx context.Context, key models.ClaimKey) ([]models.Fact, error)
	// ClaimKeys returns every claim that has at least one fact.
	ClaimKeys(ctx context.Context) ([]models.ClaimKey, error)
	// OnAppend registers fn to be called after every accepted append.
	// Every registered fn is called, in registration order.
	OnAppend(fn Trigger)
}

// Trigger is notified with the owning claim of every accepted fact.
type Trigger func(models.ClaimKey)

type hook struct {
	mu       sync.RWMutex
	triggers []Trigger
}

func (h *hook) OnAppend(fn Trigger) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.triggers = append(h.triggers, fn)
}

func (h *hook) fire(key models.ClaimKey) {
	h.mu.RLock()
	triggers := h.triggers
	h.mu.RUnlock()
	for _, fn := range triggers {
		fn(key)
	}
}
