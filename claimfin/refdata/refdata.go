/*
Package refdata resolves facility, payer, clinician and denial code ids into
display attributes.

Reference data is maintained outside this system. Lookups go through a TTL
cache and never fail: a miss or a loader error degrades to an Entry that
only carries the id, so enrichment never blocks a recompute.
*/
package refdata

import (
	"context"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/CMSgov/claimfin/conf"
	"github.com/CMSgov/claimfin/log"
)

type Kind string

const (
	Facility   Kind = "facility"
	Payer      Kind = "payer"
	Clinician  Kind = "clinician"
	DenialCode Kind = "denial_code"
)

var ErrNotFound = errors.New("reference entry not found")

type Entry struct {
	Kind        Kind
	ID          string
	Name        string
	Description string
	// Resolved is false when the entry was synthesized from the id alone.
	Resolved bool
}

// DisplayName returns Name, or the id when the entry is unresolved.
func (e Entry) DisplayName() string {
	if e.Name == "" {
		return e.ID
	}
	return e.Name
}

type Loader interface {
	Load(ctx context.Context, kind Kind, id string) (Entry, error)
}

// Lister is implemented by loaders that can enumerate their entries so the
// cache can be warmed in bulk.
type Lister interface {
	All(ctx context.Context) ([]Entry, error)
}

type Config struct {
	TTL             time.Duration `conf:"CLAIMFIN_REFDATA_TTL" conf_default:"15m"`
	MissTTL         time.Duration `conf:"CLAIMFIN_REFDATA_MISS_TTL" conf_default:"1m"`
	CleanupInterval time.Duration `conf:"CLAIMFIN_REFDATA_CLEANUP_INTERVAL" conf_default:"30m"`
	LoadTimeout     time.Duration `conf:"CLAIMFIN_REFDATA_LOAD_TIMEOUT" conf_default:"2s"`
	File            string        `conf:"CLAIMFIN_REFDATA_FILE"`
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := conf.Checkout(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

type Cache struct {
	loader Loader
	cfg    Config
	c      *cache.Cache
}

func NewCache(loader Loader, cfg Config) *Cache {
	return &Cache{
		loader: loader,
		cfg:    cfg,
		c:      cache.New(cfg.TTL, cfg.CleanupInterval),
	}
}

func cacheKey(kind Kind, id string) string {
	return string(kind) + "|" + id
}

// Lookup returns the entry for (kind, id). It never fails.
func (c *Cache) Lookup(ctx context.Context, kind Kind, id string) Entry {
	if id == "" {
		return Entry{Kind: kind}
	}
	key := cacheKey(kind, id)
	if v, found := c.c.Get(key); found {
		return v.(Entry)
	}
	if c.loader == nil {
		return Entry{Kind: kind, ID: id}
	}

	if c.cfg.LoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.LoadTimeout)
		defer cancel()
	}

	e, err := c.loader.Load(ctx, kind, id)
	if err != nil {
		fallback := Entry{Kind: kind, ID: id}
		if !errors.Is(err, ErrNotFound) {
			log.Engine.WithField("kind", kind).Warnf("reference data lookup for %s failed: %s", id, err)
		}
		c.c.Set(key, fallback, c.cfg.MissTTL)
		return fallback
	}

	e.Kind, e.ID, e.Resolved = kind, id, true
	c.c.Set(key, e, cache.DefaultExpiration)
	return e
}

// Warm loads every entry of a Lister into the cache. Loaders that cannot
// list are left to fill the cache lazily.
func (c *Cache) Warm(ctx context.Context) (int, error) {
	lister, ok := c.loader.(Lister)
	if !ok {
		return 0, nil
	}
	entries, err := lister.All(ctx)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		e.Resolved = true
		c.c.Set(cacheKey(e.Kind, e.ID), e, cache.DefaultExpiration)
	}
	return len(entries), nil
}

// Flush drops every cached entry.
func (c *Cache) Flush() {
	c.c.Flush()
}
