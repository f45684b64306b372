package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/JayeshGamer/GoGoGoGrocery2/internal/domain"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/localstore"
)

const DefaultTTL = 60 * time.Second

// Fetcher reads authoritative product documents in one batch. Ids that do not
// exist are absent from the result.
type Fetcher interface {
	GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)
}

type Entry struct {
	Product     domain.Product `json:"product"`
	AsOf        time.Time      `json:"as_of"`
	Unavailable bool           `json:"unavailable,omitempty"`
}

type Options struct {
	TTL    time.Duration
	Now    func() time.Time
	Logger *slog.Logger
}

// Cache is an expiring local view of remote products and their stock counts.
type Cache struct {
	fetcher Fetcher
	kv      localstore.Store
	ttl     time.Duration
	now     func() time.Time
	log     *slog.Logger

	mu      sync.RWMutex
	entries map[string]Entry
	sfg     singleflight.Group
}

// New builds a cache and loads the last persisted snapshot from kv, if any.
// kv may be nil, in which case nothing is persisted.
func New(ctx context.Context, fetcher Fetcher, kv localstore.Store, opts Options) *Cache {
	c := &Cache{
		fetcher: fetcher,
		kv:      kv,
		ttl:     opts.TTL,
		now:     opts.Now,
		log:     opts.Logger,
		entries: make(map[string]Entry),
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.load(ctx)
	return c
}

func (c *Cache) load(ctx context.Context) {
	if c.kv == nil {
		return
	}
	data, err := c.kv.Get(ctx, localstore.InventoryKey)
	if errors.Is(err, localstore.ErrNotFound) {
		return
	}
	if err != nil {
		c.log.Warn("inventory snapshot load failed", "error", err)
		return
	}
	var entries map[string]Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		c.log.Warn("inventory snapshot is corrupt, starting empty", "error", err)
		return
	}
	c.entries = entries
}

// Get returns the cached entry for productID, fresh or not.
func (c *Cache) Get(productID string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[productID]
	return e, ok
}

// StockCount returns the cached stock count and when it was read.
func (c *Cache) StockCount(productID string) (domain.Quantity, time.Time, bool) {
	e, ok := c.Get(productID)
	if !ok || e.Unavailable {
		return 0, e.AsOf, false
	}
	return e.Product.StockCount, e.AsOf, true
}

// IsStale reports whether the entry is older than the TTL or was never fetched.
func (c *Cache) IsStale(productID string) bool {
	e, ok := c.Get(productID)
	return !ok || c.now().Sub(e.AsOf) >= c.ttl
}

// Stale filters ids down to those that need a refresh.
func (c *Cache) Stale(ids []string) []string {
	var out []string
	for _, id := range ids {
		if c.IsStale(id) {
			out = append(out, id)
		}
	}
	return out
}

// Products returns the cached products for ids that are known remotely.
func (c *Cache) Products(ids []string) map[string]domain.Product {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if e, ok := c.entries[id]; ok && !e.Unavailable {
			out[id] = e.Product
		}
	}
	return out
}

// Refresh reads ids from the remote store in one batch and replaces their
// entries. Ids the remote store does not know are marked unavailable.
// Concurrent refreshes of the same id set share one remote read.
func (c *Cache) Refresh(ctx context.Context, ids []string) error {
	ids = normalizeIDs(ids)
	if len(ids) == 0 {
		return nil
	}

	_, err, _ := c.sfg.Do(strings.Join(ids, ","), func() (interface{}, error) {
		products, err := c.fetcher.GetProducts(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("refresh inventory: %w", err)
		}

		asOf := c.now()
		c.mu.Lock()
		for _, id := range ids {
			if p, ok := products[id]; ok {
				c.entries[id] = Entry{Product: p, AsOf: asOf}
				continue
			}
			c.entries[id] = Entry{Product: domain.Product{ID: id}, AsOf: asOf, Unavailable: true}
		}
		data, err := json.Marshal(c.entries)
		c.mu.Unlock()

		if err != nil {
			c.log.Warn("inventory snapshot marshal failed", "error", err)
			return nil, nil
		}
		c.persist(ctx, data)
		return nil, nil
	})
	return err
}

// persist is best effort; a missing snapshot only costs a refresh after restart.
func (c *Cache) persist(ctx context.Context, data []byte) {
	if c.kv == nil {
		return
	}
	if err := c.kv.Put(ctx, localstore.InventoryKey, data); err != nil {
		c.log.Warn("inventory snapshot write failed", "error", err)
	}
}

func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
