package cartstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JayeshGamer/GoGoGoGrocery2/internal/domain"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/localstore"
)

const (
	DefaultMaxQuantity  = domain.Quantity(10 * domain.QuantityScale)
	DefaultTombstoneTTL = 30 * 24 * time.Hour
)

// ErrNoChange can be returned from a ReconcileFunc to leave the cart untouched.
var ErrNoChange = errors.New("no change")

// ReconcileFunc computes the next cart from the current one. It runs under the
// store's write lock and must not block on I/O.
type ReconcileFunc func(current domain.Cart) (domain.Cart, error)

type Options struct {
	MaxQuantity  domain.Quantity
	TombstoneTTL time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// Store is the single source of truth for the active cart. Every mutation goes
// through one lock, is flushed to local storage and only then becomes visible
// to Snapshot.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[domain.Cart]
	kv      localstore.Store
	key     string
	changes chan struct{}

	maxQuantity  domain.Quantity
	tombstoneTTL time.Duration
	now          func() time.Time
	log          *slog.Logger
}

// Open loads the persisted cart for userID or starts an empty one. An empty
// cart is not written until its first mutation.
func Open(ctx context.Context, kv localstore.Store, userID string, opts Options) (*Store, error) {
	s := &Store{
		kv:           kv,
		key:          localstore.CartKey(userID),
		changes:      make(chan struct{}, 1),
		maxQuantity:  opts.MaxQuantity,
		tombstoneTTL: opts.TombstoneTTL,
		now:          opts.Now,
		log:          opts.Logger,
	}
	if s.maxQuantity <= 0 {
		s.maxQuantity = DefaultMaxQuantity
	}
	if s.tombstoneTTL <= 0 {
		s.tombstoneTTL = DefaultTombstoneTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = slog.Default()
	}

	cart, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.current.Store(&cart)
	return s, nil
}

func (s *Store) load(ctx context.Context, userID string) (domain.Cart, error) {
	data, err := s.kv.Get(ctx, s.key)
	if err != nil && !errors.Is(err, localstore.ErrNotFound) {
		// one retry before surfacing
		data, err = s.kv.Get(ctx, s.key)
	}
	if errors.Is(err, localstore.ErrNotFound) {
		return domain.NewCart(userID), nil
	}
	if err != nil {
		return domain.Cart{}, fmt.Errorf("%w: load cart: %w", domain.ErrPersistence, err)
	}

	var cart domain.Cart
	if err := json.Unmarshal(data, &cart); err != nil {
		return domain.Cart{}, fmt.Errorf("%w: unmarshal cart failed: %w", domain.ErrPersistence, err)
	}
	normalize(&cart)
	return cart, nil
}

// Snapshot returns a copy of the last fully applied cart. It never blocks on I/O.
func (s *Store) Snapshot() domain.Cart {
	return s.current.Load().Clone()
}

// Changes signals that the cart was mutated. Signals coalesce; the channel is
// never closed.
func (s *Store) Changes() <-chan struct{} {
	return s.changes
}

func (s *Store) AddItem(ctx context.Context, productID string, quantity domain.Quantity, variant string) error {
	if productID == "" {
		return domain.ErrInvalidProduct
	}
	if !quantity.IsPositive() {
		return domain.ErrInvalidQuantity
	}
	return s.mutate(ctx, func(cart *domain.Cart, now time.Time) bool {
		item, exists := cart.Item(productID)
		next := item
		next.ProductID = productID
		if exists {
			next.Quantity = min(item.Quantity+quantity, s.maxQuantity)
		} else {
			next.Quantity = min(quantity, s.maxQuantity)
		}
		if variant != "" {
			next.SelectedVariant = variant
		}
		if exists && next.Quantity == item.Quantity && next.SelectedVariant == item.SelectedVariant {
			return false
		}
		next.UpdatedAt = now
		cart.Put(next)
		return true
	})
}

// SetQuantity replaces the quantity of a line. A quantity <= 0 removes it; a
// positive quantity for a product not in the cart adds it.
func (s *Store) SetQuantity(ctx context.Context, productID string, quantity domain.Quantity) error {
	if productID == "" {
		return domain.ErrInvalidProduct
	}
	return s.mutate(ctx, func(cart *domain.Cart, now time.Time) bool {
		if !quantity.IsPositive() {
			return cart.Remove(productID, now)
		}
		item, exists := cart.Item(productID)
		quantity = min(quantity, s.maxQuantity)
		if exists && item.Quantity == quantity {
			return false
		}
		item.ProductID = productID
		item.Quantity = quantity
		item.UpdatedAt = now
		cart.Put(item)
		return true
	})
}

func (s *Store) RemoveItem(ctx context.Context, productID string) error {
	return s.mutate(ctx, func(cart *domain.Cart, now time.Time) bool {
		return cart.Remove(productID, now)
	})
}

func (s *Store) Clear(ctx context.Context) error {
	return s.mutate(ctx, func(cart *domain.Cart, now time.Time) bool {
		if cart.IsEmpty() {
			return false
		}
		for _, id := range cart.ProductIDs() {
			cart.Remove(id, now)
		}
		return true
	})
}

// Reconcile applies fn to the current cart under the write lock and persists
// the result. SyncVersion.Local may not move backwards.
func (s *Store) Reconcile(ctx context.Context, fn ReconcileFunc) (domain.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.current.Load()
	next, err := fn(current.Clone())
	if errors.Is(err, ErrNoChange) {
		return current.Clone(), nil
	}
	if err != nil {
		return domain.Cart{}, err
	}
	if next.SyncVersion.Local < current.SyncVersion.Local {
		return domain.Cart{}, fmt.Errorf("reconcile moved local revision back from %d to %d",
			current.SyncVersion.Local, next.SyncVersion.Local)
	}
	normalize(&next)
	if err := s.commit(ctx, &next); err != nil {
		return domain.Cart{}, err
	}
	return next.Clone(), nil
}

// Merge folds a remote cart at remoteRevision into the local cart. It reports
// whether the merged cart still has to be pushed. When it does not, the remote
// revision already holds the merged content and the cart is marked clean.
func (s *Store) Merge(ctx context.Context, remote domain.Cart, remoteRevision int64) (domain.Cart, bool, error) {
	var needsPush bool
	merged, err := s.Reconcile(ctx, func(cart domain.Cart) (domain.Cart, error) {
		cutoff := s.now().UTC().Add(-s.tombstoneTTL)
		next, differs := domain.MergeCarts(cart, remote, cutoff)
		needsPush = differs
		next.SyncVersion.Remote = remoteRevision
		if !sameContent(cart, next) {
			next.SyncVersion.Local++
		}
		if !differs {
			next.SyncVersion.Pushed = next.SyncVersion.Local
		}
		return next, nil
	})
	if err != nil {
		return domain.Cart{}, false, err
	}
	return merged, needsPush, nil
}

// AdoptRemote discards local edits and replaces the cart with the remote one.
func (s *Store) AdoptRemote(ctx context.Context, remote domain.Cart, remoteRevision int64) (domain.Cart, error) {
	return s.Reconcile(ctx, func(cart domain.Cart) (domain.Cart, error) {
		next := remote.Clone()
		next.OwnerID = cart.OwnerID
		next.SyncVersion = domain.SyncVersion{
			Local:  cart.SyncVersion.Local + 1,
			Remote: remoteRevision,
		}
		next.SyncVersion.Pushed = next.SyncVersion.Local
		return next, nil
	})
}

// MarkPushed records that the remote store accepted the cart as of
// localRevision and now holds remoteRevision.
func (s *Store) MarkPushed(ctx context.Context, localRevision, remoteRevision int64) error {
	_, err := s.Reconcile(ctx, func(cart domain.Cart) (domain.Cart, error) {
		if cart.SyncVersion.Remote == remoteRevision && cart.SyncVersion.Pushed >= localRevision {
			return cart, ErrNoChange
		}
		cart.SyncVersion.Remote = remoteRevision
		cart.SyncVersion.Pushed = max(cart.SyncVersion.Pushed, min(localRevision, cart.SyncVersion.Local))
		return cart, nil
	})
	return err
}

func (s *Store) mutate(ctx context.Context, apply func(cart *domain.Cart, now time.Time) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Load().Clone()
	now := s.now().UTC()
	if !apply(&next, now) {
		return nil
	}
	next.PruneTombstones(now.Add(-s.tombstoneTTL))
	next.SyncVersion.Local++
	next.LastModifiedAt = now

	if err := s.commit(ctx, &next); err != nil {
		return err
	}
	s.notify()
	return nil
}

// commit must be called with mu held. On failure the in-memory cart is left as it was.
func (s *Store) commit(ctx context.Context, next *domain.Cart) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("%w: marshal cart failed: %w", domain.ErrPersistence, err)
	}

	if err := s.kv.Put(ctx, s.key, data); err != nil {
		s.log.Warn("cart flush failed, retrying", "error", err)
		if err := s.kv.Put(ctx, s.key, data); err != nil {
			return fmt.Errorf("%w: flush cart: %w", domain.ErrPersistence, err)
		}
	}
	s.current.Store(next)
	return nil
}

func (s *Store) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func sameContent(a, b domain.Cart) bool {
	if len(a.Items) != len(b.Items) || len(a.Removed) != len(b.Removed) {
		return false
	}
	for id, x := range a.Items {
		y, ok := b.Items[id]
		if !ok || x.Quantity != y.Quantity || x.SelectedVariant != y.SelectedVariant || !x.UpdatedAt.Equal(y.UpdatedAt) {
			return false
		}
	}
	for id, x := range a.Removed {
		if y, ok := b.Removed[id]; !ok || !x.Equal(y) {
			return false
		}
	}
	return true
}

func normalize(cart *domain.Cart) {
	if cart.Items == nil {
		cart.Items = map[string]domain.CartItem{}
	}
	if cart.Order == nil {
		cart.Order = []string{}
	}
	if cart.Removed == nil {
		cart.Removed = map[string]time.Time{}
	}
}
