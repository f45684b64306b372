package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JayeshGamer/GoGoGoGrocery2/internal/cartstore"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/domain"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/inventory"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/localstore"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/pricing"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/remote"
)

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: map[string][]byte{}} }

func (m *memKV) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, localstore.ErrNotFound
	}
	return v, nil
}

func (m *memKV) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memKV) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memKV) Close() error { return nil }

// hookStore wraps MemoryStore to inject faults around CommitOrder.
type hookStore struct {
	*remote.MemoryStore

	mu           sync.Mutex
	beforeCommit func(ctx context.Context)
	commitErrs   []error
	failAfter    int
	commits      int
	fetches      int
}

func (h *hookStore) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	h.mu.Lock()
	h.fetches++
	h.mu.Unlock()
	return h.MemoryStore.GetProducts(ctx, ids)
}

func (h *hookStore) CommitOrder(ctx context.Context, order domain.Order, decrements []remote.StockDecrement) error {
	h.mu.Lock()
	h.commits++
	hook := h.beforeCommit
	h.beforeCommit = nil
	var injected error
	if len(h.commitErrs) > 0 {
		injected, h.commitErrs = h.commitErrs[0], h.commitErrs[1:]
	}
	failAfter := h.failAfter > 0
	if failAfter {
		h.failAfter--
	}
	h.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	if injected != nil {
		return injected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := h.MemoryStore.CommitOrder(ctx, order, decrements)
	if err == nil && failAfter {
		return fmt.Errorf("%w: response lost", domain.ErrNetwork)
	}
	return err
}

type recordingNotifier struct {
	mu     sync.Mutex
	orders []domain.Order
}

func (n *recordingNotifier) Enqueue(order domain.Order) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.orders = append(n.orders, order)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.orders)
}

type fixture struct {
	kv       *memKV
	store    *hookStore
	cart     *cartstore.Store
	coord    *Coordinator
	notifier *recordingNotifier
}

var deliverable = domain.Address{Formatted: "1 Market St", Deliverable: true}

func newFixture(t *testing.T, store *hookStore, userID string, rules pricing.Rules) *fixture {
	t.Helper()
	ctx := context.Background()

	kv := newMemKV()
	cart, err := cartstore.Open(ctx, kv, userID, cartstore.Options{})
	require.NoError(t, err)
	inv := inventory.New(ctx, store, nil, inventory.Options{})
	notifier := &recordingNotifier{}

	return &fixture{
		kv:       kv,
		store:    store,
		cart:     cart,
		notifier: notifier,
		coord:    NewCoordinator(cart, inv, store, rules, Options{Notifier: notifier, KV: kv}),
	}
}

func newStore(products ...domain.Product) *hookStore {
	mem := remote.NewMemoryStore()
	for _, p := range products {
		mem.SetProduct(p)
	}
	return &hookStore{MemoryStore: mem}
}

func apples(stock int64) domain.Product {
	return domain.Product{ID: "apple", Name: "Apple", UnitPrice: 120, Unit: "each", Category: "fruit", StockCount: domain.Units(stock), Available: true}
}

func (f *fixture) add(t *testing.T, id string, units int64) {
	t.Helper()
	require.NoError(t, f.cart.AddItem(context.Background(), id, domain.Units(units), ""))
}

func (f *fixture) request() Request {
	return Request{Cart: f.cart.Snapshot(), Address: deliverable, Nonce: "n1", PaymentMethod: "card"}
}

func stockOf(t *testing.T, s *hookStore, id string) domain.Quantity {
	t.Helper()
	p, ok := s.Product(id)
	require.True(t, ok)
	return p.StockCount
}

func TestCheckout_ConfirmsOrder(t *testing.T) {
	milk := domain.Product{ID: "milk", Name: "Milk", UnitPrice: 350, Unit: "each", Category: "dairy", StockCount: domain.Units(10), Available: true}
	cheese := domain.Product{ID: "cheese", Name: "Cheese", UnitPrice: 1000, Unit: "each", Category: "dairy", StockCount: domain.Units(4), Available: true}
	rules := pricing.Rules{
		LineDiscounts: []pricing.LineDiscount{{Name: "milk promo", Kind: pricing.Percent, Rate: 1000, ProductIDs: []string{"milk"}}},
		Tax:           pricing.Tax{Rate: 800},
	}
	f := newFixture(t, newStore(milk, cheese), "u1", rules)
	f.add(t, "milk", 2)
	f.add(t, "cheese", 1)
	req := f.request()

	res, err := f.coord.Checkout(context.Background(), req)
	require.NoError(t, err)

	order := res.Order
	assert.False(t, res.Replayed)
	assert.Equal(t, OrderID(IdempotencyKey("u1", req.Cart.SyncVersion.Local, "n1")), order.ID)
	assert.Equal(t, domain.OrderStatusConfirmed, order.Status)
	assert.Equal(t, domain.Money(1760), order.Totals.Total)
	assert.Equal(t, "card", order.PaymentMethod)
	assert.Equal(t, deliverable, order.DeliveryAddress)
	require.Len(t, order.Lines, 2)
	assert.Equal(t, "milk", order.Lines[0].ProductID)
	assert.Equal(t, domain.Money(630), order.Lines[0].LineTotal)
	assert.Equal(t, domain.Money(350), order.Lines[0].UnitPrice)

	assert.Equal(t, domain.Units(8), stockOf(t, f.store, "milk"))
	assert.Equal(t, domain.Units(3), stockOf(t, f.store, "cheese"))
	assert.True(t, f.cart.Snapshot().IsEmpty())
	assert.Equal(t, 1, f.notifier.count())

	stored, err := f.store.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.Totals, stored.Totals)
}

func TestCheckout_UndeliverableAddress(t *testing.T) {
	f := newFixture(t, newStore(apples(5)), "u1", pricing.Rules{})
	f.add(t, "apple", 1)
	req := f.request()
	req.Address.Deliverable = false

	_, err := f.coord.Checkout(context.Background(), req)

	assert.ErrorIs(t, err, domain.ErrUndeliverableAddress)
	assert.Equal(t, 0, f.store.fetches)
	assert.Equal(t, 0, f.store.commits)
	assert.False(t, f.cart.Snapshot().IsEmpty())
}

func TestCheckout_EmptyCart(t *testing.T) {
	f := newFixture(t, newStore(apples(5)), "u1", pricing.Rules{})

	_, err := f.coord.Checkout(context.Background(), f.request())

	assert.ErrorIs(t, err, domain.ErrEmptyCart)
	assert.Equal(t, 0, f.store.commits)
	assert.Equal(t, 0, f.store.OrderCount())
}

func TestCheckout_InsufficientStock(t *testing.T) {
	f := newFixture(t, newStore(apples(5)), "u1", pricing.Rules{})
	require.NoError(t, f.cart.SetQuantity(context.Background(), "apple", domain.Units(6)))

	_, err := f.coord.Checkout(context.Background(), f.request())

	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	var stockErr *domain.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, []domain.Shortfall{{ProductID: "apple", Requested: domain.Units(6), Available: domain.Units(5)}}, stockErr.Items)
	assert.Equal(t, domain.Units(5), stockOf(t, f.store, "apple"))
	assert.Equal(t, 0, f.store.OrderCount())
	assert.Equal(t, 0, f.store.commits)
	assert.False(t, f.cart.Snapshot().IsEmpty())
}

func TestCheckout_PricingUnavailable(t *testing.T) {
	f := newFixture(t, newStore(apples(5)), "u1", pricing.Rules{})
	f.add(t, "apple", 1)
	f.add(t, "ghost", 1)

	_, err := f.coord.Checkout(context.Background(), f.request())

	require.ErrorIs(t, err, domain.ErrPricingUnavailable)
	var priceErr *domain.PricingUnavailableError
	require.True(t, errors.As(err, &priceErr))
	assert.Equal(t, []string{"ghost"}, priceErr.ProductIDs)
	assert.Equal(t, 0, f.store.OrderCount())
	assert.Equal(t, domain.Units(5), stockOf(t, f.store, "apple"))
}

func TestCheckout_ReplayReturnsSameOrder(t *testing.T) {
	f := newFixture(t, newStore(apples(5)), "u1", pricing.Rules{})
	f.add(t, "apple", 3)
	req := f.request()

	first, err := f.coord.Checkout(context.Background(), req)
	require.NoError(t, err)
	second, err := f.coord.Checkout(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.True(t, second.Replayed)
	assert.Equal(t, 1, f.store.OrderCount())
	assert.Equal(t, domain.Units(2), stockOf(t, f.store, "apple"))
	assert.Equal(t, 1, f.notifier.count())
}

func TestCheckout_ReplayKeepsNewerCartEdits(t *testing.T) {
	f := newFixture(t, newStore(apples(5)), "u1", pricing.Rules{})
	f.add(t, "apple", 1)
	req := f.request()

	_, err := f.coord.Checkout(context.Background(), req)
	require.NoError(t, err)
	f.add(t, "apple", 2)

	res, err := f.coord.Checkout(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, res.Replayed)
	item, ok := f.cart.Snapshot().Item("apple")
	require.True(t, ok)
	assert.Equal(t, domain.Units(2), item.Quantity)
}

func TestCheckout_ResubmitFromClearedCartReturnsSameOrder(t *testing.T) {
	f := newFixture(t, newStore(apples(5)), "u1", pricing.Rules{})
	f.add(t, "apple", 2)

	first, err := f.coord.Checkout(context.Background(), f.request())
	require.NoError(t, err)
	require.True(t, f.cart.Snapshot().IsEmpty())

	// the response was lost; the client resends from what it has now
	second, err := f.coord.Checkout(context.Background(), f.request())
	require.NoError(t, err)

	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.True(t, second.Replayed)
	assert.Equal(t, 1, f.store.OrderCount())
	assert.Equal(t, 1, f.store.commits)
	assert.Equal(t, domain.Units(3), stockOf(t, f.store, "apple"))
	assert.Equal(t, 1, f.notifier.count())
}

func TestCheckout_ResubmitKeepsCartEditedAfterOrder(t *testing.T) {
	f := newFixture(t, newStore(apples(5)), "u1", pricing.Rules{})
	f.add(t, "apple", 1)
	first, err := f.coord.Checkout(context.Background(), f.request())
	require.NoError(t, err)
	f.add(t, "apple", 2)

	second, err := f.coord.Checkout(context.Background(), f.request())
	require.NoError(t, err)

	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.True(t, second.Replayed)
	item, ok := f.cart.Snapshot().Item("apple")
	require.True(t, ok)
	assert.Equal(t, domain.Units(2), item.Quantity)
}

func TestCheckout_ResubmitAfterFailedCommitOrdersCurrentCart(t *testing.T) {
	store := newStore(apples(5))
	netErr := fmt.Errorf("%w: connection reset", domain.ErrNetwork)
	store.commitErrs = []error{netErr, netErr}
	f := newFixture(t, store, "u1", pricing.Rules{})
	f.add(t, "apple", 1)

	_, err := f.coord.Checkout(context.Background(), f.request())
	require.ErrorIs(t, err, domain.ErrNetwork)

	res, err := f.coord.Checkout(context.Background(), f.request())
	require.NoError(t, err)

	assert.False(t, res.Replayed)
	assert.Equal(t, 1, store.OrderCount())
	assert.Equal(t, domain.Units(4), stockOf(t, store, "apple"))
}

func TestCheckout_JournalSurvivesRestart(t *testing.T) {
	store := newStore(apples(5))
	f := newFixture(t, store, "u1", pricing.Rules{})
	f.add(t, "apple", 1)
	first, err := f.coord.Checkout(context.Background(), f.request())
	require.NoError(t, err)

	ctx := context.Background()
	cart, err := cartstore.Open(ctx, f.kv, "u1", cartstore.Options{})
	require.NoError(t, err)
	restarted := NewCoordinator(cart, inventory.New(ctx, store, nil, inventory.Options{}), store, pricing.Rules{}, Options{KV: f.kv})

	res, err := restarted.Checkout(ctx, Request{Cart: cart.Snapshot(), Address: deliverable, Nonce: "n1"})
	require.NoError(t, err)

	assert.Equal(t, first.Order.ID, res.Order.ID)
	assert.True(t, res.Replayed)
	assert.Equal(t, 1, store.OrderCount())
}

func TestCheckout_FractionalCountRejected(t *testing.T) {
	eggs := domain.Product{ID: "eggs", Name: "Eggs", UnitPrice: 100, Unit: "each", StockCount: domain.Units(5), Available: true}
	store := newStore(eggs)
	f := newFixture(t, store, "u1", pricing.Rules{})
	require.NoError(t, f.cart.AddItem(context.Background(), "eggs", 1500, ""))

	_, err := f.coord.Checkout(context.Background(), f.request())

	require.ErrorIs(t, err, domain.ErrInvalidQuantity)
	assert.Contains(t, err.Error(), "eggs is sold per each")
	assert.Equal(t, 0, store.commits)
	assert.Equal(t, 0, store.OrderCount())
	assert.Equal(t, domain.Units(5), stockOf(t, store, "eggs"))
	assert.False(t, f.cart.Snapshot().IsEmpty())
}

func TestCheckout_FractionalWeightAccepted(t *testing.T) {
	flour := domain.Product{ID: "flour", Name: "Flour", UnitPrice: 200, Unit: "kg", StockCount: domain.Units(5), Available: true}
	store := newStore(flour)
	f := newFixture(t, store, "u1", pricing.Rules{})
	require.NoError(t, f.cart.AddItem(context.Background(), "flour", 1500, ""))

	res, err := f.coord.Checkout(context.Background(), f.request())

	require.NoError(t, err)
	assert.Equal(t, domain.Money(300), res.Order.Totals.Total)
	assert.Equal(t, domain.Quantity(3500), stockOf(t, store, "flour"))
}

func TestCheckout_DifferentNonceCreatesNewOrder(t *testing.T) {
	f := newFixture(t, newStore(apples(5)), "u1", pricing.Rules{})
	f.add(t, "apple", 1)
	req := f.request()
	first, err := f.coord.Checkout(context.Background(), req)
	require.NoError(t, err)

	f.add(t, "apple", 1)
	req = f.request()
	req.Nonce = "n2"
	second, err := f.coord.Checkout(context.Background(), req)
	require.NoError(t, err)

	assert.NotEqual(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, 2, f.store.OrderCount())
	assert.Equal(t, domain.Units(3), stockOf(t, f.store, "apple"))
}

func TestCheckout_StockConflictRevalidates(t *testing.T) {
	store := newStore(apples(5))
	f := newFixture(t, store, "u1", pricing.Rules{})
	f.add(t, "apple", 3)
	// another checkout takes 3 between our read and our commit
	store.beforeCommit = func(context.Context) { store.SetProduct(apples(2)) }

	_, err := f.coord.Checkout(context.Background(), f.request())

	var stockErr *domain.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, domain.Units(2), stockErr.Items[0].Available)
	assert.Equal(t, 2, store.fetches)
	assert.Equal(t, 1, store.commits)
	assert.Equal(t, 0, store.OrderCount())
	assert.Equal(t, domain.Units(2), stockOf(t, store, "apple"))
}

func TestCheckout_RepeatedConflictListsOnlyShortLines(t *testing.T) {
	milk := domain.Product{ID: "milk", Name: "Milk", UnitPrice: 350, Unit: "each", StockCount: domain.Units(10), Available: true}
	store := newStore(apples(5), milk)
	store.commitErrs = []error{remote.ErrStockConflict, remote.ErrStockConflict}
	// stock drops while the second commit is in flight
	store.beforeCommit = func(context.Context) {
		store.beforeCommit = func(context.Context) { store.SetProduct(apples(2)) }
	}
	f := newFixture(t, store, "u1", pricing.Rules{})
	f.add(t, "milk", 1)
	f.add(t, "apple", 3)

	_, err := f.coord.Checkout(context.Background(), f.request())

	var stockErr *domain.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, []domain.Shortfall{{ProductID: "apple", Requested: domain.Units(3), Available: domain.Units(2)}}, stockErr.Items)
	assert.Equal(t, 2, store.commits)
	assert.Equal(t, 3, store.fetches)
}

func TestCheckout_RepeatedConflictWithEnoughStock(t *testing.T) {
	store := newStore(apples(5))
	store.commitErrs = []error{remote.ErrStockConflict, remote.ErrStockConflict}
	f := newFixture(t, store, "u1", pricing.Rules{})
	f.add(t, "apple", 3)

	_, err := f.coord.Checkout(context.Background(), f.request())

	require.ErrorIs(t, err, remote.ErrStockConflict)
	assert.NotErrorIs(t, err, domain.ErrInsufficientStock)
	assert.Equal(t, 2, store.commits)
	assert.Equal(t, 0, store.OrderCount())
	assert.False(t, f.cart.Snapshot().IsEmpty())
}

func TestCheckout_StockConflictThenSucceeds(t *testing.T) {
	store := newStore(apples(5))
	f := newFixture(t, store, "u1", pricing.Rules{})
	f.add(t, "apple", 3)
	store.beforeCommit = func(context.Context) { store.SetProduct(apples(10)) }

	_, err := f.coord.Checkout(context.Background(), f.request())

	require.NoError(t, err)
	assert.Equal(t, 2, store.commits)
	assert.Equal(t, domain.Units(7), stockOf(t, store, "apple"))
}

func TestCheckout_ConcurrentCheckoutsBothNeedingMostOfTheStock(t *testing.T) {
	store := newStore(apples(5))
	a := newFixture(t, store, "alice", pricing.Rules{})
	b := newFixture(t, store, "bob", pricing.Rules{})
	a.add(t, "apple", 3)
	b.add(t, "apple", 3)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, f := range []*fixture{a, b} {
		wg.Add(1)
		go func(i int, f *fixture) {
			defer wg.Done()
			_, errs[i] = f.coord.Checkout(context.Background(), f.request())
		}(i, f)
	}
	wg.Wait()

	var ok, short int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrInsufficientStock):
			short++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, short)
	assert.Equal(t, domain.Units(2), stockOf(t, store, "apple"))
	assert.Equal(t, 1, store.OrderCount())
}

func TestCheckout_RetriesNetworkOnce(t *testing.T) {
	store := newStore(apples(5))
	store.commitErrs = []error{fmt.Errorf("%w: connection reset", domain.ErrNetwork)}
	f := newFixture(t, store, "u1", pricing.Rules{})
	f.add(t, "apple", 1)

	_, err := f.coord.Checkout(context.Background(), f.request())

	require.NoError(t, err)
	assert.Equal(t, 2, store.commits)
	assert.Equal(t, 1, store.OrderCount())
}

func TestCheckout_NetworkFailureSurfaces(t *testing.T) {
	store := newStore(apples(5))
	netErr := fmt.Errorf("%w: connection reset", domain.ErrNetwork)
	store.commitErrs = []error{netErr, netErr}
	f := newFixture(t, store, "u1", pricing.Rules{})
	f.add(t, "apple", 1)

	_, err := f.coord.Checkout(context.Background(), f.request())

	require.ErrorIs(t, err, domain.ErrNetwork)
	assert.Equal(t, 2, store.commits)
	assert.Equal(t, 0, store.OrderCount())
	assert.False(t, f.cart.Snapshot().IsEmpty())
	assert.Equal(t, 0, f.notifier.count())
}

func TestCheckout_LostCommitResponseResolvesToOrder(t *testing.T) {
	store := newStore(apples(5))
	store.failAfter = 1
	f := newFixture(t, store, "u1", pricing.Rules{})
	f.add(t, "apple", 2)

	res, err := f.coord.Checkout(context.Background(), f.request())

	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, 1, store.OrderCount())
	assert.Equal(t, domain.Units(3), stockOf(t, store, "apple"))
	assert.True(t, f.cart.Snapshot().IsEmpty())
	assert.Equal(t, 1, f.notifier.count())
}

func TestCheckout_CommitSurvivesCallerCancellation(t *testing.T) {
	store := newStore(apples(5))
	f := newFixture(t, store, "u1", pricing.Rules{})
	f.add(t, "apple", 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store.beforeCommit = func(context.Context) { cancel() }

	_, err := f.coord.Checkout(ctx, f.request())

	require.NoError(t, err)
	assert.Equal(t, 1, store.OrderCount())
	assert.Equal(t, domain.Units(4), stockOf(t, store, "apple"))
}

func TestCheckout_OrderIDOwnedByAnotherUser(t *testing.T) {
	store := newStore(apples(5))
	f := newFixture(t, store, "u1", pricing.Rules{})
	f.add(t, "apple", 1)
	req := f.request()
	id := OrderID(IdempotencyKey("u1", req.Cart.SyncVersion.Local, req.Nonce))
	require.NoError(t, store.MemoryStore.CommitOrder(context.Background(), domain.Order{ID: id, UserID: "mallory"}, nil))

	_, err := f.coord.Checkout(context.Background(), req)

	assert.ErrorIs(t, err, domain.ErrIdempotencyConflict)
	assert.Equal(t, 0, store.commits)
}

func TestIdempotencyKey(t *testing.T) {
	k := IdempotencyKey("u1", 7, "n")
	assert.Equal(t, k, IdempotencyKey("u1", 7, "n"))
	assert.Len(t, k, 64)
	assert.NotEqual(t, k, IdempotencyKey("u1", 8, "n"))
	assert.NotEqual(t, k, IdempotencyKey("u2", 7, "n"))
	assert.NotEqual(t, k, IdempotencyKey("u1", 7, "m"))

	assert.Equal(t, OrderID(k), OrderID(k))
	assert.NotEqual(t, OrderID(k), OrderID(IdempotencyKey("u1", 8, "n")))
}
