package inventory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JayeshGamer/GoGoGoGrocery2/internal/domain"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/localstore"
)

type mockFetcher struct {
	mu       sync.RWMutex
	products map[string]domain.Product
	err      error
	calls    atomic.Int32
	gate     chan struct{}
}

func (m *mockFetcher) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	m.calls.Add(1)
	if m.gate != nil {
		<-m.gate
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[string]domain.Product)
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *mockFetcher) setStock(id string, stock domain.Quantity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.products[id]
	p.StockCount = stock
	m.products[id] = p
}

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

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

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupCache(t *testing.T) (*Cache, *mockFetcher, *clock, *memKV) {
	fetcher := &mockFetcher{products: map[string]domain.Product{
		"milk":  {ID: "milk", Name: "Milk", UnitPrice: 350, StockCount: domain.Units(5), Available: true},
		"bread": {ID: "bread", Name: "Bread", UnitPrice: 1000, StockCount: domain.Units(2), Available: true},
	}}
	clk := &clock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	kv := &memKV{data: map[string][]byte{}}
	cache := New(context.Background(), fetcher, kv, Options{Now: clk.Now})
	return cache, fetcher, clk, kv
}

func TestCache_NeverFetchedIsStale(t *testing.T) {
	cache, _, _, _ := setupCache(t)
	assert.True(t, cache.IsStale("milk"))
	_, _, ok := cache.StockCount("milk")
	assert.False(t, ok)
}

func TestCache_RefreshAndExpire(t *testing.T) {
	cache, _, clk, _ := setupCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Refresh(ctx, []string{"milk", "bread", "milk"}))

	stock, asOf, ok := cache.StockCount("milk")
	require.True(t, ok)
	assert.Equal(t, domain.Units(5), stock)
	assert.Equal(t, clk.Now(), asOf)
	assert.False(t, cache.IsStale("milk"))

	clk.Advance(59 * time.Second)
	assert.False(t, cache.IsStale("milk"))
	clk.Advance(time.Second)
	assert.True(t, cache.IsStale("milk"))
	assert.Equal(t, []string{"milk", "bread"}, cache.Stale([]string{"milk", "bread"}))
}

func TestCache_MissingProductMarkedUnavailable(t *testing.T) {
	cache, _, _, _ := setupCache(t)

	require.NoError(t, cache.Refresh(context.Background(), []string{"milk", "caviar"}))

	e, ok := cache.Get("caviar")
	require.True(t, ok)
	assert.True(t, e.Unavailable)
	assert.False(t, cache.IsStale("caviar"))

	products := cache.Products([]string{"milk", "caviar"})
	assert.Contains(t, products, "milk")
	assert.NotContains(t, products, "caviar")
}

func TestCache_RefreshReplacesEntries(t *testing.T) {
	cache, fetcher, _, _ := setupCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Refresh(ctx, []string{"milk"}))
	fetcher.setStock("milk", domain.Units(1))
	require.NoError(t, cache.Refresh(ctx, []string{"milk"}))

	stock, _, _ := cache.StockCount("milk")
	assert.Equal(t, domain.Units(1), stock)
}

func TestCache_FailedRefreshKeepsOldEntries(t *testing.T) {
	cache, fetcher, _, _ := setupCache(t)
	ctx := context.Background()
	require.NoError(t, cache.Refresh(ctx, []string{"milk"}))

	fetcher.err = errors.New("timeout")
	err := cache.Refresh(ctx, []string{"milk"})
	assert.Error(t, err)

	stock, _, ok := cache.StockCount("milk")
	assert.True(t, ok)
	assert.Equal(t, domain.Units(5), stock)
}

func TestCache_SnapshotSurvivesRestartButIsStale(t *testing.T) {
	cache, fetcher, clk, kv := setupCache(t)
	require.NoError(t, cache.Refresh(context.Background(), []string{"milk"}))

	clk.Advance(2 * time.Minute)
	reloaded := New(context.Background(), fetcher, kv, Options{Now: clk.Now})

	stock, asOf, ok := reloaded.StockCount("milk")
	require.True(t, ok)
	assert.Equal(t, domain.Units(5), stock)
	assert.Equal(t, clk.Now().Add(-2*time.Minute), asOf)
	assert.True(t, reloaded.IsStale("milk"))
}

func TestCache_ConcurrentRefreshSharesOneRead(t *testing.T) {
	cache, fetcher, _, _ := setupCache(t)
	fetcher.gate = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, cache.Refresh(context.Background(), []string{"bread", "milk"}))
		}()
	}

	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(fetcher.gate)
	wg.Wait()

	assert.Equal(t, int32(1), fetcher.calls.Load())
}
