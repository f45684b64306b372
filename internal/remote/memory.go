package remote

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JayeshGamer/GoGoGoGrocery2/internal/domain"
)

// MemoryStore implements Store in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	carts    map[string]CartDocument
	products map[string]domain.Product
	orders   map[string]domain.Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		carts:    make(map[string]CartDocument),
		products: make(map[string]domain.Product),
		orders:   make(map[string]domain.Order),
	}
}

func (s *MemoryStore) GetCart(ctx context.Context, userID string) (CartDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, exists := s.carts[userID]
	if !exists {
		return CartDocument{}, ErrNotFound
	}
	return copyDocument(doc), nil
}

func (s *MemoryStore) PutCart(ctx context.Context, doc CartDocument, expectedRevision int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.carts[doc.UserID]
	switch {
	case !exists && expectedRevision != 0:
		return 0, ErrRevisionMismatch
	case exists && current.Revision != expectedRevision:
		return 0, ErrRevisionMismatch
	}

	doc = copyDocument(doc)
	doc.Revision = expectedRevision + 1
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}
	s.carts[doc.UserID] = doc
	return doc.Revision, nil
}

func (s *MemoryStore) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, exists := s.products[id]; exists {
			result[id] = p
		}
	}
	return result, nil
}

func (s *MemoryStore) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, exists := s.orders[orderID]
	if !exists {
		return domain.Order{}, ErrNotFound
	}
	return order, nil
}

func (s *MemoryStore) ListOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []domain.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
	return orders, nil
}

func (s *MemoryStore) CommitOrder(ctx context.Context, order domain.Order, decrements []StockDecrement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[order.ID]; exists {
		return ErrDuplicateOrder
	}

	// First pass: every condition must hold
	for _, d := range decrements {
		p, exists := s.products[d.ProductID]
		if !exists || p.StockCount != d.ExpectedStock || p.StockCount < d.Quantity {
			return ErrStockConflict
		}
	}

	// Second pass: apply
	for _, d := range decrements {
		p := s.products[d.ProductID]
		p.StockCount -= d.Quantity
		p.Version++
		s.products[d.ProductID] = p
	}

	order.Lines = append([]domain.OrderLine(nil), order.Lines...)
	s.orders[order.ID] = order
	return nil
}

// SetProduct creates or replaces a product document.
func (s *MemoryStore) SetProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, exists := s.products[p.ID]; exists && p.Version <= current.Version {
		p.Version = current.Version + 1
	}
	s.products[p.ID] = p
}

func (s *MemoryStore) Product(id string) (domain.Product, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	return p, ok
}

func (s *MemoryStore) OrderCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}

func copyDocument(doc CartDocument) CartDocument {
	out := doc
	out.Items = append([]domain.CartItem(nil), doc.Items...)
	out.Removed = make(map[string]time.Time, len(doc.Removed))
	for id, at := range doc.Removed {
		out.Removed[id] = at
	}
	return out
}
