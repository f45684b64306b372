package remote

import (
	"context"
	"errors"
	"time"

	"github.com/JayeshGamer/GoGoGoGrocery2/internal/domain"
)

var (
	ErrNotFound         = errors.New("document not found")
	ErrRevisionMismatch = errors.New("revision mismatch")
	ErrStockConflict    = errors.New("stock changed since it was read")
	ErrDuplicateOrder   = errors.New("order already exists")
)

// CartDocument is the remote representation of one user's cart. Items are
// kept in display order.
type CartDocument struct {
	UserID    string               `json:"user_id" bson:"_id"`
	Revision  int64                `json:"revision" bson:"revision"`
	Items     []domain.CartItem    `json:"items" bson:"items"`
	Removed   map[string]time.Time `json:"removed,omitempty" bson:"removed,omitempty"`
	UpdatedAt time.Time            `json:"updated_at" bson:"updated_at"`
}

func DocumentFromCart(c domain.Cart) CartDocument {
	doc := CartDocument{
		UserID:    c.OwnerID,
		Revision:  c.SyncVersion.Remote,
		Items:     c.Lines(),
		Removed:   make(map[string]time.Time, len(c.Removed)),
		UpdatedAt: c.LastModifiedAt,
	}
	for id, at := range c.Removed {
		doc.Removed[id] = at
	}
	return doc
}

// Cart converts the document into a domain cart. SyncVersion is left for the
// caller to fill in.
func (d CartDocument) Cart() domain.Cart {
	c := domain.NewCart(d.UserID)
	for _, item := range d.Items {
		c.Put(item)
	}
	for id, at := range d.Removed {
		if _, live := c.Items[id]; !live {
			c.Removed[id] = at
		}
	}
	c.LastModifiedAt = d.UpdatedAt
	return c
}

// StockDecrement is one conditional stock update inside CommitOrder. It only
// applies while the product's stock still equals ExpectedStock.
type StockDecrement struct {
	ProductID     string
	Quantity      domain.Quantity
	ExpectedStock domain.Quantity
}

// Store is the remote document store: one cart document per user, one
// document per product and one per order.
type Store interface {
	// GetCart returns ErrNotFound when the user has no remote cart yet.
	GetCart(ctx context.Context, userID string) (CartDocument, error)

	// PutCart writes doc only if the stored revision equals expectedRevision
	// (0 creates the document) and returns the new revision.
	PutCart(ctx context.Context, doc CartDocument, expectedRevision int64) (int64, error)

	GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)

	GetOrder(ctx context.Context, orderID string) (domain.Order, error)

	// ListOrders returns the user's orders, newest first.
	ListOrders(ctx context.Context, userID string) ([]domain.Order, error)

	// CommitOrder atomically applies every decrement and creates the order.
	// Nothing is written if any decrement condition fails (ErrStockConflict)
	// or the order already exists (ErrDuplicateOrder).
	CommitOrder(ctx context.Context, order domain.Order, decrements []StockDecrement) error
}
