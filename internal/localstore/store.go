package localstore

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("key not found")

// Store is the device-local durable key-value storage used for the cart and
// the inventory snapshot.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

func CartKey(userID string) string {
	return "cart:" + userID
}

const InventoryKey = "inventory:snapshot"

const OutboxKey = "outbox:pending"

// CheckoutKey holds the checkouts submitted by userID, keyed by nonce.
func CheckoutKey(userID string) string {
	return "checkout:" + userID
}
