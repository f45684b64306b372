package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPersistence          = errors.New("local persistence failed")
	ErrNetwork              = errors.New("remote call failed")
	ErrAuthExpired          = errors.New("auth token expired")
	ErrConflictUnresolved   = errors.New("cart changed elsewhere and could not be merged automatically")
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrUndeliverableAddress = errors.New("address is not deliverable")
	ErrPricingUnavailable   = errors.New("pricing unavailable for one or more items")
	ErrIdempotencyConflict  = errors.New("checkout already submitted")
	ErrEmptyCart            = errors.New("cart is empty, nothing to checkout")
	ErrInvalidQuantity      = errors.New("quantity must be greater than 0")
	ErrInvalidProduct       = errors.New("product id is required")
)

// Shortfall describes one line that cannot be fulfilled.
type Shortfall struct {
	ProductID string   `json:"product_id"`
	Requested Quantity `json:"requested"`
	Available Quantity `json:"available"`
}

// InsufficientStockError lists every offending line. It matches ErrInsufficientStock.
type InsufficientStockError struct {
	Items []Shortfall
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, len(e.Items))
	for i, s := range e.Items {
		parts[i] = fmt.Sprintf("%s (requested %s, available %s)", s.ProductID, s.Requested, s.Available)
	}
	return fmt.Sprintf("%v: %s", ErrInsufficientStock, strings.Join(parts, ", "))
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// PricingUnavailableError lists the unpriceable product IDs. It matches ErrPricingUnavailable.
type PricingUnavailableError struct {
	ProductIDs []string
}

func (e *PricingUnavailableError) Error() string {
	return fmt.Sprintf("%v: %s", ErrPricingUnavailable, strings.Join(e.ProductIDs, ", "))
}

func (e *PricingUnavailableError) Is(target error) bool {
	return target == ErrPricingUnavailable
}
