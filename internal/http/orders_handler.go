package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JayeshGamer/GoGoGoGrocery2/internal/domain"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/remote"
)

type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	ListOrders(ctx context.Context, userID string) ([]domain.Order, error)
}

// OrdersHandler serves the order history of the device's user.
type OrdersHandler struct {
	orders  OrderReader
	userID  string
	timeout time.Duration
}

func NewOrdersHandler(orders OrderReader, userID string, timeout time.Duration) *OrdersHandler {
	return &OrdersHandler{
		orders:  orders,
		userID:  userID,
		timeout: timeout,
	}
}

// GET /api/v1/orders
func (h *OrdersHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	orders, err := h.orders.ListOrders(ctx, h.userID)
	if err != nil {
		handleDomainError(w, err)
		return
	}

	dtos := make([]OrderResponseDTO, 0, len(orders))
	for _, o := range orders {
		dtos = append(dtos, toOrderDTO(o))
	}
	respondJSON(w, http.StatusOK, dtos)
}

// GET /api/v1/orders/{order_id}
func (h *OrdersHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	orderID := chi.URLParam(r, "order_id")
	if orderID == "" {
		respondError(w, http.StatusBadRequest, "missing_order_id", "order_id is required")
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	// other users' orders are reported as missing
	if order.UserID != h.userID {
		handleDomainError(w, remote.ErrNotFound)
		return
	}
	respondJSON(w, http.StatusOK, toOrderDTO(order))
}
