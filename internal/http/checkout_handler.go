package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/JayeshGamer/GoGoGoGrocery2/internal/checkout"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/domain"
)

type Checkouter interface {
	Checkout(ctx context.Context, req checkout.Request) (checkout.Result, error)
}

type CheckoutHandler struct {
	coordinator Checkouter
	cart        CartService
	timeout     time.Duration
}

func NewCheckoutHandler(coordinator Checkouter, cart CartService, timeout time.Duration) *CheckoutHandler {
	return &CheckoutHandler{
		coordinator: coordinator,
		cart:        cart,
		timeout:     timeout,
	}
}

type AddressDTO struct {
	Formatted   string  `json:"formatted"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	Deliverable bool    `json:"deliverable"`
}

type CheckoutRequestDTO struct {
	Nonce         string     `json:"nonce"`
	PaymentMethod string     `json:"payment_method,omitempty"`
	Address       AddressDTO `json:"address"`
}

type OrderLineDTO struct {
	ProductID       string `json:"product_id"`
	Name            string `json:"name"`
	Unit            string `json:"unit"`
	SelectedVariant string `json:"selected_variant,omitempty"`
	Quantity        string `json:"quantity"`
	UnitPrice       string `json:"unit_price"`
	Discount        string `json:"discount"`
	LineTotal       string `json:"line_total"`
}

type OrderResponseDTO struct {
	OrderID        string         `json:"order_id"`
	Status         string         `json:"status"`
	IdempotencyKey string         `json:"idempotency_key"`
	Lines          []OrderLineDTO `json:"lines"`
	Totals         TotalsDTO      `json:"totals"`
	PaymentMethod  string         `json:"payment_method,omitempty"`
	Address        string         `json:"delivery_address"`
	CreatedAt      time.Time      `json:"created_at"`
	Replayed       bool           `json:"replayed"`
}

// POST /api/v1/checkout
func (h *CheckoutHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req CheckoutRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Nonce == "" {
		respondError(w, http.StatusBadRequest, "missing_nonce", "nonce is required")
		return
	}

	res, err := h.coordinator.Checkout(ctx, checkout.Request{
		Cart: h.cart.Snapshot(),
		Address: domain.Address{
			Formatted:   req.Address.Formatted,
			Coordinates: domain.Coordinates{Lat: req.Address.Lat, Lng: req.Address.Lng},
			Deliverable: req.Address.Deliverable,
		},
		Nonce:         req.Nonce,
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		handleDomainError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	respondJSON(w, status, orderDTO(res))
}

func orderDTO(res checkout.Result) OrderResponseDTO {
	dto := toOrderDTO(res.Order)
	dto.Replayed = res.Replayed
	return dto
}

func toOrderDTO(o domain.Order) OrderResponseDTO {
	lines := make([]OrderLineDTO, len(o.Lines))
	for i, l := range o.Lines {
		lines[i] = OrderLineDTO{
			ProductID:       l.ProductID,
			Name:            l.Name,
			Unit:            l.Unit,
			SelectedVariant: l.SelectedVariant,
			Quantity:        l.Quantity.String(),
			UnitPrice:       l.UnitPrice.String(),
			Discount:        l.Discount.String(),
			LineTotal:       l.LineTotal.String(),
		}
	}
	return OrderResponseDTO{
		OrderID:        o.ID,
		Status:         o.Status.String(),
		IdempotencyKey: o.IdempotencyKey,
		Lines:          lines,
		Totals:         totalsDTO(o.Totals),
		PaymentMethod:  o.PaymentMethod,
		Address:        o.DeliveryAddress.Formatted,
		CreatedAt:      o.CreatedAt,
	}
}
