package http

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/JayeshGamer/GoGoGoGrocery2/internal/domain"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/pricing"
)

type CartService interface {
	Snapshot() domain.Cart
	AddItem(ctx context.Context, productID string, quantity domain.Quantity, variant string) error
	SetQuantity(ctx context.Context, productID string, quantity domain.Quantity) error
	RemoveItem(ctx context.Context, productID string) error
	Clear(ctx context.Context) error
}

// Catalog resolves cached products for the priced cart view.
type Catalog interface {
	Products(ids []string) map[string]domain.Product
}

type CartHandler struct {
	cart    CartService
	catalog Catalog
	rules   pricing.Rules
	timeout time.Duration
}

func NewCartHandler(cart CartService, catalog Catalog, rules pricing.Rules, timeout time.Duration) *CartHandler {
	return &CartHandler{
		cart:    cart,
		catalog: catalog,
		rules:   rules,
		timeout: timeout,
	}
}

type AddItemRequestDTO struct {
	ProductID       string          `json:"product_id"`
	Quantity        decimal.Decimal `json:"quantity"`
	SelectedVariant string          `json:"selected_variant,omitempty"`
}

type UpdateQuantityRequestDTO struct {
	Quantity decimal.Decimal `json:"quantity"`
}

type CartLineDTO struct {
	ProductID       string `json:"product_id"`
	Name            string `json:"name,omitempty"`
	Unit            string `json:"unit,omitempty"`
	SelectedVariant string `json:"selected_variant,omitempty"`
	Quantity        string `json:"quantity"`
	UnitPrice       string `json:"unit_price,omitempty"`
	Discount        string `json:"discount,omitempty"`
	LineTotal       string `json:"line_total,omitempty"`
	Unpriceable     bool   `json:"unpriceable,omitempty"`
}

type TotalsDTO struct {
	Subtotal      string `json:"subtotal"`
	LineDiscount  string `json:"line_discount"`
	OrderDiscount string `json:"order_discount"`
	Tax           string `json:"tax"`
	DeliveryFee   string `json:"delivery_fee"`
	Total         string `json:"total"`
}

type CartResponseDTO struct {
	UserID      string        `json:"user_id"`
	Items       []CartLineDTO `json:"items"`
	ItemCount   string        `json:"item_count"`
	Totals      TotalsDTO     `json:"totals"`
	Unpriceable []string      `json:"unpriceable,omitempty"`
	Revision    int64         `json:"revision"`
	Dirty       bool          `json:"dirty"`
}

// GET /api/v1/cart
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.view(h.cart.Snapshot()))
}

// POST /api/v1/cart/items
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req AddItemRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.ProductID == "" {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id is required")
		return
	}
	qty, ok := toQuantity(req.Quantity)
	if !ok || qty <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_quantity", "quantity must be positive with at most 3 decimal places")
		return
	}
	if msg, ok := h.checkUnit(req.ProductID, qty); !ok {
		respondError(w, http.StatusBadRequest, "invalid_quantity", msg)
		return
	}

	if err := h.cart.AddItem(ctx, req.ProductID, qty, req.SelectedVariant); err != nil {
		handleDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, h.view(h.cart.Snapshot()))
}

// PUT /api/v1/cart/items/{product_id}
func (h *CartHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	productID := chi.URLParam(r, "product_id")
	if productID == "" {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id is required")
		return
	}

	var req UpdateQuantityRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	// zero or negative removes the line
	qty, ok := toQuantity(req.Quantity)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_quantity", "quantity has more than 3 decimal places")
		return
	}
	if msg, ok := h.checkUnit(productID, qty); qty > 0 && !ok {
		respondError(w, http.StatusBadRequest, "invalid_quantity", msg)
		return
	}

	if err := h.cart.SetQuantity(ctx, productID, qty); err != nil {
		handleDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h.view(h.cart.Snapshot()))
}

// DELETE /api/v1/cart/items/{product_id}
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	productID := chi.URLParam(r, "product_id")
	if productID == "" {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id is required")
		return
	}

	if err := h.cart.RemoveItem(ctx, productID); err != nil {
		handleDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h.view(h.cart.Snapshot()))
}

// DELETE /api/v1/cart
func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.cart.Clear(ctx); err != nil {
		handleDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h.view(h.cart.Snapshot()))
}

func (h *CartHandler) view(cart domain.Cart) CartResponseDTO {
	priced := pricing.Price(cart, h.catalog.Products(cart.ProductIDs()), h.rules)

	items := make([]CartLineDTO, 0, len(priced.Lines))
	for _, l := range priced.Lines {
		line := CartLineDTO{
			ProductID:       l.Item.ProductID,
			SelectedVariant: l.Item.SelectedVariant,
			Quantity:        l.Item.Quantity.String(),
			Unpriceable:     l.Unpriceable,
		}
		if !l.Unpriceable {
			line.Name = l.Product.Name
			line.Unit = l.Product.Unit
			line.UnitPrice = l.Product.UnitPrice.String()
			line.Discount = l.Discount.String()
			line.LineTotal = l.LineTotal.String()
		}
		items = append(items, line)
	}

	return CartResponseDTO{
		UserID:      cart.OwnerID,
		Items:       items,
		ItemCount:   cart.ItemCount().String(),
		Totals:      totalsDTO(priced.Totals),
		Unpriceable: priced.Unpriceable,
		Revision:    cart.SyncVersion.Local,
		Dirty:       cart.Dirty(),
	}
}

func totalsDTO(t domain.Totals) TotalsDTO {
	return TotalsDTO{
		Subtotal:      t.Subtotal.String(),
		LineDiscount:  t.LineDiscount.String(),
		OrderDiscount: t.OrderDiscount.String(),
		Tax:           t.Tax.String(),
		DeliveryFee:   t.DeliveryFee.String(),
		Total:         t.Total.String(),
	}
}

// checkUnit rejects fractional amounts of products sold by count. Products
// missing from the cache are accepted and surface as unpriceable lines.
func (h *CartHandler) checkUnit(productID string, qty domain.Quantity) (string, bool) {
	product, ok := h.catalog.Products([]string{productID})[productID]
	if !ok || product.Accepts(qty) {
		return "", true
	}
	return fmt.Sprintf("%s is sold per %s and needs a whole quantity", productID, product.Unit), false
}

var (
	minQuantity = decimal.NewFromInt(math.MinInt64)
	maxQuantity = decimal.NewFromInt(math.MaxInt64)
)

// toQuantity converts a decimal from the wire into thousandths. Values that do
// not fit in a Quantity are rejected.
func toQuantity(d decimal.Decimal) (domain.Quantity, bool) {
	scaled := d.Shift(3)
	if !scaled.IsInteger() || scaled.LessThan(minQuantity) || scaled.GreaterThan(maxQuantity) {
		return 0, false
	}
	return domain.Quantity(scaled.IntPart()), true
}
