package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/JayeshGamer/GoGoGoGrocery2/internal/domain"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/localstore"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/pricing"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/remote"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/telemetry"
)

const DefaultTimeout = 5 * time.Second

type CartStore interface {
	Snapshot() domain.Cart
	Clear(ctx context.Context) error
}

type Inventory interface {
	Refresh(ctx context.Context, ids []string) error
	Products(ids []string) map[string]domain.Product
}

// OrderNotifier receives confirmed orders for payment capture and notifications.
type OrderNotifier interface {
	Enqueue(order domain.Order)
}

type Request struct {
	Cart          domain.Cart
	Address       domain.Address
	Nonce         string
	PaymentMethod string
}

type Result struct {
	Order domain.Order
	// Replayed is set when the order already existed for this idempotency key.
	Replayed bool
}

type Options struct {
	Timeout  time.Duration
	Notifier OrderNotifier
	Now      func() time.Time
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	Tracer   trace.Tracer

	// KV keeps the checkout journal that lets a nonce replay its order after
	// the cart was cleared. Nil disables it.
	KV localstore.Store
}

type Coordinator struct {
	cart      CartStore
	inventory Inventory
	remote    remote.Store
	rules     pricing.Rules
	notifier  OrderNotifier
	timeout   time.Duration
	now       func() time.Time
	log       *slog.Logger
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
	journal   *journal
	sfg       singleflight.Group
}

func NewCoordinator(cart CartStore, inv Inventory, store remote.Store, rules pricing.Rules, opts Options) *Coordinator {
	c := &Coordinator{
		cart:      cart,
		inventory: inv,
		remote:    store,
		rules:     rules,
		notifier:  opts.Notifier,
		timeout:   opts.Timeout,
		now:       opts.Now,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = telemetry.Default()
	}
	if c.tracer == nil {
		c.tracer = telemetry.Tracer()
	}
	c.journal = &journal{kv: opts.KV, now: c.now}
	return c
}

// Checkout validates, prices and commits the cart as one order. Submitting the
// same nonce again returns the original order, also after the cart was
// cleared by the first submission.
func (c *Coordinator) Checkout(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	key := IdempotencyKey(req.Cart.OwnerID, req.Cart.SyncVersion.Local, req.Nonce)

	ctx, span := c.tracer.Start(ctx, "checkout", trace.WithAttributes(
		attribute.String("user_id", req.Cart.OwnerID),
		attribute.String("idempotency_key", key),
	))
	defer span.End()

	v, err, _ := c.sfg.Do(key, func() (interface{}, error) {
		return c.checkout(ctx, req, key)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.Checkout(ctx, outcome(err), time.Since(start).Seconds())
		c.log.WarnContext(ctx, "checkout failed", "user_id", req.Cart.OwnerID, "error", err)
		return Result{}, err
	}

	result := v.(Result)
	span.SetAttributes(attribute.String("order_id", result.Order.ID), attribute.Bool("replayed", result.Replayed))
	c.metrics.Checkout(ctx, "confirmed", time.Since(start).Seconds())
	return result, nil
}

func (c *Coordinator) checkout(ctx context.Context, req Request, key string) (Result, error) {
	cart := req.Cart
	if !req.Address.Deliverable {
		return Result{}, domain.ErrUndeliverableAddress
	}

	if prev, ok := c.submitted(ctx, cart.OwnerID, req.Nonce); ok {
		existing, found, err := c.lookup(ctx, prev.OrderID, cart.OwnerID)
		if err != nil {
			return Result{}, err
		}
		if found {
			c.log.InfoContext(ctx, "duplicate checkout detected", "order_id", prev.OrderID, "nonce", req.Nonce)
			c.clearIfUnchanged(ctx, prev.LocalRevision)
			return Result{Order: existing, Replayed: true}, nil
		}
	}

	if cart.IsEmpty() {
		return Result{}, domain.ErrEmptyCart
	}

	orderID := OrderID(key)
	existing, found, err := c.lookup(ctx, orderID, cart.OwnerID)
	if err != nil {
		return Result{}, err
	}
	if found {
		c.log.InfoContext(ctx, "duplicate checkout detected", "order_id", orderID, "idempotency_key", key)
		c.clearIfUnchanged(ctx, cart.SyncVersion.Local)
		return Result{Order: existing, Replayed: true}, nil
	}

	ids := cart.ProductIDs()
	for attempt := 1; ; attempt++ {
		if err := c.retryNetwork(ctx, func(ctx context.Context) error {
			return c.inventory.Refresh(ctx, ids)
		}); err != nil {
			return Result{}, err
		}
		products := c.inventory.Products(ids)

		if err := validateQuantities(cart, products); err != nil {
			return Result{}, err
		}
		if shortfalls := validateStock(cart, products); len(shortfalls) > 0 {
			return Result{}, &domain.InsufficientStockError{Items: shortfalls}
		}

		priced := pricing.Price(cart, products, c.rules)
		if !priced.Priceable() {
			return Result{}, &domain.PricingUnavailableError{ProductIDs: priced.Unpriceable}
		}

		order, decrements, err := c.buildOrder(orderID, key, req, priced)
		if err != nil {
			return Result{}, err
		}
		if err := c.journal.record(ctx, cart.OwnerID, req.Nonce, submission{
			IdempotencyKey: key,
			OrderID:        orderID,
			LocalRevision:  cart.SyncVersion.Local,
			SubmittedAt:    c.now().UTC(),
		}); err != nil {
			return Result{}, err
		}

		err = c.commit(ctx, order, decrements)
		switch {
		case err == nil:
			c.log.InfoContext(ctx, "order confirmed", "order_id", order.ID, "total", order.Totals.Total.String())
			c.complete(ctx, order)
			return Result{Order: order}, nil

		case errors.Is(err, remote.ErrDuplicateOrder):
			existing, found, lerr := c.lookup(ctx, orderID, cart.OwnerID)
			if lerr != nil {
				return Result{}, lerr
			}
			if !found {
				return Result{}, fmt.Errorf("order %s reported as duplicate but not found: %w", orderID, err)
			}
			// an earlier attempt whose response was lost
			if c.notifier != nil {
				c.notifier.Enqueue(existing)
			}
			c.clearIfUnchanged(ctx, cart.SyncVersion.Local)
			return Result{Order: existing, Replayed: true}, nil

		case errors.Is(err, remote.ErrStockConflict) && attempt == 1:
			c.log.InfoContext(ctx, "stock changed during checkout, revalidating", "order_id", orderID)
			continue

		case errors.Is(err, remote.ErrStockConflict):
			return Result{}, c.conflictError(ctx, cart, err)

		default:
			return Result{}, err
		}
	}
}

// lookup returns the order stored under orderID. An order owned by another
// user under the same id is an idempotency conflict.
func (c *Coordinator) lookup(ctx context.Context, orderID, userID string) (domain.Order, bool, error) {
	var order domain.Order
	err := c.retryNetwork(ctx, func(ctx context.Context) error {
		var err error
		order, err = c.remote.GetOrder(ctx, orderID)
		return err
	})
	if errors.Is(err, remote.ErrNotFound) {
		return domain.Order{}, false, nil
	}
	if err != nil {
		return domain.Order{}, false, fmt.Errorf("look up order: %w", err)
	}
	if order.UserID != userID {
		return domain.Order{}, false, domain.ErrIdempotencyConflict
	}
	return order, true, nil
}

// commit submits the transaction detached from the caller's cancellation; once
// sent it runs to completion.
func (c *Coordinator) commit(ctx context.Context, order domain.Order, decrements []remote.StockDecrement) error {
	return c.retryNetwork(context.WithoutCancel(ctx), func(ctx context.Context) error {
		return c.remote.CommitOrder(ctx, order, decrements)
	})
}

// retryNetwork runs fn with a timeout and retries it once on a network error.
func (c *Coordinator) retryNetwork(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for i := 0; i < 2; i++ {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err = fn(callCtx)
		cancel()
		if err == nil || !errors.Is(err, domain.ErrNetwork) {
			return err
		}
		if ctx.Err() != nil {
			break
		}
	}
	return err
}

func (c *Coordinator) buildOrder(orderID, key string, req Request, priced pricing.PricedCart) (domain.Order, []remote.StockDecrement, error) {
	lines := make([]domain.OrderLine, 0, len(priced.Lines))
	decrements := make([]remote.StockDecrement, 0, len(priced.Lines))
	for _, l := range priced.Lines {
		lines = append(lines, domain.OrderLine{
			ProductID:       l.Item.ProductID,
			Name:            l.Product.Name,
			Unit:            l.Product.Unit,
			SelectedVariant: l.Item.SelectedVariant,
			Quantity:        l.Item.Quantity,
			UnitPrice:       l.Product.UnitPrice,
			Discount:        l.Discount,
			LineTotal:       l.LineTotal,
		})
		decrements = append(decrements, remote.StockDecrement{
			ProductID:     l.Item.ProductID,
			Quantity:      l.Item.Quantity,
			ExpectedStock: l.Product.StockCount,
		})
	}

	order := domain.Order{
		ID:              orderID,
		UserID:          req.Cart.OwnerID,
		IdempotencyKey:  key,
		Lines:           lines,
		DeliveryAddress: req.Address,
		Totals:          priced.Totals,
		PaymentMethod:   req.PaymentMethod,
		Status:          domain.OrderStatusPending,
		CreatedAt:       c.now().UTC(),
	}
	if !domain.CanTransitionTo(order.Status, domain.OrderStatusConfirmed) {
		return domain.Order{}, nil, fmt.Errorf("order %s cannot be confirmed from %s", orderID, order.Status)
	}
	order.Status = domain.OrderStatusConfirmed
	return order, decrements, nil
}

func (c *Coordinator) complete(ctx context.Context, order domain.Order) {
	if c.notifier != nil {
		c.notifier.Enqueue(order)
	}
	if err := c.cart.Clear(ctx); err != nil {
		c.log.ErrorContext(ctx, "order confirmed but cart could not be cleared", "order_id", order.ID, "error", err)
	}
}

// submitted returns the journaled submission for nonce. Journal read failures
// fall back to the revision-derived key.
func (c *Coordinator) submitted(ctx context.Context, userID, nonce string) (submission, bool) {
	s, ok, err := c.journal.find(ctx, userID, nonce)
	if err != nil {
		c.log.WarnContext(ctx, "checkout journal unavailable", "user_id", userID, "error", err)
		return submission{}, false
	}
	return s, ok
}

// conflictError reports a stock conflict that persisted through the retry.
// Stock is read again so only the lines it can no longer cover are listed.
func (c *Coordinator) conflictError(ctx context.Context, cart domain.Cart, cause error) error {
	ids := cart.ProductIDs()
	if err := c.retryNetwork(ctx, func(ctx context.Context) error {
		return c.inventory.Refresh(ctx, ids)
	}); err != nil {
		return fmt.Errorf("checkout: %w", cause)
	}
	if shortfalls := validateStock(cart, c.inventory.Products(ids)); len(shortfalls) > 0 {
		return &domain.InsufficientStockError{Items: shortfalls}
	}
	return fmt.Errorf("checkout: %w", cause)
}

// clearIfUnchanged clears the cart after a replay only if it still holds the
// revision that was ordered.
func (c *Coordinator) clearIfUnchanged(ctx context.Context, orderedRevision int64) {
	current := c.cart.Snapshot()
	if current.IsEmpty() || current.SyncVersion.Local != orderedRevision {
		return
	}
	if err := c.cart.Clear(ctx); err != nil {
		c.log.ErrorContext(ctx, "cart could not be cleared after replayed checkout", "error", err)
	}
}

func validateStock(cart domain.Cart, products map[string]domain.Product) []domain.Shortfall {
	var shortfalls []domain.Shortfall
	for _, item := range cart.Lines() {
		p, ok := products[item.ProductID]
		if !ok {
			// unknown products fail pricing instead
			continue
		}
		if item.Quantity > p.StockCount {
			shortfalls = append(shortfalls, domain.Shortfall{
				ProductID: item.ProductID,
				Requested: item.Quantity,
				Available: p.StockCount,
			})
		}
	}
	return shortfalls
}

// validateQuantities rejects fractional amounts of products sold by count.
func validateQuantities(cart domain.Cart, products map[string]domain.Product) error {
	for _, item := range cart.Lines() {
		p, ok := products[item.ProductID]
		if ok && !p.Accepts(item.Quantity) {
			return fmt.Errorf("%w: %s is sold per %s, got %s", domain.ErrInvalidQuantity, item.ProductID, p.Unit, item.Quantity)
		}
	}
	return nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, domain.ErrUndeliverableAddress):
		return "undeliverable"
	case errors.Is(err, domain.ErrPricingUnavailable):
		return "pricing_unavailable"
	case errors.Is(err, domain.ErrEmptyCart):
		return "empty_cart"
	case errors.Is(err, domain.ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, remote.ErrStockConflict):
		return "stock_conflict"
	case errors.Is(err, domain.ErrNetwork):
		return "network"
	default:
		return "error"
	}
}
