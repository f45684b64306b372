package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/JayeshGamer/GoGoGoGrocery2/internal/domain"
)

type BreakerSettings struct {
	Name string
	// MaxFailures is the number of consecutive transport failures that opens the breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before letting a trial request through.
	OpenTimeout time.Duration
	Logger      *slog.Logger
}

// Breaker wraps a Store with a circuit breaker. Only transport failures count
// against it; revision mismatches, stock conflicts and the like are normal
// outcomes of a healthy store.
type Breaker struct {
	next Store
	cb   *gobreaker.CircuitBreaker[any]
}

func NewBreaker(next Store, s BreakerSettings) *Breaker {
	if s.Name == "" {
		s.Name = "remote-store"
	}
	if s.MaxFailures == 0 {
		s.MaxFailures = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, domain.ErrNetwork)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func execute[T any](b *Breaker, fn func() (T, error)) (T, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, fmt.Errorf("%w: %w", domain.ErrNetwork, err)
	}
	out, _ := v.(T)
	return out, err
}

func (b *Breaker) GetCart(ctx context.Context, userID string) (CartDocument, error) {
	return execute(b, func() (CartDocument, error) { return b.next.GetCart(ctx, userID) })
}

func (b *Breaker) PutCart(ctx context.Context, doc CartDocument, expectedRevision int64) (int64, error) {
	return execute(b, func() (int64, error) { return b.next.PutCart(ctx, doc, expectedRevision) })
}

func (b *Breaker) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	return execute(b, func() (map[string]domain.Product, error) { return b.next.GetProducts(ctx, ids) })
}

func (b *Breaker) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	return execute(b, func() (domain.Order, error) { return b.next.GetOrder(ctx, orderID) })
}

func (b *Breaker) ListOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	return execute(b, func() ([]domain.Order, error) { return b.next.ListOrders(ctx, userID) })
}

func (b *Breaker) CommitOrder(ctx context.Context, order domain.Order, decrements []StockDecrement) error {
	_, err := execute(b, func() (struct{}, error) {
		return struct{}{}, b.next.CommitOrder(ctx, order, decrements)
	})
	return err
}
