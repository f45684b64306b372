package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/JayeshGamer/GoGoGoGrocery2/internal/domain"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/localstore"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/telemetry"
)

const (
	DefaultTopic     = "grocery-orders"
	EventOrderPlaced = "order.confirmed"
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Event is one confirmed order waiting to be published.
type Event struct {
	OrderID   string          `json:"order_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type orderPayload struct {
	OrderID     string             `json:"order_id"`
	UserID      string             `json:"user_id"`
	Lines       []domain.OrderLine `json:"lines"`
	Totals      domain.Totals      `json:"totals"`
	Payment     string             `json:"payment_method,omitempty"`
	Address     domain.Address     `json:"delivery_address"`
	ConfirmedAt time.Time          `json:"confirmed_at"`
}

type Options struct {
	EventTick time.Duration
	Timeout   time.Duration
	// KV keeps unpublished events across restarts. Optional.
	KV      localstore.Store
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// OutboxPublisher hands confirmed orders to Kafka for payment capture and
// notifications. Events that fail to publish stay queued for the next tick.
type OutboxPublisher struct {
	timeout   time.Duration
	eventTick time.Duration
	writer    MessageWriter
	kv        localstore.Store
	log       *slog.Logger
	metrics   *telemetry.Metrics

	mu      sync.Mutex
	pending []Event
	kick    chan struct{}
}

func NewKafkaWriter(topic string, brokers ...string) *kafka.Writer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
}

func NewOutboxPublisher(ctx context.Context, writer MessageWriter, opts Options) *OutboxPublisher {
	p := &OutboxPublisher{
		timeout:   opts.Timeout,
		eventTick: opts.EventTick,
		writer:    writer,
		kv:        opts.KV,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		kick:      make(chan struct{}, 1),
	}
	if p.timeout <= 0 {
		p.timeout = 5 * time.Second
	}
	if p.eventTick <= 0 {
		p.eventTick = time.Second
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.metrics == nil {
		p.metrics = telemetry.Default()
	}
	p.load(ctx)
	return p
}

// Enqueue records the order for publishing and never blocks on Kafka.
func (p *OutboxPublisher) Enqueue(order domain.Order) {
	payload, err := json.Marshal(orderPayload{
		OrderID:     order.ID,
		UserID:      order.UserID,
		Lines:       order.Lines,
		Totals:      order.Totals,
		Payment:     order.PaymentMethod,
		Address:     order.DeliveryAddress,
		ConfirmedAt: order.CreatedAt,
	})
	if err != nil {
		p.log.Error("failed to marshal order event", "order_id", order.ID, "error", err)
		return
	}

	p.mu.Lock()
	for _, ev := range p.pending {
		if ev.OrderID == order.ID {
			p.mu.Unlock()
			return
		}
	}
	p.pending = append(p.pending, Event{
		OrderID:   order.ID,
		EventType: EventOrderPlaced,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
	p.saveLocked(context.Background())
	p.mu.Unlock()

	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Pending returns the number of events not yet published.
func (p *OutboxPublisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *OutboxPublisher) Run(ctx context.Context) {
	eventTicker := time.NewTicker(p.eventTick)
	defer eventTicker.Stop()
	for {
		select {
		case <-eventTicker.C:
			p.processPending(ctx)
		case <-p.kick:
			p.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Close flushes what it can within the timeout and closes the writer.
func (p *OutboxPublisher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	p.processPending(ctx)
	return p.writer.Close()
}

func (p *OutboxPublisher) processPending(ctx context.Context) {
	p.mu.Lock()
	events := append([]Event(nil), p.pending...)
	p.mu.Unlock()
	if len(events) == 0 {
		return
	}

	published := make(map[string]bool, len(events))
	for _, ev := range events {
		if err := p.publish(ctx, ev); err != nil {
			p.log.Warn("failed to publish order event", "order_id", ev.OrderID, "error", err)
			p.metrics.OrderPublished(ctx, false)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			continue
		}
		published[ev.OrderID] = true
		p.metrics.OrderPublished(ctx, true)
	}
	if len(published) == 0 {
		return
	}

	p.mu.Lock()
	kept := p.pending[:0]
	for _, ev := range p.pending {
		if !published[ev.OrderID] {
			kept = append(kept, ev)
		}
	}
	p.pending = kept
	p.saveLocked(ctx)
	p.mu.Unlock()
}

func (p *OutboxPublisher) publish(ctx context.Context, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(ev.OrderID), // order id for ordering
		Value: ev.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.EventType)},
		},
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *OutboxPublisher) load(ctx context.Context) {
	if p.kv == nil {
		return
	}
	data, err := p.kv.Get(ctx, localstore.OutboxKey)
	if errors.Is(err, localstore.ErrNotFound) {
		return
	}
	if err != nil {
		p.log.Warn("failed to load outbox", "error", err)
		return
	}
	if err := json.Unmarshal(data, &p.pending); err != nil {
		p.log.Warn("outbox is corrupt, dropping it", "error", err)
		p.pending = nil
	}
}

func (p *OutboxPublisher) saveLocked(ctx context.Context) {
	if p.kv == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if len(p.pending) == 0 {
		if err := p.kv.Delete(ctx, localstore.OutboxKey); err != nil && !errors.Is(err, localstore.ErrNotFound) {
			p.log.Warn("failed to clear outbox", "error", err)
		}
		return
	}
	data, err := json.Marshal(p.pending)
	if err != nil {
		p.log.Warn("failed to marshal outbox", "error", err)
		return
	}
	if err := p.kv.Put(ctx, localstore.OutboxKey, data); err != nil {
		p.log.Warn("failed to save outbox", "error", err)
	}
}
