package cartsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/JayeshGamer/GoGoGoGrocery2/internal/domain"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/remote"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/telemetry"
)

var ErrNotInConflict = errors.New("cart is not in conflict")

// CartStore is the part of the local cart store the engine drives.
type CartStore interface {
	Snapshot() domain.Cart
	Changes() <-chan struct{}
	Merge(ctx context.Context, remote domain.Cart, remoteRevision int64) (domain.Cart, bool, error)
	MarkPushed(ctx context.Context, localRevision, remoteRevision int64) error
	AdoptRemote(ctx context.Context, remote domain.Cart, remoteRevision int64) (domain.Cart, error)
}

// Inventory is refreshed for cart items after each successful cycle.
type Inventory interface {
	Stale(ids []string) []string
	Refresh(ctx context.Context, ids []string) error
}

// TokenRefresher renews credentials after the remote store reports them expired.
type TokenRefresher interface {
	Refresh(ctx context.Context) error
}

type Config struct {
	Debounce       time.Duration
	Interval       time.Duration
	Timeout        time.Duration
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c *Config) setDefaults() {
	if c.Debounce <= 0 {
		c.Debounce = 500 * time.Millisecond
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
}

type Options struct {
	Inventory Inventory
	Tokens    TokenRefresher
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
	Tracer    trace.Tracer
}

// Engine keeps the local cart and its remote document eventually consistent.
type Engine struct {
	cart      CartStore
	remote    remote.Store
	inventory Inventory
	tokens    TokenRefresher
	cfg       Config
	log       *slog.Logger
	metrics   *telemetry.Metrics
	tracer    trace.Tracer

	cycleMu sync.Mutex // one cycle at a time

	mu       sync.Mutex
	state    State
	online   bool
	lastErr  error
	lastSync time.Time

	events chan Event
	kick   chan struct{}
}

func NewEngine(cart CartStore, store remote.Store, cfg Config, opts Options) *Engine {
	cfg.setDefaults()
	e := &Engine{
		cart:      cart,
		remote:    store,
		inventory: opts.Inventory,
		tokens:    opts.Tokens,
		cfg:       cfg,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		online:    true,
		events:    make(chan Event, 32),
		kick:      make(chan struct{}, 1),
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.metrics == nil {
		e.metrics = telemetry.Default()
	}
	if e.tracer == nil {
		e.tracer = telemetry.Tracer()
	}
	return e
}

// Events delivers notifications without ever blocking the engine; when the
// buffer is full new events are dropped.
func (e *Engine) Events() <-chan Event {
	return e.events
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Status{State: e.state, Online: e.online, LastSync: e.lastSync}
	if e.lastErr != nil {
		s.LastError = e.lastErr.Error()
	}
	return s
}

// SetOnline records connectivity. Coming back online schedules a cycle.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	was := e.online
	e.online = online
	e.mu.Unlock()

	if online && !was {
		e.trigger()
	}
}

func (e *Engine) trigger() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Run drives sync cycles from local changes, a periodic ticker and
// reconnects until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	debounce := time.NewTimer(e.cfg.Debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	e.log.Info("cart sync started", "interval", e.cfg.Interval.String())
	e.trigger()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("cart sync stopped")
			return ctx.Err()
		case <-e.cart.Changes():
			debounce.Reset(e.cfg.Debounce)
		case <-debounce.C:
			if e.isOnline() {
				e.autoSync(ctx, "change")
			}
		case <-ticker.C:
			e.autoSync(ctx, "tick")
		case <-e.kick:
			e.autoSync(ctx, "kick")
		}
	}
}

func (e *Engine) autoSync(ctx context.Context, reason string) {
	if e.currentState() == StateConflictPending {
		return
	}
	if err := e.SyncNow(ctx); err != nil && !errors.Is(err, context.Canceled) {
		e.log.Warn("cart sync failed", "trigger", reason, "error", err)
	}
}

// SyncNow runs one sync cycle with retries and waits for it to finish.
func (e *Engine) SyncNow(ctx context.Context) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	if e.currentState() == StateConflictPending {
		return domain.ErrConflictUnresolved
	}

	ctx, span := e.tracer.Start(ctx, "cartsync.cycle")
	defer span.End()

	e.setState(StateSyncing)
	err := e.retryCycle(ctx)

	switch {
	case err == nil:
		e.mu.Lock()
		e.online = true
		e.lastErr = nil
		e.lastSync = time.Now()
		e.mu.Unlock()
		e.setState(StateIdle)
		e.emit(Event{Kind: EventSynced, State: StateIdle, Revision: e.cart.Snapshot().SyncVersion.Remote})
		e.metrics.SyncCycle(ctx, "ok")
		e.refreshInventory(ctx)
		return nil

	case errors.Is(err, remote.ErrRevisionMismatch):
		err = fmt.Errorf("%w: %w", domain.ErrConflictUnresolved, err)
		e.recordError(err)
		e.setState(StateConflictPending)
		e.emit(Event{Kind: EventConflict, State: StateConflictPending, Err: err})
		e.metrics.SyncCycle(ctx, "conflict")
		e.metrics.SyncConflict(ctx)
		e.log.WarnContext(ctx, "cart sync gave up, waiting for manual resolution", "attempts", e.cfg.MaxAttempts)

	default:
		if errors.Is(err, domain.ErrNetwork) {
			e.mu.Lock()
			e.online = false
			e.mu.Unlock()
		}
		e.recordError(err)
		e.setState(StateIdle)
		e.emit(Event{Kind: EventError, State: StateIdle, Err: err})
		e.metrics.SyncCycle(ctx, "error")
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (e *Engine) retryCycle(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialBackoff
	b.MaxInterval = e.cfg.MaxBackoff

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := e.cycle(ctx)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, domain.ErrAuthExpired):
			if e.tokens == nil {
				return struct{}{}, backoff.Permanent(err)
			}
			if rerr := e.tokens.Refresh(ctx); rerr != nil {
				return struct{}{}, backoff.Permanent(fmt.Errorf("refresh token: %w", rerr))
			}
			return struct{}{}, err
		case errors.Is(err, remote.ErrRevisionMismatch), errors.Is(err, domain.ErrNetwork):
			e.log.DebugContext(ctx, "sync attempt failed", "attempt", attempt, "error", err)
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}, backoff.WithBackOff(b), backoff.WithMaxTries(e.cfg.MaxAttempts))
	return err
}

// cycle reads the remote revision, merges if another device wrote and pushes
// whatever the remote store does not hold yet.
func (e *Engine) cycle(ctx context.Context) error {
	local := e.cart.Snapshot()

	doc, found, err := e.fetch(ctx, local.OwnerID)
	if err != nil {
		return err
	}
	var remoteRev int64
	if found {
		remoteRev = doc.Revision
	}

	if remoteRev != local.SyncVersion.Remote {
		remoteCart := domain.NewCart(local.OwnerID)
		if found {
			remoteCart = doc.Cart()
		}
		merged, needsPush, err := e.cart.Merge(ctx, remoteCart, remoteRev)
		if err != nil {
			return err
		}
		trace.SpanFromContext(ctx).AddEvent("merged", trace.WithAttributes(
			attribute.Int64("remote_revision", remoteRev),
			attribute.Bool("needs_push", needsPush),
		))
		if !needsPush {
			return nil
		}
		local = merged
	} else if !local.Dirty() {
		return nil
	}

	newRev, err := e.push(ctx, local, remoteRev)
	if err != nil {
		return err
	}
	if err := e.cart.MarkPushed(ctx, local.SyncVersion.Local, newRev); err != nil {
		return err
	}
	e.log.DebugContext(ctx, "cart pushed", "revision", newRev, "local", local.SyncVersion.Local)
	return nil
}

func (e *Engine) fetch(ctx context.Context, userID string) (remote.CartDocument, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	doc, err := e.remote.GetCart(ctx, userID)
	if errors.Is(err, remote.ErrNotFound) {
		return remote.CartDocument{}, false, nil
	}
	if err != nil {
		return remote.CartDocument{}, false, err
	}
	return doc, true, nil
}

func (e *Engine) push(ctx context.Context, cart domain.Cart, expectedRevision int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	return e.remote.PutCart(ctx, remote.DocumentFromCart(cart), expectedRevision)
}

// Resolve leaves ConflictPending by forcing one side. KeepLocal overwrites the
// remote document with the local cart; TakeRemote discards local edits.
func (e *Engine) Resolve(ctx context.Context, resolution Resolution) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	if e.currentState() != StateConflictPending {
		return ErrNotInConflict
	}

	local := e.cart.Snapshot()
	doc, found, err := e.fetch(ctx, local.OwnerID)
	if err != nil {
		return err
	}
	var remoteRev int64
	if found {
		remoteRev = doc.Revision
	}

	switch resolution {
	case KeepLocal:
		newRev, err := e.push(ctx, local, remoteRev)
		if err != nil {
			return err
		}
		if err := e.cart.MarkPushed(ctx, local.SyncVersion.Local, newRev); err != nil {
			return err
		}
	case TakeRemote:
		remoteCart := domain.NewCart(local.OwnerID)
		if found {
			remoteCart = doc.Cart()
		}
		if _, err := e.cart.AdoptRemote(ctx, remoteCart, remoteRev); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown resolution %d", resolution)
	}

	e.mu.Lock()
	e.lastErr = nil
	e.lastSync = time.Now()
	e.mu.Unlock()
	e.setState(StateIdle)
	e.emit(Event{Kind: EventSynced, State: StateIdle, Revision: e.cart.Snapshot().SyncVersion.Remote})
	e.log.InfoContext(ctx, "cart conflict resolved", "resolution", resolution.String())
	return nil
}

func (e *Engine) refreshInventory(ctx context.Context) {
	if e.inventory == nil {
		return
	}
	stale := e.inventory.Stale(e.cart.Snapshot().ProductIDs())
	if len(stale) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	if err := e.inventory.Refresh(ctx, stale); err != nil {
		e.log.WarnContext(ctx, "inventory refresh after sync failed", "error", err)
	}
}

func (e *Engine) currentState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) isOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

func (e *Engine) setState(next State) {
	e.mu.Lock()
	prev := e.state
	if prev == next || !prev.CanTransitionTo(next) {
		e.mu.Unlock()
		return
	}
	e.state = next
	e.mu.Unlock()
	e.emit(Event{Kind: EventStateChanged, State: next})
}

func (e *Engine) recordError(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
}

func (e *Engine) emit(ev Event) {
	ev.At = time.Now()
	select {
	case e.events <- ev:
	default:
	}
}
