package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/JayeshGamer/GoGoGoGrocery2/internal/cartstore"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/cartsync"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/checkout"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/config"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/domain"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/inventory"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/localstore"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/logger"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/pricing"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/publisher"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/remote"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/telemetry"
)

// redisKeyPrefix namespaces every local key; the store adds the separator.
const redisKeyPrefix = "grocery"

// app holds the wired components of one device.
type app struct {
	cfg       config.Config
	log       *slog.Logger
	rules     pricing.Rules
	kv        localstore.Store
	remote    remote.Store
	cart      *cartstore.Store
	inventory *inventory.Cache
	engine    *cartsync.Engine
	checkout  *checkout.Coordinator
	outbox    *publisher.OutboxPublisher

	closers []func(context.Context) error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: logger.New(os.Stdout, cfg.LogLevel)}
	slog.SetDefault(a.log)

	shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: "cartd",
		Exporter:    cfg.TraceExporter,
		Endpoint:    cfg.OTLPEndpoint,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdown)

	if err := a.build(ctx); err != nil {
		a.close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg := a.cfg
	metrics := telemetry.Default()

	kv, err := openLocalStore(cfg)
	if err != nil {
		return err
	}
	a.kv = kv
	a.closers = append(a.closers, func(context.Context) error { return kv.Close() })

	store, err := a.openRemote(ctx)
	if err != nil {
		return err
	}
	a.remote = remote.NewBreaker(store, remote.BreakerSettings{
		MaxFailures: cfg.BreakerFailures,
		OpenTimeout: cfg.BreakerTimeout,
		Logger:      a.log,
	})

	a.rules, err = cfg.Rules()
	if err != nil {
		return err
	}

	a.cart, err = cartstore.Open(ctx, kv, cfg.UserID, cartstore.Options{
		MaxQuantity: domain.Units(cfg.MaxQuantity),
		Logger:      a.log,
	})
	if err != nil {
		return err
	}

	a.inventory = inventory.New(ctx, a.remote, kv, inventory.Options{TTL: cfg.InventoryTTL, Logger: a.log})

	a.engine = cartsync.NewEngine(a.cart, a.remote, cartsync.Config{
		Debounce:    cfg.SyncDebounce,
		Interval:    cfg.SyncInterval,
		Timeout:     cfg.RemoteTimeout,
		MaxAttempts: uint(cfg.SyncAttempts),
	}, cartsync.Options{
		Inventory: a.inventory,
		Logger:    a.log,
		Metrics:   metrics,
	})

	var notifier checkout.OrderNotifier
	if len(cfg.KafkaBrokers) > 0 {
		a.outbox = publisher.NewOutboxPublisher(ctx, publisher.NewKafkaWriter(cfg.KafkaTopic, cfg.KafkaBrokers...), publisher.Options{
			KV:      kv,
			Logger:  a.log,
			Metrics: metrics,
		})
		notifier = a.outbox
		// closed before the local store so pending events are saved
		a.closers = append(a.closers, func(context.Context) error { return a.outbox.Close() })
	}

	a.checkout = checkout.NewCoordinator(a.cart, a.inventory, a.remote, a.rules, checkout.Options{
		Timeout:  cfg.RemoteTimeout,
		Notifier: notifier,
		Logger:   a.log,
		Metrics:  metrics,
		KV:       kv,
	})
	return nil
}

func openLocalStore(cfg config.Config) (localstore.Store, error) {
	switch cfg.LocalStore {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return localstore.NewRedisStore(client, redisKeyPrefix), nil
	default:
		return localstore.OpenSQLite(cfg.SQLitePath)
	}
}

func (a *app) openRemote(ctx context.Context) (remote.Store, error) {
	cfg := a.cfg
	switch cfg.Remote {
	case "mongo":
		m, err := remote.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, m.Close)
		if err := m.CreateIndexes(ctx); err != nil {
			return nil, err
		}
		return m, nil
	case "postgres":
		pg, err := remote.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return pg.Close() })
		return pg, nil
	default:
		mem := remote.NewMemoryStore()
		if cfg.Catalog != "" {
			products, err := loadCatalog(cfg.Catalog)
			if err != nil {
				return nil, err
			}
			for _, p := range products {
				mem.SetProduct(p)
			}
			a.log.Info("seeded in-memory catalog", "products", len(products))
		}
		return mem, nil
	}
}

// close runs closers in reverse order of opening.
func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.log.Warn("shutdown step failed", "error", err)
		}
	}
	a.closers = nil
}

type catalogEntry struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	UnitPrice  int64  `yaml:"unit_price"`
	Unit       string `yaml:"unit"`
	Category   string `yaml:"category"`
	StockCount int64  `yaml:"stock"`
	Available  *bool  `yaml:"available"`
}

// loadCatalog reads a YAML product list; stock is in whole units.
func loadCatalog(path string) ([]domain.Product, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	return decodeCatalog(f)
}

func decodeCatalog(r io.Reader) ([]domain.Product, error) {
	var entries []catalogEntry
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&entries); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	products := make([]domain.Product, 0, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("decode catalog: product without id")
		}
		available := true
		if e.Available != nil {
			available = *e.Available
		}
		products = append(products, domain.Product{
			ID:         e.ID,
			Name:       e.Name,
			UnitPrice:  domain.Money(e.UnitPrice),
			Unit:       e.Unit,
			Category:   e.Category,
			StockCount: domain.Units(e.StockCount),
			Available:  available,
			Version:    1,
		})
	}
	return products, nil
}
