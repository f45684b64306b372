package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JayeshGamer/GoGoGoGrocery2/internal/config"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/domain"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/logger"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/remote"
)

type migrateOptions struct {
	Catalog string
}

func newMigrateCommand() *cobra.Command {
	opts := &migrateOptions{}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the remote store schema and optionally load a product catalog",
		Long: `Apply the Postgres schema (CART_REMOTE=postgres) or create the Mongo
indexes (CART_REMOTE=mongo). With --catalog the products in the YAML file are
upserted into the remote store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrate(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.Catalog, "catalog", "", "YAML product catalog to upsert")
	return cmd
}

// productUpserter is implemented by the persistent remote stores.
type productUpserter interface {
	remote.Store
	UpsertProduct(ctx context.Context, p domain.Product) error
}

func migrate(ctx context.Context, opts *migrateOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(os.Stdout, cfg.LogLevel)

	var (
		store   productUpserter
		closeFn func() error
	)
	switch cfg.Remote {
	case "postgres":
		pg, err := remote.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		if err := pg.Migrate(); err != nil {
			pg.Close()
			return err
		}
		log.Info("postgres schema is up to date")
		store, closeFn = pg, pg.Close
	case "mongo":
		m, err := remote.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return err
		}
		if err := m.CreateIndexes(ctx); err != nil {
			m.Close(ctx)
			return err
		}
		log.Info("mongo indexes are in place")
		store, closeFn = m, func() error { return m.Close(context.Background()) }
	default:
		return fmt.Errorf("migrate: remote %q has no schema", cfg.Remote)
	}
	defer closeFn()

	if opts.Catalog == "" {
		return nil
	}
	products, err := loadCatalog(opts.Catalog)
	if err != nil {
		return err
	}
	for _, p := range products {
		if err := store.UpsertProduct(ctx, p); err != nil {
			return fmt.Errorf("upsert product %s: %w", p.ID, err)
		}
	}
	log.Info("catalog loaded", "products", len(products))
	return nil
}
