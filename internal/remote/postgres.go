package remote

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/JayeshGamer/GoGoGoGrocery2/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	pgUniqueViolation = "23505"
	pgAuthClass       = "28"
)

// PostgresStore implements Store on PostgreSQL. Cart and order bodies are JSONB;
// products are plain rows so stock can be decremented in place.
type PostgresStore struct {
	db *sqlx.DB
}

func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	return NewPostgresStore(db), nil
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate brings the schema up to date.
func (r *PostgresStore) Migrate() error {
	driver, err := postgres.WithInstance(r.db.DB, &postgres.Config{
		MigrationsTable: "cart_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("could not open migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}
	return nil
}

func (r *PostgresStore) Close() error {
	return r.db.Close()
}

type cartRow struct {
	Revision int64  `db:"revision"`
	Body     []byte `db:"body"`
}

func (r *PostgresStore) GetCart(ctx context.Context, userID string) (CartDocument, error) {
	var row cartRow
	err := r.db.GetContext(ctx, &row, `SELECT revision, body FROM carts WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return CartDocument{}, ErrNotFound
	}
	if err != nil {
		return CartDocument{}, pgError("get cart", err)
	}

	var doc CartDocument
	if err := json.Unmarshal(row.Body, &doc); err != nil {
		return CartDocument{}, fmt.Errorf("unmarshal cart: %w", err)
	}
	doc.UserID = userID
	doc.Revision = row.Revision
	return doc, nil
}

func (r *PostgresStore) PutCart(ctx context.Context, doc CartDocument, expectedRevision int64) (int64, error) {
	next := expectedRevision + 1
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}
	doc.Revision = next
	body, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("marshal cart: %w", err)
	}

	var result sql.Result
	if expectedRevision == 0 {
		result, err = r.db.ExecContext(ctx,
			`INSERT INTO carts (user_id, revision, body, updated_at) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (user_id) DO NOTHING`,
			doc.UserID, next, body, doc.UpdatedAt)
	} else {
		result, err = r.db.ExecContext(ctx,
			`UPDATE carts SET revision = $1, body = $2, updated_at = $3
			 WHERE user_id = $4 AND revision = $5`,
			next, body, doc.UpdatedAt, doc.UserID, expectedRevision)
	}
	if err != nil {
		return 0, pgError("put cart", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, pgError("put cart", err)
	}
	if n == 0 {
		return 0, ErrRevisionMismatch
	}
	return next, nil
}

func (r *PostgresStore) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	query, args, err := sqlx.In(
		`SELECT id, name, unit_price, unit, category, stock_count, available, version
		 FROM products WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("build products query: %w", err)
	}

	var products []domain.Product
	if err := r.db.SelectContext(ctx, &products, r.db.Rebind(query), args...); err != nil {
		return nil, pgError("select products", err)
	}
	for _, p := range products {
		result[p.ID] = p
	}
	return result, nil
}

func (r *PostgresStore) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	var body []byte
	err := r.db.GetContext(ctx, &body, `SELECT body FROM orders WHERE id = $1`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, ErrNotFound
	}
	if err != nil {
		return domain.Order{}, pgError("get order", err)
	}

	var order domain.Order
	if err := json.Unmarshal(body, &order); err != nil {
		return domain.Order{}, fmt.Errorf("unmarshal order: %w", err)
	}
	return order, nil
}

func (r *PostgresStore) ListOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	var bodies [][]byte
	err := r.db.SelectContext(ctx, &bodies,
		`SELECT body FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, pgError("list orders", err)
	}

	orders := make([]domain.Order, 0, len(bodies))
	for _, body := range bodies {
		var order domain.Order
		if err := json.Unmarshal(body, &order); err != nil {
			return nil, fmt.Errorf("unmarshal order: %w", err)
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func (r *PostgresStore) CommitOrder(ctx context.Context, order domain.Order, decrements []StockDecrement) error {
	body, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return pgError("begin", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO orders (id, idempotency_key, user_id, status, total, body, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		order.ID, order.IdempotencyKey, order.UserID, order.Status, order.Totals.Total, body, order.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return ErrDuplicateOrder
		}
		return pgError("insert order", err)
	}

	for _, d := range decrements {
		result, err := tx.ExecContext(ctx,
			`UPDATE products SET stock_count = stock_count - $1, version = version + 1
			 WHERE id = $2 AND stock_count = $3`,
			d.Quantity, d.ProductID, d.ExpectedStock)
		if err != nil {
			return pgError("decrement stock", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return pgError("decrement stock", err)
		}
		if n == 0 {
			return ErrStockConflict
		}
	}

	if err := tx.Commit(); err != nil {
		return pgError("commit", err)
	}
	return nil
}

// UpsertProduct writes a product row, for seeding and tests.
func (r *PostgresStore) UpsertProduct(ctx context.Context, p domain.Product) error {
	_, err := r.db.NamedExecContext(ctx,
		`INSERT INTO products (id, name, unit_price, unit, category, stock_count, available, version)
		 VALUES (:id, :name, :unit_price, :unit, :category, :stock_count, :available, :version)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, unit_price = EXCLUDED.unit_price,
		   unit = EXCLUDED.unit, category = EXCLUDED.category, stock_count = EXCLUDED.stock_count,
		   available = EXCLUDED.available, version = products.version + 1`, p)
	if err != nil {
		return pgError("upsert product", err)
	}
	return nil
}

func pgError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == pgAuthClass {
		return fmt.Errorf("%w: %s: %w", domain.ErrAuthExpired, op, err)
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrNetwork, op, err)
}
