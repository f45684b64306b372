package remote

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JayeshGamer/GoGoGoGrocery2/internal/domain"
)

func setupPostgresMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewPostgresStore(sqlx.NewDb(db, "postgres")), mock
}

func TestPostgresStore_GetCartNotFound(t *testing.T) {
	store, mock := setupPostgresMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT revision, body FROM carts WHERE user_id = $1")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"revision", "body"}))

	_, err := store.GetCart(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_GetCart(t *testing.T) {
	store, mock := setupPostgresMock(t)
	body, err := json.Marshal(CartDocument{
		Items: []domain.CartItem{{ProductID: "milk", Quantity: domain.Units(2)}},
	})
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT revision, body FROM carts")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"revision", "body"}).AddRow(int64(4), body))

	doc, err := store.GetCart(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", doc.UserID)
	assert.Equal(t, int64(4), doc.Revision)
	require.Len(t, doc.Items, 1)
	assert.Equal(t, domain.Units(2), doc.Items[0].Quantity)
}

func TestPostgresStore_PutCartCreate(t *testing.T) {
	store, mock := setupPostgresMock(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO carts")).
		WithArgs("u1", int64(1), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rev, err := store.PutCart(context.Background(), CartDocument{UserID: "u1"}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)
}

func TestPostgresStore_PutCartRevisionMismatch(t *testing.T) {
	store, mock := setupPostgresMock(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE carts SET revision = $1")).
		WithArgs(int64(8), sqlmock.AnyArg(), sqlmock.AnyArg(), "u1", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := store.PutCart(context.Background(), CartDocument{UserID: "u1", UpdatedAt: time.Now()}, 7)
	assert.ErrorIs(t, err, ErrRevisionMismatch)
}

func TestPostgresStore_GetProducts(t *testing.T) {
	store, mock := setupPostgresMock(t)

	rows := sqlmock.NewRows([]string{"id", "name", "unit_price", "unit", "category", "stock_count", "available", "version"}).
		AddRow("milk", "Milk", int64(350), "each", "dairy", int64(5000), true, int64(3))
	mock.ExpectQuery(regexp.QuoteMeta("FROM products WHERE id IN ($1, $2)")).
		WithArgs("milk", "caviar").
		WillReturnRows(rows)

	products, err := store.GetProducts(context.Background(), []string{"milk", "caviar"})
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, domain.Units(5), products["milk"].StockCount)
	assert.Equal(t, domain.Money(350), products["milk"].UnitPrice)
	assert.True(t, products["milk"].Available)
}

func TestPostgresStore_CommitOrder(t *testing.T) {
	store, mock := setupPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO orders")).
		WithArgs("o1", "key", "u1", "CONFIRMED", int64(1050), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE products SET stock_count = stock_count - $1")).
		WithArgs(int64(3000), "milk", int64(5000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	order := testOrder("o1")
	order.IdempotencyKey = "key"
	order.Totals.Total = 1050
	err := store.CommitOrder(context.Background(), order, []StockDecrement{
		{ProductID: "milk", Quantity: domain.Units(3), ExpectedStock: domain.Units(5)},
	})
	require.NoError(t, err)
}

func TestPostgresStore_ListOrders(t *testing.T) {
	store, mock := setupPostgresMock(t)
	newer, err := json.Marshal(testOrder("o2"))
	require.NoError(t, err)
	older, err := json.Marshal(testOrder("o1"))
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT body FROM orders WHERE user_id = $1 ORDER BY created_at DESC")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(newer).AddRow(older))

	orders, err := store.ListOrders(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "o2", orders[0].ID)
	assert.Equal(t, domain.Units(3), orders[1].Lines[0].Quantity)
}

func TestPostgresStore_ListOrdersEmpty(t *testing.T) {
	store, mock := setupPostgresMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT body FROM orders")).
		WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows([]string{"body"}))

	orders, err := store.ListOrders(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestPostgresStore_CommitOrderStockConflictRollsBack(t *testing.T) {
	store, mock := setupPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO orders")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE products")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.CommitOrder(context.Background(), testOrder("o1"), []StockDecrement{
		{ProductID: "milk", Quantity: domain.Units(3), ExpectedStock: domain.Units(5)},
	})
	assert.ErrorIs(t, err, ErrStockConflict)
}

func TestPostgresStore_CommitOrderDuplicate(t *testing.T) {
	store, mock := setupPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO orders")).WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := store.CommitOrder(context.Background(), testOrder("o1"), nil)
	assert.ErrorIs(t, err, ErrDuplicateOrder)
}

func TestPostgresStore_ErrorClassification(t *testing.T) {
	store, mock := setupPostgresMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT body FROM orders")).WillReturnError(errors.New("connection reset by peer"))
	_, err := store.GetOrder(context.Background(), "o1")
	assert.ErrorIs(t, err, domain.ErrNetwork)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT body FROM orders")).WillReturnError(&pq.Error{Code: "28P01"})
	_, err = store.GetOrder(context.Background(), "o1")
	assert.ErrorIs(t, err, domain.ErrAuthExpired)
}
